// Package autonomy clusters approved tasks into a per-domain plan
// (spec §4.7): grouped by assignee domain, ordered by priority then id.
package autonomy

import (
	"sort"

	"github.com/aegis-oss/aegis/pkg/model"
)

// BuildPlan groups approved tasks by assignee domain and sorts each group
// by priority ascending, then task id, for deterministic output (spec §5).
func BuildPlan(tasks []model.TaskRecommendation) model.Plan {
	plan := make(model.Plan)
	for _, t := range tasks {
		plan[t.AssigneeDomain] = append(plan[t.AssigneeDomain], model.PlanEntry{
			ID:       t.ID,
			EventID:  t.EventID,
			Priority: t.Priority,
		})
	}
	for domain := range plan {
		entries := plan[domain]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Priority != entries[j].Priority {
				return entries[i].Priority < entries[j].Priority
			}
			return entries[i].ID < entries[j].ID
		})
		plan[domain] = entries
	}
	return plan
}

// Domains returns the plan's domain keys in sorted order, for the
// autonomy_plan audit entry (spec §4.7).
func Domains(plan model.Plan) []string {
	keys := make([]string, 0, len(plan))
	for k := range plan {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
