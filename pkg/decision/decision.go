// Package decision turns open events into task recommendations and
// evaluates their approval state (spec §4.5): base investigate tasks,
// infrastructure-mapping fan-out, and HMAC-signed RBAC approval.
package decision

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sort"

	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/model"
)

// Counts feeds the decision_done audit entry.
type Counts struct {
	Approved       int
	Pending        int
	GeneratedInfra int
}

// Engine evaluates Decision for a run.
type Engine struct {
	humanLoop      config.HumanLoopCfg
	rbac           config.RBACCfg
	infrastructure config.InfrastructureCfg
}

func NewEngine(humanLoop config.HumanLoopCfg, rbac config.RBACCfg, infra config.InfrastructureCfg) *Engine {
	return &Engine{humanLoop: humanLoop, rbac: rbac, infrastructure: infra}
}

// Run produces tasks for every event it is given (Rules emits events with
// status open; the status is not re-checked here), in event-emission
// order, and evaluates approval for each.
func (e *Engine) Run(events []model.Event, activeApprovers []config.ActiveApprover) ([]model.TaskRecommendation, Counts) {
	var tasks []model.TaskRecommendation
	var counts Counts

	for _, ev := range events {
		base := e.buildBaseTask(ev)
		e.evaluateApproval(&base, activeApprovers)
		tallyStatus(&counts, base.Status)
		tasks = append(tasks, base)

		for _, t := range e.buildInfraTasks(ev) {
			e.evaluateApproval(&t, activeApprovers)
			tallyStatus(&counts, t.Status)
			counts.GeneratedInfra++
			tasks = append(tasks, t)
		}
	}

	return tasks, counts
}

func tallyStatus(c *Counts, status model.TaskStatus) {
	switch status {
	case model.TaskApproved:
		c.Approved++
	case model.TaskPendingApproval:
		c.Pending++
	}
}

// Rank/priority mapping per spec §4.5: priority = max(1, 5 - rank).
func priorityForRank(rank int) int {
	p := 5 - rank
	if p < 1 {
		return 1
	}
	return p
}

func confidenceForRank(rank int) float64 {
	c := 0.5 + 0.1*float64(rank)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

func (e *Engine) buildBaseTask(ev model.Event) model.TaskRecommendation {
	tenant := ev.Tenant
	if tenant == "" {
		tenant = "default"
	}
	assignee := ev.Domain
	if assignee == "multi" {
		assignee = "land"
	}

	rank := ev.Severity.Rank()
	t := model.TaskRecommendation{
		ID:             "task_" + ev.ID,
		EventID:        ev.ID,
		Action:         "investigate",
		AssigneeDomain: assignee,
		Priority:       priorityForRank(rank),
		Rationale:      ev.Summary + " (severity=" + string(ev.Severity) + ", domain=" + ev.Domain + ")",
		Confidence:     confidenceForRank(rank),
		Tenant:         tenant,
		SourceSeverity: ev.Severity,
	}
	e.resolveRequirements(&t)
	return t
}

func (e *Engine) buildInfraTasks(ev model.Event) []model.TaskRecommendation {
	var out []model.TaskRecommendation
	tenant := ev.Tenant
	if tenant == "" {
		tenant = "default"
	}
	rank := ev.Severity.Rank()

	for _, mapping := range e.infrastructure.Mappings {
		if mapping.Match.Category != "" && mapping.Match.Category != ev.Category {
			continue
		}
		if mapping.Match.Domain != "" && mapping.Match.Domain != ev.Domain {
			continue
		}
		for _, tmpl := range mapping.Tasks {
			assignee := tmpl.AssigneeDomain
			if assignee == "" {
				assignee = ev.Domain
			}
			t := model.TaskRecommendation{
				ID:                 "task_" + ev.ID + "_" + tmpl.Action + "_" + tmpl.AssetID,
				EventID:            ev.ID,
				Action:             tmpl.Action,
				AssigneeDomain:     assignee,
				Priority:           priorityForRank(rank),
				Rationale:          ev.Summary + " (infrastructure=" + tmpl.InfrastructureType + ")",
				Confidence:         confidenceForRank(rank),
				InfrastructureType: tmpl.InfrastructureType,
				AssetID:            tmpl.AssetID,
				Tenant:             tenant,
				SourceSeverity:     ev.Severity,
			}
			t.RequiredRoles = append(t.RequiredRoles, tmpl.RequiredRoles...)
			if tmpl.MinApprovals > t.MinApprovals {
				t.MinApprovals = tmpl.MinApprovals
			}
			e.resolveRequirements(&t)
			out = append(out, t)
		}
	}
	return out
}

// resolveRequirements computes requires_approval, required_roles (union)
// and min_approvals (max) per spec §4.5.
func (e *Engine) resolveRequirements(t *model.TaskRecommendation) {
	t.RequiresApproval = e.humanLoop.DefaultRequireApproval || contains(e.humanLoop.DomainRequireApproval, t.AssigneeDomain)

	roleSet := make(map[string]bool)
	for _, r := range t.RequiredRoles {
		roleSet[r] = true
	}
	for _, r := range e.rbac.RequiredRoles[t.AssigneeDomain] {
		roleSet[r] = true
	}

	minApprovals := t.MinApprovals
	if e.rbac.MinApprovals > minApprovals {
		minApprovals = e.rbac.MinApprovals
	}
	if req, ok := e.rbac.ActionRequirements[t.Action]; ok {
		for _, r := range req.RequiredRoles {
			roleSet[r] = true
		}
		if req.MinApprovals > minApprovals {
			minApprovals = req.MinApprovals
		}
	}
	if req, ok := e.infrastructure.ActionDefaults[t.Action]; ok {
		for _, r := range req.RequiredRoles {
			roleSet[r] = true
		}
		if req.MinApprovals > minApprovals {
			minApprovals = req.MinApprovals
		}
	}

	roles := make([]string, 0, len(roleSet))
	for r := range roleSet {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	t.RequiredRoles = roles
	t.MinApprovals = minApprovals
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// evaluateApproval resolves a task's approval state using signed tokens
// from each active approver (spec §4.5).
func (e *Engine) evaluateApproval(t *model.TaskRecommendation, activeApprovers []config.ActiveApprover) {
	if !t.RequiresApproval {
		t.Status = model.TaskApproved
		return
	}

	message := t.EventID + ":" + t.AssigneeDomain + ":" + t.Action + ":" + t.Tenant

	approverByID := make(map[string]config.Approver, len(e.rbac.Approvers))
	for _, a := range e.rbac.Approvers {
		approverByID[a.ID] = a
	}

	validRoleSet := make(map[string]bool)
	validCount := 0
	var approvedBy []string

	for _, active := range activeApprovers {
		rec, ok := approverByID[active.ID]
		if !ok {
			continue
		}
		expected := signToken(rec.Secret, message)
		if hmac.Equal([]byte(expected), []byte(active.Token)) {
			validCount++
			approvedBy = append(approvedBy, active.ID)
			for _, r := range rec.Roles {
				validRoleSet[r] = true
			}
		}
	}

	rolesSatisfied := true
	for _, r := range t.RequiredRoles {
		if !validRoleSet[r] {
			rolesSatisfied = false
			break
		}
	}

	autoApproves := validCount >= t.MinApprovals && rolesSatisfied && (e.humanLoop.AutoApprove || validCount > 0)

	if !autoApproves && t.MinApprovals == 0 && e.humanLoop.AllowUnsignedAutoApprove && len(t.RequiredRoles) == 0 {
		t.Status = model.TaskApproved
		t.ApprovedBy = e.humanLoop.Approver
		return
	}

	if autoApproves {
		t.Status = model.TaskApproved
		t.ApprovedBy = joinComma(approvedBy)
		return
	}

	t.Status = model.TaskPendingApproval
}

func joinComma(vals []string) string {
	sort.Strings(vals)
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

// SignToken computes the approval token for (message, secret) per spec
// §4.5/§6: base64url_nopad(HMAC-SHA256(secret, message)).
func SignToken(secret, message string) string {
	return signToken(secret, message)
}

func signToken(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
