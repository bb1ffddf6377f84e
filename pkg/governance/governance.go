// Package governance applies the pre-decision and post-decision policy
// filters (spec §4.4): domain/category blocks, severity caps ahead of
// Decision, and forbidden actions after it. Every filter decision carries a
// trace of which rule fired, mirroring a policy-decision-point's reasoning
// without embedding a general expression evaluator.
package governance

import (
	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/model"
)

// Verdict is the outcome of filtering one Event or TaskRecommendation.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Filter evaluates both halves of the governance policy.
type Filter struct {
	cfg config.GovernanceCfg

	blockDomains    map[string]bool
	blockCategories map[string]bool
	forbidActions   map[string]bool
}

// New builds a Filter from the governance section of the config.
func New(cfg config.GovernanceCfg) *Filter {
	f := &Filter{
		cfg:             cfg,
		blockDomains:    toSet(cfg.BlockDomains),
		blockCategories: toSet(cfg.BlockCategories),
		forbidActions:   toSet(cfg.ForbidActions),
	}
	return f
}

func toSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// FilterEvent applies the pre-decision block filter (spec §4.4): events
// from a blocked domain or category are dropped before Decision ever sees
// them. Severity caps are a separate, non-dropping concern — see
// ApplyCap — since a capped event still proceeds to Decision, only with
// its severity lowered.
func (f *Filter) FilterEvent(ev model.Event) Verdict {
	if f.blockDomains[ev.Domain] {
		return Verdict{Allowed: false, Reason: "domain blocked: " + ev.Domain}
	}
	if f.blockCategories[ev.Category] {
		return Verdict{Allowed: false, Reason: "category blocked: " + ev.Category}
	}
	return Verdict{Allowed: true}
}

// ApplyCap lowers ev's severity to its domain's configured cap, if one is
// set and the event exceeds it. Returns the (possibly unchanged) event and
// whether it was capped.
func (f *Filter) ApplyCap(ev model.Event) (model.Event, bool) {
	cap, ok := f.cfg.SeverityCaps[ev.Domain]
	if !ok {
		return ev, false
	}
	capSeverity := model.Normalize(cap)
	if ev.Severity.Rank() <= capSeverity.Rank() {
		return ev, false
	}
	ev.Severity = capSeverity
	return ev, true
}

// FilterTask applies the post-decision filter (spec §4.4): actions named in
// forbid_actions are rejected outright regardless of how Decision resolved
// approval, since these are hard governance limits, not approvable risk.
func (f *Filter) FilterTask(t model.TaskRecommendation) Verdict {
	if f.forbidActions[t.Action] {
		return Verdict{Allowed: false, Reason: "action forbidden: " + t.Action}
	}
	return Verdict{Allowed: true}
}
