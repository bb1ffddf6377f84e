// Package guardrail enforces ordered task caps and risk-budget throttling
// on approved tasks (spec §4.6): per-event, per-domain, total, and
// per-asset-infra caps (with glob patterns), followed by a risk-budget
// check that can roll a task back to risk_hold.
package guardrail

import (
	"context"

	"github.com/gobwas/glob"
	"golang.org/x/time/rate"

	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/errs"
	"github.com/aegis-oss/aegis/pkg/model"
	"github.com/aegis-oss/aegis/pkg/riskstore"
)

// newBurstLimiter builds a token-bucket limiter whose burst is the cap
// itself and whose fill rate is zero: within a single run's guardrail pass
// there is no elapsed wall-clock time to refill against, so the limiter's
// only role is to hand out exactly n admissions, in call order, before it
// starts refusing (spec §4.6's "keep the first N").
func newBurstLimiter(n int) *rate.Limiter {
	return rate.NewLimiter(0, n)
}

// Drop records one cap breach for the guardrail_drop audit entry.
type Drop struct {
	Rule         string
	DroppedCount int
}

// Result is the outcome of applying guardrails to a batch of approved tasks.
type Result struct {
	Kept        []model.TaskRecommendation
	RiskHeld    []model.TaskRecommendation
	Drops       []Drop
	HealthAlert bool
}

// Engine applies rate limits and risk-budget holds.
type Engine struct {
	cfg   config.GuardrailsCfg
	store *riskstore.Store
}

func New(cfg config.GuardrailsCfg, store *riskstore.Store) *Engine {
	return &Engine{cfg: cfg, store: store}
}

// Apply runs the full ordered cap pipeline then the risk budget check.
// tasks must already be filtered to status=approved, in decision-emission
// order.
func (e *Engine) Apply(ctx context.Context, tasks []model.TaskRecommendation, nowEpoch int64) (Result, error) {
	res := Result{Kept: tasks}
	totalIn := len(tasks)

	res.Kept, _ = capPerEvent(res.Kept, e.cfg.RateLimits.PerEvent, &res.Drops)
	res.Kept, _ = capPerDomain(res.Kept, e.cfg.RateLimits.PerDomain, &res.Drops)
	res.Kept, _ = capTotal(res.Kept, e.cfg.RateLimits.Total, &res.Drops)
	res.Kept, _ = capPerAssetInfra(res.Kept, e.cfg.RateLimits.PerAssetInfra, e.cfg.RateLimits.PerAssetInfraPatterns, &res.Drops)

	droppedSum := 0
	for _, d := range res.Drops {
		droppedSum += d.DroppedCount
	}
	if totalIn > 0 && e.cfg.HealthAlertDropRatio > 0 {
		ratio := float64(droppedSum) / float64(totalIn)
		res.HealthAlert = ratio > e.cfg.HealthAlertDropRatio
	}

	if e.store != nil {
		kept, held, err := e.applyRiskBudget(ctx, res.Kept, nowEpoch)
		if err != nil {
			return Result{}, err
		}
		res.Kept = kept
		res.RiskHeld = held
	}

	return res, nil
}

func capPerEvent(tasks []model.TaskRecommendation, n int, drops *[]Drop) ([]model.TaskRecommendation, int) {
	if n <= 0 {
		return tasks, 0
	}
	counts := make(map[string]int)
	var kept []model.TaskRecommendation
	dropped := 0
	for _, t := range tasks {
		if counts[t.EventID] < n {
			counts[t.EventID]++
			kept = append(kept, t)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		*drops = append(*drops, Drop{Rule: "per_event", DroppedCount: dropped})
	}
	return kept, dropped
}

func capPerDomain(tasks []model.TaskRecommendation, limits map[string]int, drops *[]Drop) ([]model.TaskRecommendation, int) {
	if len(limits) == 0 {
		return tasks, 0
	}
	limiters := make(map[string]*rate.Limiter, len(limits))
	for domain, n := range limits {
		limiters[domain] = newBurstLimiter(n)
	}

	var kept []model.TaskRecommendation
	dropped := 0
	for _, t := range tasks {
		lim, ok := limiters[t.AssigneeDomain]
		if !ok {
			kept = append(kept, t)
			continue
		}
		if lim.Allow() {
			kept = append(kept, t)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		*drops = append(*drops, Drop{Rule: "per_domain", DroppedCount: dropped})
	}
	return kept, dropped
}

func capTotal(tasks []model.TaskRecommendation, n int, drops *[]Drop) ([]model.TaskRecommendation, int) {
	if n <= 0 {
		return tasks, 0
	}
	lim := newBurstLimiter(n)
	var kept []model.TaskRecommendation
	dropped := 0
	for _, t := range tasks {
		if lim.Allow() {
			kept = append(kept, t)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		*drops = append(*drops, Drop{Rule: "total", DroppedCount: dropped})
	}
	return kept, dropped
}

func capPerAssetInfra(tasks []model.TaskRecommendation, exact map[string]int, patterns []config.AssetPattern, drops *[]Drop) ([]model.TaskRecommendation, int) {
	if len(exact) == 0 && len(patterns) == 0 {
		return tasks, 0
	}

	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p.Pattern)
		if err == nil {
			compiled = append(compiled, g)
		}
	}

	counts := make(map[string]int)
	var kept []model.TaskRecommendation
	dropped := 0
	for _, t := range tasks {
		if !t.IsInfrastructure() {
			kept = append(kept, t)
			continue
		}
		limit, ok := exact[t.AssetID]
		if !ok {
			for i, g := range compiled {
				if g.Match(t.AssetID) {
					limit = patterns[i].N
					ok = true
					break
				}
			}
		}
		if !ok {
			kept = append(kept, t)
			continue
		}
		if counts[t.AssetID] < limit {
			counts[t.AssetID]++
			kept = append(kept, t)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		*drops = append(*drops, Drop{Rule: "per_asset_infra", DroppedCount: dropped})
	}
	return kept, dropped
}

// applyRiskBudget increments the tenant risk counter for each
// critical-severity task whose tenant has a configured risk budget (tasks
// of tenants without one are kept uncounted); tasks that push the counter over budget roll back to risk_hold
// with an exponentially backed-off hold window (spec §4.6).
func (e *Engine) applyRiskBudget(ctx context.Context, tasks []model.TaskRecommendation, nowEpoch int64) ([]model.TaskRecommendation, []model.TaskRecommendation, error) {
	var kept, held []model.TaskRecommendation

	for _, t := range tasks {
		if t.SourceSeverity != model.SeverityCritical {
			kept = append(kept, t)
			continue
		}

		budget, ok := e.cfg.RiskBudgets[t.Tenant]
		if !ok {
			kept = append(kept, t)
			continue
		}

		snap, err := e.store.Increment(ctx, t.Tenant, "critical", 1, int64(budget.WindowSec), nowEpoch)
		if err != nil {
			return nil, nil, errs.Store(t.Tenant, err)
		}

		if snap.Count <= budget.Max {
			kept = append(kept, t)
			continue
		}

		holdSnap, err := e.store.ApplyHold(ctx, t.Tenant, "critical", int64(e.cfg.RiskBackoffBaseSec), nowEpoch)
		if err != nil {
			return nil, nil, errs.Store(t.Tenant, err)
		}

		t.Status = model.TaskRiskHold
		t.HoldReason = "risk_budget_exceeded"
		t.HoldUntilEpoch = holdSnap.HoldUntilEpoch
		held = append(held, t)
	}

	return kept, held, nil
}
