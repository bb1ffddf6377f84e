// Package orchestrator sequences the ten pipeline stages over a shared
// per-run context (spec §2/§5): it brackets the run with
// run_start/run_done/run_failed/run_cancelled audit entries, writes one
// audit entry after each stage completes (ingest_done, fusion_done,
// governance_filter, decision_done, autonomy_plan, ...), and honors
// cancellation. No <stage>_start entries are written. Fatal errors are
// returned as pkg/errs values; cmd/aegis maps them to exit codes.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegis-oss/aegis/pkg/audit"
	"github.com/aegis-oss/aegis/pkg/autonomy"
	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/decision"
	"github.com/aegis-oss/aegis/pkg/errs"
	"github.com/aegis-oss/aegis/pkg/export"
	"github.com/aegis-oss/aegis/pkg/fusion"
	"github.com/aegis-oss/aegis/pkg/governance"
	"github.com/aegis-oss/aegis/pkg/guardrail"
	"github.com/aegis-oss/aegis/pkg/ingest"
	"github.com/aegis-oss/aegis/pkg/metrics"
	"github.com/aegis-oss/aegis/pkg/model"
	"github.com/aegis-oss/aegis/pkg/riskstore"
	"github.com/aegis-oss/aegis/pkg/rules"
)

// Options bundles everything a single run needs beyond the config tree.
type Options struct {
	Cfg            *config.Config
	ConfigHash     string
	Source         ingest.Source
	Rules          []rules.Rule
	ActiveApprovers []config.ActiveApprover
	OutDir         string
	Log            *slog.Logger
	Now            func() time.Time
}

// Run executes one full pipeline pass: Ingest, Fusion, Rules, Governance
// (pre-decision), Decision, Governance (post-decision), Guardrails,
// Autonomy, Export — bracketed with audit entries per spec §9.
func Run(ctx context.Context, opts Options) error {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	auditLog, err := audit.Open(audit.Options{
		Path:           opts.Cfg.Audit.Path,
		Actor:          opts.Cfg.Audit.Actor,
		SignSecret:     opts.Cfg.Audit.SignSecret,
		VerifyOnStart:  opts.Cfg.Audit.VerifyOnStart,
		RequireSigning: opts.Cfg.Audit.RequireSigning,
	})
	if err != nil {
		return err
	}
	defer auditLog.Close()

	if _, err := auditLog.Append("run_start", map[string]interface{}{"config_hash": opts.ConfigHash}); err != nil {
		return err
	}

	if err := runStages(ctx, opts, auditLog); err != nil {
		if e, ok := err.(*errs.Error); ok && e.Cat.Fatal() {
			_, _ = auditLog.Append("run_failed", map[string]interface{}{"error": e.Error()})
			return err
		}
		_, _ = auditLog.Append("run_failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	if ctx.Err() != nil {
		_, _ = auditLog.Append("run_cancelled", nil)
		return ctx.Err()
	}

	_, err = auditLog.Append("run_done", nil)
	return err
}

func runStages(ctx context.Context, opts Options, auditLog *audit.Log) error {
	cfg := opts.Cfg
	rec := metrics.NewRecorder()

	// --- Ingest ---
	readings, err := opts.Source.Read(ctx)
	if err != nil {
		if err == ingest.ErrAdapterUnavailable {
			_, _ = auditLog.Append("ingest_modules_skipped", nil)
			readings = nil
		} else {
			return err
		}
	}
	rec.ReadingsIngested.Add(float64(len(readings)))
	ingestPayload := map[string]interface{}{
		"count": len(readings), "mode": cfg.Pipeline.Ingest.Mode,
	}
	if ts, ok := opts.Source.(*ingest.TailSource); ok {
		ingestPayload["malformed_count"] = ts.MalformedCount
	}
	if _, err := auditLog.Append("ingest_done", ingestPayload); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	// --- Fusion ---
	fusionRes := fusion.Run(readings)
	if _, err := auditLog.Append("fusion_done", map[string]interface{}{
		"tracks": len(fusionRes.Tracks), "domains": len(fusionRes.DomainCounts),
	}); err != nil {
		return err
	}

	// --- Rules ---
	engine := rules.NewEngine(opts.Rules)
	events, err := engine.Evaluate(readings)
	if err != nil {
		return err
	}

	// --- Governance (pre-decision) ---
	gov := governance.New(cfg.Pipeline.Governance)
	var governedEvents []model.Event
	var blockedCount, cappedCount int
	for _, ev := range events {
		v := gov.FilterEvent(ev)
		if !v.Allowed {
			blockedCount++
			continue
		}
		if capped, wasCapped := gov.ApplyCap(ev); wasCapped {
			ev = capped
			cappedCount++
		}
		governedEvents = append(governedEvents, ev)
	}
	rec.EventsEmitted.Add(float64(len(governedEvents)))
	if _, err := auditLog.Append("governance_filter", map[string]interface{}{
		"blocked": blockedCount, "capped": cappedCount,
	}); err != nil {
		return err
	}

	// --- Decision ---
	decisionEngine := decision.NewEngine(cfg.Pipeline.HumanLoop, cfg.Pipeline.RBAC, cfg.Pipeline.Infrastructure)
	tasks, counts := decisionEngine.Run(governedEvents, opts.ActiveApprovers)
	if _, err := auditLog.Append("decision_done", map[string]interface{}{
		"approved": counts.Approved, "pending": counts.Pending, "generated_infra": counts.GeneratedInfra,
	}); err != nil {
		return err
	}

	// --- Governance (post-decision) ---
	var approved, pending []model.TaskRecommendation
	var forbidden int
	for _, t := range tasks {
		if t.Status != model.TaskApproved {
			pending = append(pending, t)
			continue
		}
		v := gov.FilterTask(t)
		if !v.Allowed {
			forbidden++
			if _, err := auditLog.Append("governance_forbid", map[string]interface{}{
				"task_id": t.ID, "action": t.Action,
			}); err != nil {
				return err
			}
			continue
		}
		approved = append(approved, t)
	}

	// --- Guardrails ---
	var store *riskstore.Store
	if cfg.Pipeline.Guardrails.RiskStorePath != "" {
		store, err = riskstore.Open(cfg.Pipeline.Guardrails.RiskStorePath)
		if err != nil {
			return err
		}
		defer store.Close()
	}
	guard := guardrail.New(cfg.Pipeline.Guardrails, store)
	guardResult, err := guard.Apply(ctx, approved, now().Unix())
	if err != nil {
		return err
	}
	for _, d := range guardResult.Drops {
		rec.GuardrailDrops.WithLabelValues(d.Rule).Inc()
		if _, err := auditLog.Append("guardrail_drop", map[string]interface{}{
			"rule": d.Rule, "dropped_count": d.DroppedCount,
		}); err != nil {
			return err
		}
	}
	if guardResult.HealthAlert {
		if _, err := auditLog.Append("guardrail_health_alert", nil); err != nil {
			return err
		}
	}
	for range guardResult.RiskHeld {
		rec.TasksRiskHeld.Inc()
	}
	if len(guardResult.RiskHeld) > 0 {
		if _, err := auditLog.Append("risk_held", map[string]interface{}{"count": len(guardResult.RiskHeld)}); err != nil {
			return err
		}
	}
	rec.TasksApproved.Add(float64(len(guardResult.Kept)))
	rec.TasksPending.Add(float64(len(pending)))

	// --- Autonomy ---
	plan := autonomy.BuildPlan(guardResult.Kept)
	if _, err := auditLog.Append("autonomy_plan", map[string]interface{}{
		"domains": autonomy.Domains(plan),
	}); err != nil {
		return err
	}

	// --- Export ---
	payload := export.Payload{
		Events:        governedEvents,
		Tasks:         guardResult.Kept,
		PendingTasks:  pending,
		RiskHeldTasks: guardResult.RiskHeld,
	}
	failures, err := export.Run(ctx, export.Options{
		OutDir:   opts.OutDir,
		Formats:  cfg.Pipeline.Export.Formats,
		Config:   cfg.Pipeline.Export,
		Recorder: rec,
	}, payload)
	if err != nil {
		return err
	}
	for _, f := range failures {
		rec.ExportFailures.WithLabelValues(f.Sink).Inc()
		if _, err := auditLog.Append("export_failed", map[string]interface{}{
			"sink": f.Sink, "category": f.Category, "error": f.Err.Error(),
		}); err != nil {
			return err
		}
	}

	return nil
}
