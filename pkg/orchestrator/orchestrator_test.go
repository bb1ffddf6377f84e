package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/errs"
	"github.com/aegis-oss/aegis/pkg/export"
	"github.com/aegis-oss/aegis/pkg/ingest"
	"github.com/aegis-oss/aegis/pkg/rules"
)

// TestRun_S1_BasicCriticalEventToPending exercises spec scenario S1
// end-to-end: a single port-scan reading, no active approver, default
// require-approval -> one event and one pending task, zero approved.
func TestRun_S1_BasicCriticalEventToPending(t *testing.T) {
	dir := t.TempDir()
	scenarioPath := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(scenarioPath, []byte(`
sensor_readings:
  - id: r1
    sensor_id: s1
    domain: cyber
    source_type: netflow
    ts_ms: 1000
    details:
      scan_count: 25
      track_id: t
`), 0o644))

	cfg := &config.Config{
		Pipeline: config.Pipeline{
			HumanLoop: config.HumanLoopCfg{DefaultRequireApproval: true},
			Export:    config.ExportCfg{Formats: []string{"json"}},
		},
		Audit: config.AuditCfg{Path: filepath.Join(dir, "audit_log.jsonl")},
	}

	rs := []rules.Rule{{
		ID:   "port_scan",
		When: rules.When{Condition: &rules.Condition{Kind: "port_scan", Threshold: 20.0}},
		Then: rules.Then{Category: "intrusion", Severity: "critical", Summary: "port scan detected"},
	}}

	err := Run(context.Background(), Options{
		Cfg:    cfg,
		Source: ingest.ScenarioSource{Path: scenarioPath},
		Rules:  rs,
		OutDir: dir,
	})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "events.json"))
	require.NoError(t, err)
	var payload export.Payload
	require.NoError(t, json.Unmarshal(b, &payload))

	assert.Len(t, payload.Events, 1)
	assert.Len(t, payload.PendingTasks, 1)
	assert.Empty(t, payload.Tasks)
}

// TestRun_S6_VerifyOnStartRejectsTamperedAuditLog drives spec scenario S6
// end-to-end through Run itself (not just the lower-level audit package):
// a prior run's audit log is tampered, then a rerun with
// audit.verify_on_start=true must fail closed with an AuditTampered error
// whose exit code is 3.
func TestRun_S6_VerifyOnStartRejectsTamperedAuditLog(t *testing.T) {
	dir := t.TempDir()
	scenarioPath := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(scenarioPath, []byte(`
sensor_readings:
  - id: r1
    sensor_id: s1
    domain: cyber
    source_type: netflow
    ts_ms: 1000
    details:
      scan_count: 25
      track_id: t
`), 0o644))

	auditPath := filepath.Join(dir, "audit_log.jsonl")
	baseCfg := func() *config.Config {
		return &config.Config{
			Pipeline: config.Pipeline{
				HumanLoop: config.HumanLoopCfg{DefaultRequireApproval: true},
				Export:    config.ExportCfg{Formats: []string{"json"}},
			},
			Audit: config.AuditCfg{Path: auditPath},
		}
	}

	rs := []rules.Rule{{
		ID:   "port_scan",
		When: rules.When{Condition: &rules.Condition{Kind: "port_scan", Threshold: 20.0}},
		Then: rules.Then{Category: "intrusion", Severity: "critical", Summary: "port scan detected"},
	}}

	require.NoError(t, Run(context.Background(), Options{
		Cfg:    baseCfg(),
		Source: ingest.ScenarioSource{Path: scenarioPath},
		Rules:  rs,
		OutDir: dir,
	}))

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	tampered := append([]byte{}, raw...)
	for i, b := range tampered {
		if b == '1' {
			tampered[i] = '9'
			break
		}
	}
	require.NoError(t, os.WriteFile(auditPath, tampered, 0o644))

	cfg := baseCfg()
	cfg.Audit.VerifyOnStart = true
	err = Run(context.Background(), Options{
		Cfg:    cfg,
		Source: ingest.ScenarioSource{Path: scenarioPath},
		Rules:  rs,
		OutDir: dir,
	})
	require.Error(t, err)

	e, ok := err.(*errs.Error)
	require.True(t, ok, "Run must surface a typed *errs.Error on verify-on-start failure")
	assert.Equal(t, errs.CategoryAuditTampered, e.Cat)
	assert.Equal(t, 3, e.Cat.ExitCode())
}
