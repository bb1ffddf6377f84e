// Package export writes run artifacts to the configured sinks (spec
// §4.8): json, stdout, metrics, stix, task_jsonl, infrastructure, and
// webhook. Sinks run concurrently and are independently fault-isolated —
// one sink's failure never prevents the others from completing.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/metrics"
	"github.com/aegis-oss/aegis/pkg/model"
)

// Payload is the full run output shared by the json/stdout/webhook sinks.
type Payload struct {
	Events        []model.Event              `json:"events"`
	Tasks         []model.TaskRecommendation `json:"tasks"`
	PendingTasks  []model.TaskRecommendation `json:"pending_tasks"`
	RiskHeldTasks []model.TaskRecommendation `json:"risk_held_tasks"`
}

// Failure records one sink's failure for the export_failed audit entry.
type Failure struct {
	Sink     string
	Category string
	Err      error
}

// Stix is the out-of-scope external STIX bundle serializer (spec §1/§4.8);
// only its interface is specified. The default implementation is a no-op.
type Stix interface {
	Serialize(p Payload) ([]byte, error)
}

type noopStix struct{}

func (noopStix) Serialize(Payload) ([]byte, error) { return []byte("{}"), nil }

// NoopStix is the default Stix serializer used when no external
// collaborator is wired in.
var NoopStix Stix = noopStix{}

// Options configures a Run.
type Options struct {
	OutDir   string
	Formats  []string
	Config   config.ExportCfg
	Recorder *metrics.Recorder
	Stix     Stix
	Now      func() time.Time
}

// Run writes every configured sink concurrently and collects failures
// without aborting siblings (spec §4.8/§5).
func Run(ctx context.Context, opts Options, payload Payload) ([]Failure, error) {
	if opts.Stix == nil {
		opts.Stix = NoopStix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var failures []Failure
	failCh := make(chan Failure, len(opts.Formats))

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range opts.Formats {
		sink := sink
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failCh <- Failure{Sink: sink, Category: "ExportSinkError", Err: fmt.Errorf("sink panicked: %v", r)}
				}
			}()
			if err := runSink(gctx, sink, opts, payload); err != nil {
				failCh <- Failure{Sink: sink, Category: categoryOf(err), Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(failCh)
	for f := range failCh {
		failures = append(failures, f)
	}
	return failures, nil
}

func categoryOf(err error) string {
	return "ExportSinkError"
}

func runSink(ctx context.Context, sink string, opts Options, payload Payload) error {
	switch sink {
	case "json":
		return writeJSON(filepath.Join(opts.OutDir, "events.json"), payload)
	case "stdout":
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	case "metrics":
		return writeMetrics(filepath.Join(opts.OutDir, "metrics.prom"), opts.Recorder)
	case "stix":
		b, err := opts.Stix.Serialize(payload)
		if err != nil {
			return err
		}
		return atomicWrite(filepath.Join(opts.OutDir, "stix_bundle.json"), b)
	case "task_jsonl":
		return writeTaskJSONL(opts.Config.TaskJSONL, payload.Tasks)
	case "infrastructure":
		return writeInfrastructure(ctx, opts.Config.Infrastructure, payload.Tasks)
	case "webhook":
		return postWebhook(ctx, opts.Config.Webhook, payload)
	default:
		return fmt.Errorf("unknown export sink %q", sink)
	}
}

func writeJSON(path string, payload Payload) error {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, b)
}

func writeMetrics(path string, rec *metrics.Recorder) error {
	if rec == nil {
		return nil
	}
	b, err := rec.Render()
	if err != nil {
		return err
	}
	return atomicWrite(path, b)
}

// atomicWrite writes via a temp file then renames into place (spec §4.8:
// "all export paths are written atomically").
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// writeTaskJSONL appends one approved task per line, first rotating the
// file if it has already reached RotateMaxBytes (spec §4.8).
func writeTaskJSONL(cfg config.TaskJSONLCfg, tasks []model.TaskRecommendation) error {
	if cfg.Path == "" {
		return nil
	}
	lines := make([][]byte, 0, len(tasks))
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		lines = append(lines, b)
	}
	return appendRotating(cfg.Path, cfg.RotateMaxBytes, lines)
}

func writeInfrastructure(ctx context.Context, cfg config.InfrastructureExportCfg, tasks []model.TaskRecommendation) error {
	var infraTasks []model.TaskRecommendation
	for _, t := range tasks {
		if t.IsInfrastructure() {
			infraTasks = append(infraTasks, t)
		}
	}
	if cfg.Path != "" {
		lines := make([][]byte, 0, len(infraTasks))
		for _, t := range infraTasks {
			b, err := json.Marshal(t)
			if err != nil {
				return err
			}
			lines = append(lines, b)
		}
		if err := appendRotating(cfg.Path, cfg.RotateMaxBytes, lines); err != nil {
			return err
		}
	}
	if cfg.HTTP != nil && cfg.HTTP.URL != "" {
		b, err := json.Marshal(infraTasks)
		if err != nil {
			return err
		}
		return postWithRetry(ctx, cfg.HTTP.URL, b, httpRetryCfg{
			Timeout:     secToDuration(cfg.HTTP.TimeoutSeconds),
			Retries:     cfg.HTTP.Retries,
			Backoff:     secToDuration(cfg.HTTP.BackoffSeconds),
			Exponential: false,
			DLQPath:     cfg.HTTP.DLQPath,
		})
	}
	return nil
}

func postWebhook(ctx context.Context, cfg config.WebhookCfg, payload Payload) error {
	if cfg.URL == "" {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return postWithRetry(ctx, cfg.URL, b, httpRetryCfg{
		Timeout:     secToDuration(cfg.TimeoutSeconds),
		Retries:     cfg.Retries,
		Backoff:     secToDuration(cfg.BackoffSeconds),
		Exponential: cfg.Exponential,
		DLQPath:     cfg.DLQPath,
	})
}

func secToDuration(s float64) time.Duration {
	if s <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s * float64(time.Second))
}

// appendRotating appends lines to path, first rolling the existing file to
// a ".1" suffix if it has already reached maxBytes (spec §4.8 "optional
// size-based rollover"). The appended result is written via atomicWrite.
func appendRotating(path string, maxBytes int64, lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if maxBytes > 0 {
		if fi, err := os.Stat(path); err == nil && fi.Size() >= maxBytes {
			_ = os.Rename(path, path+".1")
		}
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var buf bytes.Buffer
	buf.Write(existing)
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	return atomicWrite(path, buf.Bytes())
}

// httpRetryCfg configures postWithRetry's bounded retry discipline
// (spec §4.8/§5: "total attempts ≤ retries + 1").
type httpRetryCfg struct {
	Timeout     time.Duration
	Retries     int
	Backoff     time.Duration
	Exponential bool
	DLQPath     string
}

// postWithRetry POSTs body with bounded retries and backoff, appending the
// payload to DLQPath on final failure.
func postWithRetry(ctx context.Context, url string, body []byte, cfg httpRetryCfg) error {
	client := &http.Client{Timeout: cfg.Timeout}

	var lastErr error
	attempts := cfg.Retries + 1
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("non-success status from %s", url)
		}

		if i == attempts-1 {
			break
		}

		wait := cfg.Backoff
		if cfg.Exponential {
			wait = time.Duration(float64(cfg.Backoff) * math.Pow(2, float64(i)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if cfg.DLQPath != "" {
		if dlqErr := appendRotating(cfg.DLQPath, 0, [][]byte{body}); dlqErr != nil {
			return fmt.Errorf("post failed (%w) and DLQ write failed: %v", lastErr, dlqErr)
		}
	}
	return lastErr
}
