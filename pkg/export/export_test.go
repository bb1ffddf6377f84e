package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/model"
)

func samplePayload() Payload {
	return Payload{
		Events: []model.Event{{ID: "ev1", Category: "x"}},
		Tasks:  []model.TaskRecommendation{{ID: "t1", EventID: "ev1", Action: "investigate"}},
	}
}

func TestRun_JSONSink_WritesFile(t *testing.T) {
	dir := t.TempDir()
	failures, err := Run(context.Background(), Options{
		OutDir:  dir,
		Formats: []string{"json"},
	}, samplePayload())
	require.NoError(t, err)
	assert.Empty(t, failures)

	b, err := os.ReadFile(filepath.Join(dir, "events.json"))
	require.NoError(t, err)
	var p Payload
	require.NoError(t, json.Unmarshal(b, &p))
	assert.Len(t, p.Events, 1)
}

func TestRun_UnknownSinkIsIsolatedFailure(t *testing.T) {
	dir := t.TempDir()
	failures, err := Run(context.Background(), Options{
		OutDir:  dir,
		Formats: []string{"json", "bogus"},
	}, samplePayload())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "bogus", failures[0].Sink)

	_, statErr := os.Stat(filepath.Join(dir, "events.json"))
	assert.NoError(t, statErr, "other sinks must still complete")
}

func TestWriteTaskJSONL_RotatesAtMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"old"}`+"\n"), 0o644))

	err := writeTaskJSONL(config.TaskJSONLCfg{Path: path, RotateMaxBytes: 1}, []model.TaskRecommendation{{ID: "new"}})
	require.NoError(t, err)

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
}

func TestPostWebhook_RetriesThenFailsWithoutDLQ(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dlqPath := filepath.Join(dir, "dlq.jsonl")

	err := postWebhook(context.Background(), config.WebhookCfg{
		URL:            srv.URL,
		TimeoutSeconds: 1,
		Retries:        1,
		BackoffSeconds: 0.01,
	}, samplePayload())
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	_, statErr := os.Stat(dlqPath)
	assert.Error(t, statErr, "dlq path wasn't configured, nothing should be written")
}

func TestPostWebhook_SucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := postWebhook(context.Background(), config.WebhookCfg{
		URL:            srv.URL,
		TimeoutSeconds: 1,
		Retries:        1,
		BackoffSeconds: 0.01,
	}, samplePayload())
	require.NoError(t, err)
}
