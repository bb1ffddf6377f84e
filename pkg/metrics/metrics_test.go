package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_IncludesCounters(t *testing.T) {
	rec := NewRecorder()
	rec.ReadingsIngested.Add(3)
	rec.GuardrailDrops.WithLabelValues("per_domain").Inc()

	out, err := rec.Render()
	require.NoError(t, err)
	text := string(out)
	assert.True(t, strings.Contains(text, "aegis_readings_ingested_total 3"))
	assert.True(t, strings.Contains(text, "aegis_guardrail_drops_total"))
}

func TestNewRecorder_FreshRegistryPerInstance(t *testing.T) {
	r1 := NewRecorder()
	r2 := NewRecorder()
	r1.EventsEmitted.Inc()

	out2, err := r2.Render()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out2), "aegis_events_emitted_total 0"))
}
