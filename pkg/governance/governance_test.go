package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/model"
)

func TestFilterEvent_BlocksDomain(t *testing.T) {
	f := New(config.GovernanceCfg{BlockDomains: []string{"finance"}})
	v := f.FilterEvent(model.Event{Domain: "finance", Category: "fraud"})
	assert.False(t, v.Allowed)
}

func TestFilterEvent_BlocksCategory(t *testing.T) {
	f := New(config.GovernanceCfg{BlockCategories: []string{"noise"}})
	v := f.FilterEvent(model.Event{Domain: "airspace", Category: "noise"})
	assert.False(t, v.Allowed)
}

func TestApplyCap_LowersSeverityInsteadOfDropping(t *testing.T) {
	f := New(config.GovernanceCfg{SeverityCaps: map[string]string{"airspace": "warning"}})

	ev, capped := f.ApplyCap(model.Event{Domain: "airspace", Category: "x", Severity: model.SeverityCritical})
	assert.True(t, capped)
	assert.Equal(t, model.SeverityWarning, ev.Severity)

	// FilterEvent never drops on cap breach — only block_domains/block_categories do.
	v := f.FilterEvent(model.Event{Domain: "airspace", Category: "x", Severity: model.SeverityCritical})
	assert.True(t, v.Allowed)

	ev, capped = f.ApplyCap(model.Event{Domain: "airspace", Category: "x", Severity: model.SeverityNotice})
	assert.False(t, capped)
	assert.Equal(t, model.SeverityNotice, ev.Severity)
}

func TestFilterTask_ForbidsAction(t *testing.T) {
	f := New(config.GovernanceCfg{ForbidActions: []string{"terminate_entity"}})
	v := f.FilterTask(model.TaskRecommendation{Action: "terminate_entity"})
	assert.False(t, v.Allowed)

	v = f.FilterTask(model.TaskRecommendation{Action: "notify_operator"})
	assert.True(t, v.Allowed)
}
