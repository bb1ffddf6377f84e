// Package rules evaluates declarative rules over sensor readings to derive
// events (spec §4.3). The condition language is deliberately a closed enum
// switch, not an embeddable expression language — see DESIGN.md.
package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegis-oss/aegis/pkg/canonicalize"
	"github.com/aegis-oss/aegis/pkg/errs"
	"github.com/aegis-oss/aegis/pkg/model"
)

// Condition is one of the closed set of condition kinds spec §4.3 allows.
type Condition struct {
	Kind      string      `yaml:"kind"`
	Threshold interface{} `yaml:"threshold,omitempty"`
	Equals    map[string]interface{} `yaml:"equals,omitempty"`
}

// When is the match predicate half of a rule.
type When struct {
	Domain     string     `yaml:"domain,omitempty"`
	SourceType string     `yaml:"source_type,omitempty"`
	Condition  *Condition `yaml:"condition,omitempty"`
}

// Then is the event-template half of a rule.
type Then struct {
	Category string `yaml:"category"`
	Severity string `yaml:"severity,omitempty"`
	Summary  string `yaml:"summary"`
}

// Rule is one declarative rule (spec §4.3).
type Rule struct {
	ID   string `yaml:"id"`
	When When   `yaml:"when"`
	Then Then   `yaml:"then"`
}

// ruleFile is the on-disk shape: a document whose top-level `rules` key
// holds the list of rules.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile parses a rule file, validating condition kinds up front so an
// unknown kind fails as ConfigError before any reading is ever evaluated
// (spec §9: "Unknown condition strings are a ConfigError").
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config(path, "failed to read rule file: %v", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, errs.Config(path, "failed to parse rule file: %v", err)
	}
	seen := make(map[string]bool, len(rf.Rules))
	for _, r := range rf.Rules {
		if r.ID == "" {
			return nil, errs.Config(path, "rule missing id")
		}
		if seen[r.ID] {
			return nil, errs.Config(path, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if r.When.Condition != nil {
			if err := validateKind(r.When.Condition.Kind); err != nil {
				return nil, errs.Config(path, "rule %q: %v", r.ID, err)
			}
		}
	}
	return rf.Rules, nil
}

func validateKind(kind string) error {
	switch kind {
	case "altitude_below", "night_motion", "port_scan", "keyword", "details_equals":
		return nil
	default:
		return fmt.Errorf("unknown condition kind %q", kind)
	}
}

// Engine evaluates the loaded rule set, in declaration order, against an
// ordered stream of readings.
type Engine struct {
	rules []Rule
}

func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate emits one Event per (reading, matching rule) pair, in (reading
// order, rule order) as spec §4.3 requires. Duplicate event IDs across the
// run are a ConfigError (rule misconfiguration, spec §4.3).
func (e *Engine) Evaluate(readings []model.SensorReading) ([]model.Event, error) {
	events := make([]model.Event, 0, len(readings))
	seen := make(map[string]bool)

	for _, r := range readings {
		for _, rule := range e.rules {
			if !matches(rule.When, r) {
				continue
			}
			ev, err := buildEvent(rule, r)
			if err != nil {
				return nil, err
			}
			if seen[ev.ID] {
				return nil, errs.Config(ev.ID, "duplicate event id produced by rule %q: misconfigured rule set", rule.ID)
			}
			seen[ev.ID] = true
			events = append(events, ev)
		}
	}
	return events, nil
}

func matches(w When, r model.SensorReading) bool {
	if w.Domain != "" && w.Domain != r.Domain {
		return false
	}
	if w.SourceType != "" && w.SourceType != r.SourceType {
		return false
	}
	if w.Condition != nil && !evalCondition(*w.Condition, r.Details) {
		return false
	}
	return true
}

func evalCondition(c Condition, details map[string]interface{}) bool {
	switch c.Kind {
	case "altitude_below":
		threshold, ok := asFloat(c.Threshold)
		if !ok {
			return false
		}
		alt, ok := asFloat(details["altitude_ft"])
		if !ok {
			return false
		}
		return alt < threshold
	case "night_motion":
		v, ok := details["night_motion"].(bool)
		return ok && v
	case "port_scan":
		threshold, ok := asFloat(c.Threshold)
		if !ok {
			return false
		}
		count, ok := asFloat(details["scan_count"])
		if !ok {
			return false
		}
		return count >= threshold
	case "keyword":
		kw, ok := c.Threshold.(string)
		if !ok {
			return false
		}
		text, ok := details["text"].(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(text), strings.ToLower(kw))
	case "details_equals":
		for k, v := range c.Equals {
			if details[k] != v {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// asFloat performs the "typed reads with defaulted coercions" spec §9
// calls for: invalid/missing types evaluate to false, never error.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func buildEvent(rule Rule, r model.SensorReading) (model.Event, error) {
	trackID, _ := r.Details["track_id"].(string)
	entity := trackID
	if entity == "" {
		entity = "unknown"
	}

	detailsHash, err := canonicalize.CanonicalHash(r.Details)
	if err != nil {
		return model.Event{}, errs.Wrap(errs.CategoryInputFormat, r.ID, err)
	}

	severity := model.SeverityInfo
	if rule.Then.Severity != "" {
		severity = model.Normalize(rule.Then.Severity)
	}

	return model.Event{
		ID:       "ev_" + r.ID + "_" + rule.ID,
		Category: rule.Then.Category,
		Severity: severity,
		Status:   model.EventOpen,
		Domain:   r.Domain,
		Summary:  rule.Then.Summary,
		Window:   model.TimeWindow{StartMs: r.TSMs, EndMs: r.TSMs},
		Entities: []string{entity},
		Sources:  []string{r.SensorID},
		Tags:     []string{rule.ID},
		Evidence: []model.Evidence{{
			Type:        "sensor_reading",
			ID:          r.ID,
			Source:      r.SensorID,
			Hash:        detailsHash,
			Observables: r.Details,
		}},
	}, nil
}
