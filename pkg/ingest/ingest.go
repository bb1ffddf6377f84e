// Package ingest produces the ordered SensorReading stream that feeds
// Fusion and Rules (spec §4.1). Three Source implementations share one
// interface: scenario (one-shot document), tail (bounded polling of a
// line-delimited file), and media (delegates to an external adapter).
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-oss/aegis/pkg/errs"
	"github.com/aegis-oss/aegis/pkg/model"
)

// Source produces a batch of sensor readings for one ingest pass.
type Source interface {
	Read(ctx context.Context) ([]model.SensorReading, error)
}

// Result wraps a completed ingest pass with the counters that feed the
// ingest_done audit entry.
type Result struct {
	Readings      []model.SensorReading
	Mode          string
	MalformedCount int
}

var requiredKeys = []string{"id", "sensor_id", "domain", "source_type", "ts_ms"}

// --- scenario ---

// ScenarioSource reads a fixed document of readings, sniffing YAML vs JSON
// by file extension.
type ScenarioSource struct {
	Path string
}

type scenarioDoc struct {
	SensorReadings []map[string]interface{} `yaml:"sensor_readings" json:"sensor_readings"`
}

func (s ScenarioSource) Read(ctx context.Context) ([]model.SensorReading, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errs.Config(s.Path, "failed to read scenario: %v", err)
	}

	var doc scenarioDoc
	if strings.EqualFold(filepath.Ext(s.Path), ".json") {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errs.InputFormat(s.Path, "failed to parse scenario JSON: %v", err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, errs.InputFormat(s.Path, "failed to parse scenario YAML: %v", err)
		}
	}

	readings := make([]model.SensorReading, 0, len(doc.SensorReadings))
	for i, rec := range doc.SensorReadings {
		r, err := recordToReading(rec)
		if err != nil {
			return nil, errs.InputFormat(s.Path, "record %d: %v", i, err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

func recordToReading(rec map[string]interface{}) (model.SensorReading, error) {
	for _, k := range requiredKeys {
		if _, ok := rec[k]; !ok {
			return model.SensorReading{}, fmt.Errorf("missing required key %q", k)
		}
	}

	r := model.SensorReading{
		ID:         asString(rec["id"]),
		SensorID:   asString(rec["sensor_id"]),
		Domain:     asString(rec["domain"]),
		SourceType: asString(rec["source_type"]),
		TSMs:       asInt64(rec["ts_ms"]),
	}
	if d, ok := rec["details"].(map[string]interface{}); ok {
		r.Details = normalizeMap(d)
	} else if d, ok := rec["details"].(map[interface{}]interface{}); ok {
		r.Details = normalizeMap(toStringMap(d))
	}
	if geo, ok := rec["geo"].(map[string]interface{}); ok {
		r.Geo = &model.GeoPoint{Lat: asFloat(geo["lat"]), Lon: asFloat(geo["lon"])}
	}
	return r, nil
}

func toStringMap(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if ks, ok := k.(string); ok {
			out[ks] = v
		}
	}
	return out
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[interface{}]interface{}); ok {
			out[k] = normalizeMap(toStringMap(nested))
		} else {
			out[k] = v
		}
	}
	return out
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// --- tail ---

// TailSource polls a line-delimited JSON file for new readings, bounded by
// MaxItems and ending after two consecutive empty polls (spec §4.1/§5).
type TailSource struct {
	Path            string
	MaxItems        int
	PollIntervalSec int

	// MalformedCount is populated after Read returns; it is reported to
	// the ingest_done audit entry as malformed_count (spec §4.1).
	MalformedCount int
}

func (s *TailSource) Read(ctx context.Context) ([]model.SensorReading, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Store(s.Path, err)
	}
	defer f.Close()

	interval := time.Duration(s.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	var readings []model.SensorReading
	malformed := 0
	emptyPolls := 0

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errs.Store(s.Path, err)
	}

	for {
		if ctx.Err() != nil {
			break
		}
		if s.MaxItems > 0 && len(readings) >= s.MaxItems {
			break
		}

		chunk, newOffset, err := readNewLines(f, offset)
		if err != nil {
			return nil, errs.Store(s.Path, err)
		}
		if len(chunk) == 0 {
			emptyPolls++
			if emptyPolls >= 2 {
				break
			}
		} else {
			emptyPolls = 0
		}
		offset = newOffset

		for _, line := range chunk {
			if len(readings) >= s.MaxItems && s.MaxItems > 0 {
				break
			}
			var rec map[string]interface{}
			if err := json.Unmarshal(line, &rec); err != nil {
				malformed++
				continue
			}
			r, err := recordToReading(rec)
			if err != nil {
				malformed++
				continue
			}
			readings = append(readings, r)
		}

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	s.MalformedCount = malformed
	return readings, nil
}

func readNewLines(f *os.File, offset int64) ([][]byte, int64, error) {
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}
	var lines [][]byte
	var buf []byte
	tmp := make([]byte, 4096)
	pos := offset
	for {
		n, err := f.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			pos += int64(n)
		}
		if err != nil {
			break
		}
	}
	for _, l := range strings.Split(string(buf), "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, []byte(l))
	}
	return lines, pos, nil
}

// --- media ---

// ErrAdapterUnavailable is returned by an unconfigured media adapter.
var ErrAdapterUnavailable = errors.New("media adapter unavailable")

// Adapter is the external-collaborator interface for the media-modules
// subsystem (vision/audio/thermal/gait/scene) — out of scope per spec §1;
// only its interface is specified here.
type Adapter interface {
	Poll(ctx context.Context) ([]model.SensorReading, error)
}

// MediaSource delegates to an Adapter. A nil Adapter is treated as
// unconfigured, never a hard failure (spec §4.1).
type MediaSource struct {
	Adapter Adapter
}

func (s MediaSource) Read(ctx context.Context) ([]model.SensorReading, error) {
	if s.Adapter == nil {
		return nil, ErrAdapterUnavailable
	}
	readings, err := s.Adapter.Poll(ctx)
	if err != nil {
		return nil, ErrAdapterUnavailable
	}
	return readings, nil
}
