// Package fusion groups sensor readings into entity track summaries
// (spec §4.2): a pure function over a reading batch, no stage-local state.
package fusion

import (
	"sort"

	"github.com/aegis-oss/aegis/pkg/model"
)

// Result is Fusion's output: entity tracks plus per-domain reading counts.
type Result struct {
	Tracks        []model.EntityTrack
	DomainCounts  map[string]int
}

// Run groups readings by (domain, track key) and folds each group into an
// EntityTrack with last_seen_ms = max(ts_ms) of its contributing readings.
func Run(readings []model.SensorReading) Result {
	type key struct {
		domain string
		track  string
	}

	groups := make(map[key]*model.EntityTrack)
	order := make([]key, 0)
	domainCounts := make(map[string]int)

	for _, r := range readings {
		domainCounts[r.Domain]++

		trackID, _ := r.Details["track_id"].(string)
		if trackID == "" {
			trackID = "anon_" + r.Domain + "_" + r.SensorID
		}
		k := key{domain: r.Domain, track: trackID}

		t, ok := groups[k]
		if !ok {
			t = &model.EntityTrack{
				ID:         trackID,
				Domain:     r.Domain,
				Label:      trackID,
				Attributes: map[string]interface{}{},
				LastSeenMs: r.TSMs,
			}
			groups[k] = t
			order = append(order, k)
		}
		if r.TSMs > t.LastSeenMs {
			t.LastSeenMs = r.TSMs
		}
		for dk, dv := range r.Details {
			t.Attributes[dk] = dv
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].domain != order[j].domain {
			return order[i].domain < order[j].domain
		}
		return order[i].track < order[j].track
	})

	tracks := make([]model.EntityTrack, 0, len(order))
	for _, k := range order {
		tracks = append(tracks, *groups[k])
	}

	return Result{Tracks: tracks, DomainCounts: domainCounts}
}
