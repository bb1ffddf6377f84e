package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-oss/aegis/pkg/model"
)

func TestRun_GroupsByTrackID(t *testing.T) {
	readings := []model.SensorReading{
		{SensorID: "s1", Domain: "air", TSMs: 100, Details: map[string]interface{}{"track_id": "t1"}},
		{SensorID: "s1", Domain: "air", TSMs: 200, Details: map[string]interface{}{"track_id": "t1"}},
		{SensorID: "s2", Domain: "air", TSMs: 150, Details: map[string]interface{}{"track_id": "t2"}},
	}

	res := Run(readings)
	require.Len(t, res.Tracks, 2)
	assert.Equal(t, 3, res.DomainCounts["air"])

	var t1 *model.EntityTrack
	for i := range res.Tracks {
		if res.Tracks[i].ID == "t1" {
			t1 = &res.Tracks[i]
		}
	}
	require.NotNil(t, t1)
	assert.Equal(t, int64(200), t1.LastSeenMs)
}

func TestRun_AnonymousTrackKey(t *testing.T) {
	readings := []model.SensorReading{
		{SensorID: "cam-1", Domain: "perimeter", TSMs: 10, Details: nil},
	}
	res := Run(readings)
	require.Len(t, res.Tracks, 1)
	assert.Equal(t, "anon_perimeter_cam-1", res.Tracks[0].ID)
}

func TestRun_DeterministicOrdering(t *testing.T) {
	readings := []model.SensorReading{
		{SensorID: "s1", Domain: "zebra", TSMs: 1, Details: map[string]interface{}{"track_id": "b"}},
		{SensorID: "s1", Domain: "alpha", TSMs: 1, Details: map[string]interface{}{"track_id": "z"}},
		{SensorID: "s1", Domain: "alpha", TSMs: 1, Details: map[string]interface{}{"track_id": "a"}},
	}
	res := Run(readings)
	require.Len(t, res.Tracks, 3)
	assert.Equal(t, "alpha", res.Tracks[0].Domain)
	assert.Equal(t, "a", res.Tracks[0].ID)
	assert.Equal(t, "z", res.Tracks[1].ID)
	assert.Equal(t, "zebra", res.Tracks[2].Domain)
}
