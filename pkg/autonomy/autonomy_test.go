package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-oss/aegis/pkg/model"
)

func TestBuildPlan_GroupsAndOrders(t *testing.T) {
	tasks := []model.TaskRecommendation{
		{ID: "t2", EventID: "e2", AssigneeDomain: "air", Priority: 3},
		{ID: "t1", EventID: "e1", AssigneeDomain: "air", Priority: 1},
		{ID: "t3", EventID: "e3", AssigneeDomain: "cyber", Priority: 2},
	}
	plan := BuildPlan(tasks)

	require.Len(t, plan["air"], 2)
	assert.Equal(t, "t1", plan["air"][0].ID)
	assert.Equal(t, "t2", plan["air"][1].ID)
	assert.Equal(t, []string{"air", "cyber"}, Domains(plan))
}

func TestBuildPlan_TiesBrokenByID(t *testing.T) {
	tasks := []model.TaskRecommendation{
		{ID: "b", EventID: "e1", AssigneeDomain: "air", Priority: 1},
		{ID: "a", EventID: "e2", AssigneeDomain: "air", Priority: 1},
	}
	plan := BuildPlan(tasks)
	assert.Equal(t, "a", plan["air"][0].ID)
	assert.Equal(t, "b", plan["air"][1].ID)
}
