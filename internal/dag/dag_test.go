package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/errs"
	"ruleflow/internal/model"
)

func file(id int64, path string, role model.Role) *model.FileDescriptor {
	return &model.FileDescriptor{RuleID: id, Path: path, Role: role}
}

func table(id int64, modelID string, role model.Role) *model.TableDescriptor {
	return &model.TableDescriptor{RuleID: id, ModelIdentifier: modelID, Role: role}
}

func TestBuild_LinearChain(t *testing.T) {
	a := &model.Rule{ID: 1, RuleName: "A", Files: []*model.FileDescriptor{file(1, "/f", model.RoleOutput)}}
	b := &model.Rule{ID: 2, RuleName: "B", Files: []*model.FileDescriptor{file(2, "/f", model.RoleInput)}}

	g, err := Build([]*model.Rule{a, b})
	require.NoError(t, err)

	assert.Empty(t, g.Predecessors[1])
	assert.Equal(t, []int64{1}, g.Predecessors[2])
	assert.Equal(t, []int64{2}, g.Successors[1])
}

func TestBuild_FanOut(t *testing.T) {
	a := &model.Rule{ID: 1, RuleName: "A", Files: []*model.FileDescriptor{file(1, "/f", model.RoleOutput)}}
	b := &model.Rule{ID: 2, RuleName: "B", Files: []*model.FileDescriptor{file(2, "/f", model.RoleInput)}}
	c := &model.Rule{ID: 3, RuleName: "C", Files: []*model.FileDescriptor{file(3, "/f", model.RoleInput)}}

	g, err := Build([]*model.Rule{a, b, c})
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{2, 3}, g.Successors[1])
	assert.Equal(t, []int64{1}, g.Predecessors[2])
	assert.Equal(t, []int64{1}, g.Predecessors[3])
}

func TestBuild_TableEdge(t *testing.T) {
	a := &model.Rule{ID: 1, RuleName: "load", Tables: []*model.TableDescriptor{table(1, "pkg.models.Sample", model.RoleOutput)}}
	b := &model.Rule{ID: 2, RuleName: "analyze", Tables: []*model.TableDescriptor{table(2, "pkg.models.Sample", model.RoleInput)}}

	g, err := Build([]*model.Rule{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, g.Predecessors[2])
}

func TestBuild_NoEdgeWithoutOverlap(t *testing.T) {
	a := &model.Rule{ID: 1, RuleName: "A"}
	b := &model.Rule{ID: 2, RuleName: "B"}

	g, err := Build([]*model.Rule{a, b})
	require.NoError(t, err)
	assert.Empty(t, g.Predecessors[1])
	assert.Empty(t, g.Predecessors[2])
}

func TestBuild_CycleDetected(t *testing.T) {
	a := &model.Rule{ID: 1, RuleName: "A", Files: []*model.FileDescriptor{
		file(1, "/b-out", model.RoleInput),
		file(1, "/a-out", model.RoleOutput),
	}}
	b := &model.Rule{ID: 2, RuleName: "B", Files: []*model.FileDescriptor{
		file(2, "/a-out", model.RoleInput),
		file(2, "/b-out", model.RoleOutput),
	}}

	_, err := Build([]*model.Rule{a, b})
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.CyclicWorkflow))
}

func TestBuild_SelfLoopIgnored(t *testing.T) {
	// A rule declaring the same path as both input and output is not
	// treated as a self-edge (writerID != r.ID guard).
	a := &model.Rule{ID: 1, RuleName: "A", Files: []*model.FileDescriptor{
		file(1, "/f", model.RoleInput),
		file(1, "/f", model.RoleOutput),
	}}
	g, err := Build([]*model.Rule{a})
	require.NoError(t, err)
	assert.Empty(t, g.Predecessors[1])
}

func TestBuild_EmptyGraph(t *testing.T) {
	g, err := Build(nil)
	require.NoError(t, err)
	assert.Empty(t, g.Rules)
}
