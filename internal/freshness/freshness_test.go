package freshness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/model"
)

type fakeTables struct {
	mods  map[string]*model.TableModification
	rows  map[string]int64
	exist map[string]bool
}

func newFakeTables() *fakeTables {
	return &fakeTables{mods: map[string]*model.TableModification{}, rows: map[string]int64{}, exist: map[string]bool{}}
}

func (f *fakeTables) GetTableModification(table string) (*model.TableModification, error) {
	return f.mods[table], nil
}
func (f *fakeTables) TableExists(table string) (bool, error) { return f.exist[table], nil }
func (f *fakeTables) RowCount(table string) (int64, error)   { return f.rows[table], nil }

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestEvaluate_NotReady_MissingInputFile(t *testing.T) {
	dir := t.TempDir()
	rule := &model.Rule{RuleName: "r", Files: []*model.FileDescriptor{
		{Name: "in", Path: filepath.Join(dir, "missing.txt"), Role: model.RoleInput},
	}}
	res, err := Evaluate(rule, nil, newFakeTables(), false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateNotReady, res.State)
}

func TestEvaluate_DryRun_MissingInputStillReady(t *testing.T) {
	dir := t.TempDir()
	rule := &model.Rule{RuleName: "r", Files: []*model.FileDescriptor{
		{Name: "in", Path: filepath.Join(dir, "missing.txt"), Role: model.RoleInput},
	}}
	res, err := Evaluate(rule, nil, newFakeTables(), true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateReady, res.State)
	assert.True(t, res.Eligible)
}

func TestEvaluate_Eligible_NoOutputsYet(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	writeFile(t, in, time.Now())

	rule := &model.Rule{RuleName: "r", Files: []*model.FileDescriptor{
		{Name: "in", Path: in, Role: model.RoleInput},
		{Name: "out", Path: out, Role: model.RoleOutput},
	}}
	res, err := Evaluate(rule, nil, newFakeTables(), false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateReady, res.State)
	assert.True(t, res.Eligible)
}

func TestEvaluate_AlreadySatisfied(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	base := time.Now().Add(-time.Hour)
	writeFile(t, in, base)
	writeFile(t, out, base.Add(time.Minute))

	files := []*model.FileDescriptor{
		{Name: "in", Path: in, Role: model.RoleInput},
		{Name: "out", Path: out, Role: model.RoleOutput},
	}
	prev := &model.Rule{RuleName: "r", Files: files}
	rule := &model.Rule{RuleName: "r", Files: files}

	res, err := Evaluate(rule, prev, newFakeTables(), false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateAlreadySatisfied, res.State)
	assert.False(t, res.Eligible)
}

func TestEvaluate_TieBreak_ForcesRerun(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	same := time.Now().Truncate(time.Millisecond)
	writeFile(t, in, same)
	writeFile(t, out, same)

	files := []*model.FileDescriptor{
		{Name: "in", Path: in, Role: model.RoleInput},
		{Name: "out", Path: out, Role: model.RoleOutput},
	}
	prev := &model.Rule{RuleName: "r", Files: files}
	rule := &model.Rule{RuleName: "r", Files: files}

	res, err := Evaluate(rule, prev, newFakeTables(), false, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Eligible, "I == O must force a rerun, not ALREADY_SATISFIED")
}

func TestEvaluate_ProvenanceMismatchForcesRerun(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	base := time.Now().Add(-time.Hour)
	writeFile(t, in, base)
	writeFile(t, out, base.Add(time.Minute))

	prev := &model.Rule{RuleName: "r", Files: []*model.FileDescriptor{
		{Name: "in", Path: filepath.Join(dir, "other.txt"), Role: model.RoleInput},
		{Name: "out", Path: out, Role: model.RoleOutput},
	}}
	rule := &model.Rule{RuleName: "r", Files: []*model.FileDescriptor{
		{Name: "in", Path: in, Role: model.RoleInput},
		{Name: "out", Path: out, Role: model.RoleOutput},
	}}

	res, err := Evaluate(rule, prev, newFakeTables(), false, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Eligible)
}

func TestEvaluate_TableInputNotReady(t *testing.T) {
	rule := &model.Rule{RuleName: "r", Tables: []*model.TableDescriptor{
		{LogicalName: "samples", PhysicalTable: "sample", ModelIdentifier: "pkg.Sample", Role: model.RoleInput},
	}}
	res, err := Evaluate(rule, nil, newFakeTables(), false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateNotReady, res.State)
}

func TestEvaluate_TableAlreadySatisfied(t *testing.T) {
	tables := newFakeTables()
	tables.mods["sample_in"] = &model.TableModification{PhysicalTable: "sample_in", ModifiedAt: 1000}
	tables.mods["sample_out"] = &model.TableModification{PhysicalTable: "sample_out", ModifiedAt: 2000}
	tables.exist["sample_out"] = true
	tables.rows["sample_out"] = 5

	descs := []*model.TableDescriptor{
		{LogicalName: "in", PhysicalTable: "sample_in", ModelIdentifier: "pkg.In", Role: model.RoleInput},
		{LogicalName: "out", PhysicalTable: "sample_out", ModelIdentifier: "pkg.Out", Role: model.RoleOutput},
	}
	prev := &model.Rule{RuleName: "r", Tables: descs}
	rule := &model.Rule{RuleName: "r", Tables: descs}

	res, err := Evaluate(rule, prev, tables, false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StateAlreadySatisfied, res.State)
}
