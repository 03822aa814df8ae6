package binder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/definition"
	"ruleflow/internal/errs"
	"ruleflow/internal/registry"
	"ruleflow/internal/runtime"
	"ruleflow/internal/store"
)

type fakeTool struct {
	inFiles, outFiles, inTables, outTables []string
	params                                 map[string]string
}

func (f *fakeTool) DeclaredInputFiles() []string    { return f.inFiles }
func (f *fakeTool) DeclaredOutputFiles() []string   { return f.outFiles }
func (f *fakeTool) DeclaredInputTables() []string   { return f.inTables }
func (f *fakeTool) DeclaredOutputTables() []string  { return f.outTables }
func (f *fakeTool) DeclaredParams() map[string]string {
	if f.params == nil {
		return map[string]string{}
	}
	return f.params
}
func (f *fakeTool) Run(ctx context.Context, h *runtime.Handle) error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBind_Success(t *testing.T) {
	s := newTestStore(t)
	reg := registry.New()
	require.NoError(t, reg.Register("pkg.MakeCSV", &fakeTool{
		inFiles:  []string{"raw"},
		outFiles: []string{"csv"},
		params:   map[string]string{"delimiter": "required|str"},
	}))

	doc := &definition.Document{Rules: []definition.RuleDef{{
		Name:        "make_csv",
		Tool:        "pkg.MakeCSV",
		InputFiles:  map[string]string{"raw": "raw.txt"},
		OutputFiles: map[string]string{"csv": "out.csv"},
		Params:      map[string]string{"delimiter": ","},
	}}}

	schema, err := s.OpenSchemaSession()
	require.NoError(t, err)

	b := New(reg, "/work")
	exec, bound, err := b.Bind(schema, doc, time.Unix(1000, 0))
	require.NoError(t, err)
	require.NoError(t, schema.Commit())

	assert.NotZero(t, exec.ID)
	require.Len(t, bound, 1)
	r := bound[0].Rule
	assert.Equal(t, "make_csv", r.RuleName)
	require.Len(t, r.Files, 2)
}

func TestBind_ToolNotFound(t *testing.T) {
	s := newTestStore(t)
	reg := registry.New()
	doc := &definition.Document{Rules: []definition.RuleDef{{Name: "r", Tool: "missing.Tool"}}}

	schema, err := s.OpenSchemaSession()
	require.NoError(t, err)
	defer schema.Rollback()

	b := New(reg, "/work")
	_, _, err = b.Bind(schema, doc, time.Now())
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.ToolNotFound))
}

func TestBind_ContentViolation_MissingInput(t *testing.T) {
	s := newTestStore(t)
	reg := registry.New()
	require.NoError(t, reg.Register("pkg.A", &fakeTool{inFiles: []string{"in1"}}))

	doc := &definition.Document{Rules: []definition.RuleDef{{
		Name:       "r",
		Tool:       "pkg.A",
		InputFiles: map[string]string{"in2": "x.txt"},
	}}}

	schema, err := s.OpenSchemaSession()
	require.NoError(t, err)
	defer schema.Rollback()

	b := New(reg, "/work")
	_, _, err = b.Bind(schema, doc, time.Now())
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.ContentViolation))
}

func TestBind_ContentViolation_UnknownParam(t *testing.T) {
	s := newTestStore(t)
	reg := registry.New()
	require.NoError(t, reg.Register("pkg.A", &fakeTool{}))

	doc := &definition.Document{Rules: []definition.RuleDef{{
		Name:   "r",
		Tool:   "pkg.A",
		Params: map[string]string{"surprise": "1"},
	}}}

	schema, err := s.OpenSchemaSession()
	require.NoError(t, err)
	defer schema.Rollback()

	b := New(reg, "/work")
	_, _, err = b.Bind(schema, doc, time.Now())
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.ContentViolation))
}

func TestBindTables_GetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	reg := registry.New()
	require.NoError(t, reg.Register("pkg.Load", &fakeTool{outTables: []string{"samples"}}))
	require.NoError(t, reg.Register("pkg.Analyze", &fakeTool{inTables: []string{"samples"}}))

	doc := &definition.Document{Rules: []definition.RuleDef{
		{Name: "load", Tool: "pkg.Load", OutputTables: map[string]string{"samples": "pkg.models.Sample"}},
		{Name: "analyze", Tool: "pkg.Analyze", InputTables: map[string]string{"samples": "pkg.models.Sample"}},
	}}

	schema, err := s.OpenSchemaSession()
	require.NoError(t, err)

	b := New(reg, "/work")
	_, bound, err := b.Bind(schema, doc, time.Now())
	require.NoError(t, err)
	require.NoError(t, schema.Commit())

	require.Len(t, bound, 2)
	assert.Equal(t, "sample", bound[0].Rule.Tables[0].PhysicalTable)
	assert.Equal(t, bound[0].Rule.Tables[0].PhysicalTable, bound[1].Rule.Tables[0].PhysicalTable)
}

func TestPhysicalTableName(t *testing.T) {
	assert.Equal(t, "sample", PhysicalTableName("pkg.models.Sample"))
	assert.Equal(t, "sample", PhysicalTableName("Sample"))
}
