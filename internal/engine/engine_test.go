package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/config"
	"ruleflow/internal/model"
	"ruleflow/internal/registry"
	"ruleflow/internal/runtime"
)

type copyTool struct {
	in, out string
}

func (c *copyTool) DeclaredInputFiles() []string      { return []string{c.in} }
func (c *copyTool) DeclaredOutputFiles() []string     { return []string{c.out} }
func (c *copyTool) DeclaredInputTables() []string     { return nil }
func (c *copyTool) DeclaredOutputTables() []string    { return nil }
func (c *copyTool) DeclaredParams() map[string]string { return map[string]string{} }

func (c *copyTool) Run(ctx context.Context, h *runtime.Handle) error {
	in, err := h.InputFile(c.in)
	if err != nil {
		return err
	}
	out, err := h.OutputFile(c.out)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func TestEngine_RunDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("hello"), 0o644))

	defPath := filepath.Join(dir, "workflow.yml")
	require.NoError(t, os.WriteFile(defPath, []byte(`
rule copy:
  tool: pkg.Copy
  input:
    files:
      src: in.txt
  output:
    files:
      dst: out.txt
`), 0o644))

	reg := registry.New()
	require.NoError(t, reg.Register("pkg.Copy", &copyTool{in: "src", out: "dst"}))

	cfg := config.Default()
	cfg.WorkingDirectory = dir
	cfg.Store.DSN = ""
	cfg.WorkerCount = 2

	e, err := New(cfg, reg)
	require.NoError(t, err)
	defer e.Close()

	res, err := e.Run(context.Background(), defPath)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionDone, res.Execution.Status)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestEngine_RunSingle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("world"), 0o644))

	reg := registry.New()
	require.NoError(t, reg.Register("pkg.Copy", &copyTool{in: "src", out: "dst"}))

	cfg := config.Default()
	cfg.WorkingDirectory = dir
	cfg.Store.DSN = ""

	e, err := New(cfg, reg)
	require.NoError(t, err)
	defer e.Close()

	res, err := e.RunSingle(context.Background(), "pkg.Copy",
		map[string]string{"src": "in.txt"},
		map[string]string{"dst": "out2.txt"},
		nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionDone, res.Execution.Status)

	data, err := os.ReadFile(filepath.Join(dir, "out2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestEngine_ToolNotFound(t *testing.T) {
	dir := t.TempDir()
	defPath := filepath.Join(dir, "workflow.yml")
	require.NoError(t, os.WriteFile(defPath, []byte("rule r:\n  tool: missing.Tool\n"), 0o644))

	reg := registry.New()
	cfg := config.Default()
	cfg.WorkingDirectory = dir
	cfg.Store.DSN = ""

	e, err := New(cfg, reg)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Run(context.Background(), defPath)
	require.Error(t, err)
}
