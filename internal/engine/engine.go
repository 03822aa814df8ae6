// Package engine wires definition parsing, rule binding, DAG construction
// and scheduling into the single entry point a CLI or embedder drives.
package engine

import (
	"context"
	"time"

	"ruleflow/internal/binder"
	"ruleflow/internal/config"
	"ruleflow/internal/dag"
	"ruleflow/internal/definition"
	"ruleflow/internal/logging"
	"ruleflow/internal/model"
	"ruleflow/internal/registry"
	"ruleflow/internal/scheduler"
	"ruleflow/internal/store"
)

// Engine owns the store and tool registry for one workflow run.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
}

// New opens the store at cfg.Store.DSN and returns an Engine ready to run
// workflows against reg.
func New(cfg *config.Config, reg *registry.Registry) (*Engine, error) {
	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, store: st, registry: reg}, nil
}

// Close releases the underlying store.
func (e *Engine) Close() error { return e.store.Close() }

// RunResult is the outcome of one Engine.Run.
type RunResult struct {
	Execution *model.Execution
	Scheduler *scheduler.Result
}

// Run parses definitionPath, binds it under a new Execution, builds the
// rule DAG, and drives the scheduler to completion.
func (e *Engine) Run(ctx context.Context, definitionPath string) (*RunResult, error) {
	log := logging.For(logging.CategoryRuntime)

	root, err := definition.Load(definitionPath)
	if err != nil {
		return nil, err
	}
	doc, err := definition.Validate(root)
	if err != nil {
		return nil, err
	}

	schema, err := e.store.OpenSchemaSession()
	if err != nil {
		return nil, err
	}

	b := binder.New(e.registry, e.cfg.WorkingDirectory)
	exec, bound, err := b.Bind(schema, doc, time.Now())
	if err != nil {
		_ = schema.Rollback()
		return nil, err
	}
	if err := schema.Commit(); err != nil {
		return nil, err
	}

	rules := make([]*model.Rule, len(bound))
	for i, bd := range bound {
		rules[i] = bd.Rule
	}
	graph, err := dag.Build(rules)
	if err != nil {
		return nil, err
	}

	log.Infow("running workflow", "execution_id", exec.ID, "rules", len(rules), "dry_run", e.cfg.DryRun)

	sched := scheduler.New(e.store, e.registry, graph, e.cfg.DryRun, e.cfg.WorkerCount)
	schedResult, err := sched.Run(ctx)
	if err != nil {
		return nil, err
	}

	status := model.ExecutionDone
	switch schedResult.Status {
	case scheduler.StatusFailed:
		status = model.ExecutionFailed
	case scheduler.StatusCancelled:
		status = model.ExecutionCancelled
	}
	if err := e.finishExecution(exec.ID, status); err != nil {
		return nil, err
	}
	exec.Status = status
	finished := time.Now()
	exec.FinishedAt = &finished

	return &RunResult{Execution: exec, Scheduler: schedResult}, nil
}

// RunSingle runs exactly one tool in isolation (spec §4.2 step 5), with
// inputs/outputs/params supplied directly rather than parsed from a
// definition file.
func (e *Engine) RunSingle(ctx context.Context, toolIdentifier string, inputFiles, outputFiles, inputTables, outputTables, params map[string]string) (*RunResult, error) {
	schema, err := e.store.OpenSchemaSession()
	if err != nil {
		return nil, err
	}

	b := binder.New(e.registry, e.cfg.WorkingDirectory)
	exec, bound, err := b.BindSingle(schema, toolIdentifier, inputFiles, outputFiles, inputTables, outputTables, params, time.Now())
	if err != nil {
		_ = schema.Rollback()
		return nil, err
	}
	if err := schema.Commit(); err != nil {
		return nil, err
	}

	graph, err := dag.Build([]*model.Rule{bound.Rule})
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(e.store, e.registry, graph, e.cfg.DryRun, 1)
	schedResult, err := sched.Run(ctx)
	if err != nil {
		return nil, err
	}

	status := model.ExecutionDone
	switch schedResult.Status {
	case scheduler.StatusFailed:
		status = model.ExecutionFailed
	case scheduler.StatusCancelled:
		status = model.ExecutionCancelled
	}
	if err := e.finishExecution(exec.ID, status); err != nil {
		return nil, err
	}
	exec.Status = status

	return &RunResult{Execution: exec, Scheduler: schedResult}, nil
}

func (e *Engine) finishExecution(executionID int64, status model.ExecutionStatus) error {
	ws, err := e.store.OpenWorkerSession()
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := ws.MarkExecutionFinished(executionID, time.Now(), status); err != nil {
		_ = ws.Rollback()
		return err
	}
	return ws.Commit()
}
