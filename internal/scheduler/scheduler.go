// Package scheduler drives concurrent execution of a bound rule DAG with a
// bounded worker pool, per spec §4.5.
package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ruleflow/internal/dag"
	"ruleflow/internal/errs"
	"ruleflow/internal/freshness"
	"ruleflow/internal/logging"
	"ruleflow/internal/model"
	"ruleflow/internal/registry"
	"ruleflow/internal/runtime"
	"ruleflow/internal/store"
)

// Status is the scheduler's own terminal state, distinct from (but
// reported onto) the persisted Execution.Status.
type Status string

const (
	StatusDone      Status = "DONE"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Result summarizes one scheduler run.
type Result struct {
	Status    Status
	RuleState map[int64]model.RuleStatus
}

// Scheduler executes a bound rule graph. Each worker opens its own
// store.WorkerSession (spec §5: workers never share a session handle);
// writes across all sessions still funnel through the store's single
// write lock.
type Scheduler struct {
	store    *store.Store
	registry *registry.Registry
	graph    *dag.Graph
	dryRun   bool
	workers  int64
}

// New builds a Scheduler bounded to workerCount concurrent callbacks.
// workerCount <= 0 is clamped to 1 (strictly sequential).
func New(st *store.Store, reg *registry.Registry, graph *dag.Graph, dryRun bool, workerCount int) *Scheduler {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Scheduler{store: st, registry: reg, graph: graph, dryRun: dryRun, workers: int64(workerCount)}
}

type ruleResult struct {
	ruleID int64
	status model.RuleStatus
	err    error
}

// Run executes the graph to completion (or cancellation) and returns the
// terminal Result. ctx cancellation is cooperative: in-flight callbacks
// finish, no new rule is picked once ctx is done (spec §4.5 step 7).
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	log := logging.For(logging.CategoryScheduler)

	predCount := make(map[int64]int, len(s.graph.Rules))
	for id, preds := range s.graph.Predecessors {
		predCount[id] = len(preds)
	}

	var mu sync.Mutex
	ruleState := make(map[int64]model.RuleStatus, len(s.graph.Rules))
	terminal := make(map[int64]bool, len(s.graph.Rules))

	sem := semaphore.NewWeighted(s.workers)
	eg, egCtx := errgroup.WithContext(ctx)
	doneCh := make(chan ruleResult, len(s.graph.Rules)+1)

	var anyFailed bool
	cancelled := false

	launch := func(ruleID int64) {
		eg.Go(func() error {
			if err := sem.Acquire(egCtx, 1); err != nil {
				doneCh <- ruleResult{ruleID: ruleID, status: model.RuleNotPlanned}
				return nil
			}
			defer sem.Release(1)
			status, err := s.runOne(egCtx, ruleID)
			doneCh <- ruleResult{ruleID: ruleID, status: status, err: err}
			return nil
		})
	}

	running := 0
	for _, id := range s.graph.Order() {
		if predCount[id] == 0 {
			running++
			launch(id)
		}
	}

	markNotPlanned := func(from int64) {
		queue := append([]int64{}, s.graph.Successors[from]...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			mu.Lock()
			already := terminal[id]
			if !already {
				terminal[id] = true
				ruleState[id] = model.RuleNotPlanned
			}
			mu.Unlock()
			if already {
				continue
			}
			if err := s.persistNotPlanned(id); err != nil {
				log.Warnw("failed to persist NOT_PLANNED status", "rule_id", id, "err", err)
			}
			queue = append(queue, s.graph.Successors[id]...)
		}
	}

	handle := func(res ruleResult) {
		mu.Lock()
		terminal[res.ruleID] = true
		ruleState[res.ruleID] = res.status
		mu.Unlock()

		if res.err != nil {
			log.Warnw("rule failed", "rule_id", res.ruleID, "err", res.err)
		}

		if res.status == model.RuleExecutionErr {
			anyFailed = true
			markNotPlanned(res.ruleID)
			return
		}
		if res.status == model.RuleNotPlanned {
			return
		}
		for _, succ := range s.graph.Successors[res.ruleID] {
			predCount[succ]--
			if predCount[succ] == 0 && !cancelled {
				mu.Lock()
				alreadyTerminal := terminal[succ]
				mu.Unlock()
				if !alreadyTerminal {
					running++
					launch(succ)
				}
			}
		}
	}

	for running > 0 {
		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
				log.Infow("scheduler received cancellation; draining in-flight rules")
			case res := <-doneCh:
				running--
				handle(res)
				continue
			}
		}
		if cancelled {
			res := <-doneCh
			running--
			handle(res)
		}
	}

	_ = eg.Wait()

	status := StatusDone
	switch {
	case cancelled:
		status = StatusCancelled
	case anyFailed:
		status = StatusFailed
	}
	log.Infow("scheduler finished", "status", status, "rules", len(ruleState))
	return &Result{Status: status, RuleState: ruleState}, nil
}

// runOne evaluates freshness and, if eligible, invokes the rule's
// callback. It opens and closes its own store session, never shared with
// another worker.
func (s *Scheduler) runOne(ctx context.Context, ruleID int64) (model.RuleStatus, error) {
	ws, err := s.store.OpenWorkerSession()
	if err != nil {
		return model.RuleExecutionErr, err
	}
	defer ws.Close()

	now := time.Now()
	rule, err := ws.LoadRule(ruleID)
	if err != nil {
		_ = ws.Rollback()
		return model.RuleExecutionErr, err
	}
	prev, err := ws.LoadLatestCompletedRule(rule.RuleName, ruleID)
	if err != nil {
		_ = ws.Rollback()
		return model.RuleExecutionErr, err
	}

	res, err := freshness.Evaluate(rule, prev, ws, s.dryRun, now)
	if err != nil {
		_ = ws.Rollback()
		return model.RuleExecutionErr, err
	}

	if res.State == freshness.StateNotReady {
		_ = ws.Rollback()
		return model.RuleExecutionErr, errs.New(errs.ExecutionFailure, "rule picked by scheduler was not ready").Rule(rule.RuleName)
	}

	if !res.Eligible {
		if s.dryRun {
			_ = ws.Rollback()
			return model.RuleAlreadyExec, nil
		}
		if err := ws.MarkRuleAlreadyExecuted(ruleID, now); err != nil {
			_ = ws.Rollback()
			return model.RuleExecutionErr, err
		}
		if err := ws.Commit(); err != nil {
			return model.RuleExecutionErr, err
		}
		return model.RuleAlreadyExec, nil
	}

	if s.dryRun {
		// Dry-run: freshness says "must run" but the callback is never
		// invoked, and nothing is persisted beyond the in-memory verdict
		// (spec §4.4).
		_ = ws.Rollback()
		return model.RuleExecuted, nil
	}

	if err := ws.MarkRuleStarted(ruleID, now); err != nil {
		_ = ws.Rollback()
		return model.RuleExecutionErr, err
	}
	if err := s.recordInputProvenance(ws, rule); err != nil {
		_ = ws.Rollback()
		return model.RuleExecutionErr, err
	}
	if err := ws.Commit(); err != nil {
		return model.RuleExecutionErr, err
	}
	rule.StartedAt = &now

	tool, err := s.registry.Lookup(rule.ToolIdentifier)
	if err != nil {
		return s.finishAsError(rule.RuleName, ruleID)
	}

	// The callback gets a fresh session for its own lifetime: the prior
	// session already committed the started_at/provenance write, and a
	// committed *sql.Tx cannot be reused. "Callbacks may commit within
	// their session" (spec §4.6) refers to this session, not the
	// bookkeeping one above.
	callbackSession, err := s.store.OpenWorkerSession()
	if err != nil {
		return model.RuleExecutionErr, err
	}
	defer callbackSession.Close()

	h := runtime.New(rule, callbackSession)
	runErr := tool.Run(ctx, h)

	finishedAt := time.Now()
	if runErr != nil {
		_ = callbackSession.Rollback()
		if err := s.markError(ruleID, finishedAt); err != nil {
			logging.For(logging.CategoryScheduler).Warnw("failed to persist execution error", "rule_id", ruleID, "err", err)
		}
		return model.RuleExecutionErr, errs.Wrap(errs.ExecutionFailure, "rule callback failed", runErr).Rule(rule.RuleName)
	}
	// A well-behaved callback commits its own writes; committing an
	// already-committed session here is a harmless no-op error we ignore.
	_ = callbackSession.Commit()

	if err := s.finishSuccess(rule, ruleID, finishedAt); err != nil {
		return model.RuleExecutionErr, err
	}
	return model.RuleExecuted, nil
}

func (s *Scheduler) recordInputProvenance(ws *store.WorkerSession, rule *model.Rule) error {
	for _, f := range rule.Files {
		if f.Role != model.RoleInput {
			continue
		}
		mtime, size := statFile(f.Path)
		if err := ws.RecordFileUsage(f.ID, mtime, size); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) finishSuccess(rule *model.Rule, ruleID int64, finishedAt time.Time) error {
	ws, err := s.store.OpenWorkerSession()
	if err != nil {
		return err
	}
	defer ws.Close()

	for _, f := range rule.Files {
		if f.Role != model.RoleOutput {
			continue
		}
		mtime, size := statFile(f.Path)
		if err := ws.RecordFileUsage(f.ID, mtime, size); err != nil {
			_ = ws.Rollback()
			return err
		}
	}
	for _, t := range rule.Tables {
		if t.Role != model.RoleOutput {
			continue
		}
		if err := ws.BumpTableModification(t.PhysicalTable, finishedAt); err != nil {
			_ = ws.Rollback()
			return err
		}
		if err := ws.RecordTableUsage(t.ID, finishedAt.UnixMilli()); err != nil {
			_ = ws.Rollback()
			return err
		}
	}

	var duration int64
	if rule.StartedAt != nil {
		duration = finishedAt.Sub(*rule.StartedAt).Milliseconds()
	}
	if err := ws.MarkRuleExecuted(ruleID, finishedAt, duration); err != nil {
		_ = ws.Rollback()
		return err
	}
	return ws.Commit()
}

func (s *Scheduler) markError(ruleID int64, finishedAt time.Time) error {
	ws, err := s.store.OpenWorkerSession()
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := ws.MarkRuleExecutionError(ruleID, finishedAt); err != nil {
		_ = ws.Rollback()
		return err
	}
	return ws.Commit()
}

func (s *Scheduler) finishAsError(ruleName string, ruleID int64) (model.RuleStatus, error) {
	finishedAt := time.Now()
	if err := s.markError(ruleID, finishedAt); err != nil {
		logging.For(logging.CategoryScheduler).Warnw("failed to persist execution error", "rule_id", ruleID, "err", err)
	}
	return model.RuleExecutionErr, errs.New(errs.ToolNotFound, "tool disappeared from registry between binding and execution").Rule(ruleName)
}

func (s *Scheduler) persistNotPlanned(ruleID int64) error {
	ws, err := s.store.OpenWorkerSession()
	if err != nil {
		return err
	}
	defer ws.Close()
	if err := ws.MarkRuleNotPlanned(ruleID); err != nil {
		_ = ws.Rollback()
		return err
	}
	return ws.Commit()
}

// statFile returns a file's mtime (epoch millis) and size, or (nil, nil)
// if it does not exist.
func statFile(path string) (*int64, *int64) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil
	}
	mtime := info.ModTime().UnixMilli()
	size := info.Size()
	return &mtime, &size
}
