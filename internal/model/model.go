// Package model defines the persisted entities of the ruleflow data model:
// Execution, Rule, FileDescriptor, TableDescriptor, TableModification, and
// Option, per spec §3.
package model

import "time"

// Role is the two-literal enum a descriptor carries: it is either bound to
// a rule's declared input or its declared output.
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// ExecutionStatus is the lifecycle status of an Execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionDone      ExecutionStatus = "DONE"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// RuleStatus is the persisted, forward-only status of a Rule row.
type RuleStatus string

const (
	RuleNotExecuted   RuleStatus = "NOT_EXECUTED"
	RuleAlreadyExec   RuleStatus = "ALREADY_EXECUTED"
	RuleExecuted      RuleStatus = "EXECUTED"
	RuleExecutionErr  RuleStatus = "EXECUTION_ERROR"
	RuleNotPlanned    RuleStatus = "NOT_PLANNED"
)

// TransientState is the scheduler-local readiness state of a Rule; it is
// never persisted.
type TransientState string

const (
	StateNew      TransientState = "NEW"
	StateReady    TransientState = "READY"
	StateNotReady TransientState = "NOT_READY"
)

// Execution is one workflow invocation.
type Execution struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     ExecutionStatus
}

// Rule is one DAG node: a bound tool invocation within an Execution.
type Rule struct {
	ID             int64
	ExecutionID    int64
	RuleName       string
	ToolIdentifier string

	StartedAt  *time.Time
	FinishedAt *time.Time
	DurationMs *int64
	Status     RuleStatus

	// Transient is scheduler-local bookkeeping, never persisted.
	Transient TransientState

	Files   []*FileDescriptor
	Tables  []*TableDescriptor
	Options []*Option
}

// DurationMillis returns the wall-clock duration of the rule's run, if it
// has both a start and a finish time.
func (r *Rule) DurationMillis() (int64, bool) {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0, false
	}
	return r.FinishedAt.Sub(*r.StartedAt).Milliseconds(), true
}

// FileDescriptor binds a logical file name to an absolute path for one
// rule.
type FileDescriptor struct {
	ID               int64
	RuleID           int64
	Name             string
	Path             string
	Role             Role
	MtimeEpochMillis *int64
	Size             *int64
	UsedAt           *int64
}

// TableDescriptor binds a logical table name to a physical table and the
// model identifier used to resolve it. Its TableModification is looked up
// by PhysicalTable, which doubles as the foreign key (TableModification
// has no separate surrogate id; it is keyed by physical_tablename, I4).
type TableDescriptor struct {
	ID              int64
	RuleID          int64
	LogicalName     string
	PhysicalTable   string
	ModelIdentifier string
	Role            Role
	UsedAt          *int64
}

// TableModification is the freshness ledger row for one physical table,
// shared across rules and executions.
type TableModification struct {
	PhysicalTable string
	ModifiedAt    int64 // epoch millis
}

// Option is a (name, value) pair bound to a rule.
type Option struct {
	ID     int64
	RuleID int64
	Name   string
	Value  string
}
