// Package freshness implements the per-rule READY / NOT_READY /
// ALREADY_SATISFIED decision of spec §4.4.
package freshness

import (
	"math"
	"os"
	"time"

	"ruleflow/internal/errs"
	"ruleflow/internal/model"
)

// State is the outcome of evaluating one rule.
type State string

const (
	StateReady            State = "READY"
	StateNotReady         State = "NOT_READY"
	StateAlreadySatisfied State = "ALREADY_SATISFIED"
)

// TableLookup is the subset of the worker session the evaluator needs to
// reach table freshness without importing a concrete SQL driver (SPEC_FULL
// §4.4's resolution of the open question in spec.md §9).
type TableLookup interface {
	GetTableModification(physicalTable string) (*model.TableModification, error)
	TableExists(physicalTable string) (bool, error)
	RowCount(physicalTable string) (int64, error)
}

// Result is the evaluator's verdict for one rule.
type Result struct {
	State    State
	Eligible bool // READY and not ALREADY_SATISFIED: the scheduler should run it

	// InputEpochMillis and OutputEpochMillis are I and O as defined in
	// spec §4.4, in epoch milliseconds. InputEpochMillis is -1 when the
	// rule has no inputs with a known time; OutputEpochMillis is -1 when an
	// output is missing and math.MaxInt64 when the rule declares no outputs.
	InputEpochMillis  int64
	OutputEpochMillis int64
}

// Evaluate decides the state of rule given its previously-recorded
// completed run (prev, or nil if this is the rule's first run in any
// execution). dryRun relaxes missing-input-file handling per spec §4.4:
// a missing input file does not block readiness, but forces "must run"
// rather than ALREADY_SATISFIED.
func Evaluate(rule *model.Rule, prev *model.Rule, tables TableLookup, dryRun bool, now time.Time) (*Result, error) {
	inputMax := int64(-1)
	sawNullInput := false

	for _, f := range rule.Files {
		if f.Role != model.RoleInput {
			continue
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			if dryRun {
				sawNullInput = true
				continue
			}
			return &Result{State: StateNotReady, InputEpochMillis: -1, OutputEpochMillis: -1}, nil
		}
		if m := info.ModTime().UnixMilli(); m > inputMax {
			inputMax = m
		}
	}
	for _, t := range rule.Tables {
		if t.Role != model.RoleInput {
			continue
		}
		mod, err := tables.GetTableModification(t.PhysicalTable)
		if err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, "reading table modification", err).WithContext("table", t.PhysicalTable)
		}
		if mod == nil {
			if dryRun {
				sawNullInput = true
				continue
			}
			return &Result{State: StateNotReady, InputEpochMillis: -1, OutputEpochMillis: -1}, nil
		}
		if mod.ModifiedAt > inputMax {
			inputMax = mod.ModifiedAt
		}
	}

	outputMin := int64(math.MaxInt64)
	outputsExist := true

	for _, f := range rule.Files {
		if f.Role != model.RoleOutput {
			continue
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			outputsExist = false
			break
		}
		if m := info.ModTime().UnixMilli(); m < outputMin {
			outputMin = m
		}
	}
	if outputsExist {
		for _, t := range rule.Tables {
			if t.Role != model.RoleOutput {
				continue
			}
			exists, err := tables.TableExists(t.PhysicalTable)
			if err != nil {
				return nil, errs.Wrap(errs.PersistenceFailure, "checking output table existence", err).WithContext("table", t.PhysicalTable)
			}
			if !exists {
				outputsExist = false
				break
			}
			n, err := tables.RowCount(t.PhysicalTable)
			if err != nil {
				return nil, errs.Wrap(errs.PersistenceFailure, "counting output table rows", err).WithContext("table", t.PhysicalTable)
			}
			if n == 0 {
				outputsExist = false
				break
			}
			mod, err := tables.GetTableModification(t.PhysicalTable)
			if err != nil {
				return nil, errs.Wrap(errs.PersistenceFailure, "reading table modification", err).WithContext("table", t.PhysicalTable)
			}
			if mod == nil {
				outputsExist = false
				break
			}
			if mod.ModifiedAt < outputMin {
				outputMin = mod.ModifiedAt
			}
		}
	}

	if !outputsExist {
		outputMin = -1
	}

	alreadySatisfied := !sawNullInput && outputsExist && inputMax < outputMin && provenanceMatches(rule, prev)

	state := StateReady
	if alreadySatisfied {
		state = StateAlreadySatisfied
	}
	return &Result{
		State:             state,
		Eligible:          !alreadySatisfied,
		InputEpochMillis:  inputMax,
		OutputEpochMillis: outputMin,
	}, nil
}

// provenanceMatches reports whether rule's declared I/O shape is
// identical to the previous completed run of the same logical rule. A
// changed path/model set invalidates an ALREADY_SATISFIED verdict even
// when I < O, since the rule's meaning has changed since that run.
func provenanceMatches(rule, prev *model.Rule) bool {
	if prev == nil {
		return false
	}
	if !sameFileSet(rule.Files, prev.Files) {
		return false
	}
	if !sameTableSet(rule.Tables, prev.Tables) {
		return false
	}
	return true
}

func sameFileSet(a, b []*model.FileDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(f *model.FileDescriptor) string { return string(f.Role) + "\x00" + f.Name + "\x00" + f.Path }
	seen := make(map[string]bool, len(a))
	for _, f := range a {
		seen[key(f)] = true
	}
	for _, f := range b {
		if !seen[key(f)] {
			return false
		}
	}
	return true
}

func sameTableSet(a, b []*model.TableDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(t *model.TableDescriptor) string {
		return string(t.Role) + "\x00" + t.LogicalName + "\x00" + t.PhysicalTable + "\x00" + t.ModelIdentifier
	}
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		seen[key(t)] = true
	}
	for _, t := range b {
		if !seen[key(t)] {
			return false
		}
	}
	return true
}
