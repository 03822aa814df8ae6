// Package binder materializes a grammatically-valid definition.Document
// into bound Rule/descriptor rows, per spec §4.2.
package binder

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"ruleflow/internal/definition"
	"ruleflow/internal/errs"
	"ruleflow/internal/logging"
	"ruleflow/internal/model"
	"ruleflow/internal/registry"
	"ruleflow/internal/store"
)

// Bound is one rule after binding: its persisted Rule row plus the
// descriptors attached to it, ready for the DAG builder and scheduler.
type Bound struct {
	Rule *model.Rule
}

// Binder materializes a Document against a tool registry and a schema
// session, producing one Execution and its bound Rule set. All binding
// runs under the session's single transaction: on any failure the caller
// rolls it back and no rule rows remain (spec §4.2 closing paragraph).
type Binder struct {
	registry         *registry.Registry
	workingDirectory string
}

// New builds a Binder resolving tool identifiers through reg and
// absolutizing file paths relative to workingDirectory.
func New(reg *registry.Registry, workingDirectory string) *Binder {
	return &Binder{registry: reg, workingDirectory: workingDirectory}
}

// Bind binds every rule in doc under a freshly created Execution.
func (b *Binder) Bind(schema *store.SchemaSession, doc *definition.Document, now time.Time) (*model.Execution, []Bound, error) {
	log := logging.For(logging.CategoryBinder)

	exec, err := schema.CreateExecution(now)
	if err != nil {
		return nil, nil, err
	}

	bound := make([]Bound, 0, len(doc.Rules))
	for _, rd := range doc.Rules {
		b2, err := b.bindOne(schema, exec.ID, rd, now)
		if err != nil {
			return nil, nil, err
		}
		bound = append(bound, *b2)
	}

	log.Debugw("bound execution", "execution_id", exec.ID, "rules", len(bound))
	return exec, bound, nil
}

// BindSingle binds exactly one rule outside a definition file, for
// single-rule mode (spec §4.2 step 5): inputs/outputs/params are supplied
// directly by the caller rather than parsed from a document.
func (b *Binder) BindSingle(schema *store.SchemaSession, toolIdentifier string, inputFiles, outputFiles, inputTables, outputTables, params map[string]string, now time.Time) (*model.Execution, *Bound, error) {
	rd := definition.RuleDef{
		Name:         toolIdentifier,
		Tool:         toolIdentifier,
		InputFiles:   inputFiles,
		OutputFiles:  outputFiles,
		InputTables:  inputTables,
		OutputTables: outputTables,
		Params:       params,
	}
	exec, err := schema.CreateExecution(now)
	if err != nil {
		return nil, nil, err
	}
	bound, err := b.bindOne(schema, exec.ID, rd, now)
	if err != nil {
		return nil, nil, err
	}
	return exec, bound, nil
}

func (b *Binder) bindOne(schema *store.SchemaSession, executionID int64, rd definition.RuleDef, now time.Time) (*Bound, error) {
	tool, err := b.registry.Lookup(rd.Tool)
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			return nil, e.Rule(rd.Name)
		}
		return nil, err
	}

	if err := verifyShape(rd, tool); err != nil {
		return nil, err
	}

	rule, err := schema.CreateRule(executionID, rd.Name, rd.Tool)
	if err != nil {
		return nil, err
	}

	for name, path := range rd.InputFiles {
		fd, err := schema.AddFileDescriptor(rule.ID, name, b.absolutize(path), model.RoleInput)
		if err != nil {
			return nil, err
		}
		rule.Files = append(rule.Files, fd)
	}
	for name, path := range rd.OutputFiles {
		fd, err := schema.AddFileDescriptor(rule.ID, name, b.absolutize(path), model.RoleOutput)
		if err != nil {
			return nil, err
		}
		rule.Files = append(rule.Files, fd)
	}

	if err := b.bindTables(schema, rule, rd.InputTables, model.RoleInput, now); err != nil {
		return nil, err
	}
	if err := b.bindTables(schema, rule, rd.OutputTables, model.RoleOutput, now); err != nil {
		return nil, err
	}

	for name, value := range rd.Params {
		opt, err := schema.AddOption(rule.ID, name, value)
		if err != nil {
			return nil, err
		}
		rule.Options = append(rule.Options, opt)
	}

	return &Bound{Rule: rule}, nil
}

func (b *Binder) bindTables(schema *store.SchemaSession, rule *model.Rule, tables map[string]string, role model.Role, now time.Time) error {
	for logicalName, modelIdentifier := range tables {
		physical := PhysicalTableName(modelIdentifier)
		if _, _, err := schema.GetOrCreateTableModification(physical, now); err != nil {
			return err
		}
		td, err := schema.AddTableDescriptor(rule.ID, logicalName, physical, modelIdentifier, role)
		if err != nil {
			return err
		}
		rule.Tables = append(rule.Tables, td)
	}
	return nil
}

// PhysicalTableName derives a physical sqlite table name from a dotted
// model identifier, taking its last segment and lower-casing it (e.g.
// "pkg.models.Sample" -> "sample"). This stands in for the original's
// ORM mapper table lookup: ruleflow has no ORM, so the identifier itself
// is the only input available to name the backing table.
func PhysicalTableName(modelIdentifier string) string {
	parts := strings.Split(modelIdentifier, ".")
	last := parts[len(parts)-1]
	return strings.ToLower(last)
}

func (b *Binder) absolutize(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.workingDirectory, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// verifyShape checks a rule's bindings against its tool's declared shape
// (I2): every declared name must be bound exactly, every required param
// must be present, no unknown params may be bound, and a bound value must
// parse as its declared int/float/bool type.
func verifyShape(rd definition.RuleDef, tool registry.Tool) error {
	if err := compareSets(rd.Name, "input file", keys(rd.InputFiles), tool.DeclaredInputFiles()); err != nil {
		return err
	}
	if err := compareSets(rd.Name, "output file", keys(rd.OutputFiles), tool.DeclaredOutputFiles()); err != nil {
		return err
	}
	if err := compareSets(rd.Name, "input table", keys(rd.InputTables), tool.DeclaredInputTables()); err != nil {
		return err
	}
	if err := compareSets(rd.Name, "output table", keys(rd.OutputTables), tool.DeclaredOutputTables()); err != nil {
		return err
	}

	declaredParams := tool.DeclaredParams()
	for name, value := range rd.Params {
		spec, ok := declaredParams[name]
		if !ok {
			return errs.New(errs.ContentViolation, "unknown param bound to rule").Rule(rd.Name).WithContext("key", name)
		}
		var convErr error
		switch registry.ParseParamSpec(spec).Type {
		case "int":
			_, convErr = strconv.ParseInt(value, 10, 64)
		case "float":
			_, convErr = strconv.ParseFloat(value, 64)
		case "bool":
			_, convErr = strconv.ParseBool(value)
		}
		if convErr != nil {
			return errs.New(errs.ContentViolation, "param value does not match its declared type").Rule(rd.Name).WithContext("key", name)
		}
	}
	for name, spec := range declaredParams {
		ps := registry.ParseParamSpec(spec)
		if ps.Required {
			if _, ok := rd.Params[name]; !ok {
				return errs.New(errs.ContentViolation, "required param missing").Rule(rd.Name).WithContext("key", name)
			}
		}
	}
	return nil
}

func keys(m map[string]string) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func compareSets(ruleName, kind string, bound, declared []string) error {
	declaredSet := make(map[string]bool, len(declared))
	for _, d := range declared {
		declaredSet[d] = true
	}
	boundSet := make(map[string]bool, len(bound))
	for _, n := range bound {
		boundSet[n] = true
	}
	for _, n := range bound {
		if !declaredSet[n] {
			return errs.New(errs.ContentViolation, "extra "+kind+" not declared by tool").Rule(ruleName).WithContext("key", n)
		}
	}
	for _, d := range declared {
		if !boundSet[d] {
			return errs.New(errs.ContentViolation, "missing declared "+kind).Rule(ruleName).WithContext("key", d)
		}
	}
	return nil
}
