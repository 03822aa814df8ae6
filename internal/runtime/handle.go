// Package runtime implements the rule runtime facade: the handle a rule
// callback uses to reach its declared inputs, outputs, options and the DB
// session, per spec §4.6.
package runtime

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"ruleflow/internal/errs"
	"ruleflow/internal/logging"
	"ruleflow/internal/model"
	"ruleflow/internal/store"
)

// Handle is passed to a Tool's Run method. All accessors fail with
// errs.UndeclaredAccess for names the rule did not declare.
type Handle struct {
	rule    *model.Rule
	session *store.WorkerSession
	log     *zap.SugaredLogger

	inputFiles   map[string]*model.FileDescriptor
	outputFiles  map[string]*model.FileDescriptor
	inputTables  map[string]*model.TableDescriptor
	outputTables map[string]*model.TableDescriptor
	options      map[string]*model.Option
}

// New builds a Handle from a bound Rule and its descriptors.
func New(rule *model.Rule, session *store.WorkerSession) *Handle {
	h := &Handle{
		rule:         rule,
		session:      session,
		log:          logging.ForRule(logging.CategoryRuntime, rule.RuleName),
		inputFiles:   map[string]*model.FileDescriptor{},
		outputFiles:  map[string]*model.FileDescriptor{},
		inputTables:  map[string]*model.TableDescriptor{},
		outputTables: map[string]*model.TableDescriptor{},
		options:      map[string]*model.Option{},
	}
	for _, f := range rule.Files {
		if f.Role == model.RoleInput {
			h.inputFiles[f.Name] = f
		} else {
			h.outputFiles[f.Name] = f
		}
	}
	for _, t := range rule.Tables {
		if t.Role == model.RoleInput {
			h.inputTables[t.LogicalName] = t
		} else {
			h.outputTables[t.LogicalName] = t
		}
	}
	for _, o := range rule.Options {
		h.options[o.Name] = o
	}
	return h
}

func undeclared(rule, kind, name string) error {
	return errs.New(errs.UndeclaredAccess, fmt.Sprintf("rule %q has no declared %s %q", rule, kind, name))
}

// InputFile resolves the absolute path of a declared input file.
func (h *Handle) InputFile(name string) (string, error) {
	f, ok := h.inputFiles[name]
	if !ok {
		return "", undeclared(h.rule.RuleName, "input file", name)
	}
	return f.Path, nil
}

// OutputFile resolves the absolute path of a declared output file.
func (h *Handle) OutputFile(name string) (string, error) {
	f, ok := h.outputFiles[name]
	if !ok {
		return "", undeclared(h.rule.RuleName, "output file", name)
	}
	return f.Path, nil
}

// TableHandle exposes the resolved physical table name for a declared
// table, input or output.
type TableHandle struct {
	LogicalName     string
	PhysicalTable   string
	ModelIdentifier string
}

// InputTable resolves a declared input table.
func (h *Handle) InputTable(name string) (TableHandle, error) {
	t, ok := h.inputTables[name]
	if !ok {
		return TableHandle{}, undeclared(h.rule.RuleName, "input table", name)
	}
	return TableHandle{LogicalName: t.LogicalName, PhysicalTable: t.PhysicalTable, ModelIdentifier: t.ModelIdentifier}, nil
}

// OutputTable resolves a declared output table.
func (h *Handle) OutputTable(name string) (TableHandle, error) {
	t, ok := h.outputTables[name]
	if !ok {
		return TableHandle{}, undeclared(h.rule.RuleName, "output table", name)
	}
	return TableHandle{LogicalName: t.LogicalName, PhysicalTable: t.PhysicalTable, ModelIdentifier: t.ModelIdentifier}, nil
}

// Option returns the raw string value of a declared option.
func (h *Handle) Option(name string) (string, error) {
	o, ok := h.options[name]
	if !ok {
		return "", undeclared(h.rule.RuleName, "option", name)
	}
	return o.Value, nil
}

// OptionInt casts a declared option to int.
func (h *Handle) OptionInt(name string) (int64, error) {
	v, err := h.Option(name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// OptionFloat casts a declared option to float64.
func (h *Handle) OptionFloat(name string) (float64, error) {
	v, err := h.Option(name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

// OptionBool casts a declared option to bool.
func (h *Handle) OptionBool(name string) (bool, error) {
	v, err := h.Option(name)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

// Session returns the rule's transactional session handle.
func (h *Handle) Session() *store.WorkerSession { return h.session }

// Log writes a message at the given zap-style level ("debug", "info",
// "warn", "error") through the rule's scoped logger.
func (h *Handle) Log(level, msg string, args ...any) {
	formatted := fmt.Sprintf(msg, args...)
	switch level {
	case "debug":
		h.log.Debug(formatted)
	case "warn":
		h.log.Warn(formatted)
	case "error":
		h.log.Error(formatted)
	default:
		h.log.Info(formatted)
	}
}
