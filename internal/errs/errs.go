// Package errs defines the typed error kinds raised across ruleflow's
// parsing, binding, scheduling and persistence layers.
package errs

import "fmt"

// Kind identifies the category of a ruleflow error. Callers should switch on
// Kind (or use Of below) rather than match on error strings.
type Kind string

const (
	FileNotFound      Kind = "FileNotFound"
	GrammarViolation  Kind = "GrammarViolation"
	DuplicateKey      Kind = "DuplicateKey"
	DuplicateRule     Kind = "DuplicateRule"
	ToolNotFound      Kind = "ToolNotFound"
	ToolContract      Kind = "ToolContract"
	ContentViolation  Kind = "ContentViolation"
	UndeclaredAccess  Kind = "UndeclaredAccess"
	CyclicWorkflow    Kind = "CyclicWorkflow"
	ExecutionFailure  Kind = "ExecutionFailure"
	PersistenceFailure Kind = "PersistenceFailure"
)

// Error is the single error type used across ruleflow. It carries a short
// Cause, a longer Context for the reader (rule name, offending key, file
// path, ...) and optionally wraps an underlying error.
type Error struct {
	Kind    Kind
	Cause   string
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	for _, k := range []string{"rule", "key", "path", "tool", "table"} {
		if v, ok := e.Context[k]; ok {
			s += fmt.Sprintf(" (%s=%s)", k, v)
		}
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no context.
func New(kind Kind, cause string) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Wrap builds an *Error that wraps err.
func Wrap(kind Kind, cause string, err error) *Error {
	return &Error{Kind: kind, Cause: cause, Err: err}
}

// WithContext returns a copy of e with the given key/value added to Context.
func (e *Error) WithContext(key, value string) *Error {
	n := &Error{Kind: e.Kind, Cause: e.Cause, Err: e.Err}
	n.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		n.Context[k] = v
	}
	n.Context[key] = value
	return n
}

// Rule is a convenience wrapper for the common "rule" context key.
func (e *Error) Rule(name string) *Error { return e.WithContext("rule", name) }

// Of reports whether err (or something it wraps) is a ruleflow *Error of the
// given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// ExitCode maps an error Kind to a distinct process exit code, per the
// exit contract of §6: 0 is left for success, and each error kind gets a
// stable code starting at 10 so scripts can discriminate failure classes;
// an unrecognised kind maps to 1.
func ExitCode(kind Kind) int {
	switch kind {
	case FileNotFound:
		return 10
	case GrammarViolation:
		return 11
	case DuplicateKey:
		return 12
	case DuplicateRule:
		return 13
	case ToolNotFound:
		return 14
	case ToolContract:
		return 15
	case ContentViolation:
		return 16
	case UndeclaredAccess:
		return 17
	case CyclicWorkflow:
		return 18
	case ExecutionFailure:
		return 19
	case PersistenceFailure:
		return 20
	default:
		return 1
	}
}
