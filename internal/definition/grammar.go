package definition

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"ruleflow/internal/errs"
)

// ruleKeyPattern matches a top-level key of the form "rule <identifier>".
var ruleKeyPattern = regexp.MustCompile(`^rule\s+(\S+)$`)

// RuleDef is one grammatically-valid rule entry, ready for binding.
type RuleDef struct {
	Name   string
	Tool   string
	Line   int

	InputFiles   map[string]string // logical name -> path string
	OutputFiles  map[string]string
	InputTables  map[string]string // logical name -> model identifier
	OutputTables map[string]string
	Params       map[string]string
}

// Document is a grammatically-valid workflow definition: an ordered list
// of rule entries (ordering preserved from the source document, since
// declaration order is a natural tie-break for otherwise-independent
// rules).
type Document struct {
	Rules []RuleDef
}

var allowedRuleKeys = map[string]bool{"tool": true, "input": true, "output": true, "params": true}
var allowedIOKeys = map[string]bool{"files": true, "tables": true}

// Validate checks root against the grammar of spec §4.1/§6 and returns the
// parsed Document. It is total over malformed input: every failure mode
// surfaces as errs.GrammarViolation or errs.DuplicateRule, never a panic,
// and it never touches the filesystem.
func Validate(root *yaml.Node) (*Document, error) {
	if root == nil || root.Kind == 0 {
		return &Document{}, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, errs.New(errs.GrammarViolation, "definition document must be a mapping of \"rule <name>\" entries")
	}

	doc := &Document{}
	seenNames := make(map[string]bool)

	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode := root.Content[i]
		valueNode := root.Content[i+1]

		m := ruleKeyPattern.FindStringSubmatch(keyNode.Value)
		if m == nil {
			return nil, errs.New(errs.GrammarViolation, "top-level key must match \"rule <identifier>\"").
				WithContext("key", keyNode.Value)
		}
		ruleName := m[1]
		if seenNames[ruleName] {
			return nil, errs.New(errs.DuplicateRule, "rule name declared more than once").Rule(ruleName)
		}
		seenNames[ruleName] = true

		rd, err := validateRuleBody(ruleName, valueNode)
		if err != nil {
			return nil, err
		}
		doc.Rules = append(doc.Rules, *rd)
	}
	return doc, nil
}

func validateRuleBody(ruleName string, body *yaml.Node) (*RuleDef, error) {
	if body.Kind != yaml.MappingNode {
		return nil, errs.New(errs.GrammarViolation, "rule body must be a mapping").Rule(ruleName)
	}

	rd := &RuleDef{
		Name:         ruleName,
		Line:         body.Line,
		InputFiles:   map[string]string{},
		OutputFiles:  map[string]string{},
		InputTables:  map[string]string{},
		OutputTables: map[string]string{},
		Params:       map[string]string{},
	}

	haveTool := false
	for i := 0; i+1 < len(body.Content); i += 2 {
		key := body.Content[i]
		val := body.Content[i+1]
		if !allowedRuleKeys[key.Value] {
			return nil, errs.New(errs.GrammarViolation, "unknown key in rule body").Rule(ruleName).WithContext("key", key.Value)
		}
		switch key.Value {
		case "tool":
			if val.Kind != yaml.ScalarNode || val.Value == "" {
				return nil, errs.New(errs.GrammarViolation, "tool must be a non-empty scalar string").Rule(ruleName)
			}
			rd.Tool = val.Value
			haveTool = true
		case "input":
			if err := validateIOSpec(ruleName, val, rd.InputFiles, rd.InputTables); err != nil {
				return nil, err
			}
		case "output":
			if err := validateIOSpec(ruleName, val, rd.OutputFiles, rd.OutputTables); err != nil {
				return nil, err
			}
		case "params":
			if err := validateParams(ruleName, val, rd.Params); err != nil {
				return nil, err
			}
		}
	}
	if !haveTool {
		return nil, errs.New(errs.GrammarViolation, "rule is missing required \"tool\" key").Rule(ruleName)
	}
	return rd, nil
}

func validateIOSpec(ruleName string, node *yaml.Node, files, tables map[string]string) error {
	if node.Kind != yaml.MappingNode {
		return errs.New(errs.GrammarViolation, "input/output must be a mapping").Rule(ruleName)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		if !allowedIOKeys[key.Value] {
			return errs.New(errs.GrammarViolation, "unknown key in input/output").Rule(ruleName).WithContext("key", key.Value)
		}
		if val.Kind != yaml.MappingNode {
			return errs.New(errs.GrammarViolation, "files/tables must be a mapping").Rule(ruleName)
		}
		dest := files
		if key.Value == "tables" {
			dest = tables
		}
		for j := 0; j+1 < len(val.Content); j += 2 {
			nameNode := val.Content[j]
			valNode := val.Content[j+1]
			if valNode.Kind != yaml.ScalarNode || valNode.ShortTag() != "!!str" {
				return errs.New(errs.GrammarViolation, "file path or model identifier must be a string").
					Rule(ruleName).WithContext("name", nameNode.Value)
			}
			dest[nameNode.Value] = valNode.Value
		}
	}
	return nil
}

func validateParams(ruleName string, node *yaml.Node, params map[string]string) error {
	if node.Kind != yaml.MappingNode {
		return errs.New(errs.GrammarViolation, "params must be a mapping").Rule(ruleName)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return errs.New(errs.GrammarViolation, "param value must be a scalar").Rule(ruleName).WithContext("param", key.Value)
		}
		params[key.Value] = strings.TrimSpace(val.Value)
	}
	return nil
}
