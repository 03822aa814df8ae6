// Package definition loads and validates a workflow definition file: the
// structured text a user writes to describe a DAG of rules, per spec §4.1
// and §6.
package definition

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"ruleflow/internal/errs"
)

// Load reads path and parses it into a yaml.Node document tree, rejecting
// duplicate mapping keys at any level (I1, KIND=DuplicateKey).
//
// yaml.v3 is deliberately not asked to unmarshal straight into a Go struct:
// its default mapping decode silently lets a repeated key overwrite the
// previous one, which would hide a malformed definition instead of
// rejecting it. Walking yaml.Node.Content pairs ourselves mirrors the
// no_duplicates_constructor approach of the reader this package replaces.
func Load(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.FileNotFound, "definition file does not exist").WithContext("path", path)
		}
		return nil, errs.Wrap(errs.FileNotFound, "reading definition file", err).WithContext("path", path)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a validated document tree.
func Parse(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.GrammarViolation, "parsing YAML", err)
	}
	if len(doc.Content) == 0 {
		// An empty document is a valid, empty workflow (spec §8 boundary
		// test): return a synthetic empty mapping so callers don't special
		// case a nil root.
		return &yaml.Node{Kind: yaml.MappingNode}, nil
	}
	root := doc.Content[0]
	if err := checkDuplicateKeys(root); err != nil {
		return nil, err
	}
	return root, nil
}

// checkDuplicateKeys walks every mapping node in the tree and fails with
// KIND=DuplicateKey the first time a scalar key repeats within the same
// mapping.
func checkDuplicateKeys(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		seen := make(map[string]bool, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if seen[key.Value] {
				return errs.New(errs.DuplicateKey, "duplicate key in definition").
					WithContext("key", key.Value).
					WithContext("line", strconv.Itoa(key.Line))
			}
			seen[key.Value] = true
			if err := checkDuplicateKeys(node.Content[i+1]); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range node.Content {
			if err := checkDuplicateKeys(c); err != nil {
				return err
			}
		}
	case yaml.DocumentNode:
		for _, c := range node.Content {
			if err := checkDuplicateKeys(c); err != nil {
				return err
			}
		}
	}
	return nil
}
