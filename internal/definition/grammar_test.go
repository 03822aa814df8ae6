package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleflow/internal/errs"
)

func mustParse(t *testing.T, doc string) *Document {
	t.Helper()
	root, err := Parse([]byte(doc))
	require.NoError(t, err)
	d, err := Validate(root)
	require.NoError(t, err)
	return d
}

func TestValidate_SimpleRule(t *testing.T) {
	d := mustParse(t, `
rule make_csv:
  tool: pkg.MakeCSV
  input:
    files:
      raw: data/raw.txt
  output:
    files:
      csv: data/out.csv
  params:
    delimiter: ","
`)
	require.Len(t, d.Rules, 1)
	r := d.Rules[0]
	assert.Equal(t, "make_csv", r.Name)
	assert.Equal(t, "pkg.MakeCSV", r.Tool)
	assert.Equal(t, "data/raw.txt", r.InputFiles["raw"])
	assert.Equal(t, "data/out.csv", r.OutputFiles["csv"])
	assert.Equal(t, ",", r.Params["delimiter"])
}

func TestValidate_TablesAndMultipleRules(t *testing.T) {
	d := mustParse(t, `
rule load:
  tool: pkg.Load
  output:
    tables:
      samples: pkg.models.Sample
rule analyze:
  tool: pkg.Analyze
  input:
    tables:
      samples: pkg.models.Sample
  output:
    tables:
      results: pkg.models.Result
`)
	require.Len(t, d.Rules, 2)
	assert.Equal(t, "pkg.models.Sample", d.Rules[0].OutputTables["samples"])
	assert.Equal(t, "pkg.models.Sample", d.Rules[1].InputTables["samples"])
	assert.Equal(t, "pkg.models.Result", d.Rules[1].OutputTables["results"])
}

func TestValidate_EmptyDocument(t *testing.T) {
	d := mustParse(t, "")
	assert.Empty(t, d.Rules)
}

func TestValidate_DuplicateRuleName(t *testing.T) {
	// Two distinct top-level keys (different whitespace) that both name
	// rule "dup" once the "rule " prefix is stripped: Parse's DuplicateKey
	// check does not catch this (the raw key text differs), so Validate
	// must reject it as DuplicateRule.
	root, err := Parse([]byte("rule  dup:\n  tool: pkg.A\nrule dup:\n  tool: pkg.B\n"))
	require.NoError(t, err)
	_, err = Validate(root)
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.DuplicateRule))
}

func TestValidate_MissingTool(t *testing.T) {
	root, err := Parse([]byte(`
rule broken:
  input:
    files:
      a: x
`))
	require.NoError(t, err)
	_, err = Validate(root)
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.GrammarViolation))
}

func TestValidate_UnknownTopLevelKey(t *testing.T) {
	root, err := Parse([]byte("not_a_rule: 1\n"))
	require.NoError(t, err)
	_, err = Validate(root)
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.GrammarViolation))
}

func TestValidate_UnknownRuleKey(t *testing.T) {
	root, err := Parse([]byte(`
rule r:
  tool: pkg.A
  surprise: true
`))
	require.NoError(t, err)
	_, err = Validate(root)
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.GrammarViolation))
}

func TestValidate_NonStringFilePath(t *testing.T) {
	root, err := Parse([]byte(`
rule r:
  tool: pkg.A
  input:
    files:
      a:
        nested: true
`))
	require.NoError(t, err)
	_, err = Validate(root)
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.GrammarViolation))
}

func TestParse_DuplicateKeyRejected(t *testing.T) {
	_, err := Parse([]byte(`
rule r:
  tool: pkg.A
  tool: pkg.B
`))
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.DuplicateKey))
}

func TestParse_DuplicateTopLevelRuleKeyRejected(t *testing.T) {
	_, err := Parse([]byte(`
rule r:
  tool: pkg.A
rule r:
  tool: pkg.B
`))
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.DuplicateKey))
}
