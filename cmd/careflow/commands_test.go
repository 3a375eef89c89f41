package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const intakeFlow = `
name: intake
version: "1"
entry: classify
nodes:
  - name: classify
    type: agent
    config:
      system_prompt: "Classify the request from ${ctx.actor_id}."
      output_key: intent
  - name: refill
    type: function
    config: {op: set, values: {queue: pharmacy}}
  - name: lookup_chart
    type: retrieval
    config: {handler: chart_search}
  - name: count
    type: function
    config: {op: increment, field: turns}
edges:
  - {from: classify, to: refill, condition: "intent == 'refill'"}
  - {from: classify, to: count}
  - {from: refill, to: count}
  - {from: count, to: END}
`

// intakeRunFlow is intakeFlow without the retrieval node, whose handler
// only exists in Go code.
var intakeRunFlow = strings.Replace(intakeFlow, `  - name: lookup_chart
    type: retrieval
    config: {handler: chart_search}
`, "", 1)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "intake.yaml", intakeFlow)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, `warning: node "lookup_chart" is unreachable from "classify"`)
	assert.Contains(t, out, "ok (flow intake, 4 nodes)")

	out, err = execute(t, "validate", "--strict", path)
	require.Error(t, err)
	assert.Contains(t, out, "unreachable nodes")
}

func TestValidate_Invalid(t *testing.T) {
	good := writeFile(t, "intake.yaml", intakeFlow)
	bad := writeFile(t, "broken.yaml", `
name: broken
entry: start
nodes:
  - name: start
    type: function
    config: {op: explode}
edges:
  - {from: start, to: nowhere}
`)

	out, err := execute(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 flow(s) failed validation")
	assert.Contains(t, out, bad+": ")
	assert.Contains(t, out, "nowhere")
}

func TestValidate_BadAgentConfig(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
name: agent
entry: a
nodes:
  - name: a
    type: agent
    config: {model: gpt-4o-mini, temperature: 5}
edges:
  - {from: a, to: END}
`)
	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "temperature")
}

func TestValidate_UnknownIdentifierReference(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
name: agent
entry: a
nodes:
  - name: a
    type: agent
    config: {system_prompt: "Triage for ${ctx.actor}"}
edges:
  - {from: a, to: END}
`)
	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "unknown request identifiers: ${ctx.actor}")
}

func runSettings(t *testing.T) string {
	t.Helper()
	return writeFile(t, "careflow.yaml", `
log: {level: error}
checkpoint:
  driver: sqlite
  path: `+filepath.Join(t.TempDir(), "checkpoints.db")+`
llm:
  provider: mock
  mock_response: refill
`)
}

func decodeState(t *testing.T, out string) map[string]any {
	t.Helper()
	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &state), out)
	return state
}

func TestRun(t *testing.T) {
	require.NotContains(t, intakeRunFlow, "lookup_chart")
	flow := writeFile(t, "intake.yaml", intakeRunFlow)
	settings := runSettings(t)

	out, err := execute(t, "run", "-c", settings, flow,
		"--session", "s1", "--actor", "u-17", "-m", "Refill my inhaler", "-i", `{"department":"pharmacy"}`)
	require.NoError(t, err)

	state := decodeState(t, out)
	assert.Equal(t, "refill", state["intent"])
	assert.Equal(t, "pharmacy", state["queue"])
	assert.Equal(t, "pharmacy", state["department"])
	assert.EqualValues(t, 1, state["turns"])
	assert.Len(t, state["messages"], 2)

	out, err = execute(t, "run", "-c", settings, flow, "--session", "s1", "-m", "Thanks")
	require.NoError(t, err)
	state = decodeState(t, out)
	assert.EqualValues(t, 2, state["turns"], "second run continues the session")
	assert.Len(t, state["messages"], 4)

	out, err = execute(t, "run", "-c", settings, flow, "--session", "s1", "--resume")
	require.NoError(t, err)
	state = decodeState(t, out)
	assert.EqualValues(t, 2, state["turns"], "resuming a completed traversal runs nothing")
}

func TestRun_Errors(t *testing.T) {
	flow := writeFile(t, "intake.yaml", intakeRunFlow)
	settings := runSettings(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"bad input", []string{"run", "-c", settings, flow, "-i", "[1,2]"}, "parse input"},
		{"missing flow", []string{"run", "-c", settings, filepath.Join(t.TempDir(), "none.yaml")}, "load flow"},
		{"resume without session", []string{"run", "-c", settings, flow, "--resume"}, "--resume"},
		{"no session with checkpoints", []string{"run", "-c", settings, flow}, "checkpoint key required"},
		{"input and input-file", []string{"run", "-c", settings, flow, "-i", "{}", "-f", "x.json"}, "none of the others can be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
