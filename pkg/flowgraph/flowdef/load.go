package flowdef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/careflow/pkg/flowgraph/expr"
)

// Load parses a flow definition from YAML or JSON, normalizes terminal
// spellings, and validates it. Every condition is compiled here so that
// routing can never fail on a syntax error mid-traversal.
//
// On failure Load returns nil and a *ValidationError.
func Load(raw []byte) (*FlowDefinition, error) {
	var def FlowDefinition
	if err := decode(raw, &def); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Msg: "parse flow definition", Err: err}}}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and loads a flow definition from path.
func LoadFile(path string) (*FlowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow %s: %w", path, err)
	}
	return Load(raw)
}

// Marshal serializes the definition as YAML. Load(Marshal(d)) yields a
// definition equal to d.
func Marshal(d *FlowDefinition) ([]byte, error) {
	return yaml.Marshal(d)
}

func decode(raw []byte, def *FlowDefinition) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return errors.New("empty document")
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		return dec.Decode(def)
	}

	dec := yaml.NewDecoder(bytes.NewReader(trimmed))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty document")
		}
		return err
	}
	return nil
}

// Validate normalizes the definition in place and checks its structure.
// All problems are collected into a single *ValidationError. Cycles are
// permitted.
func (d *FlowDefinition) Validate() error {
	d.normalize()

	verr := &ValidationError{Flow: d.Name}

	if len(d.Nodes) == 0 {
		verr.add(Issue{Msg: "flow declares no nodes"})
	}

	declared := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		switch {
		case n.Name == "":
			verr.add(Issue{Msg: fmt.Sprintf("node at index %d has no name", i)})
			continue
		case IsTerminal(n.Name):
			verr.nodef(n.Name, "name is reserved for the terminal")
		case declared[n.Name]:
			verr.nodef(n.Name, "duplicate node name")
		}
		declared[n.Name] = true

		if !n.Type.Valid() {
			verr.nodef(n.Name, "unknown node type %q (want agent, function or retrieval)", n.Type)
		}
	}

	switch {
	case d.Entry == "":
		verr.add(Issue{Msg: "entry node not set"})
	case !declared[d.Entry] || IsTerminal(d.Entry):
		verr.nodef(d.Entry, "entry node %q is not declared", d.Entry)
	}

	defaults := make(map[string]int)
	for i := range d.Edges {
		e := &d.Edges[i]
		e.program = nil

		switch {
		case e.From == "":
			verr.edgef(*e, "edge has no source")
		case !declared[e.From] || IsTerminal(e.From):
			verr.edgef(*e, "source %q is not a declared node", e.From)
		}

		switch {
		case e.To == "":
			verr.edgef(*e, "edge has no target")
		case e.To != Terminal && !declared[e.To]:
			verr.edgef(*e, "target %q is not a declared node", e.To)
		}

		if e.IsDefault() {
			defaults[e.From]++
			if defaults[e.From] == 2 {
				verr.nodef(e.From, "node has more than one default (condition-less) edge")
			}
			continue
		}

		program, err := expr.Compile(e.Condition)
		if err != nil {
			verr.add(Issue{Edge: edgeLabel(*e), Msg: "invalid condition", Err: err})
			continue
		}
		e.program = program
	}

	if d.Settings.MaxSteps < 0 {
		verr.add(Issue{Msg: fmt.Sprintf("settings.max_steps must not be negative, got %d", d.Settings.MaxSteps)})
	}

	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}
