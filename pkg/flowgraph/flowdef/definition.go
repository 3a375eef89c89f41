// Package flowdef loads and validates declarative flow definitions.
//
// A flow definition names its nodes, the edges between them, and an entry
// node. Definitions are read from YAML or JSON, normalized, and validated in
// a single pass; a definition that fails validation is never returned.
//
// Example:
//
//	def, err := flowdef.LoadFile("flows/triage.yaml")
//	if err != nil {
//	    var verr *flowdef.ValidationError
//	    if errors.As(err, &verr) {
//	        for _, issue := range verr.Issues {
//	            log.Println(issue)
//	        }
//	    }
//	}
package flowdef

import (
	"strings"

	"github.com/randalmurphal/careflow/pkg/flowgraph/expr"
)

// Terminal is the edge target that ends a traversal.
const Terminal = "__end__"

// IsTerminal reports whether name spells the terminal sentinel.
// "__end__", "END" and "end" are accepted in any case.
func IsTerminal(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Terminal, "end":
		return true
	}
	return false
}

// NodeType is the kind of work a node performs.
type NodeType string

// Supported node types.
const (
	NodeAgent     NodeType = "agent"
	NodeFunction  NodeType = "function"
	NodeRetrieval NodeType = "retrieval"
)

// Valid reports whether t is one of the supported node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeAgent, NodeFunction, NodeRetrieval:
		return true
	}
	return false
}

// NodeDefinition declares one node. Config is opaque to the loader and is
// handed to the resolver that builds the node's adapter.
type NodeDefinition struct {
	Name   string         `yaml:"name" json:"name"`
	Type   NodeType       `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// EdgeDefinition declares a transition. An empty Condition marks the
// default edge for its source node.
type EdgeDefinition struct {
	From      string `yaml:"from" json:"from"`
	To        string `yaml:"to" json:"to"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	program *expr.Program
}

// IsDefault reports whether the edge has no condition.
func (e EdgeDefinition) IsDefault() bool {
	return strings.TrimSpace(e.Condition) == ""
}

// Program returns the compiled condition, or nil for a default edge.
// It is populated by Load and Validate.
func (e EdgeDefinition) Program() *expr.Program {
	return e.program
}

// Settings holds flow-wide execution settings.
type Settings struct {
	// MaxSteps bounds node executions per traversal. Zero means the
	// engine default.
	MaxSteps int `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`

	// StrictConditions makes conditions that reference unset fields fail
	// instead of evaluating as falsy.
	StrictConditions bool `yaml:"strict_conditions,omitempty" json:"strict_conditions,omitempty"`

	// AppendFields lists state fields whose values accumulate across
	// merges. "messages" always appends.
	AppendFields []string `yaml:"append_fields,omitempty" json:"append_fields,omitempty"`
}

// FlowDefinition is a complete declarative flow.
type FlowDefinition struct {
	Name     string           `yaml:"name" json:"name"`
	Version  string           `yaml:"version,omitempty" json:"version,omitempty"`
	Entry    string           `yaml:"entry" json:"entry"`
	Nodes    []NodeDefinition `yaml:"nodes" json:"nodes"`
	Edges    []EdgeDefinition `yaml:"edges" json:"edges"`
	Settings Settings         `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Node returns the node with the given name.
func (d *FlowDefinition) Node(name string) (NodeDefinition, bool) {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeDefinition{}, false
}

// EdgesFrom returns the outgoing edges of a node in declaration order.
func (d *FlowDefinition) EdgesFrom(name string) []EdgeDefinition {
	var out []EdgeDefinition
	for _, e := range d.Edges {
		if e.From == name {
			out = append(out, e)
		}
	}
	return out
}

// NodeNames returns the node names in declaration order.
func (d *FlowDefinition) NodeNames() []string {
	names := make([]string, len(d.Nodes))
	for i, n := range d.Nodes {
		names[i] = n.Name
	}
	return names
}

// normalize rewrites terminal spellings to Terminal and trims names.
func (d *FlowDefinition) normalize() {
	d.Entry = strings.TrimSpace(d.Entry)
	for i := range d.Nodes {
		d.Nodes[i].Name = strings.TrimSpace(d.Nodes[i].Name)
		d.Nodes[i].Type = NodeType(strings.ToLower(strings.TrimSpace(string(d.Nodes[i].Type))))
	}
	for i := range d.Edges {
		e := &d.Edges[i]
		e.From = strings.TrimSpace(e.From)
		e.To = strings.TrimSpace(e.To)
		if IsTerminal(e.To) {
			e.To = Terminal
		}
		e.Condition = strings.TrimSpace(e.Condition)
	}
}
