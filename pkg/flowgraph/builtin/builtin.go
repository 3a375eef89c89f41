// Package builtin provides config-driven function nodes for common state
// edits, so simple flows need no Go code:
//
//	- name: count_turn
//	  type: function
//	  config: {op: increment, field: turns}
//	- name: greet
//	  type: function
//	  config: {op: append_message, role: assistant, content: "Hello ${ctx.actor_id}"}
//
// String values are rendered with package template against the state and
// request identifiers.
package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/careflow/pkg/flowgraph"
	"github.com/randalmurphal/careflow/pkg/flowgraph/config"
	"github.com/randalmurphal/careflow/pkg/flowgraph/flowdef"
	"github.com/randalmurphal/careflow/pkg/flowgraph/registry"
	"github.com/randalmurphal/careflow/pkg/flowgraph/template"
)

// OpKey is the node config field naming the operation.
const OpKey = "op"

// ErrMissingField is returned by copy with required set when the source
// field is absent.
var ErrMissingField = errors.New("source field not set")

// Builder constructs a function adapter from node config.
type Builder func(cfg config.Config) (flowgraph.NodeAdapter, error)

var ops = func() *registry.Registry[string, Builder] {
	r := registry.NewNamed[string, Builder]("builtin op")
	r.Register("set", buildSet)
	r.Register("increment", buildIncrement)
	r.Register("append_message", buildAppendMessage)
	r.Register("copy", buildCopy)
	return r
}()

// Ops returns the operation names in sorted order.
func Ops() []string {
	return ops.Keys()
}

// Factory builds function adapters from the op named in node config. Use
// it for flowdef.NodeFunction; see Register.
func Factory(_ context.Context, node flowdef.NodeDefinition) (flowgraph.NodeAdapter, error) {
	if node.Type != flowdef.NodeFunction {
		return nil, fmt.Errorf("builtin: node %q has type %s, want function", node.Name, node.Type)
	}
	cfg := config.New(node.Config)
	op := cfg.String(OpKey, "")
	if op == "" {
		return nil, fmt.Errorf("builtin: node %q: config %q is required", node.Name, OpKey)
	}
	build, err := ops.Lookup(op)
	if err != nil {
		return nil, fmt.Errorf("builtin: node %q: %w", node.Name, err)
	}
	adapter, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("builtin: node %q (%s): %w", node.Name, op, err)
	}
	return adapter, nil
}

// Register installs Factory for function nodes on reg.
func Register(reg *flowgraph.Registry) *flowgraph.Registry {
	return reg.Factory(flowdef.NodeFunction, Factory)
}

// buildSet writes config "values" into the state.
func buildSet(cfg config.Config) (flowgraph.NodeAdapter, error) {
	values := cfg.Map("values").Raw()
	if len(values) == 0 {
		return nil, errors.New(`config "values" must be a non-empty map`)
	}
	return flowgraph.Function(func(ctx flowgraph.Context, state flowgraph.State) (flowgraph.State, error) {
		return flowgraph.State(template.ExpandMap(values, flowgraph.TemplateVars(ctx, state))), nil
	}), nil
}

// buildIncrement adds config "by" (default 1) to config "field". An unset
// field counts as zero; integer fields stay integers.
func buildIncrement(cfg config.Config) (flowgraph.NodeAdapter, error) {
	if err := cfg.Require("field"); err != nil {
		return nil, err
	}
	field := cfg.String("field", "")
	by := cfg.Float("by", 1)
	intStep := by == float64(int64(by))

	return flowgraph.Function(func(_ flowgraph.Context, state flowgraph.State) (flowgraph.State, error) {
		switch cur := state[field].(type) {
		case nil:
			if intStep {
				return flowgraph.State{field: int(by)}, nil
			}
			return flowgraph.State{field: by}, nil
		case int:
			if intStep {
				return flowgraph.State{field: cur + int(by)}, nil
			}
			return flowgraph.State{field: float64(cur) + by}, nil
		case int64:
			if intStep {
				return flowgraph.State{field: int(cur) + int(by)}, nil
			}
			return flowgraph.State{field: float64(cur) + by}, nil
		case float64:
			return flowgraph.State{field: cur + by}, nil
		default:
			return nil, fmt.Errorf("field %q is %T, not a number", field, cur)
		}
	}), nil
}

// buildAppendMessage appends a message rendered from config "content".
func buildAppendMessage(cfg config.Config) (flowgraph.NodeAdapter, error) {
	if err := cfg.Require("content"); err != nil {
		return nil, err
	}
	role := cfg.String("role", "assistant")
	content := cfg.String("content", "")
	strict := cfg.Bool("strict", false)

	action := template.MissingKeep
	if strict {
		action = template.MissingError
	}
	exp := template.NewExpander(template.WithMissingAction(action))

	return flowgraph.Function(func(ctx flowgraph.Context, state flowgraph.State) (flowgraph.State, error) {
		text, err := exp.Expand(content, flowgraph.TemplateVars(ctx, state))
		if err != nil {
			return nil, err
		}
		return flowgraph.State{
			flowgraph.MessagesKey: []flowgraph.Message{{Role: role, Content: text}},
		}, nil
	}), nil
}

// buildCopy copies config "from" to config "to". A missing source is
// skipped unless "required" is set.
func buildCopy(cfg config.Config) (flowgraph.NodeAdapter, error) {
	if err := cfg.Require("from", "to"); err != nil {
		return nil, err
	}
	from, to := cfg.String("from", ""), cfg.String("to", "")
	required := cfg.Bool("required", false)

	return flowgraph.Function(func(_ flowgraph.Context, state flowgraph.State) (flowgraph.State, error) {
		v, ok := state[from]
		if !ok {
			if required {
				return nil, fmt.Errorf("%w: %s", ErrMissingField, from)
			}
			return nil, nil
		}
		return flowgraph.State{to: v}, nil
	}), nil
}
