package flowdef

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFlow matches every *ValidationError via errors.Is.
var ErrInvalidFlow = errors.New("invalid flow definition")

// Issue is a single validation failure.
type Issue struct {
	// Node names the offending node, if any.
	Node string
	// Edge identifies the offending edge as "from -> to", if any.
	Edge string
	// Msg describes the problem.
	Msg string
	// Err is the underlying cause, such as *expr.SyntaxError.
	Err error
}

// Error implements the error interface.
func (i Issue) Error() string {
	var b strings.Builder
	switch {
	case i.Edge != "":
		fmt.Fprintf(&b, "edge %s: ", i.Edge)
	case i.Node != "":
		fmt.Fprintf(&b, "node %q: ", i.Node)
	}
	b.WriteString(i.Msg)
	if i.Err != nil {
		b.WriteString(": ")
		b.WriteString(i.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (i Issue) Unwrap() error {
	return i.Err
}

// ValidationError collects every problem found in a flow definition.
type ValidationError struct {
	// Flow is the definition name, possibly empty.
	Flow   string
	Issues []Issue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Error()
	}
	name := e.Flow
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("flow %s: %d issue(s): %s", name, len(e.Issues), strings.Join(msgs, "; "))
}

// Is reports whether target is ErrInvalidFlow.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidFlow
}

// Unwrap exposes the underlying causes of individual issues.
func (e *ValidationError) Unwrap() []error {
	var errs []error
	for _, issue := range e.Issues {
		if issue.Err != nil {
			errs = append(errs, issue.Err)
		}
	}
	return errs
}

// Mentions reports whether any issue names the given node, either directly
// or as an edge endpoint.
func (e *ValidationError) Mentions(name string) bool {
	for _, issue := range e.Issues {
		if issue.Node == name {
			return true
		}
		if issue.Edge != "" {
			from, to, _ := strings.Cut(issue.Edge, " -> ")
			if from == name || to == name {
				return true
			}
		}
	}
	return false
}

func (e *ValidationError) add(issue Issue) {
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) nodef(node, format string, args ...any) {
	e.add(Issue{Node: node, Msg: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) edgef(edge EdgeDefinition, format string, args ...any) {
	e.add(Issue{Edge: edgeLabel(edge), Msg: fmt.Sprintf(format, args...)})
}

func edgeLabel(edge EdgeDefinition) string {
	return edge.From + " -> " + edge.To
}
