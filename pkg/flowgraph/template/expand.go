package template

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// refPattern matches ${name} and ${a.b.c}. A leading "$$" escapes the
// reference and is captured so it can be emitted literally.
var refPattern = regexp.MustCompile(`(\$?)\$\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\}`)

// Expander renders ${...} references against a variable map.
//
// Expander is safe for concurrent use after construction.
type Expander struct {
	missingAction MissingAction
}

// NewExpander creates a new Expander with the given options.
// The default MissingAction is MissingKeep.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{missingAction: MissingKeep}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand renders every reference in s. Dotted references walk nested
// maps; a flat key containing the dots wins over the nested path.
//
// Errors are only returned when MissingAction is MissingError.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	var missing []string
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		if sub[1] != "" {
			return match[1:]
		}
		name := sub[2]
		if val, ok := Lookup(vars, name); ok {
			return Format(val)
		}
		switch e.missingAction {
		case MissingEmpty:
			return ""
		case MissingError:
			missing = append(missing, name)
			return match
		default:
			return match
		}
	})

	if len(missing) > 0 {
		return "", &UndefinedVariableError{Names: missing}
	}
	return out, nil
}

// expandStrings renders each string in ss.
func (e *Expander) expandStrings(ss []string, vars map[string]any) ([]string, error) {
	if ss == nil {
		return nil, nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		r, err := e.Expand(s, vars)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// ExpandMap renders every string value in m, recursing into nested maps
// and lists. Keys are not rendered. m is not modified.
func (e *Expander) ExpandMap(m map[string]any, vars map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		r, err := e.expandValue(v, vars)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func (e *Expander) expandValue(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return e.Expand(val, vars)
	case []string:
		return e.expandStrings(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := e.expandValue(item, vars)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		return e.ExpandMap(val, vars)
	default:
		return v, nil
	}
}

// Lookup resolves a possibly dotted name in vars.
func Lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(name, ".")
	if !found {
		return nil, false
	}
	switch next := vars[head].(type) {
	case map[string]any:
		return Lookup(next, rest)
	case map[string]string:
		v, ok := next[rest]
		return v, ok
	}
	return nil, false
}

// Format renders a value for inclusion in text. Strings are used as is,
// slices, arrays and maps of any element type are rendered as JSON,
// anything else with fmt.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// References returns the distinct names referenced by s, in order of
// first appearance. Escaped references are skipped.
func References(s string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, sub := range refPattern.FindAllStringSubmatch(s, -1) {
		if sub[1] != "" || seen[sub[2]] {
			continue
		}
		seen[sub[2]] = true
		names = append(names, sub[2])
	}
	return names
}

// UndefinedVariableError is returned when MissingError is set and
// one or more variables are not found.
type UndefinedVariableError struct {
	Names []string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

var defaultExpander = NewExpander()

// Expand renders s with the default expander, keeping unknown references.
func Expand(s string, vars map[string]any) string {
	result, _ := defaultExpander.Expand(s, vars)
	return result
}

// ExpandMap renders m with the default expander, keeping unknown
// references.
func ExpandMap(m map[string]any, vars map[string]any) map[string]any {
	result, _ := defaultExpander.ExpandMap(m, vars)
	return result
}
