package flowgraph

import (
	"reflect"
	"sort"
)

// MessagesKey is the state field holding the conversation history.
// It always uses append semantics on merge.
const MessagesKey = "messages"

// State is the mutable per-traversal state. Each traversal owns its State;
// adapters receive a clone and return a partial State that the engine
// merges back.
type State map[string]any

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Clone returns a copy of s whose nested maps and slices are not shared
// with s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// Messages returns the conversation history, converting decoded forms
// (such as []any of maps after a JSON round-trip) as needed.
func (s State) Messages() []Message {
	msgs, _ := toMessages(s[MessagesKey])
	return msgs
}

// LastMessage returns the newest message, if any.
func (s State) LastMessage() (Message, bool) {
	msgs := s.Messages()
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// String returns the string value for key, or "" if missing or not a string.
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Keys returns the state keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Schema declares which state fields accumulate. All other fields replace
// on merge.
type Schema struct {
	appendFields map[string]bool
}

// NewSchema returns a schema whose append fields are MessagesKey plus
// fields.
func NewSchema(fields ...string) Schema {
	sc := Schema{appendFields: map[string]bool{MessagesKey: true}}
	for _, f := range fields {
		if f != "" {
			sc.appendFields[f] = true
		}
	}
	return sc
}

// Appends reports whether field uses append semantics.
func (sc Schema) Appends(field string) bool {
	if sc.appendFields == nil {
		return field == MessagesKey
	}
	return sc.appendFields[field]
}

// AppendFields returns the append fields in sorted order.
func (sc Schema) AppendFields() []string {
	if sc.appendFields == nil {
		return []string{MessagesKey}
	}
	out := make([]string, 0, len(sc.appendFields))
	for f := range sc.appendFields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Merge folds partial into dst and returns dst. Scalar fields replace;
// append fields accumulate in order. A nil dst is allocated.
func (sc Schema) Merge(dst, partial State) State {
	if dst == nil {
		dst = make(State, len(partial))
	}
	for k, v := range partial {
		if sc.Appends(k) {
			dst[k] = appendValues(k, dst[k], v)
			continue
		}
		dst[k] = v
	}
	return dst
}

// appendValues returns existing with add appended. add may be a single
// element or a list.
func appendValues(field string, existing, add any) any {
	if add == nil {
		return existing
	}

	if field == MessagesKey {
		prev, okPrev := toMessages(existing)
		next, okNext := toMessages(add)
		if (okPrev || existing == nil) && okNext {
			out := make([]Message, 0, len(prev)+len(next))
			out = append(out, prev...)
			return append(out, next...)
		}
	}

	if existing == nil {
		if isList(add) {
			return cloneValue(add)
		}
		return []any{add}
	}

	ev, av := reflect.ValueOf(existing), reflect.ValueOf(add)
	if ev.Kind() == reflect.Slice {
		if av.Kind() == reflect.Slice && av.Type().AssignableTo(ev.Type()) {
			out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+av.Len())
			out = reflect.AppendSlice(out, ev)
			return reflect.AppendSlice(out, av).Interface()
		}
		if av.Kind() != reflect.Slice && av.Type().AssignableTo(ev.Type().Elem()) {
			out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+1)
			out = reflect.AppendSlice(out, ev)
			return reflect.Append(out, av).Interface()
		}
	}

	// Heterogeneous: fall back to []any.
	out := toAnySlice(existing)
	return append(out, toAnySlice(add)...)
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Slice
}

func toAnySlice(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.([]any); ok {
		out := make([]any, len(s))
		copy(out, s)
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// toMessages converts the accepted message encodings to []Message.
func toMessages(v any) ([]Message, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []Message:
		return t, true
	case Message:
		return []Message{t}, true
	case *Message:
		if t == nil {
			return nil, false
		}
		return []Message{*t}, true
	case map[string]any:
		m, ok := messageFromMap(t)
		if !ok {
			return nil, false
		}
		return []Message{m}, true
	case []any:
		out := make([]Message, 0, len(t))
		for _, item := range t {
			switch it := item.(type) {
			case Message:
				out = append(out, it)
			case map[string]any:
				m, ok := messageFromMap(it)
				if !ok {
					return nil, false
				}
				out = append(out, m)
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

func messageFromMap(m map[string]any) (Message, bool) {
	role, okRole := m["role"].(string)
	content, okContent := m["content"].(string)
	if !okRole || !okContent {
		return Message{}, false
	}
	name, _ := m["name"].(string)
	return Message{Role: role, Content: content, Name: name}, true
}

// normalizeState restores typed forms lost in a JSON round-trip.
func normalizeState(s State) State {
	if msgs, ok := toMessages(s[MessagesKey]); ok {
		s[MessagesKey] = msgs
	}
	return s
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case State:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []Message:
		out := make([]Message, len(t))
		copy(out, t)
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && !rv.IsNil() {
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	}
	return v
}
