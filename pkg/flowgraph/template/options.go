package template

// MissingAction specifies how to handle missing variables.
type MissingAction int

const (
	// MissingKeep leaves the reference in the output. This is the default.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the reference with an empty string.
	MissingEmpty

	// MissingError fails the expansion with *UndefinedVariableError.
	MissingError
)

// ParseMissingAction maps "keep", "empty" and "error" to a MissingAction.
// Anything else yields MissingKeep and false.
func ParseMissingAction(s string) (MissingAction, bool) {
	switch s {
	case "keep", "":
		return MissingKeep, true
	case "empty":
		return MissingEmpty, true
	case "error":
		return MissingError, true
	}
	return MissingKeep, false
}

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction sets how missing variables are handled.
//
//	exp := NewExpander(WithMissingAction(MissingError))
//	_, err := exp.Expand("${missing}", nil)
//	// err: "undefined variable: missing"
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) {
		e.missingAction = action
	}
}
