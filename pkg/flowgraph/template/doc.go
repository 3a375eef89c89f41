/*
Package template renders ${...} references in prompt and config strings.

# Basic Usage

	out := template.Expand("Patient reports ${symptom}", map[string]any{"symptom": "fever"})
	// out: "Patient reports fever"

# Dotted References

A dotted reference walks nested maps, which is how agent prompts reach
request identifiers:

	vars := map[string]any{
	    "intent": "refill",
	    "ctx":    map[string]any{"actor_id": "u-17"},
	}
	out := template.Expand("${ctx.actor_id} asked for a ${intent}", vars)
	// out: "u-17 asked for a refill"

A flat key that contains the dots takes precedence over the nested path.

Lists and maps render as JSON. Write $${name} for a literal ${name}.

# Missing Variables

By default unknown references are kept as-is. MissingEmpty drops them and
MissingError fails with *UndefinedVariableError naming every unknown
reference:

	exp := template.NewExpander(template.WithMissingAction(template.MissingError))
	_, err := exp.Expand("Hello ${missing}", nil)
	// err: "undefined variable: missing"

# Thread Safety

Expander is safe for concurrent use after construction.
*/
package template
