/*
Package config provides type-safe access to node configuration maps and
settings files.

Node definitions carry an opaque config map. Handlers and adapter factories
read it through Config, which returns defaults on missing keys or type
mismatches instead of failing:

	cfg := config.New(node.Config)
	handler := cfg.String("handler", node.Name)
	topK := cfg.Int("retrieval.top_k", 5)
	timeout := cfg.Duration("timeout", 30*time.Second)

Typed structs decode with mapstructure:

	var agent struct {
	    Model       string  `mapstructure:"model"`
	    Temperature float64 `mapstructure:"temperature"`
	}
	if err := cfg.Decode(&agent); err != nil { ... }

# File Loading

Settings files for the CLI load from YAML or JSON by extension:

	cfg, err := config.FromFile("careflow.yaml")

References of the form ${NAME} or ${NAME:-default} are replaced from the
environment before parsing:

	llm:
	  api_key: ${OPENAI_API_KEY}

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
