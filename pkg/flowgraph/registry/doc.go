// Package registry provides a generic thread-safe registry for values
// indexed by an ordered key.
//
// careflow uses registries for named function handlers and per-kind adapter
// factories. Lookups that miss return a *NotFoundError listing what is
// registered, which surfaces directly in compile errors:
//
//	handlers := registry.NewNamed[string, flowgraph.NodeAdapter]("handler")
//	handlers.Register("set", builtin.Set())
//
//	adapter, err := handlers.Lookup("sett")
//	// err: handler "sett" not registered (known: [set])
//
// Keys returns a snapshot in ascending key order.
package registry
