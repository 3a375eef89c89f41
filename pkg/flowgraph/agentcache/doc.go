// Package agentcache memoizes node adapters in front of a flowgraph.Resolver.
//
// Entries are keyed by node type, name and a fingerprint of the node's
// config. A Cache can watch config files: when the newest modification
// time of any watched file changes, the whole cache is invalidated, since
// one shared file may feed many node configs.
//
//	cache := agentcache.New(registry, agentcache.WithSources("flows/triage.yaml"))
//	graph, err := flowgraph.Compile(ctx, def, cache)
//
// Forced reloads rebuild entries in place and keep the previous adapter
// when the rebuild fails.
package agentcache
