// Package orchestrator assembles the message plane. It owns the component
// wiring (registry → topology → router → watchers → supervisor → events)
// and exposes the operations the gateway and the CLI invoke. Graph
// mutations go through here so the routing topology and the per-agent
// hierarchy files stay consistent with the persisted configuration.
package orchestrator
