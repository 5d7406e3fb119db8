// Package types defines the core data structures shared across Apiary
// components: mail, connections, swarm configuration, and runtime state.
//
// These types are intentionally simple data structures with minimal behavior.
// Business logic lives in the packages that operate on them (router,
// topology, registry, supervisor).
package types
