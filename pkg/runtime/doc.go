// Package runtime abstracts the container engine that hosts agent
// processes. The supervisor talks to the Runtime interface only; the
// containerd implementation binds each agent's queue and state directories
// into the container, and tests substitute an in-memory fake.
package runtime
