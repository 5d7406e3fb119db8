package runtime

import (
	"context"
	"time"
)

// Status is the observed state of a container. Never cached beyond one
// request: the supervisor inspects freshly on demand.
type Status struct {
	Running   bool
	State     string
	StartedAt *time.Time
}

// Mount is a bind mount from host path to container path
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerSpec describes the container of one agent: its image, the
// environment the agent runtime expects, and the bind mounts exposing the
// agent's mail queues and state.
type ContainerSpec struct {
	ID     string // deterministic container id, one per agent
	Image  string
	Env    []string
	Mounts []Mount
}

// Runtime is the abstract container capability backing the supervisor.
// Implementations wrap a concrete engine (containerd) or a fake for tests.
type Runtime interface {
	// Create creates a container from the spec. The container persists
	// across stops; Create on an existing id fails.
	Create(ctx context.Context, spec *ContainerSpec) (string, error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, containerID string) error

	// Stop gracefully stops a running container, escalating to a kill
	// after the timeout.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes the container and its snapshot.
	Remove(ctx context.Context, containerID string) error

	// Inspect reports the container's current state.
	Inspect(ctx context.Context, containerID string) (*Status, error)

	// Exists reports whether a container with this id is known.
	Exists(ctx context.Context, containerID string) (bool, error)

	// Close releases the runtime connection.
	Close() error
}
