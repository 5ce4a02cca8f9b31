// Package sandbox manages ephemeral, conversation-scoped compute
// environments: provisioning under a distributed lock, liveness caching,
// and background reconciliation of orphaned resources.
package sandbox

import (
	"context"
	"time"
)

// Labels attached to every compute resource Turntable creates, used by the
// sweeper to find resources it owns.
const (
	LabelSandbox      = "turntable.sandbox"
	LabelConversation = "turntable.conversation"
)

// Resource is one compute resource as reported by the backend.
type Resource struct {
	ID        string
	Labels    map[string]string
	CreatedAt time.Time
}

// Backend abstracts the compute runtime that hosts sandboxes. The runtime's
// own API is opaque to the rest of the pipeline; everything goes through
// create, inspect, destroy, exec, and list.
type Backend interface {
	// Create starts a new resource with the given labels and returns its id.
	Create(ctx context.Context, labels map[string]string) (string, error)

	// Inspect reports whether the resource is alive. A missing resource is
	// dead, not an error.
	Inspect(ctx context.Context, resourceID string) (bool, error)

	// Destroy tears the resource down. Destroying a missing resource is not
	// an error.
	Destroy(ctx context.Context, resourceID string) error

	// Exec runs a command inside the resource and returns combined output.
	Exec(ctx context.Context, resourceID string, cmd []string) (string, error)

	// List returns all resources matching every label in filter.
	List(ctx context.Context, filter map[string]string) ([]Resource, error)
}
