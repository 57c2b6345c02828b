package docker

import "context"

// ContainerStatus is what ListContainers reports for one engine-known
// container: its terminal exit code (nil while still running) and a short
// human description (image, or failure detail) used by the Janitor (§4.10).
type ContainerStatus struct {
	ExitCode    *int
	Description string
}

// API is the per-node EngineAdapter contract (§4.1): the set of
// container-engine operations the Scheduler, Worker and Janitor invoke.
// Observable side effects are confined to these calls; the adapter never
// touches the document store.
type API interface {
	// Pull streams image pull progress; any progress line mentioning
	// "error" raises (§4.1, §7 EngineFatal).
	Pull(ctx context.Context, image string, auth string) error

	// Create creates (but does not start) a container with the given
	// name, image, command and memory limits (bytes). securityOpt
	// configures sandboxing (task.application_container_description.sandbox).
	Create(ctx context.Context, name, image string, command []string, memLimit, memswapLimit int64, securityOpt []string) (id string, err error)

	// Start starts a previously created container.
	Start(ctx context.Context, name string) error

	// Wait blocks until the named container exits and returns its exit code.
	Wait(ctx context.Context, name string) (int, error)

	// Logs returns the combined stdout/stderr of a container.
	Logs(ctx context.Context, name string) (string, error)

	// Remove is idempotent: it kills then removes the named container,
	// swallowing "not found" so double-removal is a no-op.
	Remove(ctx context.Context, name string) error

	// Inspect returns the container's IP address on the default/overlay
	// network it is attached to.
	Inspect(ctx context.Context, name string) (ip string, err error)

	// ConnectToNetwork attaches a running container to the named overlay
	// network, so an application container can reach its data container.
	ConnectToNetwork(ctx context.Context, name, network string) error

	// ListContainers returns every container the engine knows about,
	// keyed by name.
	ListContainers(ctx context.Context) (map[string]ContainerStatus, error)

	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
