// Package engine implements the EngineAdapter (§4.1): the thin,
// semaphore-bounded layer the Scheduler, Worker and Janitor call through to
// reach a node's container engine. It never touches the document store —
// observable side effects are confined to the docker.API calls it wraps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/curious-containers/ccserver/internal/ccerrors"
	"github.com/curious-containers/ccserver/internal/docker"
)

// Adapter bounds concurrent engine calls with a process-wide semaphore
// (§5 thread_limit) and applies a per-call timeout (§5 api_timeout),
// regardless of which node's client a call targets.
type Adapter struct {
	sem     chan struct{}
	timeout time.Duration
}

// NewAdapter creates an Adapter with the given concurrency bound and
// per-call timeout.
func NewAdapter(threadLimit int, apiTimeout time.Duration) *Adapter {
	if threadLimit <= 0 {
		threadLimit = 1
	}
	return &Adapter{
		sem:     make(chan struct{}, threadLimit),
		timeout: apiTimeout,
	}
}

// acquire blocks until a semaphore slot is free or ctx is done, returning a
// release function to call when the engine call completes.
func (a *Adapter) acquire(ctx context.Context) (func(), error) {
	select {
	case a.sem <- struct{}{}:
		return func() { <-a.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// call runs fn under the semaphore and the adapter's timeout, classifying
// the resulting error as transient (network/timeout — the caller should
// schedule the node for inspection) or left as-is (fatal engine error).
func (a *Adapter) call(ctx context.Context, fn func(context.Context) error) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	cctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := fn(cctx); err != nil {
		return classify(err)
	}
	return nil
}

// classify wraps transient-looking errors (deadline exceeded, connection
// refused/reset, DNS failures) with ccerrors.ErrEngineTransient so callers
// can distinguish "this node might be dead" from "this operation fatally
// failed" (§7).
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ccerrors.ErrEngineTransient, err)
	}
	return err
}

// Pull streams an image pull on client and raises ccerrors.ErrEngineFatal-
// class errors (via the docker layer's own line scan) on failure.
func (a *Adapter) Pull(ctx context.Context, client docker.API, image, auth string) error {
	return a.call(ctx, func(cctx context.Context) error {
		if err := client.Pull(cctx, image, auth); err != nil {
			return fmt.Errorf("%w: %v", ccerrors.ErrEngineFatal, err)
		}
		return nil
	})
}

// Create creates a container on client.
func (a *Adapter) Create(ctx context.Context, client docker.API, name, image string, command []string, memLimit, memswapLimit int64, securityOpt []string) (string, error) {
	var id string
	err := a.call(ctx, func(cctx context.Context) error {
		var err error
		id, err = client.Create(cctx, name, image, command, memLimit, memswapLimit, securityOpt)
		return err
	})
	return id, err
}

// Start starts a container on client.
func (a *Adapter) Start(ctx context.Context, client docker.API, name string) error {
	return a.call(ctx, func(cctx context.Context) error {
		return client.Start(cctx, name)
	})
}

// Wait blocks until the named container exits.
func (a *Adapter) Wait(ctx context.Context, client docker.API, name string) (int, error) {
	var code int
	err := a.call(ctx, func(cctx context.Context) error {
		var err error
		code, err = client.Wait(cctx, name)
		return err
	})
	return code, err
}

// Logs returns a container's combined stdout/stderr.
func (a *Adapter) Logs(ctx context.Context, client docker.API, name string) (string, error) {
	var logs string
	err := a.call(ctx, func(cctx context.Context) error {
		var err error
		logs, err = client.Logs(cctx, name)
		return err
	})
	return logs, err
}

// Remove idempotently removes a container.
func (a *Adapter) Remove(ctx context.Context, client docker.API, name string) error {
	return a.call(ctx, func(cctx context.Context) error {
		return client.Remove(cctx, name)
	})
}

// Inspect returns a container's IP address.
func (a *Adapter) Inspect(ctx context.Context, client docker.API, name string) (string, error) {
	var ip string
	err := a.call(ctx, func(cctx context.Context) error {
		var err error
		ip, err = client.Inspect(cctx, name)
		return err
	})
	return ip, err
}

// ConnectToNetwork attaches a container to the node's overlay network.
func (a *Adapter) ConnectToNetwork(ctx context.Context, client docker.API, name, network string) error {
	return a.call(ctx, func(cctx context.Context) error {
		return client.ConnectToNetwork(cctx, name, network)
	})
}

// ListContainers lists every container known to client.
func (a *Adapter) ListContainers(ctx context.Context, client docker.API) (map[string]docker.ContainerStatus, error) {
	var out map[string]docker.ContainerStatus
	err := a.call(ctx, func(cctx context.Context) error {
		var err error
		out, err = client.ListContainers(cctx)
		return err
	})
	return out, err
}
