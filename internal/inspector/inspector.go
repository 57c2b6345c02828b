// Package inspector implements the NodeInspector (§4.2): a periodic (and
// on-demand, single-node) liveness probe that runs a disposable
// inspection container on each known node and classifies it dead or
// alive.
package inspector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/config"
	"github.com/curious-containers/ccserver/internal/docker"
	"github.com/curious-containers/ccserver/internal/engine"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/metrics"
	"github.com/curious-containers/ccserver/internal/registry"
)

// Notifier delivers a dead-node notification (§4.2). internal/notify.Dispatcher
// satisfies this via its Notify method.
type Notifier interface {
	Notify(ctx context.Context, connectors []ccmodel.Connector, payload map[string]any)
}

// Inspector runs the liveness probe. It is the only writer permitted to
// add or remove DeadNode records (via Registry.MarkDead/MarkAlive).
type Inspector struct {
	registry     *registry.Registry
	adapter      *engine.Adapter
	cfg          *config.Config
	log          *logging.Logger
	clock        clock.Clock
	image        string
	probeRAM     int64
	probeTimeout time.Duration
	notifier     Notifier
	deadNodeURL  string

	running sync.Mutex // reentrancy guard: skip a sweep already in flight
}

// New creates an Inspector. image is the data-container image a disposable
// "inspect-<node>" container is started from; probeRAM bounds its memory.
// notifier/deadNodeURL configure the optional dead_node_notification
// connector (§4.2); deadNodeURL empty disables it.
func New(reg *registry.Registry, adapter *engine.Adapter, cfg *config.Config, clk clock.Clock, image string, probeRAM int64, probeTimeout time.Duration, notifier Notifier, deadNodeURL string, log *logging.Logger) *Inspector {
	return &Inspector{
		registry:     reg,
		adapter:      adapter,
		cfg:          cfg,
		log:          log,
		clock:        clk,
		image:        image,
		probeRAM:     probeRAM,
		probeTimeout: probeTimeout,
		notifier:     notifier,
		deadNodeURL:  deadNodeURL,
	}
}

// InspectAll probes every known node concurrently. A sweep already in
// flight causes this call to return immediately (reentrancy guard); it is
// a no-op entirely when dead_node_invalidation is disabled.
func (i *Inspector) InspectAll(ctx context.Context) {
	if !i.cfg.DeadNodeInvalidation() {
		return
	}
	if !i.running.TryLock() {
		return
	}
	defer i.running.Unlock()

	known := i.registry.Known()

	var wg sync.WaitGroup
	for _, d := range known {
		wg.Add(1)
		go func(d registry.Descriptor) {
			defer wg.Done()
			i.inspectNode(ctx, d)
		}(d)
	}
	wg.Wait()

	online := len(i.registry.Online())
	metrics.NodesOnline.Set(float64(online))
	metrics.NodesDead.Set(float64(len(known) - online))
}

// InspectNode probes a single named node on demand, independent of the
// periodic sweep's reentrancy guard.
func (i *Inspector) InspectNode(ctx context.Context, name string) error {
	if !i.cfg.DeadNodeInvalidation() {
		return nil
	}
	for _, d := range i.registry.Known() {
		if d.Name == name {
			i.inspectNode(ctx, d)
			return nil
		}
	}
	return fmt.Errorf("inspector: unknown node %q", name)
}

func (i *Inspector) inspectNode(ctx context.Context, d registry.Descriptor) {
	start := i.clock.Now()
	defer func() {
		metrics.InspectionDuration.Observe(i.clock.Since(start).Seconds())
	}()

	wasOnline := i.registry.IsOnline(d.Name)
	client, ok := i.registry.Client(d.Name)
	if !ok {
		if err := i.registry.Register(d); err != nil {
			i.log.Debug("inspection re-dial failed, node remains dead", "node", d.Name, "error", err)
			return
		}
		client, _ = i.registry.Client(d.Name)
	}

	containerName := "inspect-" + d.Name
	_ = i.adapter.Remove(ctx, client, containerName)
	reason := i.probe(ctx, client, containerName)
	_ = i.adapter.Remove(ctx, client, containerName)

	if reason != "" {
		if err := i.registry.MarkDead(d.Name, reason); err != nil {
			i.log.Error("mark node dead", "node", d.Name, "error", err)
		}
		if wasOnline {
			i.notifyDead(ctx, d.Name, reason)
		}
		return
	}

	if !wasOnline {
		if err := i.registry.MarkAlive(d); err != nil {
			i.log.Error("mark node alive", "node", d.Name, "error", err)
		}
	}
}

// notifyDead fires the dead_node_notification connector (§4.2), if one is
// configured. Best-effort: the notifier itself already logs/swallows
// delivery failures (§7 NotifyFailure).
func (i *Inspector) notifyDead(ctx context.Context, name, reason string) {
	if i.notifier == nil || i.deadNodeURL == "" {
		return
	}
	metrics.DeadNodeNotifications.Inc()
	i.notifier.Notify(ctx, []ccmodel.Connector{{
		ConnectorType:   "http",
		ConnectorAccess: map[string]any{"url": i.deadNodeURL},
	}}, map[string]any{
		"node":        name,
		"description": reason,
	})
}

// probe creates, starts and waits for the inspection container, returning
// a non-empty reason string if the node should be considered dead (a
// non-zero exit, or any API failure along the way).
func (i *Inspector) probe(ctx context.Context, client docker.API, name string) string {
	cctx, cancel := context.WithTimeout(ctx, i.probeTimeout)
	defer cancel()

	if _, err := i.adapter.Create(cctx, client, name, i.image, nil, i.probeRAM, i.probeRAM, nil); err != nil {
		return fmt.Sprintf("create inspection container: %v", err)
	}
	if err := i.adapter.Start(cctx, client, name); err != nil {
		return fmt.Sprintf("start inspection container: %v", err)
	}
	code, err := i.adapter.Wait(cctx, client, name)
	if err != nil {
		return fmt.Sprintf("wait inspection container: %v", err)
	}
	if code != 0 {
		logs, _ := i.adapter.Logs(cctx, client, name)
		return fmt.Sprintf("inspection container exited %d: %s", code, logs)
	}
	return ""
}
