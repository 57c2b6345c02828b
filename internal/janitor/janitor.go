// Package janitor implements reconcile_containers (§4.10): it reconciles
// the document store against what the container engines on every live
// node actually report, GCing finished containers, failing ones that
// vanished or exited unexpectedly, and retiring data containers nobody
// still depends on.
package janitor

import (
	"context"
	"fmt"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/docker"
	"github.com/curious-containers/ccserver/internal/engine"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/metrics"
	"github.com/curious-containers/ccserver/internal/store"
)

// NodeSource supplies the registry's live node clients. internal/registry.Registry
// satisfies this.
type NodeSource interface {
	Online() []ccmodel.Node
	Client(name string) (docker.API, bool)
}

// Janitor is the reconciliation sweep (§4.10).
type Janitor struct {
	store   *store.Store
	sm      *ccstate.Handler
	nodes   NodeSource
	adapter *engine.Adapter
	log     *logging.Logger
}

// New creates a Janitor.
func New(st *store.Store, sm *ccstate.Handler, nodes NodeSource, adapter *engine.Adapter, log *logging.Logger) *Janitor {
	return &Janitor{store: st, sm: sm, nodes: nodes, adapter: adapter, log: log}
}

// engineEntry is one container the engine reports, tagged with the node
// it was observed on.
type engineEntry struct {
	status docker.ContainerStatus
	node   string
}

// Reconcile runs one full sweep: engine-vs-DB for both application and
// data containers, then the unused-data-container retirement pass.
func (j *Janitor) Reconcile(ctx context.Context) error {
	engineContainers, err := j.listAllContainers(ctx)
	if err != nil {
		return fmt.Errorf("list engine containers: %w", err)
	}

	if err := j.reconcileApplicationContainers(ctx, engineContainers); err != nil {
		return err
	}
	if err := j.reconcileDataContainers(ctx, engineContainers); err != nil {
		return err
	}
	return j.retireUnusedDataContainers(ctx)
}

func (j *Janitor) listAllContainers(ctx context.Context) (map[string]engineEntry, error) {
	out := make(map[string]engineEntry)
	for _, n := range j.nodes.Online() {
		client, ok := j.nodes.Client(n.Name)
		if !ok {
			continue
		}
		statuses, err := j.adapter.ListContainers(ctx, client)
		if err != nil {
			j.log.Error("list containers", "node", n.Name, "error", err)
			continue
		}
		for name, status := range statuses {
			out[name] = engineEntry{status: status, node: n.Name}
		}
	}
	return out, nil
}

func (j *Janitor) reconcileApplicationContainers(ctx context.Context, engineContainers map[string]engineEntry) error {
	acs, err := j.store.ListApplicationContainers(nil)
	if err != nil {
		return fmt.Errorf("list application containers: %w", err)
	}
	for _, ac := range acs {
		entry, present := engineContainers[ac.ID]
		switch {
		case ac.State.Terminal():
			if present {
				j.remove(ctx, entry.node, ac.ID, "terminal_gc")
			}
		case present:
			j.reconcilePresent(ctx, ccmodel.CollectionApplicationContainers, ac.ID, entry)
		case ac.State == ccmodel.Waiting || ac.State == ccmodel.Processing:
			j.fail(ctx, ccmodel.CollectionApplicationContainers, ac.ID, "Container vanished.")
		}
	}
	return nil
}

func (j *Janitor) reconcileDataContainers(ctx context.Context, engineContainers map[string]engineEntry) error {
	dcs, err := j.store.ListDataContainers(nil)
	if err != nil {
		return fmt.Errorf("list data containers: %w", err)
	}
	for _, dc := range dcs {
		entry, present := engineContainers[dc.ID]
		switch {
		case dc.State.Terminal():
			if present {
				j.remove(ctx, entry.node, dc.ID, "terminal_gc")
			}
		case present:
			j.reconcilePresent(ctx, ccmodel.CollectionDataContainers, dc.ID, entry)
		case dc.State == ccmodel.Waiting || dc.State == ccmodel.Processing:
			j.fail(ctx, ccmodel.CollectionDataContainers, dc.ID, "Container vanished.")
		}
	}
	return nil
}

// reconcilePresent handles a container the engine still knows about: a
// non-zero exit is an unexpected failure (§7 EngineFatal-class), capturing
// its logs into the failure description before removing it.
func (j *Janitor) reconcilePresent(ctx context.Context, collection, id string, entry engineEntry) {
	if entry.status.ExitCode == nil || *entry.status.ExitCode == 0 {
		return
	}
	client, ok := j.nodes.Client(entry.node)
	logs := ""
	if ok {
		if l, err := j.adapter.Logs(ctx, client, id); err == nil {
			logs = l
		}
	}
	desc := fmt.Sprintf("container exited %d: %s", *entry.status.ExitCode, logs)
	j.fail(ctx, collection, id, desc)
	j.remove(ctx, entry.node, id, "unexpected_exit")
}

func (j *Janitor) fail(ctx context.Context, collection, id, description string) {
	if err := j.sm.Transition(ctx, collection, id, ccmodel.Failed, description, ccstate.Opts{}); err != nil {
		j.log.Error("janitor fail transition", "collection", collection, "id", id, "error", err)
		return
	}
	// An unexpected exit is counted by remove(), which follows this call.
	if description == "Container vanished." {
		metrics.JanitorRemovals.WithLabelValues("vanished").Inc()
	}
}

func (j *Janitor) remove(ctx context.Context, node, id, reason string) {
	client, ok := j.nodes.Client(node)
	if !ok {
		return
	}
	if err := j.adapter.Remove(ctx, client, id); err != nil {
		j.log.Error("janitor remove container", "id", id, "node", node, "error", err)
		return
	}
	metrics.JanitorRemovals.WithLabelValues(reason).Inc()
}

// RetireUnusedDataContainers runs just the unused-data-container sweep,
// without the full engine-vs-DB reconciliation. The Worker calls this
// directly off its data_container_callback_q loop (§4.8) when a processing
// data container has lost its last non-terminal dependent, instead of
// paying for a full Reconcile on every callback.
func (j *Janitor) RetireUnusedDataContainers(ctx context.Context) error {
	return j.retireUnusedDataContainers(ctx)
}

// retireUnusedDataContainers marks every DataContainer in `processing` with
// no non-terminal ApplicationContainer referencing it as `success`, then
// removes its engine container (§4.10, §3 invariant 5).
func (j *Janitor) retireUnusedDataContainers(ctx context.Context) error {
	dcs, err := j.store.ListDataContainers(func(dc ccmodel.DataContainer) bool {
		return dc.State == ccmodel.Processing
	})
	if err != nil {
		return fmt.Errorf("list processing data containers: %w", err)
	}

	for _, dc := range dcs {
		used, err := j.hasNonTerminalDependents(dc.ID)
		if err != nil {
			return err
		}
		if used {
			continue
		}
		if err := j.sm.Transition(ctx, ccmodel.CollectionDataContainers, dc.ID, ccmodel.Success, "retired: no active dependents", ccstate.Opts{}); err != nil {
			j.log.Error("retire data container", "id", dc.ID, "error", err)
			continue
		}
		j.remove(ctx, dc.ClusterNode, dc.ID, "retired")
	}
	return nil
}

func (j *Janitor) hasNonTerminalDependents(dcID string) (bool, error) {
	acs, err := j.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
		if ac.State.Terminal() {
			return false
		}
		for _, id := range ac.DataContainerIDs {
			if id == dcID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return false, fmt.Errorf("list application containers referencing %s: %w", dcID, err)
	}
	return len(acs) > 0, nil
}
