// Package scheduler implements the Scheduler, AllocationStrategy,
// CachingStrategy and TaskSelector (§4.4-§4.7): the one-pass placement
// algorithm that turns waiting tasks into application/data containers
// pinned to cluster nodes under RAM constraints.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/metrics"
	"github.com/curious-containers/ccserver/internal/store"
)

// NodeLister supplies the set of currently-online nodes a scheduling pass
// may place containers on. internal/registry.Registry satisfies this.
type NodeLister interface {
	Online() []ccmodel.Node
}

// Scheduler runs one scheduling pass at a time (§4.7). It holds no state
// across passes beyond its dependencies: every pass recomputes free RAM
// and re-reads task state from the store.
type Scheduler struct {
	store    *store.Store
	sm       *ccstate.Handler
	nodes    NodeLister
	selector *Selector
	caching  *Caching
	allocate Allocator
	dcRAM    int64
	log      *logging.Logger
}

// New creates a Scheduler. dcLock is the data_container_lock (§5): the
// caller must pass the same *sync.Mutex shared with any other component
// that touches data container assignment, though in this design only the
// Scheduler's own Caching strategy does.
func New(st *store.Store, sm *ccstate.Handler, nodes NodeLister, dcLock *sync.Mutex, allocate Allocator, dcRAMMB int64, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		sm:       sm,
		nodes:    nodes,
		selector: NewSelector(st),
		caching:  NewCaching(st, dcLock, dcRAMMB),
		allocate: allocate,
		dcRAM:    dcRAMMB,
		log:      log,
	}
}

// bundleItem is one (ram, id, collection) entry to be placed as a unit.
type bundleItem struct {
	ram        int64
	id         string
	collection string
}

// Schedule runs one scheduling pass per §4.7's pseudocode: snapshot free
// RAM, walk waiting tasks FIFO, admit-or-fail each, apply caching, place
// the resulting (DC?, AC) bundle largest-first, and roll back + stop the
// pass on the first placement that can't be satisfied.
func (s *Scheduler) Schedule(ctx context.Context) error {
	totals, err := s.totalRAMSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot node total RAM: %w", err)
	}
	nodes, err := s.freeRAMSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot node free RAM: %w", err)
	}

	ids, err := s.selector.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot waiting tasks: %w", err)
	}

	for _, id := range ids {
		task, found, err := s.store.GetTask(id)
		if err != nil {
			return fmt.Errorf("get task %s: %w", id, err)
		}
		if !found || task.State != ccmodel.Waiting {
			continue // mutated concurrently since the snapshot; re-checked truth wins
		}

		stop, err := s.scheduleOne(ctx, task, totals, nodes)
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return nil
}

// scheduleOne attempts to place a single waiting task, mutating nodes'
// free-RAM bookkeeping in place on success. totals is the admission-only
// total_ram snapshot (§4.5): it never changes across tasks in a pass,
// since admission asks whether the cluster could ever host a task, not
// whether it has room this instant. Returns stop=true when the whole
// pass should end (a placement fit by total_ram but couldn't be placed
// against current free_ram, and was rolled back to retry next pass).
func (s *Scheduler) scheduleOne(ctx context.Context, task ccmodel.Task, totals, nodes []NodeRAM) (stop bool, err error) {
	acRAM := task.ApplicationContainerDescription.ContainerRAM
	dcRAM := int64(0)
	if !task.NoCache {
		dcRAM = s.dcRAM
	}

	if !fits(totals, acRAM, dcRAM) {
		metrics.TasksScheduled.WithLabelValues("infeasible").Inc()
		if err := s.sm.Transition(ctx, ccmodel.CollectionTasks, task.ID, ccmodel.Failed, "Task is too large for cluster.", ccstate.Opts{}); err != nil {
			return false, fmt.Errorf("fail infeasible task %s: %w", task.ID, err)
		}
		return false, nil
	}

	callbackKey, err := ccmodel.GenerateCallbackKey()
	if err != nil {
		return false, err
	}
	ac := ccmodel.ApplicationContainer{
		TaskID:           task.ID,
		Username:         task.Username,
		ContainerRAM:     acRAM,
		CallbackKey:      callbackKey,
		DataContainerIDs: make([]string, len(task.InputFiles)),
	}
	acID, err := s.store.InsertApplicationContainer(ac)
	if err != nil {
		return false, fmt.Errorf("insert application container for task %s: %w", task.ID, err)
	}
	ac.ID = acID

	var newDC *ccmodel.DataContainer
	if !task.NoCache {
		newDC, err = s.caching.Apply(task, &ac)
		if err != nil {
			return false, fmt.Errorf("apply caching for task %s: %w", task.ID, err)
		}
		if err := s.store.UpdateApplicationContainer(acID, func(doc *ccmodel.ApplicationContainer) error {
			doc.DataContainerIDs = ac.DataContainerIDs
			return nil
		}); err != nil {
			return false, fmt.Errorf("persist data container ids for %s: %w", acID, err)
		}
	}

	bundle := []bundleItem{{ram: acRAM, id: acID, collection: ccmodel.CollectionApplicationContainers}}
	if newDC != nil {
		bundle = append(bundle, bundleItem{ram: newDC.ContainerRAM, id: newDC.ID, collection: ccmodel.CollectionDataContainers})
	}
	sort.Slice(bundle, func(i, j int) bool { return bundle[i].ram > bundle[j].ram })

	placed := make([]bundleItem, 0, len(bundle))
	for _, item := range bundle {
		name, ok := s.allocate(nodes, item.ram)
		if !ok {
			s.rollbackBundle(acID, newDC)
			metrics.TasksScheduled.WithLabelValues("deferred").Inc()
			return true, nil
		}
		if err := s.assignNode(item, name); err != nil {
			return false, fmt.Errorf("assign node to %s %s: %w", item.collection, item.id, err)
		}
		placed = append(placed, item)
		for i := range nodes {
			if nodes[i].Name == name {
				nodes[i].FreeRAM -= item.ram
				break
			}
		}
	}

	for _, item := range placed {
		if err := s.sm.Transition(ctx, item.collection, item.id, ccmodel.Created, "scheduled", ccstate.Opts{}); err != nil {
			return false, fmt.Errorf("transition %s %s to created: %w", item.collection, item.id, err)
		}
	}
	metrics.TasksScheduled.WithLabelValues("placed").Inc()
	return false, nil
}

func (s *Scheduler) assignNode(item bundleItem, node string) error {
	switch item.collection {
	case ccmodel.CollectionApplicationContainers:
		return s.store.UpdateApplicationContainer(item.id, func(ac *ccmodel.ApplicationContainer) error {
			ac.ClusterNode = node
			return nil
		})
	case ccmodel.CollectionDataContainers:
		return s.store.UpdateDataContainer(item.id, func(dc *ccmodel.DataContainer) error {
			dc.ClusterNode = node
			return nil
		})
	default:
		return fmt.Errorf("scheduler: unknown bundle collection %q", item.collection)
	}
}

// rollbackBundle discards the ApplicationContainer (and, if one was
// created for this task, the DataContainer) from a bundle that could not
// be fully placed: neither document was ever transitioned to "created",
// so deleting them leaves no trace in the persisted state.
func (s *Scheduler) rollbackBundle(acID string, dc *ccmodel.DataContainer) {
	if err := s.store.DeleteApplicationContainer(acID); err != nil {
		s.log.Error("rollback application container", "id", acID, "error", err)
	}
	if dc != nil {
		if err := s.store.DeleteDataContainer(dc.ID); err != nil {
			s.log.Error("rollback data container", "id", dc.ID, "error", err)
		}
	}
}

// totalRAMSnapshot reports each online node's raw total_ram, unadjusted
// for current reservations, for the admission feasibility check (§4.5):
// "can this task ever fit" is answered against the cluster's full
// capacity, never against how much of it happens to be free right now.
func (s *Scheduler) totalRAMSnapshot() ([]NodeRAM, error) {
	online := s.nodes.Online()
	nodes := make([]NodeRAM, 0, len(online))
	for _, n := range online {
		nodes = append(nodes, NodeRAM{Name: n.Name, FreeRAM: n.TotalRAM})
	}
	return nodes, nil
}

// freeRAMSnapshot computes free_ram(node) = total_ram - sum(container_ram
// over non-terminal ACs and DCs on that node), for every online node.
func (s *Scheduler) freeRAMSnapshot() ([]NodeRAM, error) {
	online := s.nodes.Online()
	reserved := make(map[string]int64, len(online))

	acs, err := s.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
		return !ac.State.Terminal() && ac.ClusterNode != ""
	})
	if err != nil {
		return nil, fmt.Errorf("list non-terminal application containers: %w", err)
	}
	for _, ac := range acs {
		reserved[ac.ClusterNode] += ac.ContainerRAM
	}

	dcs, err := s.store.ListDataContainers(func(dc ccmodel.DataContainer) bool {
		return !dc.State.Terminal() && dc.ClusterNode != ""
	})
	if err != nil {
		return nil, fmt.Errorf("list non-terminal data containers: %w", err)
	}
	for _, dc := range dcs {
		reserved[dc.ClusterNode] += dc.ContainerRAM
	}

	nodes := make([]NodeRAM, 0, len(online))
	for _, n := range online {
		nodes = append(nodes, NodeRAM{Name: n.Name, FreeRAM: n.TotalRAM - reserved[n.Name]})
	}
	return nodes, nil
}
