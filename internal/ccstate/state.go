// Package ccstate implements the StateMachine (§4.3): the single entry
// point through which every Task, TaskGroup, ApplicationContainer and
// DataContainer transition is applied, including the cross-entity cascade
// effects and terminal-write secret scrubbing.
package ccstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/events"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/metrics"
	"github.com/curious-containers/ccserver/internal/secrets"
	"github.com/curious-containers/ccserver/internal/store"
)

// Notifier dispatches a best-effort notification through a set of
// connectors. Implementations must never return an error that aborts the
// caller: delivery failure is logged and swallowed (§7 NotifyFailure).
type Notifier interface {
	Notify(ctx context.Context, connectors []ccmodel.Connector, payload map[string]any)
}

// Opts carries the optional fields of a single transition call.
type Opts struct {
	Exception string
	CausedBy  map[string]any
}

// Handler is the StateMachine. It is safe for concurrent use; atomicity
// per document comes from the store's read-modify-write transactions, and
// cross-document cascades are applied as a sequence of such transactions
// (never as a single multi-bucket transaction) — the same sequencing the
// original scheduler/worker loops rely on.
type Handler struct {
	store         *store.Store
	bus           *events.Bus
	notifier      Notifier
	clock         clock.Clock
	maxTaskTrials int
	log           *logging.Logger
}

// New creates a Handler.
func New(st *store.Store, bus *events.Bus, notifier Notifier, clk clock.Clock, maxTaskTrials int, log *logging.Logger) *Handler {
	return &Handler{
		store:         st,
		bus:           bus,
		notifier:      notifier,
		clock:         clk,
		maxTaskTrials: maxTaskTrials,
		log:           log,
	}
}

// Transition is the StateMachine's single entry point, dispatching by
// collection name to the appropriate typed transition.
func (h *Handler) Transition(ctx context.Context, collection, id string, newState ccmodel.State, description string, opts Opts) error {
	switch collection {
	case ccmodel.CollectionTasks:
		return h.TransitionTask(ctx, id, newState, description, opts)
	case ccmodel.CollectionApplicationContainers:
		return h.TransitionApplicationContainer(ctx, id, newState, description, opts)
	case ccmodel.CollectionDataContainers:
		return h.TransitionDataContainer(ctx, id, newState, description, opts)
	case ccmodel.CollectionTaskGroups:
		return h.transitionTaskGroupState(id, newState, description, opts)
	default:
		return fmt.Errorf("ccstate: unknown collection %q", collection)
	}
}

// scrubInPlace JSON-round-trips doc through secrets.Scrub so terminal
// documents carry no field whose key contains "password" or "key"
// (§3, §8 invariant 7), including a consumed callback_key.
func scrubInPlace(doc any) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("scrub marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return fmt.Errorf("scrub unmarshal: %w", err)
	}
	secrets.Scrub(m)
	buf2, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("scrub remarshal: %w", err)
	}
	return json.Unmarshal(buf2, doc)
}

// TransitionTask applies rule set §4.3 to a Task: terminal short-circuit,
// the trials-based failed→waiting retry rewrite, and (on a terminal
// write) notification fan-out.
func (h *Handler) TransitionTask(ctx context.Context, id string, newState ccmodel.State, description string, opts Opts) error {
	var (
		noop          bool
		finalState    ccmodel.State
		notifications []ccmodel.Connector
		taskGroupID   string
	)

	now := h.clock.Now()
	err := h.store.UpdateTask(id, func(t *ccmodel.Task) error {
		if t.State.Terminal() {
			noop = true
			return nil
		}

		target := newState
		if target == ccmodel.Failed {
			t.Trials++
			if t.Trials < h.maxTaskTrials {
				target = ccmodel.Waiting
				description = description + " (retrying)"
			}
		}

		t.Transitions = append(t.Transitions, ccmodel.Transition{
			Timestamp:   now,
			State:       target,
			Description: description,
			Exception:   opts.Exception,
			CausedBy:    opts.CausedBy,
		})
		t.State = target
		if target == ccmodel.Created {
			t.CreatedAt = now
		}
		if target.Terminal() {
			if err := scrubInPlace(t); err != nil {
				return err
			}
		}

		finalState = target
		notifications = append([]ccmodel.Connector(nil), t.Notifications...)
		taskGroupID = t.TaskGroupID
		return nil
	})
	if err != nil || noop {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(ccmodel.CollectionTasks, finalState.String()).Inc()
	h.bus.Publish(events.Event{Type: events.Transitioned, Collection: ccmodel.CollectionTasks, ID: id, Message: description})

	if finalState == ccmodel.Processing && taskGroupID != "" {
		if err := h.transitionTaskGroupState(taskGroupID, ccmodel.Processing, "task group processing", Opts{}); err != nil {
			h.log.Error("cascade task group processing", "task_group_id", taskGroupID, "error", err)
		}
	}
	if finalState == ccmodel.Cancelled {
		h.cascadeCancelApplicationContainers(ctx, id)
	}
	if finalState.Terminal() {
		h.notifier.Notify(ctx, notifications, map[string]any{
			"task_id":     id,
			"state":       finalState.String(),
			"description": description,
		})
	}
	return nil
}

// TransitionApplicationContainer applies §4.3 to an ApplicationContainer,
// cascading created→Task.processing and any terminal write to the owning
// Task.
func (h *Handler) TransitionApplicationContainer(ctx context.Context, id string, newState ccmodel.State, description string, opts Opts) error {
	var (
		noop       bool
		finalState ccmodel.State
		taskID     string
	)

	now := h.clock.Now()
	err := h.store.UpdateApplicationContainer(id, func(ac *ccmodel.ApplicationContainer) error {
		if ac.State.Terminal() {
			noop = true
			return nil
		}
		ac.Transitions = append(ac.Transitions, ccmodel.Transition{
			Timestamp:   now,
			State:       newState,
			Description: description,
			Exception:   opts.Exception,
			CausedBy:    opts.CausedBy,
		})
		ac.State = newState
		if newState == ccmodel.Created {
			ac.CreatedAt = now
		}
		if newState.Terminal() {
			if err := scrubInPlace(ac); err != nil {
				return err
			}
		}
		finalState = newState
		taskID = ac.TaskID
		return nil
	})
	if err != nil || noop {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(ccmodel.CollectionApplicationContainers, finalState.String()).Inc()
	h.bus.Publish(events.Event{Type: events.Transitioned, Collection: ccmodel.CollectionApplicationContainers, ID: id, Message: description})

	causedBy := map[string]any{"collection": ccmodel.CollectionApplicationContainers, "id": id}
	switch finalState {
	case ccmodel.Created:
		return h.TransitionTask(ctx, taskID, ccmodel.Processing, "application container created", Opts{CausedBy: causedBy})
	case ccmodel.Success, ccmodel.Failed, ccmodel.Cancelled:
		return h.TransitionTask(ctx, taskID, finalState, description, Opts{CausedBy: causedBy, Exception: opts.Exception})
	}
	return nil
}

// TransitionDataContainer applies §4.3 to a DataContainer, cascading a
// failed write to every non-terminal ApplicationContainer referencing it.
func (h *Handler) TransitionDataContainer(ctx context.Context, id string, newState ccmodel.State, description string, opts Opts) error {
	var (
		noop       bool
		finalState ccmodel.State
	)

	now := h.clock.Now()
	err := h.store.UpdateDataContainer(id, func(dc *ccmodel.DataContainer) error {
		if dc.State.Terminal() {
			noop = true
			return nil
		}
		dc.Transitions = append(dc.Transitions, ccmodel.Transition{
			Timestamp:   now,
			State:       newState,
			Description: description,
			Exception:   opts.Exception,
			CausedBy:    opts.CausedBy,
		})
		dc.State = newState
		if newState == ccmodel.Created {
			dc.CreatedAt = now
		}
		if newState.Terminal() {
			if err := scrubInPlace(dc); err != nil {
				return err
			}
		}
		finalState = newState
		return nil
	})
	if err != nil || noop {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(ccmodel.CollectionDataContainers, finalState.String()).Inc()
	h.bus.Publish(events.Event{Type: events.Transitioned, Collection: ccmodel.CollectionDataContainers, ID: id, Message: description})

	if finalState == ccmodel.Failed {
		h.cascadeFailApplicationContainersForDataContainer(ctx, id)
	}
	return nil
}

func (h *Handler) transitionTaskGroupState(id string, newState ccmodel.State, description string, opts Opts) error {
	var (
		noop       bool
		finalState ccmodel.State
	)
	now := h.clock.Now()
	err := h.store.UpdateTaskGroup(id, func(g *ccmodel.TaskGroup) error {
		if g.State.Terminal() || g.State == newState {
			noop = true
			return nil
		}
		g.Transitions = append(g.Transitions, ccmodel.Transition{
			Timestamp:   now,
			State:       newState,
			Description: description,
			Exception:   opts.Exception,
			CausedBy:    opts.CausedBy,
		})
		g.State = newState
		finalState = newState
		return nil
	})
	if err != nil || noop {
		return err
	}
	metrics.TransitionsTotal.WithLabelValues(ccmodel.CollectionTaskGroups, finalState.String()).Inc()
	h.bus.Publish(events.Event{Type: events.Transitioned, Collection: ccmodel.CollectionTaskGroups, ID: id, Message: description})
	return nil
}

// UpdateTaskGroups sweeps every non-terminal TaskGroup and derives its
// final state from its member tasks: success iff any member succeeded,
// otherwise failed, once every member has reached a terminal state.
func (h *Handler) UpdateTaskGroups(ctx context.Context) error {
	groups, err := h.store.ListNonTerminalTaskGroups()
	if err != nil {
		return fmt.Errorf("list non-terminal task groups: %w", err)
	}

	for _, g := range groups {
		allTerminal := true
		anySuccess := false
		for _, tid := range g.TaskIDs {
			t, found, err := h.store.GetTask(tid)
			if err != nil {
				return fmt.Errorf("get task %s: %w", tid, err)
			}
			if !found || !t.State.Terminal() {
				allTerminal = false
				break
			}
			if t.State == ccmodel.Success {
				anySuccess = true
			}
		}
		if !allTerminal || len(g.TaskIDs) == 0 {
			continue
		}

		target := ccmodel.Failed
		if anySuccess {
			target = ccmodel.Success
		}
		if err := h.transitionTaskGroupState(g.ID, target, "derived from member tasks", Opts{}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) cascadeCancelApplicationContainers(ctx context.Context, taskID string) {
	acs, err := h.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
		return ac.TaskID == taskID && !ac.State.Terminal()
	})
	if err != nil {
		h.log.Error("list application containers for cancel cascade", "task_id", taskID, "error", err)
		return
	}
	for _, ac := range acs {
		if err := h.TransitionApplicationContainer(ctx, ac.ID, ccmodel.Cancelled, "task cancelled", Opts{}); err != nil {
			h.log.Error("cascade cancel application container", "id", ac.ID, "error", err)
		}
	}
}

func (h *Handler) cascadeFailApplicationContainersForDataContainer(ctx context.Context, dcID string) {
	acs, err := h.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
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
		h.log.Error("list application containers for data container failure cascade", "data_container_id", dcID, "error", err)
		return
	}
	causedBy := map[string]any{"collection": ccmodel.CollectionDataContainers, "id": dcID}
	for _, ac := range acs {
		if err := h.TransitionApplicationContainer(ctx, ac.ID, ccmodel.Failed, "data container failed", Opts{CausedBy: causedBy}); err != nil {
			h.log.Error("cascade fail application container", "id", ac.ID, "error", err)
		}
	}
}
