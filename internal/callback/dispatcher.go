package callback

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"reflect"

	"github.com/curious-containers/ccserver/internal/ccerrors"
	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/metrics"
	"github.com/curious-containers/ccserver/internal/store"
)

// Trigger republishes one of the Worker's coalesced event queues. The
// Worker wires ContainerCallback to its "clean up unused DCs, then
// schedule" sequence and DataContainerCallback to the
// dependent-AC-start sweep (§6 master inbox).
type Trigger func()

// Dispatcher is the CallbackDispatcher (§4.9).
type Dispatcher struct {
	store                   *store.Store
	sm                      *ccstate.Handler
	clock                   clock.Clock
	numWorkers              int
	onContainerCallback     Trigger
	onDataContainerCallback Trigger
	log                     *logging.Logger
}

// New creates a Dispatcher. numWorkers is reported to data containers in
// their handshake response (§4.9 DataContainer type 0).
func New(st *store.Store, sm *ccstate.Handler, clk clock.Clock, numWorkers int, onContainerCallback, onDataContainerCallback Trigger, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:                   st,
		sm:                      sm,
		clock:                   clk,
		numWorkers:              numWorkers,
		onContainerCallback:     onContainerCallback,
		onDataContainerCallback: onDataContainerCallback,
		log:                     log,
	}
}

// constantTimeEqual compares two secrets without leaking their lengths or
// contents through timing, by comparing fixed-size digests rather than the
// raw strings (§4.9 "compares in constant time").
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// ApplicationContainerCallback processes one callback targeting an
// ApplicationContainer (§4.9).
func (d *Dispatcher) ApplicationContainerCallback(ctx context.Context, req Request) (map[string]any, error) {
	ac, found, err := d.store.GetApplicationContainer(req.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("get application container %s: %w", req.ContainerID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: unknown application container %s", ccerrors.ErrValidation, req.ContainerID)
	}
	if !constantTimeEqual(ac.CallbackKey, req.CallbackKey) {
		return nil, fmt.Errorf("%w: callback_key mismatch", ccerrors.ErrAuth)
	}
	if ac.State.Terminal() {
		return nil, fmt.Errorf("%w: application container already terminal", ccerrors.ErrValidation)
	}

	ordered := req.CallbackType == len(ac.Callbacks)
	success := req.Content.State == int(ccmodel.Success)

	if ordered {
		if err := d.appendApplicationContainerCallback(req); err != nil {
			return nil, err
		}
	}

	switch {
	case !ordered:
		metrics.CallbacksTotal.WithLabelValues(ccmodel.CollectionApplicationContainers, "out_of_order").Inc()
		if err := d.sm.TransitionApplicationContainer(ctx, req.ContainerID, ccmodel.Failed, "invalid callback_type", ccstate.Opts{}); err != nil {
			d.log.Error("fail application container on out-of-order callback", "id", req.ContainerID, "error", err)
		}
		d.fire(d.onContainerCallback)
		return nil, fmt.Errorf("%w: callback_type %d out of order, expected %d", ccerrors.ErrValidation, req.CallbackType, len(ac.Callbacks))

	case !success:
		metrics.CallbacksTotal.WithLabelValues(ccmodel.CollectionApplicationContainers, "failure_content").Inc()
		if err := d.sm.TransitionApplicationContainer(ctx, req.ContainerID, ccmodel.Failed, req.Content.Description, ccstate.Opts{Exception: req.Content.Exception}); err != nil {
			d.log.Error("fail application container on failure content", "id", req.ContainerID, "error", err)
		}
		d.fire(d.onContainerCallback)
		return map[string]any{"ack": true}, nil
	}

	metrics.CallbacksTotal.WithLabelValues(ccmodel.CollectionApplicationContainers, "ok").Inc()

	switch req.CallbackType {
	case 0:
		return d.handshakeResponse(ac)
	case 3:
		if err := d.sm.TransitionApplicationContainer(ctx, req.ContainerID, ccmodel.Success, "callback: done", ccstate.Opts{}); err != nil {
			return nil, fmt.Errorf("transition application container %s to success: %w", req.ContainerID, err)
		}
		d.fire(d.onContainerCallback)
		return map[string]any{"ack": true}, nil
	default:
		// types 1, 2: pure progress markers (§9 open question), ordering
		// and success already enforced above.
		return map[string]any{"ack": true}, nil
	}
}

func (d *Dispatcher) appendApplicationContainerCallback(req Request) error {
	ts := d.clock.Now()
	return d.store.UpdateApplicationContainer(req.ContainerID, func(ac *ccmodel.ApplicationContainer) error {
		ac.Callbacks = append(ac.Callbacks, ccmodel.Callback{
			Timestamp:    ts,
			CallbackType: req.CallbackType,
			Content:      req.Content,
		})
		return nil
	})
}

// handshakeResponse builds the §4.9 type-0 response packet for an
// application container: the task description it needs to run, with
// input_files rewritten to point at the data container(s) serving them
// unless no_cache is set.
func (d *Dispatcher) handshakeResponse(ac ccmodel.ApplicationContainer) (map[string]any, error) {
	task, found, err := d.store.GetTask(ac.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", ac.TaskID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: task %s for application container %s not found", ccerrors.ErrValidation, ac.TaskID, ac.ID)
	}

	inputFiles := task.InputFiles
	if !task.NoCache {
		rewritten := make([]ccmodel.Connector, len(task.InputFiles))
		for i, conn := range task.InputFiles {
			rw, err := d.resolveInputFile(ac, i, conn)
			if err != nil {
				return nil, err
			}
			rewritten[i] = rw
		}
		inputFiles = rewritten
	}

	return map[string]any{
		"task_id":     task.ID,
		"result_files": task.ResultFiles,
		"parameters":  task.ApplicationContainerDescription.Parameters,
		"sandbox":     task.ApplicationContainerDescription.Sandbox,
		"tracing":     task.ApplicationContainerDescription.Tracing,
		"input_files": inputFiles,
	}, nil
}

// resolveInputFile looks up the data container caching position i's
// connector and rewrites it into an http connector pointing at that data
// container's HTTP server.
func (d *Dispatcher) resolveInputFile(ac ccmodel.ApplicationContainer, i int, conn ccmodel.Connector) (ccmodel.Connector, error) {
	if i >= len(ac.DataContainerIDs) || ac.DataContainerIDs[i] == "" {
		return ccmodel.Connector{}, fmt.Errorf("application container %s has no data container for input file %d", ac.ID, i)
	}
	dc, found, err := d.store.GetDataContainer(ac.DataContainerIDs[i])
	if err != nil {
		return ccmodel.Connector{}, fmt.Errorf("get data container %s: %w", ac.DataContainerIDs[i], err)
	}
	if !found {
		return ccmodel.Connector{}, fmt.Errorf("%w: data container %s not found", ccerrors.ErrValidation, ac.DataContainerIDs[i])
	}
	key, ok := findKey(dc, conn)
	if !ok {
		return ccmodel.Connector{}, fmt.Errorf("data container %s does not hold input file %d", dc.ID, i)
	}
	return ccmodel.Connector{
		ConnectorType:   "http",
		ConnectorAccess: map[string]any{"url": fmt.Sprintf("http://%s/%s", dc.IP, key)},
	}, nil
}

func findKey(dc ccmodel.DataContainer, conn ccmodel.Connector) (string, bool) {
	for j, have := range dc.InputFiles {
		if reflect.DeepEqual(have, conn) && j < len(dc.InputFileKeys) {
			return dc.InputFileKeys[j], true
		}
	}
	return "", false
}

// DataContainerCallback processes one callback targeting a DataContainer
// (§4.9).
func (d *Dispatcher) DataContainerCallback(ctx context.Context, req Request) (map[string]any, error) {
	dc, found, err := d.store.GetDataContainer(req.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("get data container %s: %w", req.ContainerID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: unknown data container %s", ccerrors.ErrValidation, req.ContainerID)
	}
	if !constantTimeEqual(dc.CallbackKey, req.CallbackKey) {
		return nil, fmt.Errorf("%w: callback_key mismatch", ccerrors.ErrAuth)
	}
	if dc.State.Terminal() {
		return nil, fmt.Errorf("%w: data container already terminal", ccerrors.ErrValidation)
	}

	ordered := req.CallbackType == len(dc.Callbacks)
	success := req.Content.State == int(ccmodel.Success)

	if ordered {
		if err := d.appendDataContainerCallback(req); err != nil {
			return nil, err
		}
	}

	switch {
	case !ordered:
		metrics.CallbacksTotal.WithLabelValues(ccmodel.CollectionDataContainers, "out_of_order").Inc()
		if err := d.sm.TransitionDataContainer(ctx, req.ContainerID, ccmodel.Failed, "invalid callback_type", ccstate.Opts{}); err != nil {
			d.log.Error("fail data container on out-of-order callback", "id", req.ContainerID, "error", err)
		}
		d.fire(d.onContainerCallback)
		return nil, fmt.Errorf("%w: callback_type %d out of order, expected %d", ccerrors.ErrValidation, req.CallbackType, len(dc.Callbacks))

	case !success:
		metrics.CallbacksTotal.WithLabelValues(ccmodel.CollectionDataContainers, "failure_content").Inc()
		if err := d.sm.TransitionDataContainer(ctx, req.ContainerID, ccmodel.Failed, req.Content.Description, ccstate.Opts{Exception: req.Content.Exception}); err != nil {
			d.log.Error("fail data container on failure content", "id", req.ContainerID, "error", err)
		}
		d.fire(d.onContainerCallback)
		return map[string]any{"ack": true}, nil
	}

	metrics.CallbacksTotal.WithLabelValues(ccmodel.CollectionDataContainers, "ok").Inc()

	switch req.CallbackType {
	case 0:
		return map[string]any{
			"input_files":     dc.InputFiles,
			"input_file_keys": dc.InputFileKeys,
			"num_workers":     d.numWorkers,
		}, nil
	case 1:
		if err := d.sm.TransitionDataContainer(ctx, req.ContainerID, ccmodel.Processing, "callback: ready", ccstate.Opts{}); err != nil {
			return nil, fmt.Errorf("transition data container %s to processing: %w", req.ContainerID, err)
		}
		d.fire(d.onDataContainerCallback)
		return map[string]any{"ack": true}, nil
	default:
		return map[string]any{"ack": true}, nil
	}
}

func (d *Dispatcher) appendDataContainerCallback(req Request) error {
	ts := d.clock.Now()
	return d.store.UpdateDataContainer(req.ContainerID, func(dc *ccmodel.DataContainer) error {
		dc.Callbacks = append(dc.Callbacks, ccmodel.Callback{
			Timestamp:    ts,
			CallbackType: req.CallbackType,
			Content:      req.Content,
		})
		return nil
	})
}

func (d *Dispatcher) fire(t Trigger) {
	if t != nil {
		t()
	}
}
