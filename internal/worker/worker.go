// Package worker implements the Worker (§4.8): the single scheduling
// goroutine that turns "created" documents into running containers. All
// side-effecting activity — reconciliation, scheduling, image pulls,
// container create/start — is driven off two coalescing, capacity-1
// rendezvous channels so that at most one scheduling pass and one
// data-container-callback pass are ever in flight at a time.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/config"
	"github.com/curious-containers/ccserver/internal/docker"
	"github.com/curious-containers/ccserver/internal/engine"
	"github.com/curious-containers/ccserver/internal/events"
	"github.com/curious-containers/ccserver/internal/janitor"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/metrics"
	"github.com/curious-containers/ccserver/internal/scheduler"
	"github.com/curious-containers/ccserver/internal/store"
)

// Inspector schedules an on-demand liveness probe for a node a worker's
// own engine call just found unreachable. internal/inspector.Inspector
// satisfies this.
type Inspector interface {
	InspectNode(ctx context.Context, name string) error
}

// NodeSource supplies node inventory and live engine clients.
// internal/registry.Registry satisfies this.
type NodeSource interface {
	Online() []ccmodel.Node
	Client(name string) (docker.API, bool)
}

// Options are the Worker's fixed (non-runtime-mutable) tunables.
type Options struct {
	// DataContainerImage is the image every cached task's data container
	// runs; it is also the image kept warm on every node at startup.
	DataContainerImage string
	// NetworkName, if non-empty, is the overlay network application and
	// data containers are attached to after creation so an application
	// container can reach its data container's HTTP server by IP.
	NetworkName string
}

// Worker is the Worker (§4.8).
type Worker struct {
	store     *store.Store
	sm        *ccstate.Handler
	scheduler *scheduler.Scheduler
	janitor   *janitor.Janitor
	adapter   *engine.Adapter
	nodes     NodeSource
	cfg       *config.Config
	bus       *events.Bus
	inspector Inspector
	clock     clock.Clock
	opts      Options
	log       *logging.Logger

	schedulingQ chan struct{}
	dcCallbackQ chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New creates a Worker. Start must be called to begin processing.
func New(
	st *store.Store,
	sm *ccstate.Handler,
	sched *scheduler.Scheduler,
	jan *janitor.Janitor,
	adapter *engine.Adapter,
	nodes NodeSource,
	cfg *config.Config,
	bus *events.Bus,
	insp Inspector,
	clk clock.Clock,
	opts Options,
	log *logging.Logger,
) *Worker {
	return &Worker{
		store:       st,
		sm:          sm,
		scheduler:   sched,
		janitor:     jan,
		adapter:     adapter,
		nodes:       nodes,
		cfg:         cfg,
		bus:         bus,
		inspector:   insp,
		clock:       clk,
		opts:        opts,
		log:         log,
		schedulingQ: make(chan struct{}, 1),
		dcCallbackQ: make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// put non-blockingly enqueues a sentinel, dropping it if one is already
// pending (§4.8 coalescing).
func put(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Schedule requests a scheduling pass.
func (w *Worker) Schedule() { put(w.schedulingQ) }

// ContainerCallback wakes the scheduling loop after a callback touched an
// application or data container. The tick's first step (Janitor.Reconcile)
// already retires any data container the callback left unused, so unlike
// the loop this was grounded on, there is no separate cleanup call here.
func (w *Worker) ContainerCallback() { w.Schedule() }

// DataContainerCallback requests a data-container-callback pass: starting
// any application containers now unblocked, and retiring the data
// container if none remain.
func (w *Worker) DataContainerCallback() { put(w.dcCallbackQ) }

// UpdateNodeStatus refreshes one node's liveness out of band and then
// requests a scheduling pass, mirroring the bus's update_node_status
// action (§6).
func (w *Worker) UpdateNodeStatus(name string) {
	if w.inspector != nil {
		go func() {
			if err := w.inspector.InspectNode(context.Background(), name); err != nil {
				w.log.Error("inspect node on update_node_status", "node", name, "error", err)
			}
		}()
	}
	w.Schedule()
}

// Start runs the startup reconciliation (pull the data-container image on
// every node, log inventory) and launches the Worker's permanent
// goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.startup(ctx)

	w.wg.Add(4)
	go w.schedulingLoop(ctx)
	go w.dataContainerCallbackLoop(ctx)
	go w.selfHealLoop(ctx)
	go w.cronLoop(ctx)

	w.Schedule()
}

// Stop signals every loop to exit and waits for them to return.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) startup(ctx context.Context) {
	online := w.nodes.Online()
	w.log.Info("node inventory", "count", len(online))

	var wg sync.WaitGroup
	for _, n := range online {
		w.log.Info("node", "name", n.Name, "total_ram", n.TotalRAM, "total_cpus", n.TotalCPUs)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			w.pullImage(ctx, name, w.opts.DataContainerImage, "")
		}(n.Name)
	}
	wg.Wait()
}

func (w *Worker) schedulingLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-w.schedulingQ:
		}
		w.tick(ctx)
	}
}

// tick runs the §4.8 per-scheduling-tick sequence.
func (w *Worker) tick(ctx context.Context) {
	start := w.clock.Now()
	metrics.SchedulingTicks.Inc()
	defer func() {
		metrics.SchedulingTickDuration.Observe(w.clock.Since(start).Seconds())
	}()

	if err := w.janitor.Reconcile(ctx); err != nil {
		w.log.Error("janitor reconcile", "error", err)
	}
	if err := w.sm.UpdateTaskGroups(ctx); err != nil {
		w.log.Error("update task groups", "error", err)
	}
	if err := w.scheduler.Schedule(ctx); err != nil {
		w.log.Error("schedule", "error", err)
	}
	w.updateImages(ctx)
	w.createContainers(ctx)

	w.bus.Publish(events.Event{Type: events.SchedulingTick})
}

// imageKey names one (node, image, registry auth) pull the tick needs to
// perform before it can create the containers waiting on that image.
type imageKey struct {
	node  string
	image string
	auth  string
}

// updateImages pulls, in parallel, every image a "created" application or
// data container on this tick will need (§4.8 step 4).
func (w *Worker) updateImages(ctx context.Context) {
	acs, err := w.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
		return ac.State == ccmodel.Created
	})
	if err != nil {
		w.log.Error("list created application containers", "error", err)
		return
	}
	dcs, err := w.store.ListDataContainers(func(dc ccmodel.DataContainer) bool {
		return dc.State == ccmodel.Created
	})
	if err != nil {
		w.log.Error("list created data containers", "error", err)
		return
	}

	need := make(map[imageKey]struct{}, len(acs)+len(dcs))
	for _, ac := range acs {
		task, found, err := w.store.GetTask(ac.TaskID)
		if err != nil || !found {
			continue
		}
		auth := encodeRegistryAuth(task.ApplicationContainerDescription.RegistryAuth)
		need[imageKey{ac.ClusterNode, task.ApplicationContainerDescription.Image, auth}] = struct{}{}
	}
	for _, dc := range dcs {
		need[imageKey{dc.ClusterNode, w.opts.DataContainerImage, ""}] = struct{}{}
	}

	var wg sync.WaitGroup
	for k := range need {
		wg.Add(1)
		go func(k imageKey) {
			defer wg.Done()
			w.pullImage(ctx, k.node, k.image, k.auth)
		}(k)
	}
	wg.Wait()
}

func (w *Worker) pullImage(ctx context.Context, node, image, auth string) {
	client, ok := w.nodes.Client(node)
	if !ok {
		return
	}
	if err := w.adapter.Pull(ctx, client, image, auth); err != nil {
		w.log.Error("pull image", "node", node, "image", image, "error", err)
		w.markForReinspection(node)
	}
}

// markForReinspection schedules an out-of-band liveness probe for a node
// whose engine call just failed (§4.8 "failures mark the node for
// re-inspection").
func (w *Worker) markForReinspection(node string) {
	if w.inspector == nil {
		return
	}
	go func() {
		if err := w.inspector.InspectNode(context.Background(), node); err != nil {
			w.log.Debug("inspect after transient failure", "node", node, "error", err)
		}
	}()
}

// encodeRegistryAuth encodes optional registry credentials the way the
// container engine's pull endpoint expects them: base64 of a JSON
// {username, password} object.
func encodeRegistryAuth(ra *ccmodel.RegistryAuth) string {
	if ra == nil {
		return ""
	}
	b, err := json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{ra.Username, ra.Password})
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(b)
}

// createContainers creates every "created" application and data container
// in parallel (§4.8 step 5).
func (w *Worker) createContainers(ctx context.Context) {
	acs, err := w.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
		return ac.State == ccmodel.Created
	})
	if err != nil {
		w.log.Error("list created application containers", "error", err)
		return
	}
	dcs, err := w.store.ListDataContainers(func(dc ccmodel.DataContainer) bool {
		return dc.State == ccmodel.Created
	})
	if err != nil {
		w.log.Error("list created data containers", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, ac := range acs {
		wg.Add(1)
		go func(ac ccmodel.ApplicationContainer) {
			defer wg.Done()
			w.createApplicationContainer(ctx, ac)
		}(ac)
	}
	for _, dc := range dcs {
		wg.Add(1)
		go func(dc ccmodel.DataContainer) {
			defer wg.Done()
			w.createDataContainer(ctx, dc)
		}(dc)
	}
	wg.Wait()
}

func (w *Worker) createApplicationContainer(ctx context.Context, ac ccmodel.ApplicationContainer) {
	task, found, err := w.store.GetTask(ac.TaskID)
	if err != nil || !found {
		w.failApplicationContainer(ctx, ac.ID, "Container creation failed: task not found.")
		return
	}
	client, ok := w.nodes.Client(ac.ClusterNode)
	if !ok {
		w.failApplicationContainer(ctx, ac.ID, fmt.Sprintf("node %s not reachable", ac.ClusterNode))
		return
	}

	desc := task.ApplicationContainerDescription
	if _, err := w.adapter.Create(ctx, client, ac.ID, desc.Image, desc.EntryPoint, desc.ContainerRAM, desc.ContainerRAM, nil); err != nil {
		w.failApplicationContainer(ctx, ac.ID, "Container creation failed.")
		_ = w.adapter.Remove(ctx, client, ac.ID)
		return
	}
	if w.opts.NetworkName != "" {
		if err := w.adapter.ConnectToNetwork(ctx, client, ac.ID, w.opts.NetworkName); err != nil {
			w.log.Error("connect application container to network", "id", ac.ID, "error", err)
		}
	}
	if err := w.sm.TransitionApplicationContainer(ctx, ac.ID, ccmodel.Waiting, "Container waiting.", ccstate.Opts{}); err != nil {
		w.log.Error("transition application container to waiting", "id", ac.ID, "error", err)
		return
	}

	w.tryStartApplicationContainer(ctx, ac.ID)
}

func (w *Worker) createDataContainer(ctx context.Context, dc ccmodel.DataContainer) {
	client, ok := w.nodes.Client(dc.ClusterNode)
	if !ok {
		w.failDataContainer(ctx, dc.ID, fmt.Sprintf("node %s not reachable", dc.ClusterNode))
		return
	}

	if _, err := w.adapter.Create(ctx, client, dc.ID, w.opts.DataContainerImage, nil, dc.ContainerRAM, dc.ContainerRAM, nil); err != nil {
		w.failDataContainer(ctx, dc.ID, "Container creation failed.")
		_ = w.adapter.Remove(ctx, client, dc.ID)
		return
	}
	if w.opts.NetworkName != "" {
		if err := w.adapter.ConnectToNetwork(ctx, client, dc.ID, w.opts.NetworkName); err != nil {
			w.log.Error("connect data container to network", "id", dc.ID, "error", err)
		}
	}
	if err := w.sm.TransitionDataContainer(ctx, dc.ID, ccmodel.Waiting, "Container waiting.", ccstate.Opts{}); err != nil {
		w.log.Error("transition data container to waiting", "id", dc.ID, "error", err)
		return
	}

	// DataContainer: start immediately after creation (§4.8).
	w.startDataContainer(ctx, dc.ID, dc.ClusterNode)
}

func (w *Worker) startDataContainer(ctx context.Context, id, node string) {
	client, ok := w.nodes.Client(node)
	if !ok {
		return
	}
	if err := w.adapter.Start(ctx, client, id); err != nil {
		w.failDataContainer(ctx, id, "Container start failed.")
		_ = w.adapter.Remove(ctx, client, id)
		return
	}
	ip, err := w.adapter.Inspect(ctx, client, id)
	if err != nil {
		w.log.Error("inspect data container ip", "id", id, "error", err)
	}
	if err := w.store.UpdateDataContainer(id, func(dc *ccmodel.DataContainer) error {
		dc.IP = ip
		return nil
	}); err != nil {
		w.log.Error("persist data container ip", "id", id, "error", err)
	}
}

// tryStartApplicationContainer starts ac if it is still waiting and every
// data container it depends on is now processing (§4.8 "start when deps
// are ready").
func (w *Worker) tryStartApplicationContainer(ctx context.Context, acID string) {
	ac, found, err := w.store.GetApplicationContainer(acID)
	if err != nil {
		w.log.Error("get application container", "id", acID, "error", err)
		return
	}
	if !found || ac.State != ccmodel.Waiting {
		return
	}
	ready, err := w.dependenciesReady(ac)
	if err != nil {
		w.log.Error("check data container dependencies", "id", acID, "error", err)
		return
	}
	if !ready {
		return
	}

	client, ok := w.nodes.Client(ac.ClusterNode)
	if !ok {
		return
	}
	if err := w.adapter.Start(ctx, client, acID); err != nil {
		w.failApplicationContainer(ctx, acID, "Container start failed.")
		_ = w.adapter.Remove(ctx, client, acID)
		return
	}
	ip, err := w.adapter.Inspect(ctx, client, acID)
	if err != nil {
		w.log.Error("inspect application container ip", "id", acID, "error", err)
	}
	if err := w.store.UpdateApplicationContainer(acID, func(doc *ccmodel.ApplicationContainer) error {
		doc.IP = ip
		return nil
	}); err != nil {
		w.log.Error("persist application container ip", "id", acID, "error", err)
	}
}

func (w *Worker) dependenciesReady(ac ccmodel.ApplicationContainer) (bool, error) {
	for _, dcID := range ac.DataContainerIDs {
		if dcID == "" {
			continue // a no_cache position never had a data container assigned
		}
		dc, found, err := w.store.GetDataContainer(dcID)
		if err != nil {
			return false, err
		}
		if !found || dc.State != ccmodel.Processing {
			return false, nil
		}
	}
	return true, nil
}

func (w *Worker) failApplicationContainer(ctx context.Context, id, description string) {
	if err := w.sm.TransitionApplicationContainer(ctx, id, ccmodel.Failed, description, ccstate.Opts{}); err != nil {
		w.log.Error("fail application container", "id", id, "error", err)
	}
}

func (w *Worker) failDataContainer(ctx context.Context, id, description string) {
	if err := w.sm.TransitionDataContainer(ctx, id, ccmodel.Failed, description, ccstate.Opts{}); err != nil {
		w.log.Error("fail data container", "id", id, "error", err)
	}
}

// dataContainerCallbackLoop drives the second single-flight loop (§4.8,
// §5): for every data container now processing, start any waiting
// application containers it unblocks, and retire it if nothing depends
// on it anymore.
func (w *Worker) dataContainerCallbackLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-w.dcCallbackQ:
		}
		w.handleDataContainerCallback(ctx)
	}
}

func (w *Worker) handleDataContainerCallback(ctx context.Context) {
	dcs, err := w.store.ListDataContainers(func(dc ccmodel.DataContainer) bool {
		return dc.State == ccmodel.Processing
	})
	if err != nil {
		w.log.Error("list processing data containers", "error", err)
		return
	}

	var wg sync.WaitGroup
	cleanUp := false
	for _, dc := range dcs {
		acs, err := w.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
			if ac.State != ccmodel.Waiting {
				return false
			}
			for _, id := range ac.DataContainerIDs {
				if id == dc.ID {
					return true
				}
			}
			return false
		})
		if err != nil {
			w.log.Error("list waiting application containers for data container", "id", dc.ID, "error", err)
			continue
		}
		if len(acs) == 0 {
			cleanUp = true
			continue
		}
		for _, ac := range acs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				w.tryStartApplicationContainer(ctx, id)
			}(ac.ID)
		}
	}
	wg.Wait()

	if cleanUp {
		if err := w.janitor.RetireUnusedDataContainers(ctx); err != nil {
			w.log.Error("retire unused data containers", "error", err)
		}
	}
}

// selfHealLoop republishes both queues on a plain interval timer whenever
// there is unfinished work, guarding against a dropped or lost wakeup
// (§4.8, the Python original's `_cron`).
func (w *Worker) selfHealLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		interval := time.Duration(w.cfg.SchedulingIntervalSeconds()) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case <-w.stop:
			return
		case <-w.clock.After(interval):
		}
		if w.hasUnfinishedWork() {
			w.Schedule()
			w.DataContainerCallback()
		}
	}
}

func (w *Worker) hasUnfinishedWork() bool {
	for _, st := range []ccmodel.State{ccmodel.Created, ccmodel.Waiting, ccmodel.Processing} {
		if tasks, err := w.store.ListTasksByState(st); err == nil && len(tasks) > 0 {
			return true
		}
	}
	if acs, err := w.store.ListApplicationContainers(func(ac ccmodel.ApplicationContainer) bool {
		return !ac.State.Terminal()
	}); err == nil && len(acs) > 0 {
		return true
	}
	if dcs, err := w.store.ListDataContainers(func(dc ccmodel.DataContainer) bool {
		return !dc.State.Terminal()
	}); err == nil && len(dcs) > 0 {
		return true
	}
	return false
}

// cronLoop supplements selfHealLoop with an optional cron expression
// (scheduling_cron), re-read every cycle so a runtime update via
// config.SetSchedulingCron takes effect without a restart.
func (w *Worker) cronLoop(ctx context.Context) {
	defer w.wg.Done()
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	for {
		expr := w.cfg.SchedulingCron()
		if expr == "" {
			select {
			case <-w.stop:
				return
			case <-w.clock.After(time.Second):
			}
			continue
		}

		schedule, err := parser.Parse(expr)
		if err != nil {
			w.log.Error("invalid scheduling_cron", "expr", expr, "error", err)
			select {
			case <-w.stop:
				return
			case <-w.clock.After(time.Minute):
			}
			continue
		}

		wait := schedule.Next(w.clock.Now()).Sub(w.clock.Now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-w.stop:
			return
		case <-w.clock.After(wait):
			w.Schedule()
			w.DataContainerCallback()
		}
	}
}
