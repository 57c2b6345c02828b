package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/config"
	"github.com/curious-containers/ccserver/internal/docker"
	"github.com/curious-containers/ccserver/internal/engine"
	"github.com/curious-containers/ccserver/internal/events"
	"github.com/curious-containers/ccserver/internal/janitor"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/scheduler"
	"github.com/curious-containers/ccserver/internal/store"
)

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, []ccmodel.Connector, map[string]any) {}

type fakeAPI struct {
	mu         sync.Mutex
	containers map[string]docker.ContainerStatus
	created    []string
	started    []string
	pulled     []string
	ips        map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{containers: map[string]docker.ContainerStatus{}, ips: map[string]string{}}
}

func (f *fakeAPI) Pull(_ context.Context, image, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}
func (f *fakeAPI) Create(_ context.Context, name, _ string, _ []string, _, _ int64, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	f.containers[name] = docker.ContainerStatus{}
	return name, nil
}
func (f *fakeAPI) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	return nil
}
func (f *fakeAPI) Wait(context.Context, string) (int, error)   { return 0, nil }
func (f *fakeAPI) Logs(context.Context, string) (string, error) { return "", nil }
func (f *fakeAPI) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}
func (f *fakeAPI) Inspect(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ip, ok := f.ips[name]; ok {
		return ip, nil
	}
	return "10.0.0.1", nil
}
func (f *fakeAPI) ConnectToNetwork(context.Context, string, string) error { return nil }
func (f *fakeAPI) ListContainers(context.Context) (map[string]docker.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]docker.ContainerStatus, len(f.containers))
	for k, v := range f.containers {
		out[k] = v
	}
	return out, nil
}
func (f *fakeAPI) Close() error { return nil }

var _ docker.API = (*fakeAPI)(nil)

type fakeNodes struct {
	online  []ccmodel.Node
	clients map[string]docker.API
}

func (f *fakeNodes) Online() []ccmodel.Node { return f.online }
func (f *fakeNodes) Client(name string) (docker.API, bool) {
	c, ok := f.clients[name]
	return c, ok
}

type noopInspector struct{}

func (noopInspector) InspectNode(context.Context, string) error { return nil }

func newTestWorker(t *testing.T, api *fakeAPI) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.New()
	sm := ccstate.New(st, bus, noopNotifier{}, clock.Real{}, 3, logging.New(false))
	nodes := &fakeNodes{
		online:  []ccmodel.Node{{Name: "node-a", TotalRAM: 8192}},
		clients: map[string]docker.API{"node-a": api},
	}
	adapter := engine.NewAdapter(4, time.Second)
	jan := janitor.New(st, sm, nodes, adapter, logging.New(false))
	sched := scheduler.New(st, sm, nodes, &sync.Mutex{}, scheduler.Binpack, 256, logging.New(false))
	cfg := config.NewTestConfig()

	w := New(st, sm, sched, jan, adapter, nodes, cfg, bus, noopInspector{}, clock.Real{},
		Options{DataContainerImage: "cc-data-container", NetworkName: ""}, logging.New(false))
	return w, st
}

func TestCreateDataContainerStartsImmediately(t *testing.T) {
	api := newFakeAPI()
	w, st := newTestWorker(t, api)

	dcID, err := st.InsertDataContainer(ccmodel.DataContainer{
		ClusterNode: "node-a", ContainerRAM: 128, State: ccmodel.Created,
	})
	require.NoError(t, err)

	w.createDataContainer(context.Background(), mustGetDC(t, st, dcID))

	dc, _, err := st.GetDataContainer(dcID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Waiting, dc.State)
	assert.Contains(t, api.created, dcID)
	assert.Contains(t, api.started, dcID)
	assert.NotEmpty(t, dc.IP)
}

func TestCreateApplicationContainerWaitsForDependencies(t *testing.T) {
	api := newFakeAPI()
	w, st := newTestWorker(t, api)

	taskID, err := st.InsertTask(ccmodel.Task{
		ApplicationContainerDescription: ccmodel.ApplicationContainerDescription{
			Image: "myimage", ContainerRAM: 256,
		},
	})
	require.NoError(t, err)

	dcID, err := st.InsertDataContainer(ccmodel.DataContainer{
		ClusterNode: "node-a", ContainerRAM: 128, State: ccmodel.Created,
	})
	require.NoError(t, err)

	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{
		TaskID: taskID, ClusterNode: "node-a", ContainerRAM: 256,
		State: ccmodel.Created, DataContainerIDs: []string{dcID},
	})
	require.NoError(t, err)

	ac, _, err := st.GetApplicationContainer(acID)
	require.NoError(t, err)
	w.createApplicationContainer(context.Background(), ac)

	ac, _, err = st.GetApplicationContainer(acID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Waiting, ac.State)
	assert.NotContains(t, api.started, acID) // dc still "created", not processing

	require.NoError(t, st.UpdateDataContainer(dcID, func(dc *ccmodel.DataContainer) error {
		dc.State = ccmodel.Processing
		return nil
	}))

	w.tryStartApplicationContainer(context.Background(), acID)

	ac, _, err = st.GetApplicationContainer(acID)
	require.NoError(t, err)
	assert.Contains(t, api.started, acID)
	assert.NotEmpty(t, ac.IP)
}

func TestHandleDataContainerCallbackStartsWaitingDependents(t *testing.T) {
	api := newFakeAPI()
	w, st := newTestWorker(t, api)

	taskID, err := st.InsertTask(ccmodel.Task{
		ApplicationContainerDescription: ccmodel.ApplicationContainerDescription{Image: "myimage", ContainerRAM: 256},
	})
	require.NoError(t, err)
	dcID, err := st.InsertDataContainer(ccmodel.DataContainer{
		ClusterNode: "node-a", ContainerRAM: 128, State: ccmodel.Processing,
	})
	require.NoError(t, err)
	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{
		TaskID: taskID, ClusterNode: "node-a", ContainerRAM: 256,
		State: ccmodel.Waiting, DataContainerIDs: []string{dcID},
	})
	require.NoError(t, err)
	api.containers[acID] = docker.ContainerStatus{}

	w.handleDataContainerCallback(context.Background())

	assert.Contains(t, api.started, acID)
}

func TestHandleDataContainerCallbackRetiresUnusedDataContainer(t *testing.T) {
	api := newFakeAPI()
	w, st := newTestWorker(t, api)

	dcID, err := st.InsertDataContainer(ccmodel.DataContainer{
		ClusterNode: "node-a", ContainerRAM: 128, State: ccmodel.Processing,
	})
	require.NoError(t, err)
	api.containers[dcID] = docker.ContainerStatus{}

	w.handleDataContainerCallback(context.Background())

	dc, _, err := st.GetDataContainer(dcID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Success, dc.State)
}

func TestScheduleCoalesces(t *testing.T) {
	w, _ := newTestWorker(t, newFakeAPI())
	w.Schedule()
	w.Schedule()
	w.Schedule()
	assert.Len(t, w.schedulingQ, 1)
}

func mustGetDC(t *testing.T, st *store.Store, id string) ccmodel.DataContainer {
	t.Helper()
	dc, found, err := st.GetDataContainer(id)
	require.NoError(t, err)
	require.True(t, found)
	return dc
}
