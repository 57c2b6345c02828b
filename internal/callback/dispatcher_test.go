package callback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/events"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/store"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time                         { return f.t }
func (f fixedClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (f fixedClock) Since(t time.Time) time.Duration        { return f.t.Sub(t) }

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, []ccmodel.Connector, map[string]any) {}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *int, *int) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.New()
	sm := ccstate.New(st, bus, noopNotifier{}, clock.Real{}, 3, logging.New(false))

	var containerFires, dcFires int
	d := New(st, sm, fixedClock{t: time.Unix(1700000000, 0).UTC()}, 2,
		func() { containerFires++ },
		func() { dcFires++ },
		logging.New(false))
	return d, st, &containerFires, &dcFires
}

func TestApplicationContainerCallbackAuthMismatch(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	id, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{CallbackKey: "secret"})
	require.NoError(t, err)

	_, err = d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "wrong", ContainerID: id, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.Error(t, err)
}

func TestApplicationContainerHandshakeNoCache(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	taskID, err := st.InsertTask(ccmodel.Task{
		NoCache:    true,
		InputFiles: []ccmodel.Connector{{ConnectorType: "s3", ConnectorAccess: map[string]any{"bucket": "x"}}},
	})
	require.NoError(t, err)
	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{
		TaskID: taskID, CallbackKey: "secret", DataContainerIDs: []string{""},
	})
	require.NoError(t, err)

	resp, err := d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: acID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.NoError(t, err)
	assert.Equal(t, taskID, resp["task_id"])
	files := resp["input_files"].([]ccmodel.Connector)
	assert.Equal(t, "s3", files[0].ConnectorType)
}

func TestApplicationContainerHandshakeRewritesToDataContainer(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	conn := ccmodel.Connector{ConnectorType: "s3", ConnectorAccess: map[string]any{"bucket": "x"}}
	taskID, err := st.InsertTask(ccmodel.Task{InputFiles: []ccmodel.Connector{conn}})
	require.NoError(t, err)

	dcID, err := st.InsertDataContainer(ccmodel.DataContainer{
		InputFiles:    []ccmodel.Connector{conn},
		InputFileKeys: []string{"tok123"},
		IP:            "10.0.0.9",
	})
	require.NoError(t, err)

	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{
		TaskID: taskID, CallbackKey: "secret", DataContainerIDs: []string{dcID},
	})
	require.NoError(t, err)

	resp, err := d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: acID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.NoError(t, err)
	files := resp["input_files"].([]ccmodel.Connector)
	require.Len(t, files, 1)
	assert.Equal(t, "http", files[0].ConnectorType)
	assert.Equal(t, "http://10.0.0.9/tok123", files[0].ConnectorAccess["url"])
}

func TestApplicationContainerDoneTransitionsSuccess(t *testing.T) {
	d, st, containerFires, _ := newTestDispatcher(t)
	taskID, err := st.InsertTask(ccmodel.Task{State: ccmodel.Processing})
	require.NoError(t, err)
	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{TaskID: taskID, CallbackKey: "secret"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := d.ApplicationContainerCallback(context.Background(), Request{
			CallbackKey: "secret", ContainerID: acID, CallbackType: i,
			Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
		})
		require.NoError(t, err)
	}

	ac, found, err := st.GetApplicationContainer(acID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ccmodel.Success, ac.State)
	assert.Equal(t, 1, *containerFires)

	task, _, err := st.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Success, task.State)
}

func TestApplicationContainerOutOfOrderFails(t *testing.T) {
	d, st, containerFires, _ := newTestDispatcher(t)
	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{CallbackKey: "secret"})
	require.NoError(t, err)

	_, err = d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: acID, CallbackType: 1,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.Error(t, err)

	ac, _, err := st.GetApplicationContainer(acID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Failed, ac.State)
	assert.Equal(t, 1, *containerFires)
}

func TestApplicationContainerRedeliverySameTypeFails(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	taskID, err := st.InsertTask(ccmodel.Task{State: ccmodel.Processing})
	require.NoError(t, err)
	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{TaskID: taskID, CallbackKey: "secret"})
	require.NoError(t, err)

	_, err = d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: acID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.NoError(t, err)

	_, err = d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: acID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.Error(t, err)

	ac, _, err := st.GetApplicationContainer(acID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Failed, ac.State)
}

func TestApplicationContainerFailureContent(t *testing.T) {
	d, st, containerFires, _ := newTestDispatcher(t)
	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{CallbackKey: "secret"})
	require.NoError(t, err)

	_, err = d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: acID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Failed), Description: "boom"},
	})
	require.NoError(t, err)

	ac, _, err := st.GetApplicationContainer(acID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Failed, ac.State)
	assert.Equal(t, 1, *containerFires)
}

func TestDataContainerHandshakeAndReady(t *testing.T) {
	d, st, _, dcFires := newTestDispatcher(t)
	dcID, err := st.InsertDataContainer(ccmodel.DataContainer{
		CallbackKey:   "secret",
		InputFiles:    []ccmodel.Connector{{ConnectorType: "s3"}},
		InputFileKeys: []string{"key1"},
	})
	require.NoError(t, err)

	resp, err := d.DataContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: dcID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp["num_workers"])

	_, err = d.DataContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: dcID, CallbackType: 1,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.NoError(t, err)

	dc, _, err := st.GetDataContainer(dcID)
	require.NoError(t, err)
	assert.Equal(t, ccmodel.Processing, dc.State)
	assert.Equal(t, 1, *dcFires)
}

func TestCallbackOnTerminalContainerRejected(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{CallbackKey: "secret", State: ccmodel.Success})
	require.NoError(t, err)

	_, err = d.ApplicationContainerCallback(context.Background(), Request{
		CallbackKey: "secret", ContainerID: acID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)},
	})
	require.Error(t, err)
}
