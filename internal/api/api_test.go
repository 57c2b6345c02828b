package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/ccserver/internal/callback"
	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/ccstate"
	"github.com/curious-containers/ccserver/internal/clock"
	"github.com/curious-containers/ccserver/internal/events"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/store"
)

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, []ccmodel.Connector, map[string]any) {}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sm := ccstate.New(st, events.New(), noopNotifier{}, clock.Real{}, 3, logging.New(false))
	d := callback.New(st, sm, clock.Real{}, 2, func() {}, func() {}, logging.New(false))
	srv := httptest.NewServer(New(d, logging.New(false)).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func TestApplicationContainerCallbackAuthMismatch(t *testing.T) {
	srv, st := newTestServer(t)

	acID, err := st.InsertApplicationContainer(ccmodel.ApplicationContainer{
		State: ccmodel.Created, CallbackKey: "secret",
	})
	require.NoError(t, err)

	body, _ := json.Marshal(callback.Request{CallbackKey: "wrong", ContainerID: acID, CallbackType: 0})
	resp, err := http.Post(srv.URL+"/application-containers/callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestApplicationContainerCallbackUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(callback.Request{CallbackKey: "x", ContainerID: "missing", CallbackType: 0})
	resp, err := http.Post(srv.URL+"/application-containers/callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApplicationContainerCallbackMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/application-containers/callback", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDataContainerCallbackHandshake(t *testing.T) {
	srv, st := newTestServer(t)

	dcID, err := st.InsertDataContainer(ccmodel.DataContainer{
		State: ccmodel.Created, CallbackKey: "secret",
		InputFiles:    []ccmodel.Connector{{ConnectorType: "http"}},
		InputFileKeys: []string{"key-1"},
	})
	require.NoError(t, err)

	body, _ := json.Marshal(callback.Request{CallbackKey: "secret", ContainerID: dcID, CallbackType: 0,
		Content: ccmodel.CallbackContent{State: int(ccmodel.Success)}})
	resp, err := http.Post(srv.URL+"/data-containers/callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, float64(2), payload["num_workers"])
}
