package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/weftmesh/weftmesh/internal/feed"
	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/store"
)

func newTestAPI(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := feed.NewHub(logger)
	st := store.NewMemory(hub.Publish)
	srv := NewServer(st, hub, nil, nil, logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func registerInstance(t *testing.T, baseURL string, req mesh.RegisterRequest) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/registry/register", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body mesh.RegisterResponse
	decodeBody(t, resp, &body)
	require.True(t, body.Success)
	require.NotEmpty(t, body.InstanceID)
	return body.InstanceID
}

func TestRegister_AssignsInstanceAndDefaults(t *testing.T) {
	ts, st := newTestAPI(t)

	id := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders",
		Host:        "10.0.0.1",
		Port:        5001,
		Version:     "1.0.0",
	})

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "orders", rec.ServiceName)
	require.Equal(t, mesh.DefaultWeight, rec.Weight)
	require.Equal(t, mesh.StatusHealthy, rec.Status)
	require.False(t, rec.RegisteredAt.IsZero())
	require.NotNil(t, rec.Metadata)
}

func TestRegister_ExplicitZeroWeightIsKept(t *testing.T) {
	ts, st := newTestAPI(t)

	zero := 0
	id := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders",
		Host:        "10.0.0.1",
		Port:        5001,
		Weight:      &zero,
	})

	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 0, rec.Weight)
}

func TestRegister_ValidationFailures(t *testing.T) {
	ts, _ := newTestAPI(t)

	cases := []mesh.RegisterRequest{
		{Host: "10.0.0.1", Port: 5001},                         // missing service name
		{ServiceName: "orders", Port: 5001},                    // missing host
		{ServiceName: "orders", Host: "10.0.0.1"},              // missing port
		{ServiceName: "orders", Host: "10.0.0.1", Port: 70000}, // port out of range
	}
	for _, tc := range cases {
		resp := postJSON(t, ts.URL+"/api/registry/register", tc)
		var body mesh.RegisterResponse
		decodeBody(t, resp, &body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.False(t, body.Success)
	}
}

func TestRegister_RetryWithSameIDIsIdempotent(t *testing.T) {
	ts, st := newTestAPI(t)

	req := mesh.RegisterRequest{
		InstanceID:  "11111111-2222-3333-4444-555555555555",
		ServiceName: "orders",
		Host:        "10.0.0.1",
		Port:        5001,
	}
	first := registerInstance(t, ts.URL, req)
	second := registerInstance(t, ts.URL, req)
	require.Equal(t, first, second)

	all, err := st.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRegister_RejectsServiceBindingChange(t *testing.T) {
	ts, _ := newTestAPI(t)

	req := mesh.RegisterRequest{
		InstanceID:  "11111111-2222-3333-4444-555555555555",
		ServiceName: "orders",
		Host:        "10.0.0.1",
		Port:        5001,
	}
	registerInstance(t, ts.URL, req)

	req.ServiceName = "billing"
	resp := postJSON(t, ts.URL+"/api/registry/register", req)
	var body mesh.RegisterResponse
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.False(t, body.Success)
}

func TestDeregister_IsIdempotentAcrossCalls(t *testing.T) {
	ts, st := newTestAPI(t)

	id := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders",
		Host:        "10.0.0.1",
		Port:        5001,
	})

	resp := postJSON(t, ts.URL+"/api/registry/deregister/"+id, nil)
	var body mesh.DeregisterResponse
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, body.Success)

	verAfter, err := st.Version(context.Background())
	require.NoError(t, err)

	// Second deregister: not found, no state or version change.
	resp = postJSON(t, ts.URL+"/api/registry/deregister/"+id, nil)
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.False(t, body.Success)

	verAgain, err := st.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, verAfter, verAgain)
}

func TestHeartbeat_TouchesOnlyMatchingBinding(t *testing.T) {
	ts, st := newTestAPI(t)

	id := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders",
		Host:        "10.0.0.1",
		Port:        5001,
	})
	before, _ := st.Get(context.Background(), id)

	time.Sleep(10 * time.Millisecond)

	resp := postJSON(t, ts.URL+"/api/registry/heartbeat", mesh.HeartbeatRequest{
		InstanceID:  id,
		ServiceName: "orders",
	})
	var body mesh.HeartbeatResponse
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, body.Success)

	after, _ := st.Get(context.Background(), id)
	require.True(t, after.LastHeartbeat.After(before.LastHeartbeat))

	// Wrong service name must not refresh the record.
	resp = postJSON(t, ts.URL+"/api/registry/heartbeat", mesh.HeartbeatRequest{
		InstanceID:  id,
		ServiceName: "billing",
	})
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.False(t, body.Success)
}

func TestHeartbeat_UnknownInstanceIs404(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/registry/heartbeat", mesh.HeartbeatRequest{
		InstanceID:  "missing",
		ServiceName: "orders",
	})
	var body mesh.HeartbeatResponse
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.False(t, body.Success)
}

func TestDiscover_FiltersByHealthAndVersion(t *testing.T) {
	ts, st := newTestAPI(t)

	oldID := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders", Host: "10.0.0.1", Port: 5001, Version: "1.0.0",
	})
	registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders", Host: "10.0.0.2", Port: 5001, Version: "2.0.0",
	})
	sickID := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders", Host: "10.0.0.3", Port: 5001, Version: "1.0.0",
	})
	_, err := st.SetStatus(context.Background(), sickID, mesh.StatusUnhealthy)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/registry/discover/orders?healthyOnly=true&version=1.0.0")
	require.NoError(t, err)
	var body mesh.DiscoverResponse
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "orders", body.ServiceName)
	require.Len(t, body.Instances, 1)
	require.Equal(t, oldID, body.Instances[0].InstanceID)
}

func TestDiscover_UnknownServiceReturnsEmptyList(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/api/registry/discover/nothing")
	require.NoError(t, err)
	var body mesh.DiscoverResponse
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body.Instances)
	require.Empty(t, body.Instances)
}

func TestPick_ReturnsHealthyInstanceOr404(t *testing.T) {
	ts, st := newTestAPI(t)

	id := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders", Host: "10.0.0.1", Port: 5001,
	})

	resp, err := http.Get(ts.URL + "/api/registry/instance/orders")
	require.NoError(t, err)
	var rec mesh.InstanceRecord
	decodeBody(t, resp, &rec)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, rec.InstanceID)

	_, err = st.SetStatus(context.Background(), id, mesh.StatusUnhealthy)
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/registry/instance/orders")
	require.NoError(t, err)
	var errBody mesh.ErrorBody
	decodeBody(t, resp, &errBody)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, mesh.ErrKindNotFound, errBody.Error)
	require.Equal(t, "orders", errBody.Service)
}

func TestServicesAndInstancesLists(t *testing.T) {
	ts, _ := newTestAPI(t)

	registerInstance(t, ts.URL, mesh.RegisterRequest{ServiceName: "orders", Host: "10.0.0.1", Port: 5001})
	registerInstance(t, ts.URL, mesh.RegisterRequest{ServiceName: "billing", Host: "10.0.0.2", Port: 5002})

	resp, err := http.Get(ts.URL + "/api/registry/services")
	require.NoError(t, err)
	var names []string
	decodeBody(t, resp, &names)
	require.ElementsMatch(t, []string{"orders", "billing"}, names)

	resp, err = http.Get(ts.URL + "/api/registry/instances")
	require.NoError(t, err)
	var instances []mesh.InstanceRecord
	decodeBody(t, resp, &instances)
	require.Len(t, instances, 2)
}

func TestChanges_ReturnsCoalescedDelta(t *testing.T) {
	ts, st := newTestAPI(t)

	registerInstance(t, ts.URL, mesh.RegisterRequest{ServiceName: "orders", Host: "10.0.0.1", Port: 5001})
	cursor, err := st.Version(context.Background())
	require.NoError(t, err)

	newID := registerInstance(t, ts.URL, mesh.RegisterRequest{ServiceName: "billing", Host: "10.0.0.2", Port: 5002})

	resp, err := http.Get(fmt.Sprintf("%s/api/registry/changes?sinceVersion=%d", ts.URL, cursor))
	require.NoError(t, err)
	var cs mesh.ChangeSet
	decodeBody(t, resp, &cs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, cursor+1, cs.Version)
	require.Len(t, cs.AddedOrUpdated, 1)
	require.Equal(t, newID, cs.AddedOrUpdated[0].InstanceID)
	require.Empty(t, cs.Removed)
}

func TestChanges_RejectsBadCursor(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/api/registry/changes?sinceVersion=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var body map[string]any
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Healthy", body["status"])
	require.Equal(t, "registry", body["service"])
}

func TestWebsocket_StreamsChangeEvents(t *testing.T) {
	ts, _ := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/registry"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	id := registerInstance(t, ts.URL, mesh.RegisterRequest{
		ServiceName: "orders", Host: "10.0.0.1", Port: 5001,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev mesh.ServiceChangeEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, mesh.ChangeUpsert, ev.Kind)
	require.Equal(t, id, ev.InstanceID)
	require.Equal(t, "orders", ev.ServiceName)
	require.NotNil(t, ev.Record)
	require.Greater(t, ev.Version, int64(0))
}

func TestWebsocket_DrainedSubscriberGetsCloseFrame(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := feed.NewHub(logger)
	st := store.NewMemory(hub.Publish)
	srv := NewServer(st, hub, nil, nil, logger)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/registry"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the subscriber to attach before shutting the hub down.
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestMetrics_CountRegistrations(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := feed.NewHub(logger)
	defer hub.Close()
	st := store.NewMemory(hub.Publish)
	metrics := NewMetrics(prometheus.NewRegistry())
	srv := NewServer(st, hub, nil, metrics, logger)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	registerInstance(t, ts.URL, mesh.RegisterRequest{ServiceName: "orders", Host: "10.0.0.1", Port: 5001})
	registerInstance(t, ts.URL, mesh.RegisterRequest{ServiceName: "orders", Host: "10.0.0.2", Port: 5001})

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.registrations))
}
