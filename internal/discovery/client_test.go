package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/tracing"
)

func TestClient_RegisterReturnsAssignedID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/registry/register", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req mesh.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "orders", req.ServiceName)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mesh.RegisterResponse{Success: true, InstanceID: "i-1"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil, testLogger())
	id, err := c.Register(context.Background(), mesh.RegisterRequest{
		ServiceName: "orders", Host: "10.0.0.1", Port: 5001,
	})
	require.NoError(t, err)
	require.Equal(t, "i-1", id)
}

func TestClient_RegisterSurfacesValidationFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(mesh.RegisterResponse{Success: false, Message: "validation failed"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil, testLogger())
	_, err := c.Register(context.Background(), mesh.RegisterRequest{ServiceName: "orders"})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Code)
	require.Contains(t, se.Message, "validation failed")
	require.False(t, errors.Is(err, mesh.ErrNotFound))
}

func TestClient_HeartbeatNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(mesh.HeartbeatResponse{Success: false})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil, testLogger())
	err := c.Heartbeat(context.Background(), "i-gone", "orders")
	require.ErrorIs(t, err, mesh.ErrNotFound)
}

func TestClient_DeregisterNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/registry/deregister/i-gone", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil, testLogger())
	err := c.Deregister(context.Background(), "i-gone")
	require.ErrorIs(t, err, mesh.ErrNotFound)
}

func TestClient_DiscoverBuildsQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/registry/discover/orders", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("healthyOnly"))
		require.Equal(t, "1.0.0", r.URL.Query().Get("version"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mesh.DiscoverResponse{
			ServiceName: "orders",
			Instances:   []mesh.InstanceRecord{cachedRecord("i-1", "orders", mesh.StatusHealthy)},
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil, testLogger())
	instances, err := c.Discover(context.Background(), "orders", "1.0.0", true)
	require.NoError(t, err)
	require.Len(t, instances, 1)
}

func TestClient_ChangesSinceSendsCursor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "42", r.URL.Query().Get("sinceVersion"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mesh.ChangeSet{Version: 43, AddedOrUpdated: []mesh.InstanceRecord{}, Removed: []string{}})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil, testLogger())
	cs, err := c.ChangesSince(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(43), cs.Version)
}

func TestClient_PickInstanceNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(mesh.ErrorBody{Error: mesh.ErrKindNotFound, Message: "no healthy instance available", Service: "orders"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil, testLogger())
	_, err := c.PickInstance(context.Background(), "orders", "")
	require.ErrorIs(t, err, mesh.ErrNotFound)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Contains(t, se.Message, "no healthy instance")
}

func TestClient_WebsocketURLDerivation(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:5000", "ws://localhost:5000/ws/registry"},
		{"https://registry.internal", "wss://registry.internal/ws/registry"},
		{"http://10.0.0.1:5000/", "ws://10.0.0.1:5000/ws/registry"},
	}
	for _, tt := range tests {
		c := NewClient(tt.base, nil, testLogger())
		require.Equal(t, tt.want, c.WebsocketURL())
	}
}

func TestClient_InjectsTraceContext(t *testing.T) {
	var traceparent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]string{})
	}))
	defer ts.Close()

	tracer := tracing.New("test-client", tracing.NopSink{})
	ctx, span := tracer.StartSpan(context.Background(), "lookup")
	defer span.End()

	c := NewClient(ts.URL, tracer, testLogger())
	_, err := c.Services(ctx)
	require.NoError(t, err)
	require.Contains(t, traceparent, span.TraceID())
}
