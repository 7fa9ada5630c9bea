// Package discovery provides the client half of the control plane: an HTTP
// client for the registry API and a caller-local cache kept consistent through
// incremental pulls and best-effort websocket push.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/tracing"
)

// StatusError is a non-2xx registry reply. Codes >= 500 are indeterminate and
// safe to retry with the same instance id.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("registry returned %d", e.Code)
}

// Unwrap maps 404 onto the domain not-found error so callers can use
// errors.Is without inspecting codes.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return mesh.ErrNotFound
	}
	return nil
}

// Client talks to the registry HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	tracer  *tracing.Tracer
	logger  *slog.Logger
}

// NewClient creates a registry client. tracer may be nil to skip traceparent
// injection.
func NewClient(baseURL string, tracer *tracing.Tracer, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		tracer:  tracer,
		logger:  logger,
	}
}

// Register submits a registration and returns the assigned instance id.
func (c *Client) Register(ctx context.Context, req mesh.RegisterRequest) (string, error) {
	var resp mesh.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/registry/register", req, &resp); err != nil {
		return "", fmt.Errorf("register %s: %w", req.ServiceName, err)
	}
	if !resp.Success {
		return "", fmt.Errorf("register %s: %s", req.ServiceName, resp.Message)
	}
	return resp.InstanceID, nil
}

// Deregister removes an instance. Unknown ids return mesh.ErrNotFound.
func (c *Client) Deregister(ctx context.Context, instanceID string) error {
	var resp mesh.DeregisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/registry/deregister/"+url.PathEscape(instanceID), nil, &resp); err != nil {
		return fmt.Errorf("deregister %s: %w", instanceID, err)
	}
	return nil
}

// Heartbeat refreshes an instance's liveness. A mesh.ErrNotFound result means
// the registry no longer knows the id and the caller should re-register.
func (c *Client) Heartbeat(ctx context.Context, instanceID, serviceName string) error {
	req := mesh.HeartbeatRequest{InstanceID: instanceID, ServiceName: serviceName}
	var resp mesh.HeartbeatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/registry/heartbeat", req, &resp); err != nil {
		return fmt.Errorf("heartbeat %s: %w", instanceID, err)
	}
	return nil
}

// Discover returns the registry's current instances for a service.
func (c *Client) Discover(ctx context.Context, serviceName, versionTag string, healthyOnly bool) ([]mesh.InstanceRecord, error) {
	path := "/api/registry/discover/" + url.PathEscape(serviceName)
	q := url.Values{}
	if versionTag != "" {
		q.Set("version", versionTag)
	}
	if healthyOnly {
		q.Set("healthyOnly", "true")
	}
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp mesh.DiscoverResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("discover %s: %w", serviceName, err)
	}
	return resp.Instances, nil
}

// PickInstance asks the registry for one healthy instance.
func (c *Client) PickInstance(ctx context.Context, serviceName, versionTag string) (*mesh.InstanceRecord, error) {
	path := "/api/registry/instance/" + url.PathEscape(serviceName)
	if versionTag != "" {
		path += "?version=" + url.QueryEscape(versionTag)
	}

	var rec mesh.InstanceRecord
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, fmt.Errorf("pick %s: %w", serviceName, err)
	}
	return &rec, nil
}

// Services lists the registered service names.
func (c *Client) Services(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.doJSON(ctx, http.MethodGet, "/api/registry/services", nil, &names); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return names, nil
}

// ChangesSince pulls the coalesced change set after the given cursor.
func (c *Client) ChangesSince(ctx context.Context, since int64) (mesh.ChangeSet, error) {
	path := fmt.Sprintf("/api/registry/changes?sinceVersion=%d", since)
	var cs mesh.ChangeSet
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &cs); err != nil {
		return mesh.ChangeSet{}, fmt.Errorf("changes since %d: %w", since, err)
	}
	return cs, nil
}

// WebsocketURL derives the push endpoint from the registry base URL.
func (c *Client) WebsocketURL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/registry"
	u.RawQuery = ""
	return u.String()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tracer != nil {
		c.tracer.Inject(ctx, req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Both failure shapes carry a message field; best effort.
		var fail struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&fail)
		msg := fail.Message
		if msg == "" {
			msg = fail.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
