package mesh

// Wire DTOs for the registry HTTP API. Property names are camelCase and
// unknown properties are ignored on read, which is encoding/json's default.

// RegisterRequest is the body of POST /api/registry/register. InstanceID is
// normally left empty so the registry assigns one; callers that retry after an
// indeterminate 5xx resend the id they generated to keep the upsert idempotent.
type RegisterRequest struct {
	InstanceID     string            `json:"instanceId,omitempty"`
	ServiceName    string            `json:"serviceName" validate:"required"`
	Host           string            `json:"host" validate:"required"`
	Port           int               `json:"port" validate:"required,min=1,max=65535"`
	Version        string            `json:"version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	HealthCheckURL string            `json:"healthCheckUrl,omitempty" validate:"omitempty,url"`
	// Weight is a pointer so "absent" (default 100) and the explicit
	// "registered but never selected" zero stay distinguishable.
	Weight *int `json:"weight,omitempty" validate:"omitempty,min=0"`
}

// EffectiveWeight returns the requested weight, or DefaultWeight when absent.
func (r RegisterRequest) EffectiveWeight() int {
	if r.Weight == nil {
		return DefaultWeight
	}
	return *r.Weight
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DeregisterResponse acknowledges a deregistration.
type DeregisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HeartbeatRequest is the body of POST /api/registry/heartbeat. ServiceName
// must match the registered binding; a mismatch is treated as not found so one
// service cannot keep another's instance alive.
type HeartbeatRequest struct {
	InstanceID  string `json:"instanceId" validate:"required"`
	ServiceName string `json:"serviceName" validate:"required"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Success bool `json:"success"`
}

// DiscoverResponse lists the instances of one service.
type DiscoverResponse struct {
	ServiceName string           `json:"serviceName"`
	Instances   []InstanceRecord `json:"instances"`
}

// ErrorBody is the JSON error shape returned by the proxy and the registry
// API. Error carries the taxonomy kind, Message the human-readable reason.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
}

// Error kinds carried in ErrorBody.Error.
const (
	ErrKindValidation            = "Validation"
	ErrKindNotFound              = "NotFound"
	ErrKindTransient             = "Transient"
	ErrKindCircuitOpen           = "CircuitOpen"
	ErrKindTimeout               = "Timeout"
	ErrKindServiceBindingChanged = "ServiceBindingChanged"
	ErrKindInternal              = "Internal"
)
