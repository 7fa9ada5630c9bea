package mesh

// ChangeKind distinguishes the two self-describing feed event shapes.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "Upsert"
	ChangeRemove ChangeKind = "Remove"
)

// ServiceChangeEvent is one entry of the registry change feed. Upsert events
// carry the full record at the version they were produced; Remove events
// carry only the identifiers.
type ServiceChangeEvent struct {
	InstanceID  string          `json:"instanceId"`
	ServiceName string          `json:"serviceName"`
	Kind        ChangeKind      `json:"kind"`
	Version     int64           `json:"version"`
	Record      *InstanceRecord `json:"record,omitempty"`
}

// ChangeSet is the pull-side view of the feed: for every instance mutated
// after the requested cursor, its latest record or a removal marker.
// Intermediate versions are coalesced. When Reset is true the set is a full
// snapshot and the consumer must replace its state rather than merge.
type ChangeSet struct {
	Version        int64            `json:"version"`
	AddedOrUpdated []InstanceRecord `json:"addedOrUpdated"`
	Removed        []string         `json:"removed"`
	Reset          bool             `json:"reset,omitempty"`
}
