package fieldlink

import "time"

// Tier is a discrete connection-quality bucket derived from probe latency.
// Order matters: higher values mean a worse connection.
type Tier int

const (
	TierUnknown Tier = iota
	TierExcellent
	TierGood
	TierFair
	TierPoor
	TierOffline
)

func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	case TierOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// QualitySample is one probe measurement, retained for diagnostics only.
type QualitySample struct {
	At        time.Time
	LatencyMs int64
	Tier      Tier
}

// CachedValue is what the store hands back for a key. Expiry is advisory:
// expired values are still returned so stale-while-revalidate can serve them.
type CachedValue struct {
	Data     []byte
	StoredAt time.Time
	Age      time.Duration
	Expired  bool
}

// OfflineEntry is one deferred write, persisted until successfully replayed.
type OfflineEntry struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Body       []byte            `json:"body,omitempty"`
	Header     map[string]string `json:"header,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Retries    int               `json:"retries"`
}

// Result is the outcome of an executor request. Deferred results acknowledge
// that a write was queued while offline, not that it reached the server.
type Result struct {
	Status   int
	Body     []byte
	IsJSON   bool
	Deferred bool
	QueueID  string
}
