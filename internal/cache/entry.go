package cache

import "time"

// Entry is one cached response payload (JSON bytes).
type Entry struct {
	Payload        []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ETag           string
	SourceEndpoint string
}

func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Freshness classifies a lookup result.
type Freshness int

const (
	Miss Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}
