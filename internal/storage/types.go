package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Snapshot is one cached recipient list, keyed by the directory source signature.
type Snapshot struct {
	Key       string    `json:"key"`
	GroupIDs  []string  `json:"group_ids"`
	FetchedAt time.Time `json:"fetched_at"`
	Until     time.Time `json:"until"`
}

// Expired reports whether the snapshot is no longer usable at now.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.Until.IsZero() && !now.Before(s.Until)
}
