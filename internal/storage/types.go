package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one journal line. Keep it compact and schema-stable.
type Record struct {
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Task      string    `json:"task,omitempty"`
	Source    string    `json:"source,omitempty"`
	OK        bool      `json:"ok"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	DataJSON  string    `json:"data,omitempty"`
}

// SessionSummary is the per-session roll-up kept next to the journal.
type SessionSummary struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	EndReason  string    `json:"end_reason,omitempty"`
	Dispatched int       `json:"dispatched"`
	Rejected   int       `json:"rejected"`
}

// Query filters ListEvents. Zero values match everything; Limit keeps the
// newest N records.
type Query struct {
	SessionID string
	Since     time.Time
	Limit     int
}

func (q Query) match(r Record) bool {
	if q.SessionID != "" && r.SessionID != q.SessionID {
		return false
	}
	if !q.Since.IsZero() && r.At.Before(q.Since) {
		return false
	}
	return true
}
