// Package models defines the core domain types for LoadZone.
package models

import "time"

// HistoryAction tags a history record with the operation that produced it.
type HistoryAction string

const (
	ActionLogin   HistoryAction = "login"
	ActionBook    HistoryAction = "book"
	ActionRenew   HistoryAction = "renew"
	ActionCancel  HistoryAction = "cancel"
	ActionRelease HistoryAction = "release"
	ActionDeleted HistoryAction = "deleted"
)

// TimeLayout is the persisted form of every timestamp. Values that fail to
// parse back are treated as already expired.
const TimeLayout = time.RFC3339Nano

// FormatTime renders t in the persisted timestamp form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a persisted timestamp. The second return value is false
// for empty or unparsable input.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Older rows may carry a second-precision form.
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t.UTC(), true
}

// Resource is a leasable unit with at most one exclusive owner.
// Invariant: BookedBy and ExpiresAt are set or empty together.
type Resource struct {
	ID           string   `json:"id"`
	GroupID      *int64   `json:"group,omitempty"`
	BookedBy     string   `json:"booked_by,omitempty"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	ExternalAddr string   `json:"external_addr,omitempty"`
	InternalAddr string   `json:"internal_addr,omitempty"`
	Queue        []string `json:"queue"`
}

// Leased reports whether the resource currently has an owner.
func (r *Resource) Leased() bool {
	return r.BookedBy != ""
}

// Expiry parses the stored expiry. ok is false when the resource is free or
// the stored value is unparsable.
func (r *Resource) Expiry() (time.Time, bool) {
	return ParseTime(r.ExpiresAt)
}

// WaitlistEntry is one slot in a resource's FIFO waitlist. Positions are a
// dense 1..N ranking per resource.
type WaitlistEntry struct {
	ID         int64  `json:"id"`
	ResourceID string `json:"resource_id"`
	Email      string `json:"email"`
	Position   int    `json:"position"`
}

// HistoryRecord is one append-only audit row. ResourceID is empty for login
// records. End is set only for actions that carry a lease window (book,
// renew).
type HistoryRecord struct {
	ID         string        `json:"id"`
	Email      string        `json:"email"`
	ResourceID string        `json:"resource_id,omitempty"`
	Start      string        `json:"start"`
	End        string        `json:"end,omitempty"`
	Action     HistoryAction `json:"action"`
}

// StartTime parses the record's start timestamp.
func (h *HistoryRecord) StartTime() (time.Time, bool) { return ParseTime(h.Start) }

// EndTime parses the record's end timestamp.
func (h *HistoryRecord) EndTime() (time.Time, bool) { return ParseTime(h.End) }

// Requester is an identity created idempotently on first authentication.
type Requester struct {
	Email   string `json:"email"`
	Created string `json:"created"`
}

// Group is an orthogonal grouping of resources with no lease semantics.
type Group struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	ResourceIDs []string `json:"resource_ids"`
}
