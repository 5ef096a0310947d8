package ban

import (
	"context"
	"time"
)

// Source records how a ban was created.
type Source string

const (
	// SourceManual marks a ban created by an operator. Manual bans
	// outrank automatic ones and are never removed by cleanup sweeps.
	SourceManual Source = "manual"

	// SourceAutomatic marks a ban created by policy (for example,
	// repeated rate-limit violations crossing a threshold).
	SourceAutomatic Source = "automatic"
)

// Limits on user-supplied fields.
const (
	MaxReasonLength = 500
	MaxTargetLength = 255
)

// Listing pagination bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Record is one ban in a target's history. Exactly one active record may
// exist per target at a time.
type Record struct {
	// ID uniquely identifies the record.
	ID string

	// Target is the banned identifier value (IP, user id, MAC, ...).
	Target string

	// TargetType classifies the target (ip, user, mac, api_key, device).
	TargetType string

	// Reason is the operator- or policy-supplied explanation.
	Reason string

	// Source is manual or automatic.
	Source Source

	// Offenses counts escalations against this target. Zero for a first
	// offense.
	Offenses int

	// Duration is the ban length this record was created or escalated
	// with. Zero means permanent.
	Duration time.Duration

	// CreatedAt is when the record was created.
	CreatedAt time.Time

	// ExpiresAt is when the ban lapses. Zero means never.
	ExpiresAt time.Time

	// UnbannedAt is set by an explicit un-ban.
	UnbannedAt *time.Time

	// UnbannedBy names the actor of an explicit un-ban.
	UnbannedBy string
}

// ActiveAt reports whether the record is in force at the given time.
func (r *Record) ActiveAt(now time.Time) bool {
	if r.UnbannedAt != nil {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(r.ExpiresAt)
}

// Filter selects and paginates ban records for listing.
type Filter struct {
	// TargetType restricts results to one type. Allowed values are
	// "ip", "user", and "mac"; empty means all types.
	TargetType string

	// TargetPattern matches target values as a substring. Wildcard
	// characters in the pattern are escaped before matching; the pattern
	// length is capped at MaxTargetLength.
	TargetPattern string

	// ActiveOnly restricts results to bans currently in force.
	ActiveOnly bool

	// Limit caps the page size. Default DefaultListLimit, max MaxListLimit.
	Limit int

	// Offset skips leading results.
	Offset int
}

// Store is the ban-specific storage capability. Implementations must be
// thread-safe.
type Store interface {
	// Active returns the ban currently in force for a target, or nil.
	Active(ctx context.Context, target string) (*Record, error)

	// Save inserts the record, or updates it when the ID already exists.
	Save(ctx context.Context, record *Record) error

	// List returns records matching the filter, sorted by creation time
	// descending.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// CleanupExpired deletes expired automatic bans, at most batchSize at
	// a time, and returns the number removed. Manual bans are never
	// touched.
	CleanupExpired(ctx context.Context, now time.Time, batchSize int) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
