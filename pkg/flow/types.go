package flow

import (
	"context"
	"time"

	"github.com/Kirky-X/limiteron/pkg/flow/ban"
)

// IdentifierType classifies a lookup key extracted from a request.
type IdentifierType string

const (
	IdentifierUser   IdentifierType = "user"
	IdentifierIP     IdentifierType = "ip"
	IdentifierMAC    IdentifierType = "mac"
	IdentifierAPIKey IdentifierType = "api_key"
	IdentifierDevice IdentifierType = "device"
)

// Identifier is a typed lookup key. Identifiers are produced by an
// external matcher and used here only as keys.
type Identifier struct {
	Type  IdentifierType
	Value string
}

// RequestContext carries the per-request inputs to a decision. It is
// immutable and never persisted.
type RequestContext struct {
	// Identifiers are the keys extracted from the request. The first one
	// is the primary key for rate and quota accounting.
	Identifiers []Identifier

	// Path and Method describe the request for rule matching and logging.
	Path   string
	Method string

	// Timestamp is when the request entered the engine.
	Timestamp time.Time

	// Cost is the admission cost, in limiter tokens and quota units.
	// Zero means 1.
	Cost int64
}

// PrimaryKey returns the value of the first identifier, or empty.
func (rc *RequestContext) PrimaryKey() string {
	if len(rc.Identifiers) == 0 {
		return ""
	}
	return rc.Identifiers[0].Value
}

// TargetValues returns all identifier values, for ban checking.
func (rc *RequestContext) TargetValues() []string {
	values := make([]string, 0, len(rc.Identifiers))
	for _, id := range rc.Identifiers {
		values = append(values, id.Value)
	}
	return values
}

// DenyReason names why a request was denied. Denials are successful
// Decision results, not errors.
type DenyReason string

const (
	ReasonRateLimited   DenyReason = "rate_limited"
	ReasonQuotaExceeded DenyReason = "quota_exceeded"
	ReasonBanned        DenyReason = "banned"
	ReasonCircuitOpen   DenyReason = "circuit_open"
)

// Decision is the outcome of evaluating one request. It is transient and
// never persisted.
type Decision struct {
	// Allowed is true when every configured check admitted the request.
	Allowed bool

	// Reason is set on denial.
	Reason DenyReason

	// Detail is a human-readable explanation of a denial.
	Detail string

	// Ban carries the active ban record when Reason is ReasonBanned.
	Ban *ban.Record

	// RetryAfter suggests how long to wait before retrying, when known.
	RetryAfter time.Duration
}

// Allow is the decision admitting a request.
func Allow() *Decision {
	return &Decision{Allowed: true}
}

// Deny builds a denial decision.
func Deny(reason DenyReason, detail string) *Decision {
	return &Decision{Reason: reason, Detail: detail}
}

// Check is one evaluation step in a decision chain.
type Check interface {
	// Name identifies the check in configuration, stats, and metrics.
	Name() string

	// Evaluate returns the check's decision for a request. Denials are
	// results; errors are reserved for validation and storage failures.
	Evaluate(ctx context.Context, req *RequestContext) (*Decision, error)
}
