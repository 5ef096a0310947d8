package flow

// FallbackPolicy is the behavior applied when a check's backend is
// unavailable after the retry budget is spent.
type FallbackPolicy string

const (
	// FailOpen admits the request when the check cannot run.
	FailOpen FallbackPolicy = "fail-open"

	// FailClosed denies the request when the check cannot run.
	FailClosed FallbackPolicy = "fail-closed"
)

// Valid reports whether the policy is a recognized value.
func (p FallbackPolicy) Valid() bool {
	return p == FailOpen || p == FailClosed
}
