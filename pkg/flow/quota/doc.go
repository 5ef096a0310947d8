// Package quota implements periodic quota allocation with overdraft and
// threshold alerting.
//
// Each key owns a consumption window that rolls over lazily on access.
// Consumption beyond the nominal limit draws from a separate overdraft
// allowance; once that is exhausted the request is denied. Usage alerts
// fire as consumption crosses configured thresholds, at most once per
// threshold per window.
package quota
