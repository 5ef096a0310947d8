package ban

import (
	"context"

	"github.com/Kirky-X/limiteron/pkg/flow/errs"
)

// ParallelChecker looks up several targets concurrently and aggregates
// the results with a logical OR.
//
// The check returns as soon as any target resolves to an active ban; a
// negative answer requires every lookup to have completed. Lookup errors
// are collected and surfaced only when no positive result was found, so a
// confirmed ban is never masked by a flaky backend.
type ParallelChecker struct {
	manager *Manager
}

// NewParallelChecker creates a checker over a ban manager.
func NewParallelChecker(manager *Manager) (*ParallelChecker, error) {
	if manager == nil {
		return nil, errs.NewValidation("manager", "cannot be nil")
	}
	return &ParallelChecker{manager: manager}, nil
}

// Check looks up all targets concurrently. It returns the first active
// ban found, or nil when every target is clear.
func (pc *ParallelChecker) Check(ctx context.Context, targets []string) (*Record, error) {
	switch len(targets) {
	case 0:
		return nil, nil
	case 1:
		return pc.manager.IsBanned(ctx, targets[0])
	}

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type lookup struct {
		record *Record
		err    error
	}
	results := make(chan lookup, len(targets))

	for _, target := range targets {
		go func(target string) {
			record, err := pc.manager.IsBanned(lookupCtx, target)
			select {
			case results <- lookup{record: record, err: err}:
			case <-lookupCtx.Done():
			}
		}(target)
	}

	var firstErr error
	for i := 0; i < len(targets); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.record != nil {
				// Early exit: remaining lookups are cancelled.
				return res.record, nil
			}
			if res.err != nil && firstErr == nil {
				firstErr = res.err
			}
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, nil
}
