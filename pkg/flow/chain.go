package flow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// node is one positioned check in a chain.
type node struct {
	check        Check
	priority     int
	shortCircuit bool
	rejections   atomic.Int64
}

// Chain evaluates checks in priority order (descending, stable for equal
// priorities). A denial from a short-circuiting node halts evaluation,
// both to minimize latency and to avoid side effects on a request that is
// already rejected.
type Chain struct {
	mu    sync.RWMutex
	nodes []*node
}

// NewChain creates an empty decision chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add inserts a check with a priority. Higher priorities evaluate first;
// shortCircuit stops the chain when this check denies.
func (c *Chain) Add(check Check, priority int, shortCircuit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := &node{check: check, priority: priority, shortCircuit: shortCircuit}

	// Binary insert keeps the slice ordered by descending priority;
	// equal priorities keep insertion order.
	i := sort.Search(len(c.nodes), func(i int) bool {
		return c.nodes[i].priority < priority
	})
	c.nodes = append(c.nodes, nil)
	copy(c.nodes[i+1:], c.nodes[i:])
	c.nodes[i] = n
}

// Len returns the number of checks in the chain.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Check evaluates the chain, returning the first denial or an allow once
// every check passed. A denial from a non-short-circuiting node is
// remembered but evaluation continues, so later higher-signal checks can
// still override the detail; the first denial's reason wins.
func (c *Chain) Check(ctx context.Context, req *RequestContext) (*Decision, error) {
	c.mu.RLock()
	nodes := c.nodes
	c.mu.RUnlock()

	var firstDenial *Decision
	for _, n := range nodes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		decision, err := n.check.Evaluate(ctx, req)
		if err != nil {
			return nil, err
		}
		if decision.Allowed {
			continue
		}

		n.rejections.Add(1)
		if n.shortCircuit {
			return decision, nil
		}
		if firstDenial == nil {
			firstDenial = decision
		}
	}

	if firstDenial != nil {
		return firstDenial, nil
	}
	return Allow(), nil
}

// CheckAll evaluates every check regardless of denials and aggregates the
// reasons. The returned decision carries the highest-priority denial's
// reason and a detail listing every denial.
func (c *Chain) CheckAll(ctx context.Context, req *RequestContext) (*Decision, error) {
	c.mu.RLock()
	nodes := c.nodes
	c.mu.RUnlock()

	var denials []*Decision
	for _, n := range nodes {
		decision, err := n.check.Evaluate(ctx, req)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			n.rejections.Add(1)
			denials = append(denials, decision)
		}
	}

	if len(denials) == 0 {
		return Allow(), nil
	}

	first := denials[0]
	if len(denials) > 1 {
		details := make([]string, 0, len(denials))
		for _, d := range denials {
			details = append(details, d.Detail)
		}
		aggregated := *first
		aggregated.Detail = strings.Join(details, "; ")
		return &aggregated, nil
	}
	return first, nil
}

// Rejections returns the per-check denial counts keyed by check name.
func (c *Chain) Rejections() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int64, len(c.nodes))
	for _, n := range c.nodes {
		counts[n.check.Name()] += n.rejections.Load()
	}
	return counts
}
