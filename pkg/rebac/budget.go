package rebac

import (
	"time"

	"github.com/nexus-kernel/nexus/pkg/kernel"
	"github.com/nexus-kernel/nexus/pkg/metrics"
)

// Limits are the graph safety limits enforced on every check. Exceeding
// any of them fails closed with kernel.ResourceExhausted, never
// kernel.PermissionDenied.
type Limits struct {
	MaxDepth   int
	MaxNodes   int
	MaxFanout  int
	MaxQueries int
	Timeout    time.Duration
}

// DefaultLimits are the out-of-the-box graph safety limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:   10,
		MaxNodes:   10000,
		MaxFanout:  1000,
		MaxQueries: 100,
		Timeout:    100 * time.Millisecond,
	}
}

// budget is threaded through every recursive Check call, tracking how much
// of each limit has been spent.
type budget struct {
	limits   Limits
	depth    int
	nodes    int
	queries  int
	deadline time.Time
}

func newBudget(limits Limits) *budget {
	return &budget{limits: limits, deadline: time.Now().Add(limits.Timeout)}
}

func (b *budget) exceeded(which string) error {
	metrics.ReBACLimitExceededTotal.WithLabelValues(which).Inc()
	return kernel.Errorf(kernel.ResourceExhausted, "rebac.Check", nil).WithPath(which)
}

// descend enters one more level of rule-tree recursion.
func (b *budget) descend() error {
	b.depth++
	if b.depth > b.limits.MaxDepth {
		return b.exceeded("depth")
	}
	if time.Now().After(b.deadline) {
		return b.exceeded("timeout")
	}
	return nil
}

func (b *budget) ascend() { b.depth-- }

// visitNode accounts for one more relation/tuple-to-userset subject visited.
func (b *budget) visitNode() error {
	b.nodes++
	if b.nodes > b.limits.MaxNodes {
		return b.exceeded("nodes")
	}
	return nil
}

// fanout accounts for the branch count of a union/intersection step or the
// subject count of a tuple-to-userset dereference.
func (b *budget) fanout(n int) error {
	if n > b.limits.MaxFanout {
		return b.exceeded("fanout")
	}
	return nil
}

// query accounts for one RecordStore round-trip.
func (b *budget) query() error {
	b.queries++
	if b.queries > b.limits.MaxQueries {
		return b.exceeded("queries")
	}
	return nil
}
