package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/dogmatiq/arbor"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// DefaultBackoffStrategy is the default backoff strategy used when polling a
// supervisor for a sibling that has not appeared yet.
//
// It is overridden by the BackoffStrategy field.
var DefaultBackoffStrategy backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(5*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 1*time.Second),
)

// IntrospectionResolver resolves siblings by interrogating the owning
// supervisor directly.
//
// It needs no registry, at the cost of one introspection round-trip per
// attempt. Because the supervisor may restart the sibling at any time, a
// resolved handle must not be cached beyond the caller's own lifetime unless
// the tree's restart strategy restarts the caller in lockstep with the
// sibling (as RestForOne does for later-declared dependents).
type IntrospectionResolver struct {
	// Supervisor is the caller's owning supervisor.
	Supervisor *arbor.Supervisor

	// BackoffStrategy is the strategy used to delay successive polls while
	// the sibling is absent, such as during its restart.
	//
	// If it is nil, DefaultBackoffStrategy is used.
	BackoffStrategy backoff.Strategy
}

// Resolve polls the supervisor until a child with the given ID is running, or
// ctx is canceled.
func (r *IntrospectionResolver) Resolve(ctx context.Context, id string) (*arbor.Handle, error) {
	counter := backoff.Counter{
		Strategy: r.strategy(),
	}

	for {
		h, err := r.find(ctx, id)
		if err == nil {
			return h, nil
		}

		if ctx.Err() != nil {
			return nil, err
		}

		delay := counter.Fail(err)

		if err := linger.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("unable to resolve %s: %w", id, err)
		}
	}
}

// find performs a single introspection of the supervisor.
func (r *IntrospectionResolver) find(ctx context.Context, id string) (*arbor.Handle, error) {
	children, err := r.Supervisor.WhichChildren(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range children {
		if c.ID == id {
			return c.Handle, nil
		}
	}

	return nil, fmt.Errorf("supervisor has no running child with ID %s", id)
}

func (r *IntrospectionResolver) strategy() backoff.Strategy {
	if r.BackoffStrategy != nil {
		return r.BackoffStrategy
	}

	return DefaultBackoffStrategy
}
