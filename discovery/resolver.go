// Package discovery provides strategies for resolving the handles of sibling
// children within one supervision tree instance.
//
// Any strategy that calls into the owning supervisor must not be used from
// within a child's start routine; the supervisor processes child-management
// requests sequentially and is blocked awaiting that very start. Perform such
// resolution from the spec's OnStarted continuation instead, which runs only
// after the supervisor has acknowledged the start.
package discovery

import (
	"context"
	"sync"

	"github.com/dogmatiq/arbor"
	"golang.org/x/sync/errgroup"
)

// A Resolver obtains the handle of a sibling child by its supervisor-local
// ID.
type Resolver interface {
	// Resolve returns the handle of the child with the given ID.
	//
	// It blocks until the handle is resolved, resolution fails permanently,
	// or ctx is canceled.
	Resolve(ctx context.Context, id string) (*arbor.Handle, error)
}

// ResolveAll resolves several siblings concurrently.
//
// It returns the resolved handles keyed by ID. If any resolution fails, the
// first error is returned and the remaining resolutions are abandoned.
func ResolveAll(
	ctx context.Context,
	r Resolver,
	ids ...string,
) (map[string]*arbor.Handle, error) {
	var (
		m       sync.Mutex
		handles = make(map[string]*arbor.Handle, len(ids))
	)

	g, ctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		id := id // capture loop variable

		g.Go(func() error {
			h, err := r.Resolve(ctx, id)
			if err != nil {
				return err
			}

			m.Lock()
			handles[id] = h
			m.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return handles, nil
}
