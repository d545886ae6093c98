package discovery

import (
	"context"
	"errors"

	"github.com/dogmatiq/arbor"
)

// StartResolver resolves siblings by starting them on demand.
//
// If the sibling is not already running, it is started dynamically via the
// supervisor, and its handle is returned directly from the start call. This
// places the decision to bring a dependency into existence at the call site
// rather than at tree construction time.
type StartResolver struct {
	// Supervisor is the caller's owning supervisor.
	Supervisor *arbor.Supervisor

	// Spec returns the child spec used to start an absent sibling.
	Spec func(id string) arbor.ChildSpec
}

// Resolve returns the handle of the child with the given ID, starting it if
// necessary.
//
// If another caller starts the same child concurrently, the resulting
// duplicate-start rejection is resolved by re-interrogating the supervisor.
func (r *StartResolver) Resolve(ctx context.Context, id string) (*arbor.Handle, error) {
	introspect := &IntrospectionResolver{
		Supervisor: r.Supervisor,
	}

	if h, err := introspect.find(ctx, id); err == nil {
		return h, nil
	} else if ctx.Err() != nil {
		return nil, err
	}

	h, err := r.Supervisor.StartChild(ctx, r.Spec(id))
	if err == nil {
		return h, nil
	}

	var dup arbor.DuplicateChildError
	if errors.As(err, &dup) {
		return introspect.Resolve(ctx, id)
	}

	return nil, err
}
