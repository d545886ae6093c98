package discovery

import (
	"context"

	"github.com/dogmatiq/arbor"
	"github.com/dogmatiq/arbor/registry"
)

// RegistryResolver resolves siblings by looking up their registered names in
// the tree instance's registry.
//
// It is the fastest strategy, but requires the sibling to have been
// registered, either by the supervisor via its spec's Name field or by the
// sibling itself. Resolution fails with a registry.NotFoundError if the
// sibling has not yet registered, or has terminated and not yet been
// restarted; callers recover by retrying or by falling back to another
// strategy.
type RegistryResolver struct {
	// Registry is the registry scoped to the caller's tree instance.
	Registry *registry.Registry
}

// Resolve returns the handle registered under the given name.
//
// It does not block waiting for the name to appear; absence is reported
// immediately.
func (r *RegistryResolver) Resolve(ctx context.Context, name string) (*arbor.Handle, error) {
	return r.Registry.Lookup(ctx, name)
}
