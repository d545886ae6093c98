package fixtures

import (
	"context"

	"github.com/dogmatiq/arbor"
)

// RegistrarStub is a test implementation of the arbor.Registrar interface.
type RegistrarStub struct {
	Registrar arbor.Registrar

	RegisterFunc   func(context.Context, string, *arbor.Handle) error
	DeregisterFunc func(context.Context, string) error
}

// Register binds name to h.
func (r *RegistrarStub) Register(ctx context.Context, name string, h *arbor.Handle) error {
	if r.RegisterFunc != nil {
		return r.RegisterFunc(ctx, name, h)
	}

	if r.Registrar != nil {
		return r.Registrar.Register(ctx, name, h)
	}

	return nil
}

// Deregister removes the binding for name, if any.
func (r *RegistrarStub) Deregister(ctx context.Context, name string) error {
	if r.DeregisterFunc != nil {
		return r.DeregisterFunc(ctx, name)
	}

	if r.Registrar != nil {
		return r.Registrar.Deregister(ctx, name)
	}

	return nil
}
