// Package registry provides a name-to-handle registry scoped to a single
// supervision tree instance.
//
// Because each tree instance owns its own registry, identical names used by
// independently-started instances can never collide; hermeticity is a scoping
// property, not a naming convention.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/dogmatiq/arbor"
	"github.com/dogmatiq/cosyne"
	"github.com/dogmatiq/dodeca/logging"
)

// ErrRegistryClosed is returned when performing any operation on a closed
// registry.
var ErrRegistryClosed = errors.New("registry is closed")

// NameTakenError indicates that a registration was rejected because the name
// is already bound to a live handle.
type NameTakenError struct {
	Name string
}

func (e NameTakenError) Error() string {
	return fmt.Sprintf("the name %s is already registered", e.Name)
}

// NotFoundError indicates that a name is not bound to any live handle.
type NotFoundError struct {
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("the name %s is not registered", e.Name)
}

// Registry is an instance-scoped mapping of names to handles.
//
// Entries are removed automatically when their referent terminates; no caller
// is required to deregister explicitly. All mutations are serialized through
// the registry's own mutex; callers never take an external lock.
type Registry struct {
	// Logger is the target for log messages about registrations. If it is
	// nil, logging.DefaultLogger is used.
	Logger logging.Logger

	m       cosyne.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is the registry's record of one binding.
type entry struct {
	handle *arbor.Handle

	// removed is closed when the binding is replaced or deregistered, which
	// releases the entry's watcher without waiting for the referent to
	// terminate.
	removed chan struct{}
}

// Register binds name to h.
//
// It fails with a NameTakenError if name is currently bound to a live handle.
// A binding whose referent has already terminated but has not yet been
// removed by its watcher is overwritten.
func (r *Registry) Register(ctx context.Context, name string, h *arbor.Handle) error {
	if err := r.m.Lock(ctx); err != nil {
		return err
	}
	defer r.m.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	if e, ok := r.entries[name]; ok {
		if e.handle.Alive() {
			return NameTakenError{name}
		}

		// The referent died but its watcher hasn't removed the entry yet.
		close(e.removed)
	}

	if r.entries == nil {
		r.entries = map[string]*entry{}
	}

	e := &entry{
		handle:  h,
		removed: make(chan struct{}),
	}
	r.entries[name] = e

	go r.watch(name, e)

	logging.Debug(
		r.logger(),
		"registered %s as %s",
		h.ChildID(),
		name,
	)

	return nil
}

// Lookup returns the handle bound to name.
//
// It fails with a NotFoundError if name is unbound, or if its referent has
// terminated. It reads only the registry's own mapping; it never blocks on
// any child's initialization.
func (r *Registry) Lookup(ctx context.Context, name string) (*arbor.Handle, error) {
	if err := r.m.Lock(ctx); err != nil {
		return nil, err
	}
	defer r.m.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if e, ok := r.entries[name]; ok && e.handle.Alive() {
		return e.handle, nil
	}

	return nil, NotFoundError{name}
}

// Deregister removes the binding for name, if any.
//
// It is idempotent.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	if err := r.m.Lock(ctx); err != nil {
		return err
	}
	defer r.m.Unlock()

	if e, ok := r.entries[name]; ok {
		close(e.removed)
		delete(r.entries, name)

		logging.Debug(
			r.logger(),
			"deregistered %s",
			name,
		)
	}

	return nil
}

// Close closes the registry, removing all bindings.
//
// It is intended to be called when the owning tree instance stops. Any
// further operation on the registry fails with ErrRegistryClosed.
func (r *Registry) Close() error {
	if err := r.m.Lock(context.Background()); err != nil {
		return err
	}
	defer r.m.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	for name, e := range r.entries {
		close(e.removed)
		delete(r.entries, name)
	}

	return nil
}

// watch removes the binding for name when its referent terminates.
func (r *Registry) watch(name string, e *entry) {
	select {
	case <-e.handle.Done():
	case <-e.removed:
		return
	}

	_ = r.m.Lock(context.Background())
	defer r.m.Unlock()

	if r.entries[name] == e {
		delete(r.entries, name)

		logging.Debug(
			r.logger(),
			"removed %s, its referent %s terminated",
			name,
			e.handle.ChildID(),
		)
	}
}

func (r *Registry) logger() logging.Logger {
	if r.Logger != nil {
		return r.Logger
	}

	return logging.DefaultLogger
}
