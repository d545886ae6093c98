package arbor

import (
	"context"
	"fmt"
)

// RestartPolicy controls whether a terminated child is restarted.
type RestartPolicy int

const (
	// Permanent children are always restarted, regardless of how they exit.
	Permanent RestartPolicy = iota

	// Transient children are restarted only if they exit abnormally.
	Transient

	// Temporary children are never restarted. When a temporary child exits it
	// is removed from the supervisor's spec list entirely, so later group
	// restarts do not resurrect it.
	Temporary
)

// ChildKind distinguishes workers from nested supervisors.
type ChildKind int

const (
	// KindWorker marks a child as a leaf unit of work.
	KindWorker ChildKind = iota

	// KindSupervisor marks a child as a nested supervision tree. Children of
	// this kind are given an unbounded grace period on shutdown, so that
	// their own ordered teardown can complete.
	KindSupervisor
)

// StartFunc constructs a child's worker.
//
// It is invoked from within the supervisor's management loop and so must not
// call back into the supervisor; doing so deadlocks, and is surfaced to the
// caller by its context deadline. Dependency resolution that requires the
// supervisor belongs in the spec's OnStarted continuation.
type StartFunc func(ctx context.Context, env Env) (Worker, error)

// ContinuationFunc is a deferred step run strictly after the supervisor has
// acknowledged the child's start.
//
// Unlike StartFunc, it may call back into the supervisor, making it the
// correct place for sibling discovery via introspection or dynamic starts. A
// non-nil error is treated as an abnormal exit of the child.
type ContinuationFunc func(ctx context.Context, env Env, h *Handle) error

// Env carries the references a child needs to participate in discovery
// without reaching for process-wide state.
type Env struct {
	// Supervisor is the child's owning supervisor.
	Supervisor *Supervisor

	// Registrar is the name registry scoped to the owning tree instance, if
	// one was configured with WithRegistrar().
	Registrar Registrar
}

// ChildSpec is a declarative description of how to start one child.
type ChildSpec struct {
	// ID identifies the child within its supervisor instance. It need not be
	// unique to the process; distinct tree instances may reuse the same IDs
	// freely.
	ID string

	// Start constructs the child's worker.
	Start StartFunc

	// OnStarted, if non-nil, is scheduled after the child's start has been
	// acknowledged by the supervisor.
	OnStarted ContinuationFunc

	// Policy controls whether the child is restarted when it exits.
	Policy RestartPolicy

	// Kind distinguishes workers from nested supervisors.
	Kind ChildKind

	// Name, if non-empty, is the name under which the supervisor registers
	// the child's handle with the configured registrar. The entry is
	// republished on every restart before the restart is considered
	// complete.
	Name string

	// MailboxSize is the capacity of the child's mailbox. If it is
	// non-positive, DefaultMailboxSize is used.
	MailboxSize int
}

// validate panics if the spec is malformed.
func (s ChildSpec) validate() {
	if s.ID == "" {
		panic("child spec must have an ID")
	}

	if s.Start == nil {
		panic(fmt.Sprintf("child spec %s must have a start function", s.ID))
	}

	switch s.Policy {
	case Permanent, Transient, Temporary:
	default:
		panic(fmt.Sprintf("child spec %s has an invalid restart policy", s.ID))
	}

	switch s.Kind {
	case KindWorker, KindSupervisor:
	default:
		panic(fmt.Sprintf("child spec %s has an invalid kind", s.ID))
	}
}

// ChildInfo describes one running child, as reported by
// Supervisor.WhichChildren().
type ChildInfo struct {
	ID     string
	Handle *Handle
	Kind   ChildKind
}

// Registrar is the interface via which a supervisor publishes the handles of
// named children.
//
// It is implemented by the registry package's Registry type.
type Registrar interface {
	// Register binds name to h. It fails if name is already bound to a live
	// handle.
	Register(ctx context.Context, name string, h *Handle) error

	// Deregister removes the binding for name, if any. It is idempotent.
	Deregister(ctx context.Context, name string) error
}
