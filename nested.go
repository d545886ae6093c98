package arbor

import (
	"context"
)

// NewSupervisorSpec returns a child spec that runs a nested supervision tree.
//
// The nested supervisor is started when the child starts, with the child's
// context as its parent, and stopped when the child is stopped. If the nested
// supervisor escalates with a RestartIntensityExceededError the child exits
// abnormally, feeding the failure into the owning supervisor's own restart
// strategy one level up.
func NewSupervisorSpec(
	id string,
	specs []ChildSpec,
	policy RestartPolicy,
	options ...Option,
) ChildSpec {
	return ChildSpec{
		ID:     id,
		Policy: policy,
		Kind:   KindSupervisor,
		Start: func(ctx context.Context, _ Env) (Worker, error) {
			nested, err := Start(ctx, specs, options...)
			if err != nil {
				return nil, err
			}

			return &supervisorWorker{nested}, nil
		},
	}
}

// supervisorWorker adapts a nested supervisor to the Worker interface.
type supervisorWorker struct {
	sup *Supervisor
}

// Run blocks until the nested supervisor terminates of its own accord
// (escalation), or ctx is canceled.
func (w *supervisorWorker) Run(ctx context.Context, _ <-chan interface{}) error {
	select {
	case <-w.sup.Done():
		return w.sup.Err()

	case <-ctx.Done():
		// The nested tree's context is derived from ctx, so cancellation has
		// already begun its teardown; wait for it to finish.
		<-w.sup.Done()
		return w.sup.Err()
	}
}
