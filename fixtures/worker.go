// Package fixtures provides test doubles for the types used by arbor
// supervisors and their children.
package fixtures

import (
	"context"

	"github.com/dogmatiq/arbor"
)

// WorkerStub is a test implementation of the arbor.Worker interface.
type WorkerStub struct {
	Worker arbor.Worker

	RunFunc func(context.Context, <-chan interface{}) error
}

// Run processes messages delivered to the worker's mailbox until ctx is
// canceled or an error occurs.
func (w *WorkerStub) Run(ctx context.Context, mbox <-chan interface{}) error {
	if w.RunFunc != nil {
		return w.RunFunc(ctx, mbox)
	}

	if w.Worker != nil {
		return w.Worker.Run(ctx, mbox)
	}

	<-ctx.Done()
	return nil
}

// IdleWorker returns a worker that does nothing until its context is
// canceled, then exits normally.
func IdleWorker() arbor.Worker {
	return arbor.WorkerFunc(
		func(ctx context.Context, _ <-chan interface{}) error {
			<-ctx.Done()
			return nil
		},
	)
}

// EchoWorker returns a worker that replies to every request with the
// request's own value.
func EchoWorker() arbor.Worker {
	return arbor.WorkerFunc(
		func(ctx context.Context, mbox <-chan interface{}) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case m := <-mbox:
					if req, ok := m.(arbor.Request); ok {
						req.Reply(req.Value)
					}
				}
			}
		},
	)
}

// IdleSpec returns a child spec for an idle worker with the given ID.
func IdleSpec(id string) arbor.ChildSpec {
	return arbor.ChildSpec{
		ID: id,
		Start: func(context.Context, arbor.Env) (arbor.Worker, error) {
			return IdleWorker(), nil
		},
	}
}
