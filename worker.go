package arbor

import "context"

// A Worker is an application-defined unit of work hosted by a supervisor.
type Worker interface {
	// Run processes messages delivered to the worker's mailbox until ctx is
	// canceled or an error occurs.
	//
	// A nil return value indicates a normal exit. Any other value is treated
	// as an abnormal exit and fed into the supervisor's restart strategy.
	//
	// The worker must return promptly once ctx is canceled. A worker that
	// exceeds its supervisor's shutdown grace period is abandoned and its
	// handle marked stale.
	Run(ctx context.Context, mbox <-chan interface{}) error
}

// WorkerFunc is an adaptor that allows an ordinary function to be used as a
// Worker.
type WorkerFunc func(ctx context.Context, mbox <-chan interface{}) error

// Run processes messages delivered to the worker's mailbox until ctx is
// canceled or an error occurs.
func (f WorkerFunc) Run(ctx context.Context, mbox <-chan interface{}) error {
	return f(ctx, mbox)
}
