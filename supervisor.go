package arbor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dogmatiq/arbor/internal/suplog"
	"github.com/dogmatiq/arbor/semaphore"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// A Supervisor owns an ordered set of children, restarts them according to
// its restart strategy when they fail, and escalates to its own owner when
// restarts become too frequent.
//
// All child management is serialized through the supervisor's own management
// loop. Operations that reach into the loop are bounded by the caller's
// context; a deadline that expires while the loop is busy surfaces as a
// wrapped context error.
type Supervisor struct {
	id     string
	opts   *supervisorOptions
	logger logging.Logger
	sem    semaphore.Semaphore

	treeCtx context.Context
	cancel  context.CancelFunc

	requests chan *request
	exits    chan exit

	done chan struct{}
	err  error

	// The fields below are owned by the management loop. They are touched
	// from other goroutines only before the loop starts, or after done is
	// closed.
	order    []string
	specs    map[string]ChildSpec
	children map[string]*child
	counters map[string]*backoff.Counter
	window   []time.Time
	stopping bool
	cause    error
}

// child is the supervisor's record of one running child.
type child struct {
	spec   ChildSpec
	handle *Handle
	cancel context.CancelFunc
}

// exit is a notification that a child has terminated, or that its post-start
// continuation has failed.
type exit struct {
	id  string
	h   *Handle
	err error
}

// request is a child-management operation awaiting execution by the
// management loop.
type request struct {
	fn   func()
	done chan struct{}
}

// Start starts a supervisor with the given children.
//
// Children are started in declared order. If any child's start routine fails,
// the siblings that had already started are torn down in reverse order and a
// StartError is returned; a tree is never left partially started.
//
// Canceling ctx after Start() returns stops the tree, equivalent to calling
// Stop().
func Start(ctx context.Context, specs []ChildSpec, options ...Option) (*Supervisor, error) {
	opts := resolveSupervisorOptions(options...)

	s := &Supervisor{
		id:       uuid.NewString(),
		opts:     opts,
		sem:      semaphore.New(int(opts.ContinuationLimit)),
		requests: make(chan *request),
		exits:    make(chan exit, len(specs)+16),
		done:     make(chan struct{}),
		specs:    make(map[string]ChildSpec, len(specs)),
		children: make(map[string]*child, len(specs)),
		counters: make(map[string]*backoff.Counter),
	}

	s.logger = suplog.Prefixed(
		opts.Logger,
		suplog.SupervisorIcon,
		s.id,
	)

	s.treeCtx, s.cancel = context.WithCancel(ctx)

	for _, spec := range specs {
		spec.validate()

		if _, ok := s.specs[spec.ID]; ok {
			panic(fmt.Sprintf("duplicate child ID %s", spec.ID))
		}

		s.specs[spec.ID] = spec
		s.order = append(s.order, spec.ID)
	}

	for i, spec := range specs {
		if _, err := s.start(ctx, spec); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.halt(specs[j].ID)
			}

			s.cancel()
			s.err = StartError{FailedID: spec.ID, Cause: err}
			close(s.done)

			return nil, s.err
		}
	}

	go s.supervise(s.treeCtx)

	return s, nil
}

// ID returns a unique identifier for this supervisor instance.
//
// It is intended for diagnostics only; nothing within the tree keys off it.
func (s *Supervisor) ID() string {
	return s.id
}

// Done returns a channel that is closed when the supervisor terminates.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that caused the supervisor to terminate.
//
// It returns a RestartIntensityExceededError if the supervisor escalated, or
// nil if it was stopped deliberately. It must only be called after the
// channel returned by Done() is closed.
func (s *Supervisor) Err() error {
	return s.err
}

// WhichChildren returns a point-in-time snapshot of the currently running
// children, in start order.
//
// The snapshot reflects the supervisor's state at the instant of the call,
// but children may be restarted at any time thereafter; callers must tolerate
// handles in the snapshot going stale.
func (s *Supervisor) WhichChildren(ctx context.Context) ([]ChildInfo, error) {
	var snapshot []ChildInfo

	if err := s.do(ctx, func() {
		for _, id := range s.order {
			if c, ok := s.children[id]; ok {
				snapshot = append(snapshot, ChildInfo{
					ID:     id,
					Handle: c.handle,
					Kind:   c.spec.Kind,
				})
			}
		}
	}); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// StartChild dynamically starts a child that was not part of the supervisor's
// original spec list.
//
// It does not return until the child's start routine has returned, so the
// returned handle is always usable immediately. If ctx is canceled while the
// start is in flight, the partially-started child is rolled back rather than
// left running as an orphan.
func (s *Supervisor) StartChild(ctx context.Context, spec ChildSpec) (*Handle, error) {
	spec.validate()

	var (
		h        *Handle
		startErr error
	)

	req := &request{done: make(chan struct{})}
	req.fn = func() {
		if _, ok := s.specs[spec.ID]; ok {
			startErr = DuplicateChildError{spec.ID}
			return
		}

		var err error
		h, err = s.start(ctx, spec)
		if err != nil {
			startErr = err
			return
		}

		s.specs[spec.ID] = spec
		s.order = append(s.order, spec.ID)

		if ctx.Err() != nil {
			s.halt(spec.ID)
			s.remove(spec.ID)
			h = nil
			startErr = ctx.Err()
		}
	}

	select {
	case s.requests <- req:
	case <-s.done:
		return nil, ErrSupervisorStopped
	case <-ctx.Done():
		return nil, fmt.Errorf("unable to start child %s: %w", spec.ID, ctx.Err())
	}

	select {
	case <-req.done:
	case <-s.done:
		return nil, ErrSupervisorStopped
	case <-ctx.Done():
		// The request is already in flight and may yet succeed; arrange for
		// any child it produces to be rolled back.
		go func() {
			select {
			case <-req.done:
			case <-s.done:
				return
			}

			if h != nil {
				_ = s.do(context.Background(), func() {
					if c, ok := s.children[spec.ID]; ok && c.handle == h {
						s.halt(spec.ID)
						s.remove(spec.ID)
					}
				})
			}
		}()

		return nil, fmt.Errorf("unable to start child %s: %w", spec.ID, ctx.Err())
	}

	if startErr != nil {
		var dup DuplicateChildError
		if errors.As(startErr, &dup) {
			return nil, startErr
		}

		return nil, StartError{FailedID: spec.ID, Cause: startErr}
	}

	return h, nil
}

// StopChild stops a single child and removes it from the supervisor.
//
// It waits for the child to exit, up to the supervisor's shutdown grace
// period, after which the child is abandoned and its handle marked stale. It
// is a no-op if no such child is running.
func (s *Supervisor) StopChild(ctx context.Context, id string) error {
	var stopErr error

	if err := s.do(ctx, func() {
		stopErr = s.halt(id)
		s.remove(id)
	}); err != nil {
		return err
	}

	return stopErr
}

// Stop terminates the supervisor, stopping all children in reverse start
// order.
//
// It is idempotent. The returned error aggregates the children that did not
// exit within their grace period; the supervisor is stopped regardless.
func (s *Supervisor) Stop(ctx context.Context) error {
	var stopErr error

	err := s.do(ctx, func() {
		stopErr = s.shutdown()
	})

	if err == ErrSupervisorStopped {
		return nil
	}

	if err != nil {
		return err
	}

	<-s.done

	return stopErr
}

// do submits fn to the management loop and blocks until it has been executed.
//
// Both the submission and the wait are bounded by ctx. The management loop
// processes requests strictly sequentially; a request made from within a
// child's start routine can therefore never be accepted, and is surfaced by
// the expiry of ctx.
func (s *Supervisor) do(ctx context.Context, fn func()) error {
	req := &request{fn: fn, done: make(chan struct{})}

	select {
	case s.requests <- req:
	case <-s.done:
		return ErrSupervisorStopped
	case <-ctx.Done():
		return fmt.Errorf("supervisor %s did not accept the request: %w", suplog.FormatID(s.id), ctx.Err())
	}

	select {
	case <-req.done:
		return nil
	case <-s.done:
		return ErrSupervisorStopped
	case <-ctx.Done():
		return fmt.Errorf("request to supervisor %s was abandoned: %w", suplog.FormatID(s.id), ctx.Err())
	}
}

// supervise is the management loop. It owns all child state.
func (s *Supervisor) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.shutdown()
		case req := <-s.requests:
			req.fn()
			close(req.done)
		case x := <-s.exits:
			s.handleExit(x)
		}

		if s.stopping {
			s.cancel()
			s.err = s.cause
			close(s.done)
			return
		}
	}
}

// start starts the child described by spec and records it as running.
//
// If the spec names the child, its handle is registered before start() is
// considered complete, so a freshly (re)started child is always discoverable
// by the time its start is acknowledged.
func (s *Supervisor) start(ctx context.Context, spec ChildSpec) (*Handle, error) {
	cctx, cancel := context.WithCancel(s.treeCtx)
	h := newHandle(spec.ID, spec.MailboxSize)
	env := Env{Supervisor: s, Registrar: s.opts.Registrar}

	w, err := spec.Start(cctx, env)
	if err != nil {
		cancel()
		h.terminate(err)
		return nil, err
	}

	c := &child{
		spec:   spec,
		handle: h,
		cancel: cancel,
	}

	s.children[spec.ID] = c

	go s.monitor(cctx, c, w)

	if spec.Name != "" && s.opts.Registrar != nil {
		if err := s.opts.Registrar.Register(ctx, spec.Name, h); err != nil {
			s.halt(spec.ID)
			return nil, fmt.Errorf("unable to register child %s as %s: %w", spec.ID, spec.Name, err)
		}

		suplog.LogRegister(s.logger, spec.ID, spec.Name)
	}

	if spec.OnStarted != nil {
		go s.continuation(cctx, c)
	}

	suplog.LogStart(s.logger, spec.ID, h.id)

	return h, nil
}

// monitor runs the child's worker and reports its exit to the management
// loop.
func (s *Supervisor) monitor(ctx context.Context, c *child, w Worker) {
	err := w.Run(ctx, c.handle.mbox)

	// A worker that propagates its own cancellation has exited deliberately,
	// not failed.
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	c.handle.terminate(err)

	select {
	case s.exits <- exit{c.spec.ID, c.handle, err}:
	case <-s.done:
	}
}

// continuation runs the child's post-start continuation.
//
// It runs outside the management loop, strictly after the child's start has
// been acknowledged, so the continuation is free to call back into the
// supervisor. A continuation failure is reported as an abnormal exit of the
// child.
func (s *Supervisor) continuation(ctx context.Context, c *child) {
	if err := s.sem.Acquire(ctx); err != nil {
		return
	}
	defer s.sem.Release()

	env := Env{Supervisor: s, Registrar: s.opts.Registrar}

	if err := c.spec.OnStarted(ctx, env, c.handle); err != nil {
		select {
		case s.exits <- exit{
			c.spec.ID,
			c.handle,
			fmt.Errorf("post-start continuation of %s failed: %w", c.spec.ID, err),
		}:
		case <-s.done:
		}
	}
}

// handleExit feeds one child's termination into the restart strategy.
func (s *Supervisor) handleExit(x exit) {
	c, ok := s.children[x.id]
	if !ok || c.handle != x.h {
		// The exit belongs to a child that has already been stopped or
		// replaced; its restart, if any, has already been dealt with.
		return
	}

	if x.h.Alive() {
		// The exit is synthetic (a failed continuation); the worker itself
		// is still running and must be stopped before it can be restarted.
		s.halt(x.id)
	} else {
		delete(s.children, x.id)
		suplog.LogExit(s.logger, x.id, x.h.id, x.err)
	}

	abnormal := x.err != nil

	if !abnormal {
		if ctr, ok := s.counters[x.id]; ok {
			ctr.Reset()
		}
	}

	var restart bool
	switch c.spec.Policy {
	case Permanent:
		restart = true
	case Transient:
		restart = abnormal
	case Temporary:
		s.remove(x.id)
	}

	if !restart {
		return
	}

	if !s.recordRestart() {
		return
	}

	delay := s.restartDelay(x.id, x.err)
	suplog.LogRestart(s.logger, x.id, delay)

	plan := s.plan(x.id)

	if delay > 0 {
		go s.restartLater(delay, plan)
	} else {
		s.restart(plan)
	}
}

// plan applies the restart strategy to the failure of the given child,
// stopping whichever siblings the strategy demands, and returns the IDs to
// restart in declared order.
func (s *Supervisor) plan(id string) []string {
	switch s.opts.Strategy {
	case OneForAll:
		for i := len(s.order) - 1; i >= 0; i-- {
			if s.order[i] != id {
				s.halt(s.order[i])
			}
		}

		return append([]string(nil), s.order...)

	case RestForOne:
		i := s.indexOf(id)
		if i < 0 {
			return []string{id}
		}

		for j := len(s.order) - 1; j > i; j-- {
			s.halt(s.order[j])
		}

		return append([]string(nil), s.order[i:]...)

	default: // OneForOne
		return []string{id}
	}
}

// restart starts each of the given children that is not already running.
//
// A child that fails to start consumes further restart-intensity budget and
// is retried (together with the rest of the plan) until it starts or the
// supervisor escalates.
func (s *Supervisor) restart(ids []string) {
	for i, id := range ids {
		spec, ok := s.specs[id]
		if !ok {
			continue
		}

		if _, running := s.children[id]; running {
			continue
		}

		if _, err := s.start(s.treeCtx, spec); err != nil {
			logging.Log(s.logger, "unable to restart child %s: %s", id, err)

			if !s.recordRestart() {
				return
			}

			delay := s.restartDelay(id, err)
			suplog.LogRestart(s.logger, id, delay)

			rest := ids[i:]

			if delay > 0 {
				go s.restartLater(delay, rest)
			} else {
				s.restart(rest)
			}

			return
		}
	}
}

// restartLater submits a restart plan to the management loop after a backoff
// delay.
func (s *Supervisor) restartLater(delay time.Duration, ids []string) {
	if err := linger.Sleep(s.treeCtx, delay); err != nil {
		return
	}

	req := &request{
		done: make(chan struct{}),
		fn: func() {
			s.restart(ids)
		},
	}

	select {
	case s.requests <- req:
	case <-s.done:
	}
}

// restartDelay returns the backoff delay to apply before the next restart of
// the given child.
func (s *Supervisor) restartDelay(id string, cause error) time.Duration {
	if s.opts.RestartBackoff == nil {
		return 0
	}

	ctr, ok := s.counters[id]
	if !ok {
		ctr = &backoff.Counter{
			Strategy: s.opts.RestartBackoff,
		}
		s.counters[id] = ctr
	}

	return ctr.Fail(cause)
}

// recordRestart adds one restart to the sliding intensity window.
//
// It returns false if the restart budget is exhausted, in which case the
// supervisor has been shut down with a RestartIntensityExceededError.
func (s *Supervisor) recordRestart() bool {
	now := time.Now()
	cut := now.Add(-s.opts.RestartWindow)

	keep := s.window[:0]
	for _, t := range s.window {
		if t.After(cut) {
			keep = append(keep, t)
		}
	}
	s.window = append(keep, now)

	if len(s.window) <= s.opts.MaxRestarts {
		return true
	}

	suplog.LogEscalate(s.logger, len(s.window), s.opts.RestartWindow)

	_ = s.shutdown()
	s.cause = RestartIntensityExceededError{
		SupervisorID: s.id,
		Restarts:     len(s.window),
		Window:       s.opts.RestartWindow,
	}

	return false
}

// shutdown stops all running children in reverse start order and marks the
// supervisor as stopping.
func (s *Supervisor) shutdown() error {
	s.stopping = true

	var err error

	for i := len(s.order) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.halt(s.order[i]))
	}

	return err
}

// halt stops the child with the given ID, if it is running, and waits for it
// to exit.
//
// Workers are given the configured grace period before being abandoned;
// nested supervisors are waited on without bound, so that their own ordered
// teardown can complete. The child's spec is retained; use remove() to forget
// it entirely.
func (s *Supervisor) halt(id string) error {
	c, ok := s.children[id]
	if !ok {
		return nil
	}

	delete(s.children, id)
	c.cancel()

	if c.spec.Kind == KindSupervisor {
		<-c.handle.Done()
	} else {
		grace := s.opts.ShutdownTimeout

		t := time.NewTimer(grace)
		defer t.Stop()

		select {
		case <-c.handle.Done():
		case <-t.C:
			c.handle.terminate(fmt.Errorf("child %s was abandoned after its %s grace period", id, grace))
			suplog.LogAbandon(s.logger, id, c.handle.id, grace)

			return fmt.Errorf("child %s did not stop within %s", id, grace)
		}
	}

	suplog.LogStop(s.logger, id, c.handle.id)

	return nil
}

// remove forgets the child with the given ID entirely.
func (s *Supervisor) remove(id string) {
	delete(s.specs, id)
	delete(s.counters, id)

	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// indexOf returns the position of the given child in the declared start
// order.
func (s *Supervisor) indexOf(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}

	return -1
}
