package arbor

import (
	"runtime"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
)

// Strategy determines which siblings are restarted when a child exits
// abnormally.
type Strategy int

const (
	// OneForOne restarts only the failed child.
	OneForOne Strategy = iota

	// OneForAll stops all other children in reverse start order, then
	// restarts the entire set in declared order.
	OneForAll

	// RestForOne stops and restarts only the children declared after the
	// failed one, leaving earlier siblings untouched.
	RestForOne
)

var (
	// DefaultMaxRestarts is the default number of restarts tolerated within
	// DefaultRestartWindow before the supervisor escalates.
	//
	// It is overridden by the WithMaxRestarts() option.
	DefaultMaxRestarts = 5

	// DefaultRestartWindow is the default sliding window over which restarts
	// are counted.
	//
	// It is overridden by the WithRestartWindow() option.
	DefaultRestartWindow = 5 * time.Second

	// DefaultShutdownTimeout is the default grace period a child is given to
	// exit after its context is canceled, before it is abandoned.
	//
	// It is overridden by the WithShutdownTimeout() option.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultContinuationLimit is the default number of post-start
	// continuations that may run concurrently.
	//
	// It is overridden by the WithContinuationLimit() option.
	DefaultContinuationLimit = uint(runtime.GOMAXPROCS(0) * 2)

	// DefaultLogger is the default target for log messages produced by a
	// supervisor.
	//
	// It is overridden by the WithLogger() option.
	DefaultLogger = logging.DefaultLogger
)

// Option configures the behavior of a supervisor.
type Option func(*supervisorOptions)

// WithStrategy returns an option that sets the supervisor's restart strategy.
//
// If this option is omitted, OneForOne is used.
func WithStrategy(s Strategy) Option {
	switch s {
	case OneForOne, OneForAll, RestForOne:
	default:
		panic("invalid restart strategy")
	}

	return func(opts *supervisorOptions) {
		opts.Strategy = s
	}
}

// WithMaxRestarts returns an option that sets the number of restarts the
// supervisor tolerates within the restart window before escalating.
//
// If this option is omitted or n is zero, DefaultMaxRestarts is used.
func WithMaxRestarts(n uint) Option {
	return func(opts *supervisorOptions) {
		opts.MaxRestarts = int(n)
	}
}

// WithRestartWindow returns an option that sets the sliding window over which
// restarts are counted.
//
// If this option is omitted or d is zero, DefaultRestartWindow is used.
func WithRestartWindow(d time.Duration) Option {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *supervisorOptions) {
		opts.RestartWindow = d
	}
}

// WithRestartBackoff returns an option that sets the strategy used to delay
// successive restarts of a failing child.
//
// If this option is omitted or s is nil, restarts are not delayed.
func WithRestartBackoff(s backoff.Strategy) Option {
	return func(opts *supervisorOptions) {
		opts.RestartBackoff = s
	}
}

// WithShutdownTimeout returns an option that sets the grace period a child is
// given to exit after its context is canceled.
//
// If this option is omitted or d is zero, DefaultShutdownTimeout is used.
//
// Children of KindSupervisor are not subject to the grace period; a nested
// tree is always given as long as its own teardown requires.
func WithShutdownTimeout(d time.Duration) Option {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *supervisorOptions) {
		opts.ShutdownTimeout = d
	}
}

// WithRegistrar returns an option that sets the registry into which the
// supervisor publishes the handles of named children.
//
// If this option is omitted, named children are not published anywhere.
func WithRegistrar(r Registrar) Option {
	return func(opts *supervisorOptions) {
		opts.Registrar = r
	}
}

// WithContinuationLimit returns an option that sets the number of post-start
// continuations that may run concurrently.
//
// If this option is omitted or n is zero, DefaultContinuationLimit is used.
func WithContinuationLimit(n uint) Option {
	return func(opts *supervisorOptions) {
		opts.ContinuationLimit = n
	}
}

// WithLogger returns an option that sets the target for log messages produced
// by the supervisor.
//
// If this option is omitted or l is nil, DefaultLogger is used.
func WithLogger(l logging.Logger) Option {
	return func(opts *supervisorOptions) {
		opts.Logger = l
	}
}

// supervisorOptions is a container for the options resolved from the Option
// values passed to Start().
type supervisorOptions struct {
	Strategy          Strategy
	MaxRestarts       int
	RestartWindow     time.Duration
	RestartBackoff    backoff.Strategy
	ShutdownTimeout   time.Duration
	Registrar         Registrar
	ContinuationLimit uint
	Logger            logging.Logger
}

// resolveSupervisorOptions returns the options described by the given Option
// values, with defaults applied.
func resolveSupervisorOptions(options ...Option) *supervisorOptions {
	opts := &supervisorOptions{}

	for _, o := range options {
		o(opts)
	}

	if opts.MaxRestarts == 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}

	if opts.RestartWindow == 0 {
		opts.RestartWindow = DefaultRestartWindow
	}

	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	if opts.ContinuationLimit == 0 {
		opts.ContinuationLimit = DefaultContinuationLimit
	}

	if opts.Logger == nil {
		opts.Logger = DefaultLogger
	}

	return opts
}
