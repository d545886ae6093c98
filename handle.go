package arbor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrStaleHandle is returned when performing any operation on a handle whose
// referent has terminated.
var ErrStaleHandle = errors.New("handle refers to a terminated child")

// DefaultMailboxSize is the default capacity of a child's mailbox.
//
// It is overridden by the MailboxSize field of the child's spec.
var DefaultMailboxSize = 16

// A Handle is an opaque reference to a running child.
//
// Handles are compared by identity. Two handles are equal if and only if they
// refer to the same run of the same child; a restarted child is referred to
// by a new, distinct handle.
//
// A handle becomes stale the instant its referent terminates. Staleness is
// observed by an operation failing with ErrStaleHandle, or by re-resolving
// the sibling via discovery.
type Handle struct {
	id      string
	childID string
	mbox    chan interface{}
	done    chan struct{}

	m   sync.Mutex
	err error
}

func newHandle(childID string, size int) *Handle {
	if size <= 0 {
		size = DefaultMailboxSize
	}

	return &Handle{
		id:      uuid.NewString(),
		childID: childID,
		mbox:    make(chan interface{}, size),
		done:    make(chan struct{}),
	}
}

// ID returns a unique identifier for this run of the child.
//
// It is intended for diagnostics only. Handle equality is identity-based and
// does not require comparing IDs.
func (h *Handle) ID() string {
	return h.id
}

// ChildID returns the supervisor-local ID of the child this handle refers to.
func (h *Handle) ChildID() string {
	return h.childID
}

// Post sends a message to the child's mailbox.
//
// It blocks until there is capacity in the mailbox, the child terminates, or
// ctx is canceled.
func (h *Handle) Post(ctx context.Context, v interface{}) error {
	select {
	case <-h.done:
		return fmt.Errorf("unable to post to %s: %w", h.childID, ErrStaleHandle)
	default:
	}

	select {
	case h.mbox <- v:
		return nil
	case <-h.done:
		return fmt.Errorf("unable to post to %s: %w", h.childID, ErrStaleHandle)
	case <-ctx.Done():
		return fmt.Errorf("unable to post to %s: %w", h.childID, ctx.Err())
	}
}

// Call sends a request to the child and blocks until it replies, the child
// terminates, or ctx is canceled.
//
// The child receives a Request from its mailbox and is expected to call its
// Reply() method.
func (h *Handle) Call(ctx context.Context, v interface{}) (interface{}, error) {
	req := Request{
		Value: v,
		reply: make(chan interface{}, 1),
	}

	if err := h.Post(ctx, req); err != nil {
		return nil, err
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-h.done:
		return nil, fmt.Errorf("call to %s failed: %w", h.childID, ErrStaleHandle)
	case <-ctx.Done():
		return nil, fmt.Errorf("call to %s failed: %w", h.childID, ctx.Err())
	}
}

// Alive returns true if the child this handle refers to has not terminated.
//
// The result is advisory. The child may terminate at any time after Alive()
// returns.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done returns a channel that is closed when the child terminates.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that caused the child to terminate, if any.
//
// It must only be called after the channel returned by Done() is closed.
func (h *Handle) Err() error {
	h.m.Lock()
	defer h.m.Unlock()

	return h.err
}

// terminate marks the handle as stale.
//
// It is a no-op if the handle has already been terminated, which occurs when
// a child is forcibly abandoned before its goroutine returns.
func (h *Handle) terminate(err error) {
	h.m.Lock()
	defer h.m.Unlock()

	select {
	case <-h.done:
	default:
		h.err = err
		close(h.done)
	}
}

// A Request is a message paired with a reply channel, as delivered to a
// child's mailbox by Handle.Call().
type Request struct {
	// Value is the request payload.
	Value interface{}

	reply chan interface{}
}

// Reply sends the response to the caller.
//
// It never blocks. Any reply after the first is discarded.
func (r Request) Reply(v interface{}) {
	select {
	case r.reply <- v:
	default:
	}
}
