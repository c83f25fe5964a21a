// Package flow bounds the number of frames queued on one connection.
package flow

import (
	"context"
	"errors"
	"sync"
)

// DefaultSize is the window used when NewWindow is given a non-positive
// size.
const DefaultSize = 256

// ErrClosed is returned by Reserve after Close.
var ErrClosed = errors.New("flow window closed")

// Stats is a snapshot of a Window.
type Stats struct {
	// InFlight is the number of reserved slots not yet freed.
	InFlight int

	// Full reports whether Reserve would wait.
	Full bool

	// Stalls counts how many times the window filled up.
	Stalls int
}

// Window hands out send slots. When all size slots are in flight the
// window closes to new reservations and reopens only once in-flight frames
// drain to the resume mark, so a slow reader does not wake blocked senders
// one frame at a time.
//
// All methods are safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	size     int
	resume   int
	inFlight int
	full     bool
	closed   bool
	stalls   int

	// reopened is closed when the window reopens or closes, then replaced.
	reopened chan struct{}

	onStall func(inFlight int)
}

// NewWindow creates a window of size slots that reopens at resume.
// A resume mark outside [0, size) becomes size/2.
func NewWindow(size, resume int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	if resume < 0 || resume >= size {
		resume = size / 2
	}
	return &Window{
		size:     size,
		resume:   resume,
		reopened: make(chan struct{}),
	}
}

// OnStall sets fn to run each time the window fills. fn runs with the
// window locked and must not call back into it.
func (w *Window) OnStall(fn func(inFlight int)) {
	w.mu.Lock()
	w.onStall = fn
	w.mu.Unlock()
}

// Reserve takes one slot, waiting while the window is full. It fails with
// ErrClosed after Close or with the context error.
func (w *Window) Reserve(ctx context.Context) error {
	for {
		w.mu.Lock()
		switch {
		case w.closed:
			w.mu.Unlock()
			return ErrClosed
		case !w.full:
			w.takeLocked()
			w.mu.Unlock()
			return nil
		}
		wait := w.reopened
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// TryReserve takes one slot only if that needs no waiting.
func (w *Window) TryReserve() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.full {
		return false
	}
	w.takeLocked()
	return true
}

func (w *Window) takeLocked() {
	w.inFlight++
	if w.inFlight < w.size {
		return
	}
	w.full = true
	w.stalls++
	if w.onStall != nil {
		w.onStall(w.inFlight)
	}
}

// Free returns one slot.
func (w *Window) Free() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight > 0 {
		w.inFlight--
	}
	if !w.full || w.inFlight > w.resume {
		return
	}
	w.full = false
	if !w.closed {
		close(w.reopened)
		w.reopened = make(chan struct{})
	}
}

// Stats returns a snapshot of the window.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{InFlight: w.inFlight, Full: w.full, Stalls: w.stalls}
}

// Close wakes every waiter. Pending and later reservations fail with
// ErrClosed.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.reopened)
}
