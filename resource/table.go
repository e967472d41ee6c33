package resource

import (
	"sync"

	"github.com/wippyai/enclave-net/errors"
)

// ErrClosed is returned by Insert once the table has been closed.
var ErrClosed = errors.Closed(errors.PhaseUsercall, "handle table")

// Table maps handles to values of type T. It is safe for concurrent use.
type Table[T any] struct {
	slots  slots[T]
	mu     sync.RWMutex
	closed bool

	observers []Observer[T]
	obsMu     sync.RWMutex
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	h := t.slots.put(v)
	t.mu.Unlock()

	t.notify(Event[T]{Value: v, Handle: h, Type: EventCreated})
	return h, nil
}

// Get returns the value stored at h.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots.get(h)
}

// Remove takes the value at h out of the table and releases it.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	v, ok := t.slots.take(h)
	t.mu.Unlock()
	if !ok {
		return v, false
	}
	t.release(Event[T]{Value: v, Handle: h, Type: EventDropped})
	return v, true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots.n
}

// Each calls fn for a snapshot of the live entries until fn returns false.
// fn may modify the table.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	t.mu.RLock()
	var snap []Event[T]
	for i, ok := range t.slots.live {
		if ok {
			snap = append(snap, Event[T]{Value: t.slots.vals[i], Handle: Handle(i + 1)})
		}
	}
	t.mu.RUnlock()

	for _, e := range snap {
		if !fn(e.Handle, e.Value) {
			return
		}
	}
}

// Clear removes and releases every entry. The table stays usable.
func (t *Table[T]) Clear() {
	t.mu.Lock()
	dropped := t.slots.drain()
	t.mu.Unlock()

	for _, e := range dropped {
		t.release(e)
	}
}

// Close releases every entry and rejects later inserts. Close is
// idempotent.
func (t *Table[T]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	dropped := t.slots.drain()
	t.mu.Unlock()

	for _, e := range dropped {
		t.release(e)
	}
	return nil
}

// Subscribe adds an observer for table events.
func (t *Table[T]) Subscribe(o Observer[T]) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer. Observers are compared with ==.
func (t *Table[T]) Unsubscribe(o Observer[T]) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

func (t *Table[T]) release(e Event[T]) {
	if r, ok := any(e.Value).(Releaser); ok {
		r.Release()
	}
	t.notify(e)
}

func (t *Table[T]) notify(e Event[T]) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnTableEvent(e)
	}
}
