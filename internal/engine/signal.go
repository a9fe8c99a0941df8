package engine

import "sync"

// wakeSignal coalesces wake-ups for the Run loop. Any number of Notify
// calls between two waits collapse into one.
type wakeSignal struct {
	mu     sync.Mutex
	closed bool
	signal chan struct{} // buffered, size 1
}

func newWakeSignal() *wakeSignal {
	return &wakeSignal{signal: make(chan struct{}, 1)}
}

// Notify wakes the waiter. Returns false once closed.
func (w *wakeSignal) Notify() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait returns a channel that fires on Notify and stays ready after Close.
func (w *wakeSignal) Wait() <-chan struct{} {
	return w.signal
}

// Close wakes every waiter permanently.
func (w *wakeSignal) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.signal)
}

func (w *wakeSignal) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
