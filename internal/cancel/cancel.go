// Package cancel provides the one-shot cancellation signals used to unwind
// the server and its sessions. A Signal is cheaper and more explicit than
// threading a context through components that only ever need "stop": it is
// monotonic, broadcastable, and can be linked so that a child triggers as
// soon as any of its parents do.
package cancel

import "sync"

// Signal is a one-shot broadcast stop flag. The zero value is not usable;
// construct with New.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// New returns an untriggered Signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trigger fires the signal. Idempotent; once triggered a Signal never
// reverts.
func (s *Signal) Trigger() {
	s.once.Do(func() { close(s.done) })
}

// Done returns a channel that is closed when the signal triggers. Every
// observer blocked on it is released at once.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Triggered reports whether Trigger has been called.
func (s *Signal) Triggered() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Link returns a child signal that triggers as soon as any parent triggers.
// Triggering the child directly does not affect its parents. Each watcher
// exits once the child has triggered, so owners that always trigger their
// private signal at teardown do not leak watchers.
func Link(parents ...*Signal) *Signal {
	child := New()
	for _, parent := range parents {
		go func(p *Signal) {
			select {
			case <-p.Done():
				child.Trigger()
			case <-child.done:
			}
		}(parent)
	}
	return child
}
