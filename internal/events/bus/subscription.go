package bus

import "sync/atomic"

// Subscription is a single subscriber's handle on the stream.
type Subscription struct {
	id     string
	ch     chan Message
	lagged atomic.Bool
	closed atomic.Bool
	cancel func(id string)
}

// C returns the subscriber's message channel. The channel is closed when the
// subscription is cancelled, the bus shuts down, or the subscriber lags.
func (s *Subscription) C() <-chan Message { return s.ch }

// ID returns the subscription's identifier, used in logs.
func (s *Subscription) ID() string { return s.id }

// Lagged reports whether the subscription was dropped because its buffer
// overflowed. Checked after C() is closed to distinguish lag from a normal
// shutdown.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Unsubscribe removes the subscription from the bus. Safe to call more than
// once and after the bus has already dropped the subscriber.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel(s.id)
	}
}

// close is called by the bus with its mutex held.
func (s *Subscription) close(lagged bool) {
	if s.closed.CompareAndSwap(false, true) {
		if lagged {
			s.lagged.Store(true)
		}
		close(s.ch)
	}
}
