package broadcast

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrSubscriberTooSlow is reported by Subscriber.Err after an ejection.
	ErrSubscriberTooSlow = errors.New("subscriber too slow")
	// ErrBroadcasterStopped is reported by Subscriber.Err after shutdown.
	ErrBroadcasterStopped = errors.New("broadcaster stopped")
)

type pushResult int

const (
	pushDelivered pushResult = iota
	pushClosed
	pushTimedOut
)

// Subscriber is one admitted live-stream client. Frames arrive on C until
// Done is closed.
type Subscriber struct {
	id      string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
	release func(*Subscriber)
}

func newSubscriber(id string, queueSize int, release func(*Subscriber)) *Subscriber {
	return &Subscriber{
		id:      id,
		ch:      make(chan []byte, queueSize),
		done:    make(chan struct{}),
		release: release,
	}
}

// ID returns the subscriber handle.
func (s *Subscriber) ID() string {
	return s.id
}

// C delivers encoded update frames.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

// Done is closed once the subscriber has been closed or ejected.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err returns why the broadcaster closed the subscriber, or nil when it was
// closed by its owner or is still open. Valid once Done is closed.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close unregisters the subscriber and releases its admission slot. Safe for
// repeated use; the slot is released exactly once.
func (s *Subscriber) Close() {
	s.closeWith(nil)
}

func (s *Subscriber) closeWith(reason error) {
	s.once.Do(func() {
		s.err = reason
		close(s.done)
		if s.release != nil {
			s.release(s)
		}
	})
}

func (s *Subscriber) push(frame []byte, timeout time.Duration) pushResult {
	select {
	case <-s.done:
		return pushClosed
	default:
	}

	select {
	case s.ch <- frame:
		return pushDelivered
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- frame:
		return pushDelivered
	case <-s.done:
		return pushClosed
	case <-timer.C:
		return pushTimedOut
	}
}
