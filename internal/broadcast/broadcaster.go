package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/tegrastats-web/internal/api"
	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

// SnapshotSource supplies the most recent snapshot without blocking.
type SnapshotSource interface {
	Latest() (tegrastats.Snapshot, bool)
}

// Options tune the broadcast cadence and per-subscriber delivery.
type Options struct {
	Interval    time.Duration
	SendTimeout time.Duration
	QueueSize   int
}

// Stats is a point-in-time copy of the broadcaster counters.
type Stats struct {
	Ticks   uint64 `json:"ticks"`
	Skipped uint64 `json:"skipped"`
	Sent    uint64 `json:"sent"`
	Ejected uint64 `json:"ejected"`
}

// Broadcaster pushes the latest snapshot to every subscriber once per tick.
type Broadcaster struct {
	source    SnapshotSource
	admission *Admission
	opts      Options
	logger    *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	ticks   atomic.Uint64
	skipped atomic.Uint64
	sent    atomic.Uint64
	ejected atomic.Uint64
}

// NewBroadcaster validates opts and builds a Broadcaster.
func NewBroadcaster(source SnapshotSource, admission *Admission, opts Options, logger *slog.Logger) (*Broadcaster, error) {
	if source == nil {
		return nil, errors.New("snapshot source must not be nil")
	}
	if admission == nil {
		return nil, errors.New("admission must not be nil")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if opts.SendTimeout <= 0 {
		return nil, fmt.Errorf("send timeout must be > 0")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Broadcaster{
		source:      source,
		admission:   admission,
		opts:        opts,
		logger:      logger.With("component", "broadcaster"),
		subscribers: make(map[string]*Subscriber),
	}, nil
}

// Subscribe admits a new client. It returns ErrAdmissionRejected when the
// client limit is reached.
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	if !b.admission.TryAdmit() {
		return nil, ErrAdmissionRejected
	}

	sub := newSubscriber(uuid.NewString(), b.opts.QueueSize, b.remove)

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subscriber_id", sub.id, "active", b.admission.Count())
	return sub, nil
}

// Run ticks at the configured interval until ctx is canceled, then closes every
// remaining subscriber with ErrBroadcasterStopped.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	b.logger.Info("broadcaster started", "interval", b.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcaster stopping", "reason", ctx.Err(), "subscribers", b.Subscribers())
			for _, sub := range b.snapshotSubscribers() {
				sub.closeWith(ErrBroadcasterStopped)
			}
			return nil
		case at := <-ticker.C:
			b.tick(at)
		}
	}
}

// Publish delivers an encoded frame to every subscriber concurrently and
// returns once each push has been delivered or timed out. Subscribers that
// cannot accept the frame within SendTimeout are ejected.
func (b *Broadcaster) Publish(frame []byte) {
	subs := b.snapshotSubscribers()
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			switch sub.push(frame, b.opts.SendTimeout) {
			case pushDelivered:
				b.sent.Add(1)
			case pushTimedOut:
				b.ejected.Add(1)
				b.logger.Warn("ejecting slow subscriber", "subscriber_id", sub.id, "timeout", b.opts.SendTimeout)
				sub.closeWith(ErrSubscriberTooSlow)
			}
		}(sub)
	}
	wg.Wait()
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns a copy of the broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Ticks:   b.ticks.Load(),
		Skipped: b.skipped.Load(),
		Sent:    b.sent.Load(),
		Ejected: b.ejected.Load(),
	}
}

func (b *Broadcaster) tick(at time.Time) {
	b.ticks.Add(1)

	if b.admission.Count() == 0 {
		b.skipped.Add(1)
		return
	}

	snap, ok := b.source.Latest()
	if !ok {
		b.skipped.Add(1)
		return
	}

	frame, err := api.Encode(api.NewUpdateMessage(snap.Stamp(at)))
	if err != nil {
		b.skipped.Add(1)
		b.logger.Error("failed to encode update", "err", err)
		return
	}

	b.Publish(frame)
}

func (b *Broadcaster) snapshotSubscribers() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (b *Broadcaster) remove(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub.id)
	b.mu.Unlock()

	b.admission.Release()
	b.logger.Debug("subscriber removed", "subscriber_id", sub.id, "active", b.admission.Count())
}
