package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

type fakeSource struct {
	calls atomic.Int64
	snap  tegrastats.Snapshot
	ok    bool
}

func (f *fakeSource) Latest() (tegrastats.Snapshot, bool) {
	f.calls.Add(1)
	return f.snap, f.ok
}

func newTestSource(t *testing.T) *fakeSource {
	t.Helper()
	captured := time.Date(2025, 3, 10, 3, 20, 36, 0, time.UTC)
	snap, ok, err := tegrastats.Decode("RAM 1997/62841MB CPU [3%@1574,0%@1574] cpu@45.75C", captured)
	if !ok || err != nil {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	return &fakeSource{snap: snap, ok: true}
}

func newTestBroadcaster(t *testing.T, source SnapshotSource, max int, opts Options) (*Broadcaster, *Admission) {
	t.Helper()
	if opts.Interval == 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = 50 * time.Millisecond
	}
	admission := NewAdmission(max)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := NewBroadcaster(source, admission, opts, logger)
	if err != nil {
		t.Fatalf("NewBroadcaster returned error: %v", err)
	}
	return b, admission
}

func TestBroadcasterSkipsWithoutSubscribers(t *testing.T) {
	t.Parallel()

	source := newTestSource(t)
	b, _ := newTestBroadcaster(t, source, 5, Options{})

	b.tick(time.Now())
	b.tick(time.Now())

	if source.calls.Load() != 0 {
		t.Fatalf("source must not be queried without subscribers, got %d calls", source.calls.Load())
	}
	stats := b.Stats()
	if stats.Ticks != 2 || stats.Skipped != 2 || stats.Sent != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestBroadcasterSkipsWithoutData(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	b, _ := newTestBroadcaster(t, source, 5, Options{})

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	b.tick(time.Now())

	if source.calls.Load() != 1 {
		t.Fatalf("expected one source call, got %d", source.calls.Load())
	}
	select {
	case frame := <-sub.C():
		t.Fatalf("no frame expected, got %s", frame)
	default:
	}
	if b.Stats().Skipped != 1 {
		t.Fatalf("expected skipped tick, got %+v", b.Stats())
	}
}

func TestBroadcasterDeliversStampedUpdate(t *testing.T) {
	t.Parallel()

	source := newTestSource(t)
	b, _ := newTestBroadcaster(t, source, 5, Options{QueueSize: 2})

	first, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer first.Close()
	second, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer second.Close()

	if first.ID() == "" || first.ID() == second.ID() {
		t.Fatalf("subscriber ids must be unique, got %q and %q", first.ID(), second.ID())
	}

	tickAt := time.Date(2025, 3, 10, 3, 20, 40, 0, time.UTC)
	b.tick(tickAt)

	for _, sub := range []*Subscriber{first, second} {
		frame := awaitFrame(t, sub)

		var payload struct {
			Type       string    `json:"type"`
			Timestamp  time.Time `json:"timestamp"`
			CapturedAt time.Time `json:"captured_at"`
			CPU        struct {
				Cores []struct {
					ID int `json:"id"`
				} `json:"cores"`
			} `json:"cpu"`
		}
		if err := json.Unmarshal(frame, &payload); err != nil {
			t.Fatalf("invalid frame %s: %v", frame, err)
		}
		if payload.Type != "tegrastats_update" {
			t.Fatalf("unexpected type %q", payload.Type)
		}
		if !payload.Timestamp.Equal(tickAt) {
			t.Fatalf("expected timestamp %s, got %s", tickAt, payload.Timestamp)
		}
		if !payload.CapturedAt.Equal(source.snap.CapturedAt) {
			t.Fatalf("captured_at must be preserved, got %s", payload.CapturedAt)
		}
		if len(payload.CPU.Cores) != 2 {
			t.Fatalf("unexpected cores %+v", payload.CPU.Cores)
		}
	}

	if got := b.Stats().Sent; got != 2 {
		t.Fatalf("expected 2 sent frames, got %d", got)
	}
	if source.calls.Load() != 1 {
		t.Fatalf("snapshot must be fetched once per tick, got %d", source.calls.Load())
	}
}

func TestBroadcasterRejectsOverLimit(t *testing.T) {
	t.Parallel()

	b, admission := newTestBroadcaster(t, newTestSource(t), 1, Options{})

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if _, err := b.Subscribe(); !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected, got %v", err)
	}
	if admission.Rejected() != 1 {
		t.Fatalf("expected one rejection, got %d", admission.Rejected())
	}

	sub.Close()
	sub.Close()
	if admission.Count() != 0 {
		t.Fatalf("expected count 0 after close, got %d", admission.Count())
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected no registered subscribers, got %d", b.Subscribers())
	}

	again, err := b.Subscribe()
	if err != nil {
		t.Fatalf("slot should be free after close: %v", err)
	}
	again.Close()
}

func TestBroadcasterEjectsSlowSubscriber(t *testing.T) {
	t.Parallel()

	source := newTestSource(t)
	b, admission := newTestBroadcaster(t, source, 5, Options{QueueSize: 1, SendTimeout: 20 * time.Millisecond})

	slow, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	fast, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer fast.Close()

	b.tick(time.Now())
	_ = awaitFrame(t, fast)

	started := time.Now()
	b.tick(time.Now())
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("tick blocked for %s", elapsed)
	}
	_ = awaitFrame(t, fast)

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("slow subscriber was not ejected")
	}

	if got := b.Stats().Ejected; got != 1 {
		t.Fatalf("expected 1 ejection, got %d", got)
	}
	if !errors.Is(slow.Err(), ErrSubscriberTooSlow) {
		t.Fatalf("expected ErrSubscriberTooSlow, got %v", slow.Err())
	}
	if fast.Err() != nil {
		t.Fatalf("open subscriber reported %v", fast.Err())
	}
	if admission.Count() != 1 {
		t.Fatalf("ejection must release the slot, count %d", admission.Count())
	}

	slow.Close()
	if admission.Count() != 1 {
		t.Fatalf("closing an ejected subscriber must not release twice, count %d", admission.Count())
	}
}

func TestBroadcasterRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroadcaster(t, newTestSource(t), 5, Options{Interval: 5 * time.Millisecond})
	sub, err := b.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx)
	}()

	_ = awaitFrame(t, sub)
	_ = awaitFrame(t, sub)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	select {
	case <-sub.Done():
	default:
		t.Fatalf("Run must close remaining subscribers")
	}
	if !errors.Is(sub.Err(), ErrBroadcasterStopped) {
		t.Fatalf("expected ErrBroadcasterStopped, got %v", sub.Err())
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after Run, got %d", b.Subscribers())
	}
}

func TestNewBroadcasterValidation(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	admission := NewAdmission(1)
	valid := Options{Interval: time.Second, SendTimeout: time.Second}

	if _, err := NewBroadcaster(nil, admission, valid, nil); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := NewBroadcaster(source, nil, valid, nil); err == nil {
		t.Fatalf("expected error for nil admission")
	}
	if _, err := NewBroadcaster(source, admission, Options{SendTimeout: time.Second}, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := NewBroadcaster(source, admission, Options{Interval: time.Second}, nil); err == nil {
		t.Fatalf("expected error for zero send timeout")
	}
	if _, err := NewBroadcaster(source, admission, valid, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func awaitFrame(t *testing.T, sub *Subscriber) []byte {
	t.Helper()
	select {
	case frame := <-sub.C():
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}
