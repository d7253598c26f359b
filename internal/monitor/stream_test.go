package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestStreamDecodesFrames(t *testing.T) {
	t.Parallel()

	frames := []string{
		`{"type":"hello","interval_ms":1000,"sample_interval_ms":500,"device":{"model":"Jetson AGX Orin"},"features":{}}`,
		`{"type":"pong"}`,
		`{"type":"tegrastats_update","timestamp":"2025-03-10T03:20:36Z","cpu":{"cores":[{"id":0,"usage":3,"freq":1574}]},"memory":{"ram":{"used":1997,"total":62841,"unit":"MB"}},"temperature":{},"power":{},"gpu":{"gr3d_freq":12}}`,
		`{"type":"error","message":"no data available"}`,
	}
	ts := newFrameServer(t, frames, websocket.StatusNormalClosure)

	client := newTestClient(t, ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []Event
	err := client.Stream(ctx, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Hello == nil || events[0].Hello.SampleIntervalMS != 500 || deviceLabel(events[0].Hello) != "Jetson AGX Orin" {
		t.Fatalf("unexpected hello %+v", events[0])
	}
	update := events[1].Update
	if update == nil || update.GPU.GR3DFreq == nil || *update.GPU.GR3DFreq != 12 {
		t.Fatalf("unexpected update %+v", events[1])
	}
	if events[2].Error != "no data available" {
		t.Fatalf("unexpected error event %+v", events[2])
	}
}

func TestStreamHandlerErrorStops(t *testing.T) {
	t.Parallel()

	frames := []string{
		`{"type":"hello","interval_ms":1000,"sample_interval_ms":1000,"device":{},"features":{}}`,
		`{"type":"error","message":"first"}`,
	}
	ts := newFrameServer(t, frames, websocket.StatusNormalClosure)

	client := newTestClient(t, ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := errors.New("stop")
	calls := 0
	err := client.Stream(ctx, func(Event) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single handler call, got %d", calls)
	}
}

func TestStreamAbnormalClose(t *testing.T) {
	t.Parallel()

	ts := newFrameServer(t, nil, websocket.StatusInternalError)

	client := newTestClient(t, ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Stream(ctx, func(Event) error { return nil }); err == nil {
		t.Fatalf("expected error for abnormal close")
	}
}

func TestStreamCapacityRejected(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	client := newTestClient(t, ts.URL)
	err := client.Stream(context.Background(), func(Event) error { return nil })

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || !statusErr.Unavailable() {
		t.Fatalf("expected unavailable StatusError, got %v", err)
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(ts.Close)

	client := newTestClient(t, ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := client.Stream(ctx, func(Event) error { return nil }); err != nil {
		t.Fatalf("expected nil after cancel, got %v", err)
	}
}

func newFrameServer(t *testing.T, frames []string, code websocket.StatusCode) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		_ = conn.Close(code, "")
	}))
	t.Cleanup(ts.Close)
	return ts
}
