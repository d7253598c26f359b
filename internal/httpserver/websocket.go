package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/tegrastats-web/internal/api"
	"github.com/skobkin/tegrastats-web/internal/broadcast"
)

const wsControlQueueSize = 8

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.requestLogger(r)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, err := s.hub.Subscribe()
	if err != nil {
		if errors.Is(err, broadcast.ErrAdmissionRejected) {
			reqLogger.Warn("websocket rejected", "reason", "capacity", "max_clients", s.admission.Max())
			http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
			return
		}
		reqLogger.Error("websocket subscribe failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, acceptOptions(s.cfg.AllowedOrigins))
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	s.wsTotal.Add(1)
	logger := reqLogger.With("subscriber_id", sub.ID())
	logger.Info("websocket connected", "active", s.admission.Count())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	control := newWSOutbound(wsControlQueueSize, &s.wsDropped)
	var writerDone chan struct{}

	closeCode := websocket.StatusNormalClosure
	closeReason := ""
	defer func() {
		closeWebsocket(logger, conn, closeCode, closeReason)
		cancel()
		if writerDone != nil {
			<-writerDone
		}
		control.close()
		logger.Info("websocket disconnected", "code", closeCode)
	}()

	hello := api.NewHelloMessage(
		int(s.cfg.BroadcastInterval/time.Millisecond),
		int(s.cfg.SampleInterval/time.Millisecond),
		s.device,
		s.cfg.Features(),
	)
	data, err := api.Encode(hello)
	if err != nil {
		logger.Error("failed to encode hello", "err", err)
		closeCode = websocket.StatusInternalError
		return
	}
	if err := s.writeRaw(ctx, conn, data); err != nil {
		logger.Warn("failed to send hello", "err", err)
		return
	}
	s.wsSent.Add(1)

	writerDone = make(chan struct{})
	go s.wsWriter(ctx, conn, sub, control, cancel, logger, writerDone)

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	if s.cfg.WS.ReadTimeout > 0 {
		go s.keepalive(ctx, conn, cancel, logger)
	}

	for {
		select {
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			s.handleClientMessage(control, data, logger)
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-sub.Done():
			switch {
			case errors.Is(sub.Err(), broadcast.ErrSubscriberTooSlow):
				closeCode = websocket.StatusTryAgainLater
				closeReason = "client too slow"
			case errors.Is(sub.Err(), broadcast.ErrBroadcasterStopped):
				closeCode = websocket.StatusGoingAway
				closeReason = "server shutting down"
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

// keepalive pings the client every ReadTimeout and drops it when a pong does
// not arrive within the same period.
func (s *Server) keepalive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.WS.ReadTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("websocket keepalive failed", "err", err)
				}
				cancel()
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(control *wsOutbound, data []byte, logger *slog.Logger) {
	msg, err := api.DecodeClientMessage(data)
	if err != nil {
		logger.Debug("invalid client message", "err", err)
		s.enqueueError(control, "invalid message", logger)
		return
	}

	switch msg.Type {
	case api.TypePing:
		s.enqueueMessage(control, api.NewPongMessage(), logger)
	case api.TypeGetStatus:
		snap, ok := s.sampler.Latest()
		if !ok {
			s.enqueueError(control, "no data available", logger)
			return
		}
		s.enqueueMessage(control, api.NewUpdateMessage(snap.Stamp(s.now())), logger)
	default:
		logger.Debug("unknown message type", "type", msg.Type)
	}
}

// wsWriter is the only goroutine writing data frames to conn. It drains
// control replies and broadcast frames until the connection or subscriber ends.
func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscriber, control *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		var msg []byte
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case frame, ok := <-control.channel():
			if !ok {
				return
			}
			msg = frame
		case frame := <-sub.C():
			msg = frame
		}

		if err := s.writeRaw(ctx, conn, msg); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				logger.Warn("websocket write failed", "err", err)
			}
			sub.Close()
			cancel()
			return
		}
		s.wsSent.Add(1)
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(control *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := api.Encode(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !control.enqueue(data) {
		logger.Warn("websocket control queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(control *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(control, api.NewErrorMessage(msg), logger)
}

func acceptOptions(origins []string) *websocket.AcceptOptions {
	for _, origin := range origins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	patterns := make([]string, len(origins))
	copy(patterns, origins)
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// wsOutbound is a bounded control queue that drops the oldest entry when full.
type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	o.closed.Store(true)
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
