package httpserver

import (
	"log/slog"

	"nhooyr.io/websocket"
)

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, code websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(code, reason); err != nil && logger != nil {
		logger.Debug("websocket close failed", "code", code, "err", err)
	}
}
