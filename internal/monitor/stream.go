package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/skobkin/tegrastats-web/internal/api"
)

const maxFrameSize = 1 << 20

// Event is one decoded frame from the live stream. Exactly one field is set.
type Event struct {
	Hello  *api.HelloMessage
	Update *api.UpdateMessage
	Error  string
}

// Stream connects to /ws and calls handle for every frame until ctx is done,
// the server closes the connection or handle returns an error.
func (c *Client) Stream(ctx context.Context, handle func(Event) error) error {
	conn, resp, err := websocket.Dial(ctx, c.StreamURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{c.userAgent}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return &StatusError{Code: resp.StatusCode, Message: "websocket capacity reached"}
		}
		return fmt.Errorf("dial %s: %w", c.StreamURL(), err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}

		event, err := decodeEvent(data)
		if err != nil {
			if errors.Is(err, errIgnoredFrame) {
				continue
			}
			return err
		}
		if err := handle(event); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

var errIgnoredFrame = errors.New("ignored frame")

func decodeEvent(data []byte) (Event, error) {
	envelope, err := api.DecodeClientMessage(data)
	if err != nil {
		return Event{}, err
	}

	switch envelope.Type {
	case api.TypeHello:
		var hello api.HelloMessage
		if err := api.Decode(data, &hello); err != nil {
			return Event{}, err
		}
		return Event{Hello: &hello}, nil
	case api.TypeUpdate:
		var update api.UpdateMessage
		if err := api.Decode(data, &update); err != nil {
			return Event{}, err
		}
		return Event{Update: &update}, nil
	case api.TypeError:
		var msg api.ErrorMessage
		if err := api.Decode(data, &msg); err != nil {
			return Event{}, err
		}
		return Event{Error: msg.Message}, nil
	default:
		return Event{}, errIgnoredFrame
	}
}
