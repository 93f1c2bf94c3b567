package transport

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"

	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
	"github.com/DoyleJ11/crossword-sync-backend/internal/types"
)

// WebsocketDialer connects a Channel to a room server over websocket.
type WebsocketDialer struct {
	URL string // e.g. ws://host:8080/ws?code=ABC123
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, <-chan room.Event, error) {
	c, _, err := websocket.Dial(ctx, d.URL, nil)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan room.Event, 32)
	go func() {
		defer close(events)
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var ev room.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &wsConn{c: c}, events, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, msg types.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, payload)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}
