package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crossword-sync-backend/internal/hub"
	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
	"github.com/DoyleJ11/crossword-sync-backend/internal/types"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 3 * time.Second
)

func Handler(h *hub.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.GetRoom{Code: code, Reply: reply}
		rm := <-reply
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan room.Event, 32)
		connID := uuid.NewString()
		log := logger.With(zap.String("room", code), zap.String("conn", connID))

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for ev := range out {
				payload, err := json.Marshal(ev)
				if err != nil {
					log.Error("marshal event", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		var clientID, userID string
		joined := false
		defer func() {
			if joined {
				rm.Inbox() <- room.Leave{ClientID: clientID, UserID: userID}
			}
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				// Unexpected drop; Leave in defer marks the participant
				// offline so they can rejoin by userID later.
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = conn.Write(r.Context(), websocket.MessageText,
					[]byte(`{"type":"error","error":"bad json"}`))
				continue
			}

			switch cm.Type {
			case types.MsgJoinRoom:
				if joined {
					continue
				}
				clientID = cm.ClientID
				if clientID == "" {
					clientID = connID
				}
				userID = cm.UserID
				// Response goes into the outbox before the room owns it, so
				// the client sees join_room_response ahead of room_state.
				out <- room.Event{Type: room.EvtJoinResponse, RoomCode: code, Success: true}
				rm.Inbox() <- room.Join{
					ClientID: clientID,
					UserID:   cm.UserID,
					UserName: cm.UserName,
					Role:     room.Role(cm.Role),
					Outbox:   out,
				}
				joined = true
				log.Info("client joined", zap.String("user", userID))

			case types.MsgCellUpdate:
				if !joined || len(cm.Edits) == 0 {
					continue
				}
				edits := cm.Edits
				for i := range edits {
					edits[i].ClientID = clientID
					edits[i].UserID = userID
				}
				rm.Inbox() <- room.SubmitEdits{Edits: edits}

			case types.MsgCursorMove:
				if !joined || cm.Cursor == nil {
					continue
				}
				rm.Inbox() <- room.MoveCursor{Pos: *cm.Cursor}

			case types.MsgChatMessage:
				if !joined {
					continue
				}
				rm.Inbox() <- room.Chat{Message: room.ChatMessage{
					UserID:   userID,
					UserName: cm.UserName,
					Content:  cm.Content,
				}}

			case types.MsgLeaveRoom:
				if joined {
					rm.Inbox() <- room.Leave{ClientID: clientID, UserID: userID}
					joined = false
				}
				// Deliberate exit closes the connection; the room has
				// already closed this client's outbox. A rejoin arrives on
				// a fresh socket.
				return

			default:
				_ = conn.Write(r.Context(), websocket.MessageText,
					[]byte(`{"type":"error","error":"unknown type"}`))
			}
		}
	}
}
