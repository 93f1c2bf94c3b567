package types

import "github.com/DoyleJ11/crossword-sync-backend/internal/room"

const (
	MsgJoinRoom    = "join_room"
	MsgCellUpdate  = "cell_update"
	MsgCursorMove  = "cursor_move"
	MsgChatMessage = "chat_message"
	MsgLeaveRoom   = "leave_room"
)

// ClientMessage is the client->server wire shape. Cell updates arrive in
// micro-batches; everything else is a single payload.
type ClientMessage struct {
	Type     string               `json:"type"`
	RoomCode string               `json:"room_code,omitempty"`
	UserID   string               `json:"user_id,omitempty"`
	UserName string               `json:"user_name,omitempty"`
	Role     string               `json:"role,omitempty"`
	ClientID string               `json:"client_id,omitempty"`
	Content  string               `json:"content,omitempty"`
	Edits    []room.CellEdit      `json:"edits,omitempty"`
	Cursor   *room.CursorPosition `json:"cursor,omitempty"`
}
