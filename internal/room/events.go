package room

type EventType string

const (
	EvtRoomState     EventType = "room_state"
	EvtJoinResponse  EventType = "join_room_response"
	EvtCellUpdated   EventType = "cell_updated"
	EvtCellConflict  EventType = "cell_conflict"
	EvtCursorMoved   EventType = "cursor_moved"
	EvtChatReceived  EventType = "chat_message_received"
	EvtPlayerJoined  EventType = "player_joined"
	EvtPlayerLeft    EventType = "player_left"
	EvtHostChanged   EventType = "host_changed"
	EvtRoomAutosaved EventType = "room_autosaved"
	EvtSessionEnded  EventType = "session_ended"
	EvtError         EventType = "error"
)

// Conflict tells a superseded writer why their edit no longer holds.
type Conflict struct {
	CellID       string `json:"cell_id"`
	Message      string `json:"message"`
	WinnerUserID string `json:"winner_user_id"`
}

// Event is the server->client message shape. Exactly one payload field is set
// depending on Type; the rest marshal away via omitempty.
type Event struct {
	Type        EventType       `json:"type"`
	RoomCode    string          `json:"room_code,omitempty"`
	Version     int             `json:"version,omitempty"`
	State       *Export         `json:"state,omitempty"`
	Edit        *CellEdit       `json:"edit,omitempty"`
	Conflict    *Conflict       `json:"conflict,omitempty"`
	Cursor      *CursorPosition `json:"cursor,omitempty"`
	Chat        *ChatMessage    `json:"chat,omitempty"`
	Participant *Participant    `json:"participant,omitempty"`
	HostID      string          `json:"host_id,omitempty"`
	Success     bool            `json:"success,omitempty"`
	Error       string          `json:"error,omitempty"`
}
