package room

import "time"

type Role string

const (
	RoleHost      Role = "HOST"
	RolePlayer    Role = "PLAYER"
	RoleSpectator Role = "SPECTATOR"
	RoleModerator Role = "MODERATOR"
)

type SessionStatus string

const (
	StatusWaiting   SessionStatus = "WAITING"
	StatusActive    SessionStatus = "ACTIVE"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusExpired   SessionStatus = "EXPIRED"
)

// CellEdit is one write attempt against a grid cell. Immutable once emitted.
type CellEdit struct {
	CellID    string    `json:"cell_id"`
	Value     string    `json:"value"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
}

type Participant struct {
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	Role       Role      `json:"role"`
	IsOnline   bool      `json:"is_online"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type ChatMessage struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

type CursorPosition struct {
	CellID    string    `json:"cell_id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Export is a deep copy of a room's authoritative state, safe to serialize
// outside the room goroutine. Produced for snapshots and recovery.
type Export struct {
	RoomID       string            `json:"room_id"`
	Status       SessionStatus     `json:"status"`
	HostID       string            `json:"host_id"`
	StartedAt    time.Time         `json:"started_at"`
	LastActivity time.Time         `json:"last_activity"`
	Version      int               `json:"version"`
	TotalCells   int               `json:"total_cells"`
	GridState    map[string]string `json:"grid_state"`
	Participants []Participant     `json:"participants"`
	ChatHistory  []ChatMessage     `json:"chat_history"`
}
