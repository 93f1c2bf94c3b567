// Package progress derives per-user and per-room completion metrics from the
// stream of confirmed cell edits. It is never the authority on grid content;
// it only counts what the room already confirmed.
package progress

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPaused     Status = "paused"
	StatusAbandoned  Status = "abandoned"
)

type Progress struct {
	CompletedCells       int `json:"completed_cells"`
	TotalCells           int `json:"total_cells"`
	CompletionPercentage int `json:"completion_percentage"`
}

type Timing struct {
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CompletedAt    time.Time     `json:"completed_at"`
	TimeSpent      time.Duration `json:"time_spent"`
}

type CompletionStatus struct {
	UserID            string   `json:"user_id"`
	PuzzleID          string   `json:"puzzle_id"`
	RoomID            string   `json:"room_id"`
	Status            Status   `json:"status"`
	Progress          Progress `json:"progress"`
	Timing            Timing   `json:"timing"`
	LastCellCompleted string   `json:"last_cell_completed"`
	Achievements      []string `json:"achievements"`
}

type EventType string

const (
	EvtStatusChange        EventType = "status_change"
	EvtProgressUpdate      EventType = "progress_update"
	EvtAchievementUnlocked EventType = "achievement_unlocked"
	EvtCompletion          EventType = "completion"
)

// Event is one entry in the tracker's typed event stream. Seq is monotonic,
// so a reconnecting client can ask what happened since it last listened.
type Event struct {
	Seq         int              `json:"seq"`
	Type        EventType        `json:"type"`
	Achievement string           `json:"achievement,omitempty"`
	Record      CompletionStatus `json:"record"`
	At          time.Time        `json:"at"`
}

// Update is a partial merge into a completion record. Nil fields are left
// alone. CompletionPercentage is deliberately absent: it is always
// recomputed, never trusted from a caller.
type Update struct {
	Status         *Status
	CompletedCells *int
	TotalCells     *int
	Achievements   []string
}

type RoomSummary struct {
	RoomID       string             `json:"room_id"`
	Leaderboard  []CompletionStatus `json:"leaderboard"`
	Achievements []string           `json:"achievements"`
}

const DefaultEventHistoryLimit = 1000

type key struct {
	userID   string
	puzzleID string
}

type Tracker struct {
	mu    sync.Mutex
	clock clockwork.Clock

	records map[key]*CompletionStatus

	listeners  map[int]func(Event)
	nextListen int

	history      []Event
	historyLimit int
	seq          int
}

func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:        clock,
		records:      make(map[key]*CompletionStatus),
		listeners:    make(map[int]func(Event)),
		historyLimit: DefaultEventHistoryLimit,
	}
}

// Subscribe registers a listener and returns its unsubscribe function. Tie
// the unsubscribe to the session lifetime or the listener leaks.
func (t *Tracker) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextListen
	t.nextListen++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) getLocked(userID, puzzleID, roomID string) *CompletionStatus {
	k := key{userID, puzzleID}
	rec, ok := t.records[k]
	if !ok {
		rec = &CompletionStatus{
			UserID:   userID,
			PuzzleID: puzzleID,
			RoomID:   roomID,
			Status:   StatusNotStarted,
		}
		t.records[k] = rec
	}
	return rec
}

// percentage is the single place completion percent is computed. Caller
// input never survives; inconsistent counts can't drift the displayed value.
func percentage(completed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := math.Round(math.Min(100, float64(completed)/float64(total)*100))
	return int(pct)
}

// UpdateStatus merges a partial update into the per-(user,puzzle) record.
func (t *Tracker) UpdateStatus(userID, puzzleID, roomID string, upd Update) CompletionStatus {
	t.mu.Lock()
	rec := t.getLocked(userID, puzzleID, roomID)
	now := t.clock.Now()

	statusChanged := false
	if upd.Status != nil && *upd.Status != rec.Status {
		rec.Status = *upd.Status
		statusChanged = true
	}
	if upd.CompletedCells != nil {
		rec.Progress.CompletedCells = *upd.CompletedCells
	}
	if upd.TotalCells != nil {
		rec.Progress.TotalCells = *upd.TotalCells
	}
	rec.Progress.CompletionPercentage = percentage(rec.Progress.CompletedCells, rec.Progress.TotalCells)
	rec.Timing.LastActivityAt = now
	if !rec.Timing.StartedAt.IsZero() {
		rec.Timing.TimeSpent = now.Sub(rec.Timing.StartedAt)
	}

	var unlocked []string
	for _, a := range upd.Achievements {
		if !contains(rec.Achievements, a) {
			rec.Achievements = append(rec.Achievements, a)
			unlocked = append(unlocked, a)
		}
	}

	out := cloneStatus(rec)
	var events []Event
	if statusChanged {
		events = append(events, t.emitLocked(EvtStatusChange, out, ""))
	}
	events = append(events, t.emitLocked(EvtProgressUpdate, out, ""))
	for _, a := range unlocked {
		events = append(events, t.emitLocked(EvtAchievementUnlocked, out, a))
	}
	listeners := t.listenersLocked()
	t.mu.Unlock()

	dispatch(listeners, events)
	return out
}

// HandleCellCompletion consumes one confirmed cell fill. This is the single
// authoritative completion-detection point: status flips to completed
// exactly when the count reaches the total.
func (t *Tracker) HandleCellCompletion(userID, puzzleID, roomID, cellID string, totalCells int) CompletionStatus {
	t.mu.Lock()
	rec := t.getLocked(userID, puzzleID, roomID)
	now := t.clock.Now()

	if rec.Timing.StartedAt.IsZero() {
		rec.Timing.StartedAt = now
	}
	if rec.Status == StatusNotStarted {
		rec.Status = StatusInProgress
	}
	if totalCells > 0 {
		rec.Progress.TotalCells = totalCells
	}
	rec.Progress.CompletedCells++
	rec.Progress.CompletionPercentage = percentage(rec.Progress.CompletedCells, rec.Progress.TotalCells)
	rec.LastCellCompleted = cellID
	rec.Timing.LastActivityAt = now
	rec.Timing.TimeSpent = now.Sub(rec.Timing.StartedAt)

	completedNow := rec.Status != StatusCompleted &&
		rec.Progress.TotalCells > 0 &&
		rec.Progress.CompletedCells >= rec.Progress.TotalCells
	if completedNow {
		rec.Status = StatusCompleted
		rec.Timing.CompletedAt = now
		if !contains(rec.Achievements, "puzzle_completed") {
			rec.Achievements = append(rec.Achievements, "puzzle_completed")
		}
	}

	out := cloneStatus(rec)
	var events []Event
	events = append(events, t.emitLocked(EvtProgressUpdate, out, ""))
	if completedNow {
		events = append(events,
			t.emitLocked(EvtStatusChange, out, ""),
			t.emitLocked(EvtAchievementUnlocked, out, "puzzle_completed"),
			t.emitLocked(EvtCompletion, out, ""))
	}
	listeners := t.listenersLocked()
	t.mu.Unlock()

	dispatch(listeners, events)
	return out
}

// CellFilled consumes one confirmed grid write, described by the value it
// replaced. Only empty-to-filled transitions advance the count; overwrites
// and clears change nothing. The bool reports whether the edit counted.
func (t *Tracker) CellFilled(userID, puzzleID, roomID, cellID, prev, value string, totalCells int) (CompletionStatus, bool) {
	if value == "" || prev != "" {
		st, _ := t.GetStatus(userID, puzzleID)
		return st, false
	}
	return t.HandleCellCompletion(userID, puzzleID, roomID, cellID, totalCells), true
}

func (t *Tracker) GetStatus(userID, puzzleID string) (CompletionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key{userID, puzzleID}]
	if !ok {
		return CompletionStatus{}, false
	}
	return cloneStatus(rec), true
}

// GetRoomSummary ranks everyone in a room: completion percentage descending,
// time spent ascending as the tiebreak. Thorough and fast both count.
func (t *Tracker) GetRoomSummary(roomID string) RoomSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := RoomSummary{RoomID: roomID}
	seen := make(map[string]bool)
	for _, rec := range t.records {
		if rec.RoomID != roomID {
			continue
		}
		sum.Leaderboard = append(sum.Leaderboard, cloneStatus(rec))
		for _, a := range rec.Achievements {
			if !seen[a] {
				seen[a] = true
				sum.Achievements = append(sum.Achievements, a)
			}
		}
	}

	sort.Slice(sum.Leaderboard, func(i, j int) bool {
		a, b := sum.Leaderboard[i], sum.Leaderboard[j]
		if a.Progress.CompletionPercentage != b.Progress.CompletionPercentage {
			return a.Progress.CompletionPercentage > b.Progress.CompletionPercentage
		}
		return a.Timing.TimeSpent < b.Timing.TimeSpent
	})
	sort.Strings(sum.Achievements)
	return sum
}

// EventsSince returns retained events with Seq greater than the given value,
// for "what happened while I was disconnected" queries.
func (t *Tracker) EventsSince(seq int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Event
	for _, ev := range t.history {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

func (t *Tracker) emitLocked(typ EventType, rec CompletionStatus, achievement string) Event {
	t.seq++
	ev := Event{
		Seq:         t.seq,
		Type:        typ,
		Achievement: achievement,
		Record:      rec,
		At:          t.clock.Now(),
	}
	t.history = append(t.history, ev)
	if over := len(t.history) - t.historyLimit; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
	return ev
}

func (t *Tracker) listenersLocked() []func(Event) {
	out := make([]func(Event), 0, len(t.listeners))
	for _, fn := range t.listeners {
		out = append(out, fn)
	}
	return out
}

func dispatch(listeners []func(Event), events []Event) {
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func cloneStatus(rec *CompletionStatus) CompletionStatus {
	out := *rec
	out.Achievements = append([]string(nil), rec.Achievements...)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
