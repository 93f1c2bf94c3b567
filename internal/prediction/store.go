// Package prediction holds speculative local edits between the moment a user
// types and the moment the server echoes the authoritative result. Each
// client session owns exactly one Store; there is no process-wide state.
package prediction

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultHistoryLimit = 50
)

type PredictedUpdate struct {
	CellID        string
	Value         string
	RollbackValue string
	ClientID      string
	Timestamp     time.Time
	Confirmed     bool
}

// Rollback is a prediction that was undone, kept around briefly so the UI can
// explain what happened.
type Rollback struct {
	PredictedUpdate
	Reason       string // "mismatch" or "timeout"
	RolledBackAt time.Time
}

type Stats struct {
	ActivePredictions     int
	TotalRollbacks        int
	AveragePredictionTime time.Duration
}

type entry struct {
	upd   PredictedUpdate
	timer clockwork.Timer
	gen   uint64
}

type Store struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	timeout      time.Duration
	historyLimit int

	preds   map[string]*entry
	history []Rollback
	gen     uint64

	totalRollbacks int
	confirmed      int
	confirmedTime  time.Duration

	onRollback func(Rollback)
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// OnRollback registers a notification hook, invoked outside the store lock.
func OnRollback(fn func(Rollback)) Option {
	return func(s *Store) { s.onRollback = fn }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:        clockwork.NewRealClock(),
		timeout:      DefaultTimeout,
		historyLimit: DefaultHistoryLimit,
		preds:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PredictUpdate records a pending edit and arms its timeout timer. A newer
// prediction for the same cell supersedes the old one, but the rollback
// target stays whatever the first prediction saw: that is the last value the
// server ever confirmed for this cell.
func (s *Store) PredictUpdate(cellID, value, clientID, currentValue string) PredictedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	rollbackTo := currentValue
	if prev, ok := s.preds[cellID]; ok {
		prev.timer.Stop()
		rollbackTo = prev.upd.RollbackValue
	}

	s.gen++
	e := &entry{
		upd: PredictedUpdate{
			CellID:        cellID,
			Value:         value,
			RollbackValue: rollbackTo,
			ClientID:      clientID,
			Timestamp:     s.clock.Now(),
		},
		gen: s.gen,
	}
	gen := e.gen
	e.timer = s.clock.AfterFunc(s.timeout, func() {
		s.expire(cellID, gen)
	})
	s.preds[cellID] = e
	return e.upd
}

// ConfirmPrediction resolves a prediction against the server's echoed value.
// Returns true iff the prediction matched and was discarded. A mismatch rolls
// back. Arriving after the timeout already fired is a no-op returning false.
func (s *Store) ConfirmPrediction(cellID, serverValue string, serverTimestamp time.Time) bool {
	s.mu.Lock()
	e, ok := s.preds[cellID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if e.upd.Value == serverValue {
		e.timer.Stop()
		delete(s.preds, cellID)
		s.confirmed++
		s.confirmedTime += s.clock.Now().Sub(e.upd.Timestamp)
		s.mu.Unlock()
		return true
	}
	rb := s.rollbackLocked(e, "mismatch")
	s.mu.Unlock()
	s.notify(rb)
	return false
}

// RollbackPrediction removes the active prediction for a cell, if any, and
// records it in the bounded rollback history.
func (s *Store) RollbackPrediction(cellID string) *PredictedUpdate {
	s.mu.Lock()
	e, ok := s.preds[cellID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	rb := s.rollbackLocked(e, "mismatch")
	s.mu.Unlock()
	s.notify(rb)
	upd := rb.PredictedUpdate
	return &upd
}

func (s *Store) expire(cellID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.preds[cellID]
	if !ok || e.gen != gen {
		// Confirmed or superseded in the meantime; stale fire.
		s.mu.Unlock()
		return
	}
	rb := s.rollbackLocked(e, "timeout")
	s.mu.Unlock()
	s.notify(rb)
}

func (s *Store) rollbackLocked(e *entry, reason string) Rollback {
	e.timer.Stop()
	delete(s.preds, e.upd.CellID)
	rb := Rollback{
		PredictedUpdate: e.upd,
		Reason:          reason,
		RolledBackAt:    s.clock.Now(),
	}
	s.history = append(s.history, rb)
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.totalRollbacks++
	return rb
}

func (s *Store) notify(rb Rollback) {
	if s.onRollback != nil {
		s.onRollback(rb)
	}
}

// ClearOldRollbacks purges rollback history entries older than maxAge.
func (s *Store) ClearOldRollbacks(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-maxAge)
	kept := s.history[:0]
	for _, rb := range s.history {
		if rb.RolledBackAt.After(cutoff) {
			kept = append(kept, rb)
		}
	}
	s.history = kept
}

// RollbackHistory returns a copy of the retained rollbacks, oldest first.
func (s *Store) RollbackHistory() []Rollback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rollback(nil), s.history...)
}

func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		ActivePredictions: len(s.preds),
		TotalRollbacks:    s.totalRollbacks,
	}
	if s.confirmed > 0 {
		st.AveragePredictionTime = s.confirmedTime / time.Duration(s.confirmed)
	}
	return st
}
