package prediction

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestConfirmMatchingValue_DiscardsPrediction_NoRollback(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := NewStore(WithClock(fc))

	s.PredictUpdate("A1", "C", "c1", "")
	ok := s.ConfirmPrediction("A1", "C", fc.Now())

	require.True(t, ok)
	st := s.GetStats()
	require.Equal(t, 0, st.ActivePredictions)
	require.Equal(t, 0, st.TotalRollbacks)
	require.Empty(t, s.RollbackHistory())
}

func TestConfirmMismatch_RollsBackExactlyOnce(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var notified []Rollback
	s := NewStore(WithClock(fc), OnRollback(func(rb Rollback) {
		notified = append(notified, rb)
	}))

	s.PredictUpdate("A1", "C", "c1", "")
	ok := s.ConfirmPrediction("A1", "X", fc.Now()) // another user won

	require.False(t, ok)
	require.Equal(t, 0, s.GetStats().ActivePredictions)
	require.Equal(t, 1, s.GetStats().TotalRollbacks)
	require.Len(t, notified, 1)
	require.Equal(t, "A1", notified[0].CellID)
	require.Equal(t, "C", notified[0].Value)
	require.Equal(t, "", notified[0].RollbackValue)
	require.Equal(t, "mismatch", notified[0].Reason)
}

func TestTimeout_AutoRollbackExactlyOnce(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var mu sync.Mutex
	count := 0
	s := NewStore(WithClock(fc), OnRollback(func(Rollback) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	s.PredictUpdate("A1", "C", "c1", "")
	fc.Advance(DefaultTimeout)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	// Late confirmation is a no-op returning false.
	require.False(t, s.ConfirmPrediction("A1", "C", fc.Now()))

	// And nothing fires twice.
	fc.Advance(DefaultTimeout)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestSupersede_KeepsOriginalRollbackTarget(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := NewStore(WithClock(fc))

	// First prediction establishes the rollback target: the last value the
	// server confirmed for this cell.
	s.PredictUpdate("A1", "C", "c1", "")
	upd := s.PredictUpdate("A1", "R", "c1", "C") // current on screen is the speculative C

	require.Equal(t, "R", upd.Value)
	require.Equal(t, "", upd.RollbackValue)
	require.Equal(t, 1, s.GetStats().ActivePredictions)

	got := s.RollbackPrediction("A1")
	require.NotNil(t, got)
	require.Equal(t, "", got.RollbackValue)
	require.Equal(t, 1, s.GetStats().TotalRollbacks) // one rollback total, not two
}

func TestSupersede_StaleTimerDoesNotFire(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var mu sync.Mutex
	count := 0
	s := NewStore(WithClock(fc), OnRollback(func(Rollback) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	s.PredictUpdate("A1", "C", "c1", "")
	fc.Advance(3 * time.Second)
	s.PredictUpdate("A1", "R", "c1", "C") // re-arms the timeout

	fc.Advance(3 * time.Second) // past the first timer's deadline only
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	got := count
	mu.Unlock()
	require.Equal(t, 0, got)

	require.True(t, s.ConfirmPrediction("A1", "R", fc.Now()))
}

func TestRollbackPrediction_NoActivePrediction(t *testing.T) {
	s := NewStore(WithClock(clockwork.NewFakeClock()))
	require.Nil(t, s.RollbackPrediction("A1"))
}

func TestRollbackHistory_BoundedAtLimit(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := NewStore(WithClock(fc))

	for i := 0; i < DefaultHistoryLimit+20; i++ {
		cell := fmt.Sprintf("A%d", i)
		s.PredictUpdate(cell, "C", "c1", "")
		s.RollbackPrediction(cell)
	}

	hist := s.RollbackHistory()
	require.Len(t, hist, DefaultHistoryLimit)
	// Oldest evicted first: the survivors are the most recent rollbacks.
	require.Equal(t, "A20", hist[0].CellID)
	require.Equal(t, DefaultHistoryLimit+20, s.GetStats().TotalRollbacks)
}

func TestClearOldRollbacks(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := NewStore(WithClock(fc))

	s.PredictUpdate("A1", "C", "c1", "")
	s.RollbackPrediction("A1")
	fc.Advance(10 * time.Minute)
	s.PredictUpdate("A2", "R", "c1", "")
	s.RollbackPrediction("A2")

	s.ClearOldRollbacks(5 * time.Minute)

	hist := s.RollbackHistory()
	require.Len(t, hist, 1)
	require.Equal(t, "A2", hist[0].CellID)
}

func TestGetStats_AveragePredictionTime(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := NewStore(WithClock(fc))

	s.PredictUpdate("A1", "C", "c1", "")
	fc.Advance(50 * time.Millisecond)
	require.True(t, s.ConfirmPrediction("A1", "C", fc.Now()))

	s.PredictUpdate("A2", "R", "c1", "")
	fc.Advance(150 * time.Millisecond)
	require.True(t, s.ConfirmPrediction("A2", "R", fc.Now()))

	require.Equal(t, 100*time.Millisecond, s.GetStats().AveragePredictionTime)
}
