package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crossword-sync-backend/internal/hub"
	"github.com/DoyleJ11/crossword-sync-backend/internal/progress"
	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

func TestCreateRoom_ReturnsFetchableCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHub(ctx, nil)
	router := SetupRoutes(h, progress.NewTracker(nil), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/rooms", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Code, 6)

	reply := make(chan *room.Room, 1)
	h.Inbox() <- hub.GetRoom{Code: body.Code, Reply: reply}
	require.NotNil(t, <-reply)
}

func TestCreateRoom_TotalCellsSizesThePuzzle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHub(ctx, nil)
	router := SetupRoutes(h, progress.NewTracker(nil), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/rooms", strings.NewReader(`{"total_cells":16}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	reply := make(chan *room.Room, 1)
	h.Inbox() <- hub.GetRoom{Code: body.Code, Reply: reply}
	rm := <-reply
	require.NotNil(t, rm)

	view := make(chan room.View, 1)
	rm.Inbox() <- room.GetState{Reply: view}
	require.Equal(t, 16, (<-view).TotalCells)
}

func TestRoomSummary_EmptyRoom(t *testing.T) {
	ctx := context.Background()
	h := hub.NewHub(ctx, nil)
	tracker := progress.NewTracker(nil)
	router := SetupRoutes(h, tracker, zap.NewNop())

	tracker.HandleCellCompletion("u1", "CW1", "CW1", "A1", 4)

	req := httptest.NewRequest(http.MethodGet, "/rooms/CW1/summary", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var sum progress.RoomSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Equal(t, "CW1", sum.RoomID)
	require.Len(t, sum.Leaderboard, 1)
	require.Equal(t, 25, sum.Leaderboard[0].Progress.CompletionPercentage)
}

func TestGenerateCode_Charset(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, r := range code {
		require.True(t, (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), "bad rune %q", r)
	}
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
