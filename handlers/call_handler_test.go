package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-voice/client/call"
	"go-voice/client/capture"
	"go-voice/client/relay"
	"go-voice/client/store"
	"go-voice/client/upload"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*CallHandler, *call.Session) {
	t.Helper()
	uploader, err := upload.NewClient(upload.Config{Endpoint: "http://localhost:9/upload"})
	require.NoError(t, err)

	session := call.NewSession(store.NewMemoryStore(), capture.NullRecorder{}, relay.NullPlayer{},
		uploader, nil, call.Config{
			ChunkInterval: time.Hour,
			SettleDelay:   time.Millisecond,
		})
	return NewCallHandler(session, uploader), session
}

func postJSON(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestJoinRoomHandler(t *testing.T) {
	handler, session := newTestHandler(t)
	defer session.LeaveRoom(context.Background())

	rec := postJSON(handler.JoinRoom, `{"roomId":"room-1","userId":"user-a","userName":"Alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "room-1", resp["roomId"])
}

func TestJoinRoomHandlerDerivesRoomID(t *testing.T) {
	handler, session := newTestHandler(t)
	defer session.LeaveRoom(context.Background())

	// 只帶社群 ID:房間 ID 由伺服器端以 <communityId>-<毫秒時戳> 產生
	rec := postJSON(handler.JoinRoom, `{"communityId":"comm-1","userId":"user-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	roomID, _ := resp["roomId"].(string)
	assert.True(t, strings.HasPrefix(roomID, "comm-1-"), "產生的房間 ID 應該以社群 ID 開頭")
}

func TestJoinRoomHandlerValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := postJSON(handler.JoinRoom, `{"userId":"user-a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "缺少房間與社群 ID 必須被拒絕")

	rec = postJSON(handler.JoinRoom, `not-json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinRoomHandlerConflict(t *testing.T) {
	handler, session := newTestHandler(t)
	defer session.LeaveRoom(context.Background())

	rec := postJSON(handler.JoinRoom, `{"roomId":"room-1","userId":"user-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(handler.JoinRoom, `{"roomId":"room-2","userId":"user-a"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "通話中加入別的房間應該回 409")
}

func TestEndCallHandlerRequiresConfirmation(t *testing.T) {
	handler, session := newTestHandler(t)
	defer session.LeaveRoom(context.Background())

	rec := postJSON(handler.JoinRoom, `{"roomId":"room-1","userId":"user-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(handler.EndCall, `{"confirm":false}`)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	rec = postJSON(handler.EndCall, `{"confirm":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaveRoomHandler(t *testing.T) {
	handler, _ := newTestHandler(t)

	// 不在通話中離開也是成功（冪等）
	rec := postJSON(handler.LeaveRoom, ``)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsHandler(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler.Stats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "session")
	assert.Contains(t, resp, "upload")
}
