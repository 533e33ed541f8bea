package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"go-voice/client/call"
	"go-voice/client/capture"
	"go-voice/client/models"
	"go-voice/client/upload"
)

// sendJSONError 統一發送 JSON 格式錯誤響應
func sendJSONError(w http.ResponseWriter, message string, statusCode int) {
	var errorResponse models.ErrorResponse
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse.Message = message
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		log.Printf("Failed to write error response: %v", err)
	}
}

// JoinRoomRequest 定義加入房間的請求體
// roomId 留空時以 communityId 起新房間，房間 ID 由伺服器端產生。
type JoinRoomRequest struct {
	RoomID       string `json:"roomId"`
	CommunityID  string `json:"communityId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	ProfileImage string `json:"profileImage"`
}

// EndCallRequest 定義結束通話的請求體
type EndCallRequest struct {
	Confirm bool `json:"confirm"` // 結束通話不可逆，必須明確確認
}

// CallHandler 把通話會話的操作暴露給本機 UI
type CallHandler struct {
	session  *call.Session
	uploader *upload.Client
}

// NewCallHandler 建立通話操作的 HTTP handler
func NewCallHandler(session *call.Session, uploader *upload.Client) *CallHandler {
	return &CallHandler{session: session, uploader: uploader}
}

// JoinRoom 處理加入語音房間的請求
func (h *CallHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("JSON decode error: %v", err)
		sendJSONError(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if req.RoomID == "" && req.CommunityID != "" {
		req.RoomID = models.NewRoomID(req.CommunityID, time.Now())
	}
	if req.RoomID == "" || req.UserID == "" {
		sendJSONError(w, "roomId (or communityId) and userId are required", http.StatusBadRequest)
		return
	}

	participant := models.Participant{
		UserID:       req.UserID,
		UserName:     req.UserName,
		ProfileImage: req.ProfileImage,
		IsMuted:      false,
	}
	err := h.session.JoinRoom(r.Context(), req.RoomID, participant)
	if errors.Is(err, capture.ErrPermissionDenied) {
		// 已完成加入但麥克風不可用:提示一次，狀態維持靜音
		sendJSONError(w, "Microphone permission denied, joined muted", http.StatusForbidden)
		return
	}
	if errors.Is(err, call.ErrAlreadyInCall) {
		sendJSONError(w, "Already in another call", http.StatusConflict)
		return
	}
	if err != nil {
		log.Printf("Error joining room %s: %v", req.RoomID, err)
		sendJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "roomId": req.RoomID})
}

// LeaveRoom 處理離開房間的請求，重複呼叫是安全的
func (h *CallHandler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.session.LeaveRoom(r.Context()); err != nil {
		log.Printf("Error leaving room: %v", err)
		sendJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// ToggleMute 處理切換靜音的請求
func (h *CallHandler) ToggleMute(w http.ResponseWriter, r *http.Request) {
	err := h.session.ToggleMute(r.Context())
	if errors.Is(err, capture.ErrPermissionDenied) {
		sendJSONError(w, "Microphone permission denied", http.StatusForbidden)
		return
	}
	if err != nil {
		log.Printf("Error toggling mute: %v", err)
		sendJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// ToggleSpeaker 處理切換擴音輸出的請求
func (h *CallHandler) ToggleSpeaker(w http.ResponseWriter, r *http.Request) {
	h.session.ToggleSpeakerOutput()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// EndCall 處理結束通話的請求
func (h *CallHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	var req EndCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("JSON decode error: %v", err)
		sendJSONError(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	err := h.session.EndCall(r.Context(), req.Confirm)
	if errors.Is(err, call.ErrConfirmationRequired) {
		sendJSONError(w, "End call requires confirmation", http.StatusPreconditionRequired)
		return
	}
	if err != nil {
		log.Printf("Error ending call: %v", err)
		sendJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// Stats 回傳通話與上傳的診斷統計
func (h *CallHandler) Stats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"session": h.session.GetStats(),
		"upload":  h.uploader.GetStats(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
