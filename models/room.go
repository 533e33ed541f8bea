package models

import (
	"fmt"
	"time"
)

// Participant 代表語音房間內的一位參與者
type Participant struct {
	UserID       string    `bson:"userId" json:"userId"`             // 使用者唯一 ID
	UserName     string    `bson:"userName" json:"userName"`         // 顯示名稱
	ProfileImage string    `bson:"profileImage" json:"profileImage"` // 頭像圖片 URL
	JoinedAt     time.Time `bson:"joinedAt" json:"joinedAt"`         // 加入時間
	IsMuted      bool      `bson:"isMuted" json:"isMuted"`           // 靜音狀態
	IsSpeaking   bool      `bson:"isSpeaking" json:"isSpeaking"`     // 是否正在說話（僅供 UI 顯示）
}

// Room 代表一個語音通話房間的文件
// 不變量:參與者列表為空的房間會被刪除，而不是留下空房間
type Room struct {
	ID           string        `bson:"_id" json:"roomId"`
	CreatorID    string        `bson:"creatorId" json:"creatorId"`
	Active       bool          `bson:"active" json:"active"`
	Participants []Participant `bson:"participants" json:"participants"`
	UpdatedAt    time.Time     `bson:"updatedAt" json:"updatedAt"`
}

// HasParticipant 檢查指定使用者是否已在房間內
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// NewRoomID 由社群 ID 與建立時間產生房間 ID
func NewRoomID(communityID string, createdAt time.Time) string {
	return fmt.Sprintf("%s-%d", communityID, createdAt.UnixMilli())
}

// ErrorResponse 結構體用於返回 JSON 格式的錯誤訊息
type ErrorResponse struct {
	Message string `json:"message"`
}
