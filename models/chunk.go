package models

import (
	"time"
)

// AudioChunkPointer 代表單一發話者最新音訊段的指標文件
// 每個 (房間, 使用者) 最多只有一份，上傳新段落時整份覆寫，不是訊息佇列。
// 消費端以「文件變更」作為觸發，但仍需自行判斷是否為重複或過期的段落。
type AudioChunkPointer struct {
	RoomID     string    `bson:"roomId" json:"roomId"`
	UserID     string    `bson:"userId" json:"userId"`
	UserName   string    `bson:"userName" json:"userName"`
	AudioURL   string    `bson:"audioUrl" json:"audioUrl"` // 空字串代表尚無可播放段落
	IsSpeaking bool      `bson:"isSpeaking" json:"isSpeaking"`
	Timestamp  time.Time `bson:"timestamp" json:"timestamp"` // 由 store 端指定，非客戶端時鐘
}
