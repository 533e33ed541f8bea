package store

import (
	"context"
	"errors"

	"go-voice/client/models"
)

// ErrNotFound 表示指定的文件不存在
var ErrNotFound = errors.New("document not found")

// EventType 表示文件變更事件的種類
type EventType string

const (
	EventPut    EventType = "put"    // 文件被建立或覆寫
	EventDelete EventType = "delete" // 文件被刪除
)

// RoomEvent 代表房間文件的一次變更
// Type 為 EventDelete 時 Room 為 nil:房間被刪除是權威的「通話結束」訊號。
type RoomEvent struct {
	Type EventType
	Room *models.Room
}

// ChunkEvent 代表某位發話者指標文件的一次變更
type ChunkEvent struct {
	Type    EventType
	UserID  string
	Pointer models.AudioChunkPointer
}

// DocumentStore 抽象化文件資料庫:單一文件的讀寫與變更訂閱。
// Relay 端的邏輯只依賴這個介面，因此可以用假的 store 做測試，
// 也可以在 MongoDB 與 Redis 後端之間切換。
type DocumentStore interface {
	// GetRoom 讀取房間文件，不存在時回傳 ErrNotFound
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	// PutRoom 建立或覆寫房間文件
	PutRoom(ctx context.Context, room *models.Room) error
	// DeleteRoom 刪除房間文件
	DeleteRoom(ctx context.Context, roomID string) error

	// PutChunkPointer 覆寫發話者的指標文件，Timestamp 由 store 端指定
	PutChunkPointer(ctx context.Context, pointer models.AudioChunkPointer) error
	// DeleteChunkPointer 刪除單一發話者的指標文件
	DeleteChunkPointer(ctx context.Context, roomID, userID string) error
	// DeleteRoomChunks 刪除房間下所有指標文件
	DeleteRoomChunks(ctx context.Context, roomID string) error

	// SubscribeRoom 訂閱房間文件的變更，ctx 取消時通道會被關閉
	SubscribeRoom(ctx context.Context, roomID string) (<-chan RoomEvent, error)
	// SubscribeChunks 訂閱房間下所有指標文件的變更
	SubscribeChunks(ctx context.Context, roomID string) (<-chan ChunkEvent, error)

	// Close 釋放底層連線
	Close(ctx context.Context) error
}
