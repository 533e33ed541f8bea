package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go-voice/client/models"
	"go-voice/client/store"
	"go-voice/client/utils"
)

// ErrRoomNotFound 表示操作的目標房間不存在
var ErrRoomNotFound = errors.New("room not found")

// Manager 負責房間的加入/離開生命週期
// 參與者列表是多個客戶端同時讀-改-寫的共享狀態;移除一個已經不在的
// ID 是 no-op，所以併發離開採 last-writer-wins 就足夠安全。
type Manager struct {
	store store.DocumentStore
}

// NewManager 建立房間生命週期管理器
func NewManager(s store.DocumentStore) *Manager {
	return &Manager{store: s}
}

// Join 讓使用者加入房間
// 房間不存在時建立新房間，加入者即為建立者;已在房間內時直接回傳（冪等）。
func (m *Manager) Join(ctx context.Context, roomID string, user models.Participant) (*models.Room, error) {
	if user.JoinedAt.IsZero() {
		user.JoinedAt = time.Now().UTC()
	}

	room, err := m.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		room = &models.Room{
			ID:           roomID,
			CreatorID:    user.UserID,
			Active:       true,
			Participants: []models.Participant{user},
		}
		if err := m.store.PutRoom(ctx, room); err != nil {
			return nil, fmt.Errorf("failed to create room %s: %w", roomID, err)
		}
		return room, nil
	}
	if err != nil {
		return nil, err
	}

	// 同一使用者重複加入不產生重複項目
	if room.HasParticipant(user.UserID) {
		return room, nil
	}
	room.Participants = append(room.Participants, user)
	utils.SortParticipants(room.Participants)
	if err := m.store.PutRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to update room %s: %w", roomID, err)
	}
	return room, nil
}

// Leave 讓使用者離開房間
// 離開後房間沒人就整份刪除，不留空房間;同時 best-effort 清掉自己的指標文件。
func (m *Manager) Leave(ctx context.Context, roomID, userID string) error {
	// 自己的指標文件先清，播放端才不會再收到舊段落
	if err := m.store.DeleteChunkPointer(ctx, roomID, userID); err != nil {
		log.Printf("Error deleting chunk pointer for user %s in room %s: %v", userID, roomID, err)
	}

	room, err := m.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		// 房間已經不在了，視為離開完成
		return nil
	}
	if err != nil {
		return err
	}

	remaining := make([]models.Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		if p.UserID != userID {
			remaining = append(remaining, p)
		}
	}

	if len(remaining) == 0 {
		if err := m.store.DeleteRoomChunks(ctx, roomID); err != nil {
			log.Printf("Error deleting chunk pointers for empty room %s: %v", roomID, err)
		}
		return m.store.DeleteRoom(ctx, roomID)
	}

	room.Participants = remaining
	return m.store.PutRoom(ctx, room)
}

// SetMuted 更新參與者在房間文件中的靜音狀態
func (m *Manager) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	room, err := m.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}

	found := false
	for i := range room.Participants {
		if room.Participants[i].UserID == userID {
			room.Participants[i].IsMuted = muted
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("user %s is not a participant of room %s", userID, roomID)
	}
	return m.store.PutRoom(ctx, room)
}

// EndCall 結束整場通話:刪除所有指標文件與房間文件
// 等同於移除所有參與者;對其他參與者而言是不可逆的，確認動作由呼叫端負責。
func (m *Manager) EndCall(ctx context.Context, roomID string) error {
	if err := m.store.DeleteRoomChunks(ctx, roomID); err != nil {
		log.Printf("Error deleting chunk pointers for room %s: %v", roomID, err)
	}
	return m.store.DeleteRoom(ctx, roomID)
}
