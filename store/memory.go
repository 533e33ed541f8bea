package store

import (
	"context"
	"sync"
	"time"

	"go-voice/client/models"
)

// MemoryStore 是 DocumentStore 的記憶體實作
// 提供與真實後端相同的訂閱語意，主要給測試與離線執行使用。
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]models.Room
	chunks   map[string]map[string]models.AudioChunkPointer // roomID -> userID -> pointer
	roomSubs map[string][]chan RoomEvent
	chunkSub map[string][]chan ChunkEvent
	now      func() time.Time
}

// NewMemoryStore 建立一個空的記憶體 store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]models.Room),
		chunks:   make(map[string]map[string]models.AudioChunkPointer),
		roomSubs: make(map[string][]chan RoomEvent),
		chunkSub: make(map[string][]chan ChunkEvent),
		now:      time.Now,
	}
}

// SetClock 替換時間來源，僅供測試控制 Timestamp
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	// 回傳副本，避免呼叫端改到內部狀態
	copied := room
	copied.Participants = append([]models.Participant(nil), room.Participants...)
	return &copied, nil
}

func (m *MemoryStore) PutRoom(ctx context.Context, room *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *room
	stored.Participants = append([]models.Participant(nil), room.Participants...)
	stored.UpdatedAt = m.now()
	m.rooms[room.ID] = stored
	notify := stored
	m.notifyRoom(room.ID, RoomEvent{Type: EventPut, Room: &notify})
	return nil
}

func (m *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	m.notifyRoom(roomID, RoomEvent{Type: EventDelete})
	return nil
}

func (m *MemoryStore) PutChunkPointer(ctx context.Context, pointer models.AudioChunkPointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pointer.Timestamp = m.now()
	if m.chunks[pointer.RoomID] == nil {
		m.chunks[pointer.RoomID] = make(map[string]models.AudioChunkPointer)
	}
	m.chunks[pointer.RoomID][pointer.UserID] = pointer
	m.notifyChunk(pointer.RoomID, ChunkEvent{Type: EventPut, UserID: pointer.UserID, Pointer: pointer})
	return nil
}

func (m *MemoryStore) DeleteChunkPointer(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byUser, ok := m.chunks[roomID]; ok {
		delete(byUser, userID)
	}
	m.notifyChunk(roomID, ChunkEvent{Type: EventDelete, UserID: userID})
	return nil
}

func (m *MemoryStore) DeleteRoomChunks(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID := range m.chunks[roomID] {
		m.notifyChunk(roomID, ChunkEvent{Type: EventDelete, UserID: userID})
	}
	delete(m.chunks, roomID)
	return nil
}

func (m *MemoryStore) SubscribeRoom(ctx context.Context, roomID string) (<-chan RoomEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan RoomEvent, 16)
	m.roomSubs[roomID] = append(m.roomSubs[roomID], ch)
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.roomSubs[roomID] = removeRoomSub(m.roomSubs[roomID], ch)
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryStore) SubscribeChunks(ctx context.Context, roomID string) (<-chan ChunkEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan ChunkEvent, 16)
	m.chunkSub[roomID] = append(m.chunkSub[roomID], ch)
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.chunkSub[roomID] = removeChunkSub(m.chunkSub[roomID], ch)
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// GetChunkPointer 讀取指標文件，僅供測試驗證寫入結果
func (m *MemoryStore) GetChunkPointer(roomID, userID string) (models.AudioChunkPointer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pointer, ok := m.chunks[roomID][userID]
	return pointer, ok
}

// notifyRoom 推送房間事件給所有訂閱者，呼叫時必須持有鎖
func (m *MemoryStore) notifyRoom(roomID string, ev RoomEvent) {
	for _, ch := range m.roomSubs[roomID] {
		select {
		case ch <- ev:
		default:
			// 訂閱者來不及消化就丟掉，避免寫入端被卡住
		}
	}
}

func (m *MemoryStore) notifyChunk(roomID string, ev ChunkEvent) {
	for _, ch := range m.chunkSub[roomID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func removeRoomSub(subs []chan RoomEvent, target chan RoomEvent) []chan RoomEvent {
	out := subs[:0]
	for _, ch := range subs {
		if ch != target {
			out = append(out, ch)
		}
	}
	return out
}

func removeChunkSub(subs []chan ChunkEvent, target chan ChunkEvent) []chan ChunkEvent {
	out := subs[:0]
	for _, ch := range subs {
		if ch != target {
			out = append(out, ch)
		}
	}
	return out
}
