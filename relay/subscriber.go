package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"go-voice/client/store"
)

// ChunkFeed 是排程器對文件庫唯一的依賴:訂閱指標文件的變更
type ChunkFeed interface {
	SubscribeChunks(ctx context.Context, roomID string) (<-chan store.ChunkEvent, error)
}

// Scheduler 監看其他參與者的指標文件並安排播放
//
// 指標文件是覆寫式的，「文件變更」只是觸發訊號，每個事件還要通過三道過濾:
//  1. isSpeaking 為 false 或 audioUrl 為空 → 略過
//  2. 與該發話者上一次已播放的 URL 相同 → 重複事件，略過
//  3. 時間戳比 now - freshnessWindow 還舊 → 斷線回補的殘留資料，不可播放
//
// 播放槽是 per-speaker 的:A 的新段落不會打斷 B 還在播的段落;
// 同一發話者的新段落允許與自己上一段的尾音重疊，用小量重疊換取不出現空隙。
type Scheduler struct {
	feed      ChunkFeed
	player    Player
	selfID    string
	freshness time.Duration
	now       func() time.Time // 可替換的時間來源，測試用

	mu       sync.Mutex
	lastURL  map[string]string     // 每位發話者最後消費的 URL
	slots    map[string][]Playback // 每位發話者進行中的播放
	enqueued int64
	skipped  int64
}

// NewScheduler 建立播放排程器
func NewScheduler(feed ChunkFeed, player Player, selfID string, freshness time.Duration) *Scheduler {
	if freshness <= 0 {
		freshness = 4 * time.Second
	}
	return &Scheduler{
		feed:      feed,
		player:    player,
		selfID:    selfID,
		freshness: freshness,
		now:       time.Now,
		lastURL:   make(map[string]string),
		slots:     make(map[string][]Playback),
	}
}

// SetClock 替換時間來源，僅供測試控制新鮮度判斷
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run 訂閱房間的指標文件變更並持續處理，直到 ctx 取消或通道關閉
func (s *Scheduler) Run(ctx context.Context, roomID string) error {
	events, err := s.feed.SubscribeChunks(ctx, roomID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent 處理單一指標變更事件
func (s *Scheduler) HandleEvent(ctx context.Context, ev store.ChunkEvent) {
	if ev.Type != store.EventPut {
		return
	}
	pointer := ev.Pointer
	// 自己的指標不播
	if pointer.UserID == s.selfID {
		return
	}
	if !pointer.IsSpeaking || pointer.AudioURL == "" {
		return
	}

	s.mu.Lock()
	// 重複變更抑制:同一發話者相同 URL 只播一次
	if s.lastURL[pointer.UserID] == pointer.AudioURL {
		s.skipped++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// 新鮮度窗口:重連/回補帶來的舊段落不可播放
	if s.now().Sub(pointer.Timestamp) > s.freshness {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		return
	}

	playback, err := s.player.Play(ctx, pointer.AudioURL)
	if err != nil {
		log.Printf("Error playing segment from user %s: %v", pointer.UserID, err)
		return
	}

	s.mu.Lock()
	s.lastURL[pointer.UserID] = pointer.AudioURL
	s.slots[pointer.UserID] = append(s.slots[pointer.UserID], playback)
	s.enqueued++
	s.mu.Unlock()

	// 播放完成後自動釋放並從槽中移除，避免播放物件無限累積
	go func() {
		<-playback.Done()
		playback.Release()
		s.removeFromSlot(pointer.UserID, playback)
	}()
}

// removeFromSlot 把播放完成的物件從發話者的槽中剔除
func (s *Scheduler) removeFromSlot(userID string, target Playback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[userID]
	remaining := slot[:0]
	for _, p := range slot {
		if p != target {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		delete(s.slots, userID)
	} else {
		s.slots[userID] = remaining
	}
}

// ActiveSlots 回傳指定發話者目前進行中的播放數量
func (s *Scheduler) ActiveSlots(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots[userID])
}

// Teardown 釋放所有播放槽，錯誤一律吞掉
func (s *Scheduler) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, slot := range s.slots {
		for _, playback := range slot {
			playback.Release()
		}
		delete(s.slots, userID)
	}
}
