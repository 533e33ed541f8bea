package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// pipelineControl 是 MuteController 對收音管線的依賴
type pipelineControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// muteWriter 把靜音狀態寫回房間文件
type muteWriter interface {
	SetMuted(ctx context.Context, roomID, userID string, muted bool) error
}

// MuteController 是 Muted/Unmuted 兩態的互斥狀態機
// 它是唯一允許呼叫管線 Start/Stop 的元件:通話開始、離開房間等
// 所有觸發都必須繞經這裡，讓底層即使並發執行，意圖上仍是單執行緒的。
type MuteController struct {
	pipeline pipelineControl
	presence muteWriter
	roomID   string
	userID   string
	settle   time.Duration // 解除靜音前的緩衝延遲

	mu    sync.Mutex
	muted bool
}

// NewMuteController 建立靜音控制器，初始狀態為靜音（管線未啟動）
func NewMuteController(pipeline pipelineControl, presence muteWriter,
	roomID, userID string, settle time.Duration) *MuteController {

	if settle <= 0 {
		settle = 100 * time.Millisecond
	}
	return &MuteController{
		pipeline: pipeline,
		presence: presence,
		roomID:   roomID,
		userID:   userID,
		settle:   settle,
		muted:    true,
	}
}

// Toggle 在 Muted 與 Unmuted 之間切換
// 整個轉移在鎖內完成，快速連按兩次也只會留下恰好一個錄音段落。
func (c *MuteController) Toggle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted {
		return c.unmuteLocked(ctx)
	}
	return c.muteLocked(ctx)
}

// Unmute 切換到發話狀態;已在發話時不做事
func (c *MuteController) Unmute(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.muted {
		return nil
	}
	return c.unmuteLocked(ctx)
}

// Mute 切換到靜音狀態;已靜音時不做事
func (c *MuteController) Mute(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted {
		return nil
	}
	return c.muteLocked(ctx)
}

// unmuteLocked 執行 Muted → Unmuted 的轉移，呼叫時必須持有鎖
func (c *MuteController) unmuteLocked(ctx context.Context) error {
	// 防禦性停止:清掉任何殘留狀態，Stop 本身是冪等的
	if err := c.pipeline.Stop(ctx); err != nil {
		log.Printf("Error on defensive pipeline stop: %v", err)
	}

	select {
	case <-time.After(c.settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.pipeline.Start(ctx); err != nil {
		// 啟動失敗（例如麥克風權限被拒）時強制維持靜音狀態，
		// 錯誤向上傳遞一次，由 UI 層提示使用者。
		c.muted = true
		return fmt.Errorf("failed to start capture pipeline: %w", err)
	}
	c.muted = false

	if err := c.presence.SetMuted(ctx, c.roomID, c.userID, false); err != nil {
		log.Printf("Error updating mute state in room document: %v", err)
	}
	return nil
}

// muteLocked 執行 Unmuted → Muted 的轉移，呼叫時必須持有鎖
func (c *MuteController) muteLocked(ctx context.Context) error {
	if err := c.pipeline.Stop(ctx); err != nil {
		log.Printf("Error stopping capture pipeline: %v", err)
	}
	c.muted = true

	if err := c.presence.SetMuted(ctx, c.roomID, c.userID, true); err != nil {
		log.Printf("Error updating mute state in room document: %v", err)
	}
	return nil
}

// Muted 回報目前是否為靜音狀態
func (c *MuteController) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}
