package capture

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go-voice/client/models"

	"github.com/google/uuid"
)

// Uploader 抽象化 Blob 上傳端點
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

// PointerWriter 是管線對文件庫唯一的依賴:覆寫自己的指標文件
type PointerWriter interface {
	PutChunkPointer(ctx context.Context, pointer models.AudioChunkPointer) error
}

// Config 是收音管線的設定
type Config struct {
	Interval         time.Duration // 分段週期，到點就 flush 並重啟
	MinSegment       time.Duration // 低於此長度的段落不上傳（靜音不是錯誤）
	FailureHighWater int           // 連續上傳失敗的診斷水位
}

// Stats 代表管線目前的統計數據
type Stats struct {
	Active              bool  `json:"active"`
	SegmentsUploaded    int64 `json:"segmentsUploaded"`
	SegmentsDiscarded   int64 `json:"segmentsDiscarded"` // 過短而丟棄
	SegmentsDropped     int64 `json:"segmentsDropped"`   // 重試用盡而丟棄
	ConsecutiveFailures int64 `json:"consecutiveFailures"`
}

// Pipeline 實作「錄音 → 停止 → 上傳 → 重錄」的循環狀態機
//
//	Idle → Recording → (計時器觸發) → Flushing → Recording → … → Idle
//
// 狀態轉移只能由 Mute Controller 或管線自己的迴圈觸發。
// 上傳相對於錄音迴圈是 fire-and-forget:段落 N 還在上傳時，段落 N+1 已經在錄。
type Pipeline struct {
	recorder Recorder
	uploader Uploader
	store    PointerWriter
	cfg      Config

	roomID   string
	userID   string
	userName string

	mu         sync.Mutex
	active     bool
	generation uint64 // 單調遞增的持有權 token，讓停止後遲到的上傳失效
	cancel     context.CancelFunc
	done       chan struct{}

	segmentsUploaded    atomic.Int64
	segmentsDiscarded   atomic.Int64
	segmentsDropped     atomic.Int64
	consecutiveFailures atomic.Int64
}

// NewPipeline 建立收音管線，尚未開始錄音
func NewPipeline(recorder Recorder, uploader Uploader, store PointerWriter,
	roomID, userID, userName string, cfg Config) *Pipeline {

	if cfg.Interval <= 0 {
		cfg.Interval = 800 * time.Millisecond
	}
	if cfg.MinSegment <= 0 {
		cfg.MinSegment = 100 * time.Millisecond
	}
	if cfg.FailureHighWater <= 0 {
		cfg.FailureHighWater = 5
	}
	return &Pipeline{
		recorder: recorder,
		uploader: uploader,
		store:    store,
		cfg:      cfg,
		roomID:   roomID,
		userID:   userID,
		userName: userName,
	}
}

// Start 取得麥克風並啟動分段計時迴圈
// 已經在錄音時直接回傳 nil（冪等守門，容忍重疊觸發）。
// 麥克風權限被拒時回傳 ErrPermissionDenied，由呼叫端強制切回靜音。
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return nil
	}
	if err := p.recorder.Start(ctx); err != nil {
		return fmt.Errorf("failed to start recorder: %w", err)
	}

	p.generation++
	gen := p.generation
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.active = true

	go p.run(loopCtx, gen, p.done)
	return nil
}

// run 是分段計時迴圈，只會被 Start 啟動一次
func (p *Pipeline) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushAndRestart(ctx, gen)
		}
	}
}

// flushAndRestart 收掉目前的段落、立刻開錄下一段，再把剛收完的段落丟去上傳
// 段落 N+1 一定在段落 N 的 stop 完成後才開始（迴圈本身是循序的），
// 但段落 N 的上傳可能還在途中。
func (p *Pipeline) flushAndRestart(ctx context.Context, gen uint64) {
	segment, err := p.recorder.Stop(ctx)
	if err != nil {
		log.Printf("Error stopping recording segment: %v", err)
	}

	// 先開新段落把收音空窗壓到最小，上傳晚一點沒關係
	if startErr := p.recorder.Start(ctx); startErr != nil {
		log.Printf("Error restarting recorder: %v", startErr)
	}

	if err != nil || segment == nil {
		return
	}
	if segment.Duration < p.cfg.MinSegment {
		// 太短視為靜音，直接丟棄，不是錯誤
		p.segmentsDiscarded.Add(1)
		return
	}

	go p.uploadSegment(segment, gen)
}

// uploadSegment 非同步上傳一個段落並覆寫指標文件
// 與錄音迴圈脫鉤:停止管線時允許在途上傳於背景完成或失敗，
// 但 generation 不符時不得再寫指標，避免把狀態改回發話中。
func (p *Pipeline) uploadSegment(segment *Segment, gen uint64) {
	filename := fmt.Sprintf("%s-%s.m4a", p.userID, uuid.NewString())
	url, err := p.uploader.Upload(context.Background(), segment.Data, filename)
	if err != nil {
		p.segmentsDropped.Add(1)
		failures := p.consecutiveFailures.Add(1)
		log.Printf("Dropping audio segment for user %s: %v", p.userID, err)
		if failures == int64(p.cfg.FailureHighWater) {
			// 只是可診斷的狀況，不是致命錯誤
			log.Printf("Upload failure high-water mark reached for user %s (%d consecutive failures)",
				p.userID, failures)
		}
		return
	}
	p.consecutiveFailures.Store(0)

	if !p.isCurrentGeneration(gen) {
		return
	}

	pointer := models.AudioChunkPointer{
		RoomID:     p.roomID,
		UserID:     p.userID,
		UserName:   p.userName,
		AudioURL:   url,
		IsSpeaking: true,
	}
	if err := p.store.PutChunkPointer(context.Background(), pointer); err != nil {
		// 文件寫入失敗只記錄，不中斷錄音迴圈
		log.Printf("Error updating chunk pointer for user %s: %v", p.userID, err)
		return
	}
	p.segmentsUploaded.Add(1)
}

// Stop 同步取消計時器、丟棄未完成的段落並釋放麥克風
// 沒有在錄音時直接回傳 nil（冪等）。回傳前保證計時器不會再觸發。
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	done := p.done
	p.generation++ // 讓所有在途上傳的指標寫入失效
	p.active = false
	p.mu.Unlock()

	cancel()
	<-done // 同步等待迴圈退出，取消後計時器絕不會再觸發

	// 未完成的段落直接丟棄
	if _, err := p.recorder.Stop(ctx); err != nil {
		log.Printf("Error discarding in-flight segment: %v", err)
	}
	p.recorder.Release()

	// best-effort 把指標文件標記為未發話，失敗只記錄
	pointer := models.AudioChunkPointer{
		RoomID:   p.roomID,
		UserID:   p.userID,
		UserName: p.userName,
	}
	if err := p.store.PutChunkPointer(ctx, pointer); err != nil {
		log.Printf("Error marking pointer not-speaking for user %s: %v", p.userID, err)
	}
	return nil
}

// Active 回報是否有進行中的錄音段落
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pipeline) isCurrentGeneration(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && p.generation == gen
}

// GetStats 回傳目前的統計數據
func (p *Pipeline) GetStats() Stats {
	return Stats{
		Active:              p.Active(),
		SegmentsUploaded:    p.segmentsUploaded.Load(),
		SegmentsDiscarded:   p.segmentsDiscarded.Load(),
		SegmentsDropped:     p.segmentsDropped.Load(),
		ConsecutiveFailures: p.consecutiveFailures.Load(),
	}
}
