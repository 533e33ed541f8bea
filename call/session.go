package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go-voice/client/capture"
	"go-voice/client/models"
	"go-voice/client/presence"
	"go-voice/client/relay"
	"go-voice/client/store"
)

// ErrConfirmationRequired 表示 EndCall 未經確認
// 結束通話對其他參與者是不可逆的，必須先確認。
var ErrConfirmationRequired = errors.New("end call requires confirmation")

// ErrAlreadyInCall 表示嘗試在通話中加入另一個房間
var ErrAlreadyInCall = errors.New("already in another call")

// Notifier 把房間狀態變化推播給本機 UI
type Notifier interface {
	BroadcastRoomState(room *models.Room)
	BroadcastCallEnded(roomID string)
}

// Config 是通話會話的設定
type Config struct {
	ChunkInterval    time.Duration
	MinSegment       time.Duration
	FreshnessWindow  time.Duration
	SettleDelay      time.Duration
	FailureHighWater int
}

// Session 是 UI 層消費的通話門面
// JoinRoom / LeaveRoom / ToggleMute / ToggleSpeakerOutput / EndCall
// 全部可以重複呼叫:狀態已符合時就是 no-op。
type Session struct {
	docStore store.DocumentStore
	rooms    *presence.Manager
	recorder capture.Recorder
	player   relay.Player
	uploader capture.Uploader
	notifier Notifier // 可為 nil
	cfg      Config

	// opMu 把加入/離開/結束的整段轉移序列化:麥克風是獨占資源，
	// 重疊的 JoinRoom 絕不能各自蓋出一條管線。
	opMu sync.Mutex

	mu         sync.Mutex
	joined     bool
	epoch      uint64 // 每次成功加入遞增，讓前一場通話的殘留事件失效
	roomID     string
	user       models.Participant
	pipeline   *capture.Pipeline
	controller *MuteController
	scheduler  *relay.Scheduler
	cancelSubs context.CancelFunc
	speakerOn  bool
}

// Stats 是會話的診斷快照
type Stats struct {
	Joined    bool          `json:"joined"`
	RoomID    string        `json:"roomId,omitempty"`
	Muted     bool          `json:"muted"`
	SpeakerOn bool          `json:"speakerOn"`
	Pipeline  capture.Stats `json:"pipeline"`
}

// NewSession 建立通話會話
func NewSession(docStore store.DocumentStore, recorder capture.Recorder, player relay.Player,
	uploader capture.Uploader, notifier Notifier, cfg Config) *Session {

	return &Session{
		docStore: docStore,
		rooms:    presence.NewManager(docStore),
		recorder: recorder,
		player:   player,
		uploader: uploader,
		notifier: notifier,
		cfg:      cfg,
	}
}

// JoinRoom 加入語音房間並開始收發音訊
// 已在同一個房間時直接回傳（冪等）;麥克風權限被拒時仍完成加入，
// 但維持靜音並把錯誤回傳一次讓 UI 提示。
func (s *Session) JoinRoom(ctx context.Context, roomID string, user models.Participant) error {
	// 整段加入流程持有 opMu:重疊的 JoinRoom 會在這裡排隊，
	// 後到者看到 joined=true 走冪等路徑，不會蓋出第二條管線。
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.joined {
		already := s.roomID
		s.mu.Unlock()
		if already == roomID {
			return nil
		}
		return ErrAlreadyInCall
	}
	s.mu.Unlock()

	room, err := s.rooms.Join(ctx, roomID, user)
	if err != nil {
		return err
	}

	pipeline := capture.NewPipeline(s.recorder, s.uploader, s.docStore,
		roomID, user.UserID, user.UserName, capture.Config{
			Interval:         s.cfg.ChunkInterval,
			MinSegment:       s.cfg.MinSegment,
			FailureHighWater: s.cfg.FailureHighWater,
		})
	controller := NewMuteController(pipeline, s.rooms, roomID, user.UserID, s.cfg.SettleDelay)
	scheduler := relay.NewScheduler(s.docStore, s.player, user.UserID, s.cfg.FreshnessWindow)

	subCtx, cancelSubs := context.WithCancel(context.Background())
	roomEvents, err := s.docStore.SubscribeRoom(subCtx, roomID)
	if err != nil {
		cancelSubs()
		return err
	}

	s.mu.Lock()
	s.joined = true
	s.epoch++
	ep := s.epoch
	s.roomID = roomID
	s.user = user
	s.pipeline = pipeline
	s.controller = controller
	s.scheduler = scheduler
	s.cancelSubs = cancelSubs
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.BroadcastRoomState(room)
	}

	go s.watchRoom(roomID, ep, roomEvents)
	go func() {
		if err := scheduler.Run(subCtx, roomID); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Playback scheduler stopped for room %s: %v", roomID, err)
		}
	}()

	// 通話生效即透過靜音控制器啟動管線（唯一合法的啟動入口）
	if err := controller.Unmute(ctx); err != nil {
		return err
	}
	return nil
}

// watchRoom 監看房間文件;房間被刪除是權威的「通話結束」訊號
// ep 綁定這場通話:取消訂閱是非同步的，舊訂閱可能在換房之後才送達
// 最後一個刪除事件，epoch 不符時一律不得動到現任通話的資源。
func (s *Session) watchRoom(roomID string, ep uint64, events <-chan store.RoomEvent) {
	for ev := range events {
		if !s.ownsEpoch(ep) {
			return
		}
		switch ev.Type {
		case store.EventPut:
			if s.notifier != nil {
				s.notifier.BroadcastRoomState(ev.Room)
			}
		case store.EventDelete:
			log.Printf("Room %s deleted, ending call", roomID)
			if s.notifier != nil {
				s.notifier.BroadcastCallEnded(roomID)
			}
			s.teardown(context.Background(), ep, false)
			return
		}
	}
}

// ownsEpoch 回報 ep 是否仍是進行中的那場通話
func (s *Session) ownsEpoch(ep uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && s.epoch == ep
}

// LeaveRoom 離開目前的房間;沒有加入任何房間時不做事
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	ep := s.epoch
	s.mu.Unlock()
	s.teardownLocked(ctx, ep, true)
	return nil
}

// teardown 取得 opMu 後收拾資源，給訂閱回呼等非 UI 路徑使用
func (s *Session) teardown(ctx context.Context, ep uint64, removePresence bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.teardownLocked(ctx, ep, removePresence)
}

// teardownLocked 依固定順序收拾資源:計時器 → 錄音器 → 播放槽 → 自己的文件
// 過程中所有錯誤一律吞掉，絕不向使用者回報。呼叫時必須持有 opMu;
// epoch 不符代表這是上一場通話的殘留觸發，直接忽略。
func (s *Session) teardownLocked(ctx context.Context, ep uint64, removePresence bool) {
	s.mu.Lock()
	if !s.joined || s.epoch != ep {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	userID := s.user.UserID
	pipeline := s.pipeline
	scheduler := s.scheduler
	cancelSubs := s.cancelSubs
	s.joined = false
	s.roomID = ""
	s.pipeline = nil
	s.controller = nil
	s.scheduler = nil
	s.cancelSubs = nil
	s.mu.Unlock()

	// 先同步取消分段計時器並放掉麥克風
	if err := pipeline.Stop(ctx); err != nil {
		log.Printf("Error stopping pipeline on teardown: %v", err)
	}
	// 再放掉所有播放槽
	scheduler.Teardown()
	// 取消訂閱
	cancelSubs()
	// 最後 best-effort 移除自己的指標文件與參與者項目
	if removePresence {
		if err := s.rooms.Leave(ctx, roomID, userID); err != nil {
			log.Printf("Error leaving room %s: %v", roomID, err)
		}
	}
}

// ToggleMute 切換靜音狀態;不在通話中時不做事
func (s *Session) ToggleMute(ctx context.Context) error {
	s.mu.Lock()
	controller := s.controller
	s.mu.Unlock()
	if controller == nil {
		return nil
	}
	return controller.Toggle(ctx)
}

// ToggleSpeakerOutput 切換擴音/聽筒輸出，只影響本機播放
func (s *Session) ToggleSpeakerOutput() {
	s.mu.Lock()
	s.speakerOn = !s.speakerOn
	on := s.speakerOn
	s.mu.Unlock()
	s.player.SetSpeakerphone(on)
}

// EndCall 結束整場通話（管理動作）
// 對其他參與者不可逆，confirm 為 false 時拒絕執行。
func (s *Session) EndCall(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	joined := s.joined
	roomID := s.roomID
	ep := s.epoch
	s.mu.Unlock()
	if !joined {
		return nil
	}

	if err := s.rooms.EndCall(ctx, roomID); err != nil {
		return err
	}
	// 房間刪除事件也會觸發 teardown，這裡主動收一次，teardown 本身冪等
	s.teardownLocked(ctx, ep, false)
	return nil
}

// GetStats 回傳會話的診斷快照
func (s *Session) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Joined:    s.joined,
		RoomID:    s.roomID,
		Muted:     true,
		SpeakerOn: s.speakerOn,
	}
	if s.controller != nil {
		stats.Muted = s.controller.Muted()
	}
	if s.pipeline != nil {
		stats.Pipeline = s.pipeline.GetStats()
	}
	return stats
}
