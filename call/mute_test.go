package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-voice/client/capture"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePipeline 追蹤收音管線的啟停，重疊的 Start 直接報錯
type fakePipeline struct {
	mu       sync.Mutex
	active   bool
	starts   int
	stops    int
	startErr error
}

func (p *fakePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	if p.active {
		return errors.New("pipeline already active")
	}
	p.active = true
	p.starts++
	return nil
}

func (p *fakePipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		p.active = false
		p.stops++
	}
	return nil
}

func (p *fakePipeline) snapshot() (bool, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.starts, p.stops
}

// fakeMuteWriter 記錄寫回房間文件的靜音狀態
type fakeMuteWriter struct {
	mu     sync.Mutex
	states []bool
	err    error
}

func (w *fakeMuteWriter) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, muted)
	return w.err
}

func (w *fakeMuteWriter) lastState() (bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.states) == 0 {
		return false, false
	}
	return w.states[len(w.states)-1], true
}

func newTestController(pipeline *fakePipeline, writer *fakeMuteWriter) *MuteController {
	return NewMuteController(pipeline, writer, "room-1", "user-a", time.Millisecond)
}

func TestControllerStartsMuted(t *testing.T) {
	controller := newTestController(&fakePipeline{}, &fakeMuteWriter{})
	assert.True(t, controller.Muted(), "初始狀態必須是靜音")
}

func TestControllerToggleTwiceLeavesOneActiveSegment(t *testing.T) {
	pipeline := &fakePipeline{}
	writer := &fakeMuteWriter{}
	controller := newTestController(pipeline, writer)

	// 快速連按兩次:解除靜音再靜音，結束時不能留下進行中的段落
	require.NoError(t, controller.Toggle(context.Background()))
	require.NoError(t, controller.Toggle(context.Background()))

	active, starts, stops := pipeline.snapshot()
	assert.False(t, active, "兩次切換後管線必須是停止的")
	assert.Equal(t, 1, starts, "中間恰好有一個錄音段落")
	assert.Equal(t, 1, stops)
	assert.True(t, controller.Muted())

	muted, ok := writer.lastState()
	require.True(t, ok)
	assert.True(t, muted, "最終狀態應該寫回靜音")
}

func TestControllerUnmuteIsIdempotent(t *testing.T) {
	pipeline := &fakePipeline{}
	controller := newTestController(pipeline, &fakeMuteWriter{})

	require.NoError(t, controller.Unmute(context.Background()))
	require.NoError(t, controller.Unmute(context.Background()), "已在發話狀態時 Unmute 是 no-op")

	_, starts, _ := pipeline.snapshot()
	assert.Equal(t, 1, starts, "管線只應該被啟動一次")
	assert.False(t, controller.Muted())
}

func TestControllerMuteIsIdempotent(t *testing.T) {
	pipeline := &fakePipeline{}
	controller := newTestController(pipeline, &fakeMuteWriter{})

	assert.NoError(t, controller.Mute(context.Background()), "已靜音時 Mute 是 no-op")
	_, _, stops := pipeline.snapshot()
	assert.Equal(t, 0, stops)
}

func TestControllerStaysMutedOnPermissionDenied(t *testing.T) {
	pipeline := &fakePipeline{startErr: capture.ErrPermissionDenied}
	writer := &fakeMuteWriter{}
	controller := newTestController(pipeline, writer)

	err := controller.Unmute(context.Background())
	assert.ErrorIs(t, err, capture.ErrPermissionDenied, "權限錯誤必須向上傳遞一次")
	assert.True(t, controller.Muted(), "啟動失敗後必須強制維持靜音")

	_, ok := writer.lastState()
	assert.False(t, ok, "啟動失敗時不應該把發話狀態寫回房間文件")
}

func TestControllerUnmuteHonorsContextDuringSettle(t *testing.T) {
	pipeline := &fakePipeline{}
	controller := NewMuteController(pipeline, &fakeMuteWriter{}, "room-1", "user-a", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := controller.Unmute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, controller.Muted())

	_, starts, _ := pipeline.snapshot()
	assert.Equal(t, 0, starts, "緩衝期間被取消就不應該啟動管線")
}
