package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-voice/client/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecorder 模擬麥克風裝置，並檢查獨占性:重疊的 Start 會報錯
type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	released  bool
	starts    int
	stops     int
	startErr  error
	segment   *Segment // Stop 時回傳的段落，nil 則回傳預設長度
}

func (r *fakeRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if r.recording {
		return errors.New("recorder already active")
	}
	r.recording = true
	r.starts++
	return nil
}

func (r *fakeRecorder) Stop(ctx context.Context) (*Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil, nil
	}
	r.recording = false
	r.stops++
	if r.segment != nil {
		return r.segment, nil
	}
	return &Segment{Data: []byte("audio"), Duration: 800 * time.Millisecond}, nil
}

func (r *fakeRecorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// fakeUploader 模擬 Blob 上傳端點
type fakeUploader struct {
	mu    sync.Mutex
	calls int
	url   string
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// fakePointerStore 記錄所有指標文件寫入
type fakePointerStore struct {
	mu       sync.Mutex
	pointers []models.AudioChunkPointer
}

func (s *fakePointerStore) PutChunkPointer(ctx context.Context, pointer models.AudioChunkPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers = append(s.pointers, pointer)
	return nil
}

func (s *fakePointerStore) last() (models.AudioChunkPointer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pointers) == 0 {
		return models.AudioChunkPointer{}, false
	}
	return s.pointers[len(s.pointers)-1], true
}

func (s *fakePointerStore) speakingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.pointers {
		if p.IsSpeaking {
			count++
		}
	}
	return count
}

func newTestPipeline(recorder *fakeRecorder, uploader *fakeUploader, pointers *fakePointerStore,
	interval time.Duration) *Pipeline {
	return NewPipeline(recorder, uploader, pointers, "room-1", "user-a", "Alice", Config{
		Interval:   interval,
		MinSegment: 100 * time.Millisecond,
	})
}

func TestPipelineStartIsIdempotent(t *testing.T) {
	recorder := &fakeRecorder{}
	pipeline := newTestPipeline(recorder, &fakeUploader{url: "u1"}, &fakePointerStore{}, time.Hour)
	defer pipeline.Stop(context.Background())

	// 重疊觸發（例如通話生效與手動切換同時發生）只能啟動一次
	require.NoError(t, pipeline.Start(context.Background()), "第一次啟動不應該失敗")
	require.NoError(t, pipeline.Start(context.Background()), "重複啟動應該是 no-op")

	assert.Equal(t, 1, recorder.startCount(), "錄音器只應該被啟動一次")
	assert.True(t, pipeline.Active())
}

func TestPipelinePermissionDenied(t *testing.T) {
	recorder := &fakeRecorder{startErr: ErrPermissionDenied}
	pipeline := newTestPipeline(recorder, &fakeUploader{url: "u1"}, &fakePointerStore{}, time.Hour)

	err := pipeline.Start(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied, "權限被拒的錯誤必須向上傳遞")
	assert.False(t, pipeline.Active(), "啟動失敗後管線不應該處於運轉狀態")
}

func TestPipelineUploadsSegmentAndWritesPointer(t *testing.T) {
	recorder := &fakeRecorder{}
	uploader := &fakeUploader{url: "https://cdn.example.com/u1.m4a"}
	pointers := &fakePointerStore{}
	pipeline := newTestPipeline(recorder, uploader, pointers, 10*time.Millisecond)
	defer pipeline.Stop(context.Background())

	require.NoError(t, pipeline.Start(context.Background()))

	assert.Eventually(t, func() bool {
		pointer, ok := pointers.last()
		return ok && pointer.IsSpeaking && pointer.AudioURL == "https://cdn.example.com/u1.m4a"
	}, 2*time.Second, 5*time.Millisecond, "上傳成功後應該覆寫指標文件並標記為發話中")

	pointer, _ := pointers.last()
	assert.Equal(t, "room-1", pointer.RoomID)
	assert.Equal(t, "user-a", pointer.UserID)
	assert.Equal(t, "Alice", pointer.UserName)
}

func TestPipelineDiscardsShortSegment(t *testing.T) {
	// 50ms 的段落低於 100ms 門檻，視為靜音直接丟棄
	recorder := &fakeRecorder{segment: &Segment{Data: []byte("x"), Duration: 50 * time.Millisecond}}
	uploader := &fakeUploader{url: "u1"}
	pointers := &fakePointerStore{}
	pipeline := newTestPipeline(recorder, uploader, pointers, 10*time.Millisecond)
	defer pipeline.Stop(context.Background())

	require.NoError(t, pipeline.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return pipeline.GetStats().SegmentsDiscarded >= 3
	}, 2*time.Second, 5*time.Millisecond, "過短的段落應該被持續丟棄")

	assert.Equal(t, 0, uploader.callCount(), "過短的段落永遠不應該被上傳")
	assert.Equal(t, 0, pointers.speakingWrites(), "沒有上傳就不應該有發話中的指標寫入")
}

func TestPipelineDropsSegmentAfterRetriesExhausted(t *testing.T) {
	recorder := &fakeRecorder{}
	uploader := &fakeUploader{err: errors.New("upload failed after all attempts")}
	pointers := &fakePointerStore{}
	pipeline := newTestPipeline(recorder, uploader, pointers, 10*time.Millisecond)
	defer pipeline.Stop(context.Background())

	require.NoError(t, pipeline.Start(context.Background()))

	assert.Eventually(t, func() bool {
		stats := pipeline.GetStats()
		return stats.SegmentsDropped >= 2 && stats.ConsecutiveFailures >= 2
	}, 2*time.Second, 5*time.Millisecond, "上傳失敗的段落應該被丟棄並累計連續失敗數")

	// 上傳全數失敗時，指標文件不能被寫入新的 URL
	assert.Equal(t, 0, pointers.speakingWrites(), "失敗的上傳不應該更新指標文件")
}

func TestPipelineStopCancelsTimerSynchronously(t *testing.T) {
	recorder := &fakeRecorder{}
	pointers := &fakePointerStore{}
	pipeline := newTestPipeline(recorder, &fakeUploader{url: "u1"}, pointers, 20*time.Millisecond)

	require.NoError(t, pipeline.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pipeline.Stop(context.Background()))

	// Stop 回傳後計時器絕不能再觸發新的錄音段落
	startsAfterStop := recorder.startCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, startsAfterStop, recorder.startCount(), "停止後計時器不應該再觸發")
	assert.False(t, pipeline.Active())

	recorder.mu.Lock()
	released := recorder.released
	recording := recorder.recording
	recorder.mu.Unlock()
	assert.True(t, released, "停止後必須釋放麥克風")
	assert.False(t, recording, "停止後不應該有進行中的段落")

	// 停止時 best-effort 寫入未發話狀態
	pointer, ok := pointers.last()
	assert.True(t, ok, "停止時應該寫入指標文件")
	assert.False(t, pointer.IsSpeaking, "停止後指標文件應該標記為未發話")
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	recorder := &fakeRecorder{}
	pipeline := newTestPipeline(recorder, &fakeUploader{url: "u1"}, &fakePointerStore{}, time.Hour)

	require.NoError(t, pipeline.Start(context.Background()))
	assert.NoError(t, pipeline.Stop(context.Background()))
	assert.NoError(t, pipeline.Stop(context.Background()), "重複停止應該是 no-op")
}
