package relay

import (
	"context"
)

// Playback 代表一段正在播放的音訊
type Playback interface {
	// Done 在播放完成或失敗時關閉
	Done() <-chan struct{}
	// Release 釋放播放資源;重複呼叫必須安全
	Release()
}

// Player 抽象化音訊播放裝置
// 實際的平台播放裝置由外部注入，測試使用假的實作。
type Player interface {
	// Play 開始播放指定 URL 的音訊段落
	Play(ctx context.Context, url string) (Playback, error)
	// SetSpeakerphone 切換擴音/聽筒輸出，僅影響本機
	SetSpeakerphone(on bool)
}

// NullPlayer 是不做事的 Player，平台播放裝置尚未接上時的佔位實作
type NullPlayer struct{}

type nullPlayback struct{ done chan struct{} }

func (p nullPlayback) Done() <-chan struct{} { return p.done }
func (p nullPlayback) Release()              {}

func (NullPlayer) Play(ctx context.Context, url string) (Playback, error) {
	pb := nullPlayback{done: make(chan struct{})}
	close(pb.done)
	return pb, nil
}

func (NullPlayer) SetSpeakerphone(on bool) {}
