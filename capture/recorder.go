package capture

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied 表示麥克風存取被拒絕
// 這是啟動收音時的致命錯誤:呼叫端必須把狀態強制切回靜音，
// 並且只對使用者提示一次，不做自動重試。
var ErrPermissionDenied = errors.New("microphone permission denied")

// Segment 是收音迴圈產出的一段固定週期音訊
type Segment struct {
	Data     []byte        // 編碼後的音訊內容
	Duration time.Duration // 實際錄到的長度
}

// Recorder 抽象化麥克風裝置
// 麥克風是獨占資源:每個客戶端同一時間最多只有一個進行中的錄音段落。
// 實際的平台收音裝置由外部注入，測試使用假的實作。
type Recorder interface {
	// Start 開始錄一個新段落;裝置尚未取得時負責申請權限
	Start(ctx context.Context) error
	// Stop 結束目前段落並回傳錄到的內容;沒有進行中的段落時回傳 nil
	Stop(ctx context.Context) (*Segment, error)
	// Release 釋放麥克風裝置
	Release()
}

// NullRecorder 是不做事的 Recorder，平台收音裝置尚未接上時的佔位實作
type NullRecorder struct{}

func (NullRecorder) Start(ctx context.Context) error            { return nil }
func (NullRecorder) Stop(ctx context.Context) (*Segment, error) { return nil, nil }
func (NullRecorder) Release()                                   {}
