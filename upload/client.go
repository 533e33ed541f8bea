package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUploadFailed 表示重試額度用盡後上傳仍然失敗
// 音訊段落是易腐資料:失敗的段落直接丟棄，永遠不會排隊重送。
var ErrUploadFailed = errors.New("upload failed after all attempts")

// Config 是 Blob 上傳客戶端的設定
type Config struct {
	Endpoint   string        // 上傳端點 URL
	APIKey     string        // 端點要求的 API key
	Folder     string        // 資料夾標籤
	Token      string        // Authorization bearer token
	Attempts   int           // 總嘗試次數（含第一次）
	Timeout    time.Duration // 單次嘗試的逾時
	RetryDelay time.Duration // 兩次嘗試間的固定延遲
}

// Client 負責把錄好的音訊段落以 multipart POST 上傳到 Blob 端點
type Client struct {
	config     Config
	httpClient *http.Client

	// 統計數據，由 /stats 診斷介面讀取
	mu              sync.Mutex
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
}

// uploadResponse 是 Blob 端點的回應格式
// success 為 false 時與傳輸錯誤同等看待，一樣走重試流程。
type uploadResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}

// Stats 代表上傳客戶端的統計數據
type Stats struct {
	TotalRequests   uint64 `json:"totalRequests"`
	SuccessRequests uint64 `json:"successRequests"`
	FailedRequests  uint64 `json:"failedRequests"`
	TotalRetries    uint64 `json:"totalRetries"`
}

// NewClient 建立新的上傳客戶端，未設定的欄位套用預設值
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.New("endpoint cannot be empty")
	}
	if config.Attempts <= 0 {
		config.Attempts = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 6 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 400 * time.Millisecond
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Upload 上傳一段音訊並回傳可公開存取的 URL
// 最多嘗試 Attempts 次，每次都有獨立逾時;全部失敗時回傳包著最後一次
// 錯誤的 ErrUploadFailed，由呼叫端決定丟棄段落。
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	c.countTotal()

	var lastErr error
	for attempt := 0; attempt < c.config.Attempts; attempt++ {
		if attempt > 0 {
			c.countRetry()
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				c.countFailed()
				return "", ctx.Err()
			}
		}

		url, err := c.doUpload(ctx, data, filename)
		if err == nil {
			c.countSuccess()
			return url, nil
		}
		lastErr = err
	}

	c.countFailed()
	return "", fmt.Errorf("%w: %v", ErrUploadFailed, lastErr)
}

// doUpload 執行單次 multipart POST
func (c *Client) doUpload(ctx context.Context, data []byte, filename string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body, contentType, err := c.buildMultipartBody(data, filename)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var uploadResp uploadResponse
	if err := json.Unmarshal(respBody, &uploadResp); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}
	// success:false 也視為可重試的失敗
	if !uploadResp.Success || uploadResp.URL == "" {
		return "", fmt.Errorf("endpoint rejected upload: %s", string(respBody))
	}
	return uploadResp.URL, nil
}

// buildMultipartBody 組出含音訊檔、API key 與資料夾標籤的 multipart 內容
func (c *Client) buildMultipartBody(data []byte, filename string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fileWriter.Write(data); err != nil {
		return nil, "", err
	}

	if err := writer.WriteField("key", c.config.APIKey); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("folder", c.config.Folder); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// GetStats 回傳目前的統計數據
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		TotalRetries:    c.totalRetries,
	}
}

func (c *Client) countTotal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) countSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) countFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) countRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}
