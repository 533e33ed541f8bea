package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv" // 引入這個庫來讀取 .env 檔案
)

// Config 結構體用於儲存應用程式的配置
// 注意:800ms 分段週期與 4 秒新鮮度窗口是經驗值，沒有文件化的依據，
// 因此一律做成可調參數，不寫死在程式裡。
type Config struct {
	MongoDBURI   string
	DBName       string
	RedisAddr    string
	StoreBackend string // "mongo", "redis" 或 "memory"

	UploadEndpoint string // Blob 上傳端點
	UploadAPIKey   string
	UploadFolder   string // 上傳時附帶的資料夾標籤

	JWTSecret string
	Port      string // 本機控制/診斷介面的埠號

	ChunkInterval   time.Duration // 錄音分段週期
	MinSegment      time.Duration // 低於此長度的段落直接丟棄（視為靜音）
	FreshnessWindow time.Duration // 指標文件的最大可播放年齡
	SettleDelay     time.Duration // 解除靜音前的緩衝延遲

	UploadAttempts   int           // 每段最多上傳次數
	UploadTimeout    time.Duration // 單次上傳逾時
	UploadRetryDelay time.Duration // 兩次嘗試間的固定延遲
}

// LoadConfig 載入配置，優先從環境變數讀取，其次從 .env 檔案讀取
func LoadConfig() *Config {
	// 嘗試載入 .env 檔案，如果不存在也不會報錯
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, relying on environment variables.")
	}

	cfg := &Config{
		MongoDBURI:   getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		DBName:       getEnv("DB_NAME", "voice_app_db"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		StoreBackend: getEnv("STORE_BACKEND", "mongo"),

		UploadEndpoint: getEnv("UPLOAD_ENDPOINT", "http://localhost:9000/upload"),
		UploadAPIKey:   getEnv("UPLOAD_API_KEY", ""),
		UploadFolder:   getEnv("UPLOAD_FOLDER", "voice-chunks"),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
		Port:      getEnv("PORT", "8080"),

		ChunkInterval:   getEnvMillis("CHUNK_INTERVAL_MS", 800),
		MinSegment:      getEnvMillis("MIN_SEGMENT_MS", 100),
		FreshnessWindow: getEnvMillis("FRESHNESS_WINDOW_MS", 4000),
		SettleDelay:     getEnvMillis("SETTLE_DELAY_MS", 100),

		UploadAttempts:   getEnvInt("UPLOAD_ATTEMPTS", 2),
		UploadTimeout:    getEnvMillis("UPLOAD_TIMEOUT_MS", 6000),
		UploadRetryDelay: getEnvMillis("UPLOAD_RETRY_DELAY_MS", 400),
	}
	return cfg
}

// getEnv 輔助函數，用於從環境變數獲取值，如果不存在則使用預設值
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt 從環境變數獲取整數值，無效或不存在時使用預設值
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Invalid %s=%s, fallback to default (%d)", key, value, defaultValue)
			return defaultValue
		}
		return i
	}
	return defaultValue
}

// getEnvMillis 從環境變數獲取毫秒數並轉換為 time.Duration
func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}
