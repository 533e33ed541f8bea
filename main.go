package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-voice/client/call"
	"go-voice/client/capture"
	"go-voice/client/config"
	"go-voice/client/handlers"
	"go-voice/client/middleware"
	"go-voice/client/relay"
	"go-voice/client/store"
	"go-voice/client/upload"
	"go-voice/client/utils"
	"go-voice/client/websocket"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors" // 引入 CORS 庫
)

// newDocumentStore 依設定選擇文件庫後端
func newDocumentStore(ctx context.Context, cfg *config.Config) (store.DocumentStore, error) {
	switch cfg.StoreBackend {
	case "redis":
		return store.NewRedisStore(ctx, cfg.RedisAddr)
	case "memory":
		log.Println("Using in-memory document store (no persistence).")
		return store.NewMemoryStore(), nil
	default:
		return store.ConnectMongoDB(ctx, cfg.MongoDBURI, cfg.DBName)
	}
}

func main() {
	cfg := config.LoadConfig()

	ctx := context.Background()
	docStore, err := newDocumentStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize document store: %v", err)
	}
	defer docStore.Close(ctx)

	// 這個行程代表一位使用者;身分由 UI 層在 join 時帶入，
	// token 先用行程識別簽好給上傳端點使用。
	clientID := uuid.NewString()
	token, err := utils.GenerateToken(clientID, "voice-client", cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to generate upload token: %v", err)
	}

	uploader, err := upload.NewClient(upload.Config{
		Endpoint:   cfg.UploadEndpoint,
		APIKey:     cfg.UploadAPIKey,
		Folder:     cfg.UploadFolder,
		Token:      token,
		Attempts:   cfg.UploadAttempts,
		Timeout:    cfg.UploadTimeout,
		RetryDelay: cfg.UploadRetryDelay,
	})
	if err != nil {
		log.Fatalf("Failed to create upload client: %v", err)
	}

	hub := websocket.NewHub()
	go hub.Run()

	// 實機收音與播放裝置由平台端注入;這裡先接佔位實作，
	// 讓控制介面與 relay 邏輯可以完整運作。
	session := call.NewSession(docStore, capture.NullRecorder{}, relay.NullPlayer{},
		uploader, hub, call.Config{
			ChunkInterval:   cfg.ChunkInterval,
			MinSegment:      cfg.MinSegment,
			FreshnessWindow: cfg.FreshnessWindow,
			SettleDelay:     cfg.SettleDelay,
		})

	callHandler := handlers.NewCallHandler(session, uploader)

	router := mux.NewRouter()

	// 健康檢查路由
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Voice relay client is running!")
	}).Methods("GET")

	// UI 事件橋（WebSocket）
	router.HandleFunc("/ws", hub.HandleConnections)

	// 通話操作與診斷路由，全部掛在 JWT 驗證之後
	api := mux.NewRouter()
	api.HandleFunc("/call/join", callHandler.JoinRoom).Methods("POST")
	api.HandleFunc("/call/leave", callHandler.LeaveRoom).Methods("POST")
	api.HandleFunc("/call/mute", callHandler.ToggleMute).Methods("POST")
	api.HandleFunc("/call/speaker", callHandler.ToggleSpeaker).Methods("POST")
	api.HandleFunc("/call/end", callHandler.EndCall).Methods("POST")
	api.HandleFunc("/stats", callHandler.Stats).Methods("GET")
	router.PathPrefix("/").Handler(middleware.JWTMiddleware(cfg.JWTSecret, api))

	// 設置 CORS 中介軟體，只允許本機 UI 的來源
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handler := c.Handler(router)

	serverAddr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		IdleTimeout:  120 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Control surface listening on %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", serverAddr, err)
		}
	}()

	// 當按下 Ctrl+C，程式會收到 SIGINT
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %s, shutting down...", sig)

	// 離開房間:取消計時器、釋放麥克風與播放槽、移除自己的文件
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.LeaveRoom(shutdownCtx); err != nil {
		log.Printf("Error leaving room during shutdown: %v", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Client exited gracefully.")
}
