package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"go-voice/client/models"

	"github.com/gorilla/websocket"
)

// EventType 定義推播給 UI 的事件類型
type EventType string

const (
	EventRoomState EventType = "room_state_update" // 房間名冊/狀態更新
	EventCallEnded EventType = "call_ended"        // 通話已結束（房間被刪除）
)

// Event 代表推播給本機 UI 的一則事件
type Event struct {
	Type      EventType    `json:"type"`
	RoomID    string       `json:"roomId,omitempty"`
	Room      *models.Room `json:"room,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

const (
	// 將訊息寫入到遠端對等點的最長時間
	writeWait = 10 * time.Second

	// 允許從遠端對等點讀取下一個 pong 訊息的最長時間。
	pongWait = 60 * time.Second

	// 發送 ping 訊息給遠端對等點的週期。
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// upgrader 用於將 HTTP 連線升級為 WebSocket 連線
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 只服務本機 UI，允許所有來源的連線
		return true
	},
}

// Client 代表一個連上事件橋的 UI 客戶端
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event // 用於發送事件的緩衝通道
}

// readPump 讀取並丟棄 UI 傳來的訊息，僅用於偵測斷線
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Println("UI client disconnected gracefully.")
			} else {
				log.Printf("Error reading message: %v", err)
			}
			break
		}
	}
}

// writePump 接收 Hub 廣播來的事件，送給前端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// channel 被關閉了，送出 CloseMessage
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("Error marshalling event: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("Error writing event: %v", err)
				return
			}

		// 定時 ping 以保持連線活躍並檢測客戶端是否仍在線。
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub 維護所有連上事件橋的 UI 客戶端，並處理事件的廣播
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
}

// NewHub 創建並返回一個新的 Hub 實例
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Event, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run 啟動 Hub 的運行迴圈
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			log.Printf("UI client registered. Total clients: %d", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("UI client unregistered. Total clients: %d", len(h.clients))
			}
		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- event:
				default:
					close(client.send)
					delete(h.clients, client)
					log.Println("UI client channel is full, unregistered client")
				}
			}
		}
	}
}

// BroadcastRoomState 推播最新的房間名冊給所有 UI 客戶端
func (h *Hub) BroadcastRoomState(room *models.Room) {
	if room == nil {
		return
	}
	h.broadcast <- Event{
		Type:      EventRoomState,
		RoomID:    room.ID,
		Room:      room,
		Timestamp: time.Now(),
	}
}

// BroadcastCallEnded 通知 UI 通話已結束
func (h *Hub) BroadcastCallEnded(roomID string) {
	h.broadcast <- Event{
		Type:      EventCallEnded,
		RoomID:    roomID,
		Timestamp: time.Now(),
	}
}

// HandleConnections 處理 WebSocket 連線請求
func (h *Hub) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan Event, 64),
	}
	client.hub.register <- client

	go client.writePump()
	client.readPump() // readPump 會在連線關閉時自動取消註冊
}
