package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go-voice/client/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore 是 DocumentStore 的 Redis 實作
// 文件以 JSON 存在字串鍵底下，變更訂閱用每個房間一條 pub/sub 頻道廣播。
// 適合沒有 MongoDB replica set 可用的部署。
type RedisStore struct {
	rdb *redis.Client
}

// 指標文件只承載「最新一段」，客戶端當掉後不能永遠留著:
// 每次覆寫都重設 5 分鐘的存活時間，對齊 Mongo 後端的 TTL 索引。
const chunkTTL = 5 * time.Minute

// NewRedisStore 建立 Redis 後端並確認連線
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Println("Connected to redis successfully!")
	return &RedisStore{rdb: rdb}, nil
}

func roomKey(roomID string) string {
	return fmt.Sprintf("rooms:%s", roomID)
}

func chunkKey(roomID, userID string) string {
	return fmt.Sprintf("rooms:%s:chunks:%s", roomID, userID)
}

func chunkSetKey(roomID string) string {
	return fmt.Sprintf("rooms:%s:chunkusers", roomID)
}

func eventChannel(roomID string) string {
	return fmt.Sprintf("voice:events:%s", roomID)
}

// changeEnvelope 是發佈到 pub/sub 頻道上的變更事件封包
type changeEnvelope struct {
	Kind    string                    `json:"kind"` // "room" 或 "chunk"
	Type    EventType                 `json:"type"`
	Room    *models.Room              `json:"room,omitempty"`
	UserID  string                    `json:"userId,omitempty"`
	Pointer *models.AudioChunkPointer `json:"pointer,omitempty"`
}

func (s *RedisStore) publish(ctx context.Context, roomID string, env changeEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("Error marshalling change event: %v", err)
		return
	}
	// 發佈失敗只記錄，不影響已完成的寫入
	if err := s.rdb.Publish(ctx, eventChannel(roomID), payload).Err(); err != nil {
		log.Printf("Error publishing change event for room %s: %v", roomID, err)
	}
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	val, err := s.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var room models.Room
	if err := json.Unmarshal(val, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *RedisStore) PutRoom(ctx context.Context, room *models.Room) error {
	room.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, roomKey(room.ID), payload, 0).Err(); err != nil {
		return err
	}
	s.publish(ctx, room.ID, changeEnvelope{Kind: "room", Type: EventPut, Room: room})
	return nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, roomKey(roomID)).Err(); err != nil {
		return err
	}
	s.publish(ctx, roomID, changeEnvelope{Kind: "room", Type: EventDelete})
	return nil
}

func (s *RedisStore) PutChunkPointer(ctx context.Context, pointer models.AudioChunkPointer) error {
	pointer.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(pointer)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, chunkKey(pointer.RoomID, pointer.UserID), payload, chunkTTL)
	pipe.SAdd(ctx, chunkSetKey(pointer.RoomID), pointer.UserID)
	pipe.Expire(ctx, chunkSetKey(pointer.RoomID), chunkTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.publish(ctx, pointer.RoomID, changeEnvelope{
		Kind: "chunk", Type: EventPut, UserID: pointer.UserID, Pointer: &pointer,
	})
	return nil
}

func (s *RedisStore) DeleteChunkPointer(ctx context.Context, roomID, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, chunkKey(roomID, userID))
	pipe.SRem(ctx, chunkSetKey(roomID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.publish(ctx, roomID, changeEnvelope{Kind: "chunk", Type: EventDelete, UserID: userID})
	return nil
}

func (s *RedisStore) DeleteRoomChunks(ctx context.Context, roomID string) error {
	userIDs, err := s.rdb.SMembers(ctx, chunkSetKey(roomID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, userID := range userIDs {
		pipe.Del(ctx, chunkKey(roomID, userID))
	}
	pipe.Del(ctx, chunkSetKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for _, userID := range userIDs {
		s.publish(ctx, roomID, changeEnvelope{Kind: "chunk", Type: EventDelete, UserID: userID})
	}
	return nil
}

func (s *RedisStore) SubscribeRoom(ctx context.Context, roomID string) (<-chan RoomEvent, error) {
	sub := s.rdb.Subscribe(ctx, eventChannel(roomID))
	// 確認訂閱已建立，避免漏掉先到的事件
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan RoomEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env changeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("Error decoding change event: %v", err)
					continue
				}
				if env.Kind != "room" {
					continue
				}
				out <- RoomEvent{Type: env.Type, Room: env.Room}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) SubscribeChunks(ctx context.Context, roomID string) (<-chan ChunkEvent, error) {
	sub := s.rdb.Subscribe(ctx, eventChannel(roomID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan ChunkEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env changeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("Error decoding change event: %v", err)
					continue
				}
				if env.Kind != "chunk" {
					continue
				}
				ev := ChunkEvent{Type: env.Type, UserID: env.UserID}
				if env.Pointer != nil {
					ev.Pointer = *env.Pointer
				}
				out <- ev
			}
		}
	}()
	return out, nil
}

// Close 關閉 Redis 連線
func (s *RedisStore) Close(ctx context.Context) error {
	return s.rdb.Close()
}
