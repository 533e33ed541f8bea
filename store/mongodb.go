package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"go-voice/client/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	roomsCollection  = "rooms"
	chunksCollection = "audio_chunks"

	opTimeout = 5 * time.Second
	// 指標文件只承載「最新一段」，超過 5 分鐘沒被覆寫就讓 MongoDB 自動清掉
	chunkTTLSeconds = 300
)

// MongoStore 是 DocumentStore 的 MongoDB 實作
// 變更訂閱透過 change stream 實現，因此需要 replica set 部署。
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongoDB 建立並初始化 MongoDB 連線
func ConnectMongoDB(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	clientOptions := options.Client().ApplyURI(uri)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the primary to verify connection
	if err = client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.Println("Connected to MongoDB successfully!")

	s := &MongoStore{client: client, db: client.Database(dbName)}

	// 設定規則:自動清理太久沒被覆寫的指標文件
	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(chunkTTLSeconds),
	}
	if _, err = s.db.Collection(chunksCollection).Indexes().CreateOne(connectCtx, indexModel); err != nil {
		return nil, fmt.Errorf("failed to create TTL index for audio_chunks collection: %w", err)
	}
	log.Printf("TTL index created for audio_chunks collection (%d seconds).", chunkTTLSeconds)

	return s, nil
}

func (s *MongoStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var room models.Room
	err := s.db.Collection(roomsCollection).FindOne(opCtx, bson.M{"_id": roomID}).Decode(&room)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *MongoStore) PutRoom(ctx context.Context, room *models.Room) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	room.UpdatedAt = time.Now().UTC()
	opts := options.Replace().SetUpsert(true)
	_, err := s.db.Collection(roomsCollection).ReplaceOne(opCtx, bson.M{"_id": room.ID}, room, opts)
	return err
}

func (s *MongoStore) DeleteRoom(ctx context.Context, roomID string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.Collection(roomsCollection).DeleteOne(opCtx, bson.M{"_id": roomID})
	return err
}

// chunkDocID 指標文件以 (房間, 使用者) 為主鍵，保證每人至多一份
func chunkDocID(roomID, userID string) string {
	return roomID + ":" + userID
}

func (s *MongoStore) PutChunkPointer(ctx context.Context, pointer models.AudioChunkPointer) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// timestamp 用 $currentDate 由伺服器指定，避免依賴客戶端時鐘
	update := bson.M{
		"$set": bson.M{
			"roomId":     pointer.RoomID,
			"userId":     pointer.UserID,
			"userName":   pointer.UserName,
			"audioUrl":   pointer.AudioURL,
			"isSpeaking": pointer.IsSpeaking,
		},
		"$currentDate": bson.M{"timestamp": true},
	}
	opts := options.Update().SetUpsert(true)
	_, err := s.db.Collection(chunksCollection).UpdateOne(opCtx,
		bson.M{"_id": chunkDocID(pointer.RoomID, pointer.UserID)}, update, opts)
	return err
}

func (s *MongoStore) DeleteChunkPointer(ctx context.Context, roomID, userID string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.Collection(chunksCollection).DeleteOne(opCtx, bson.M{"_id": chunkDocID(roomID, userID)})
	return err
}

func (s *MongoStore) DeleteRoomChunks(ctx context.Context, roomID string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.db.Collection(chunksCollection).DeleteMany(opCtx, bson.M{"roomId": roomID})
	return err
}

func (s *MongoStore) SubscribeRoom(ctx context.Context, roomID string) (<-chan RoomEvent, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"documentKey._id": roomID}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.db.Collection(roomsCollection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to watch rooms collection: %w", err)
	}

	out := make(chan RoomEvent, 16)
	go func() {
		defer close(out)
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			var change struct {
				OperationType string      `bson:"operationType"`
				FullDocument  models.Room `bson:"fullDocument"`
			}
			if err := cs.Decode(&change); err != nil {
				log.Printf("Error decoding room change event: %v", err)
				continue
			}
			switch change.OperationType {
			case "delete":
				out <- RoomEvent{Type: EventDelete}
			case "insert", "update", "replace":
				room := change.FullDocument
				out <- RoomEvent{Type: EventPut, Room: &room}
			}
		}
	}()
	return out, nil
}

func (s *MongoStore) SubscribeChunks(ctx context.Context, roomID string) (<-chan ChunkEvent, error) {
	// delete 事件沒有 fullDocument，改用 documentKey 的 "room:user" 主鍵還原 userID
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"fullDocument.roomId": roomID},
			bson.M{"operationType": "delete"},
		}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.db.Collection(chunksCollection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to watch audio_chunks collection: %w", err)
	}

	prefix := roomID + ":"
	out := make(chan ChunkEvent, 16)
	go func() {
		defer close(out)
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			var change struct {
				OperationType string                   `bson:"operationType"`
				FullDocument  models.AudioChunkPointer `bson:"fullDocument"`
				DocumentKey   struct {
					ID string `bson:"_id"`
				} `bson:"documentKey"`
			}
			if err := cs.Decode(&change); err != nil {
				log.Printf("Error decoding chunk change event: %v", err)
				continue
			}
			switch change.OperationType {
			case "delete":
				if len(change.DocumentKey.ID) > len(prefix) && change.DocumentKey.ID[:len(prefix)] == prefix {
					out <- ChunkEvent{Type: EventDelete, UserID: change.DocumentKey.ID[len(prefix):]}
				}
			case "insert", "update", "replace":
				out <- ChunkEvent{Type: EventPut, UserID: change.FullDocument.UserID, Pointer: change.FullDocument}
			}
		}
	}()
	return out, nil
}

// Close 關閉 MongoDB 連線
func (s *MongoStore) Close(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Disconnect(opCtx); err != nil {
		return err
	}
	log.Println("Disconnected from MongoDB.")
	return nil
}
