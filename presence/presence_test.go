package presence

import (
	"context"
	"testing"

	"go-voice/client/models"
	"go-voice/client/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alice() models.Participant {
	return models.Participant{UserID: "user-a", UserName: "Alice"}
}

func bob() models.Participant {
	return models.Participant{UserID: "user-b", UserName: "Bob"}
}

func TestJoinCreatesRoomWithCreator(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)

	room, err := manager.Join(context.Background(), "room-1", alice())
	require.NoError(t, err)

	assert.Equal(t, "room-1", room.ID)
	assert.Equal(t, "user-a", room.CreatorID, "第一位加入者即為建立者")
	assert.True(t, room.Active)
	require.Len(t, room.Participants, 1)
	assert.False(t, room.Participants[0].JoinedAt.IsZero(), "加入時間應該被補上")
}

func TestJoinIsIdempotent(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)

	_, err := manager.Join(context.Background(), "room-1", alice())
	require.NoError(t, err)
	room, err := manager.Join(context.Background(), "room-1", alice())
	require.NoError(t, err)

	assert.Len(t, room.Participants, 1, "重複加入不應該產生重複的參與者項目")
}

func TestJoinAppendsAndSortsParticipants(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)

	_, err := manager.Join(context.Background(), "room-1", bob())
	require.NoError(t, err)
	room, err := manager.Join(context.Background(), "room-1", alice())
	require.NoError(t, err)

	require.Len(t, room.Participants, 2)
	assert.Equal(t, "user-a", room.Participants[0].UserID, "參與者列表應該依 UserID 排序")
	assert.Equal(t, "user-b", room.Participants[1].UserID)
	assert.Equal(t, "user-b", room.CreatorID, "建立者不因新成員加入而改變")
}

func TestLeaveRemovesParticipantAndPointer(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)
	ctx := context.Background()

	_, err := manager.Join(ctx, "room-1", alice())
	require.NoError(t, err)
	_, err = manager.Join(ctx, "room-1", bob())
	require.NoError(t, err)
	require.NoError(t, memStore.PutChunkPointer(ctx, models.AudioChunkPointer{
		RoomID: "room-1", UserID: "user-a", AudioURL: "u1", IsSpeaking: true,
	}))

	require.NoError(t, manager.Leave(ctx, "room-1", "user-a"))

	room, err := memStore.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "user-b", room.Participants[0].UserID)

	_, ok := memStore.GetChunkPointer("room-1", "user-a")
	assert.False(t, ok, "離開時必須清掉自己的指標文件")
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)
	ctx := context.Background()

	// A、B 先後加入再先後離開，結束時不留空房間
	_, err := manager.Join(ctx, "room-1", alice())
	require.NoError(t, err)
	_, err = manager.Join(ctx, "room-1", bob())
	require.NoError(t, err)

	require.NoError(t, manager.Leave(ctx, "room-1", "user-a"))
	require.NoError(t, manager.Leave(ctx, "room-1", "user-b"))

	_, err = memStore.GetRoom(ctx, "room-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "最後一人離開後房間文件應該被刪除")
}

func TestLeaveMissingRoomIsNoop(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)

	// 房間已被別人收掉的情況，離開視為已完成
	assert.NoError(t, manager.Leave(context.Background(), "room-gone", "user-a"))
}

func TestSetMutedUpdatesParticipant(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)
	ctx := context.Background()

	_, err := manager.Join(ctx, "room-1", alice())
	require.NoError(t, err)

	require.NoError(t, manager.SetMuted(ctx, "room-1", "user-a", true))
	room, err := memStore.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, room.Participants[0].IsMuted)

	require.NoError(t, manager.SetMuted(ctx, "room-1", "user-a", false))
	room, err = memStore.GetRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.False(t, room.Participants[0].IsMuted)
}

func TestSetMutedMissingRoom(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)

	err := manager.SetMuted(context.Background(), "room-gone", "user-a", true)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestEndCallDeletesRoomAndChunks(t *testing.T) {
	memStore := store.NewMemoryStore()
	manager := NewManager(memStore)
	ctx := context.Background()

	_, err := manager.Join(ctx, "room-1", alice())
	require.NoError(t, err)
	_, err = manager.Join(ctx, "room-1", bob())
	require.NoError(t, err)
	require.NoError(t, memStore.PutChunkPointer(ctx, models.AudioChunkPointer{
		RoomID: "room-1", UserID: "user-b", AudioURL: "u1", IsSpeaking: true,
	}))

	require.NoError(t, manager.EndCall(ctx, "room-1"))

	_, err = memStore.GetRoom(ctx, "room-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, ok := memStore.GetChunkPointer("room-1", "user-b")
	assert.False(t, ok, "結束通話必須一併刪掉所有指標文件")
}
