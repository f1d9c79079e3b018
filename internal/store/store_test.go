package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertUserIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertUser(models.User{ID: "u1", DisplayName: "Alice", PublicKey: models.Base64Bytes("key"), Online: true}))
	require.NoError(t, s.UpsertUser(models.User{ID: "u1", DisplayName: "Alicia", Online: false, LastSeen: time.Now()}))

	var name string
	var online bool
	var key []byte
	require.NoError(t, s.QueryRow("SELECT display_name, online, public_key FROM users WHERE id = ?", "u1").Scan(&name, &online, &key))
	require.Equal(t, "Alicia", name)
	require.False(t, online)
	require.Equal(t, []byte("key"), key, "empty key on upsert keeps the stored one")

	var count int
	require.NoError(t, s.QueryRow("SELECT COUNT(*) FROM users").Scan(&count))
	require.Equal(t, 1, count)
}

func TestCreateRoomRoundtrip(t *testing.T) {
	s := newTestStore(t)

	room := models.Room{
		ID:        "r1",
		Name:      "pair",
		Kind:      models.RoomDirect,
		MemberIDs: []string{"u1", "u2"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateRoom(room))

	rooms, err := s.GetRoomsForUser("u2")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, "r1", rooms[0].ID)
	require.Equal(t, models.RoomDirect, rooms[0].Kind)
	require.ElementsMatch(t, []string{"u1", "u2"}, rooms[0].MemberIDs)

	rooms, err = s.GetRoomsForUser("u9")
	require.NoError(t, err)
	require.Empty(t, rooms)

	all, err := s.LoadRooms()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.ElementsMatch(t, []string{"u1", "u2"}, all[0].MemberIDs)
}

func TestAppendMessagePreservesOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRoom(models.Room{ID: "r1", Name: "x", Kind: models.RoomGroup, CreatedAt: time.Now()}))

	base := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.AppendMessage(models.Message{
			ID:        id,
			RoomID:    "r1",
			SenderID:  "u1",
			Content:   id,
			Kind:      models.MessageText,
			Status:    models.StatusSent,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	messages, err := s.GetRoomMessages("r1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "m1", messages[0].ID)
	require.Equal(t, "m3", messages[2].ID)

	// A bounded page returns the newest messages, still in append order.
	page, err := s.GetRoomMessages("r1", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "m2", page[0].ID)
	require.Equal(t, "m3", page[1].ID)
}

func TestAppendMessageFileMeta(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRoom(models.Room{ID: "r1", Name: "x", Kind: models.RoomGroup, CreatedAt: time.Now()}))

	require.NoError(t, s.AppendMessage(models.Message{
		ID:        "m1",
		RoomID:    "r1",
		SenderID:  "u1",
		Content:   "file",
		Kind:      models.MessageFile,
		Status:    models.StatusSent,
		Timestamp: time.Now(),
		FileMeta:  &models.FileMeta{Name: "cat.png", Size: 42, MimeType: "image/png", URL: "/uploads/abc.png"},
	}))

	messages, err := s.GetRoomMessages("r1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NotNil(t, messages[0].FileMeta)
	require.Equal(t, "cat.png", messages[0].FileMeta.Name)
	require.Equal(t, int64(42), messages[0].FileMeta.Size)
}

func TestUpdateMessageStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRoom(models.Room{ID: "r1", Name: "x", Kind: models.RoomGroup, CreatedAt: time.Now()}))
	require.NoError(t, s.AppendMessage(models.Message{
		ID: "m1", RoomID: "r1", SenderID: "u1", Content: "hi",
		Kind: models.MessageText, Status: models.StatusSent, Timestamp: time.Now(),
	}))

	require.NoError(t, s.UpdateMessageStatus("r1", "m1", models.StatusRead))

	messages, err := s.GetRoomMessages("r1", 0)
	require.NoError(t, err)
	require.Equal(t, models.StatusRead, messages[0].Status)

	require.ErrorIs(t, s.UpdateMessageStatus("r1", "ghost", models.StatusRead), ErrNotFound)
	require.ErrorIs(t, s.UpdateMessageStatus("r9", "m1", models.StatusRead), ErrNotFound)
}

func TestGetMessage(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRoom(models.Room{ID: "r1", Name: "x", Kind: models.RoomGroup, CreatedAt: time.Now()}))
	require.NoError(t, s.AppendMessage(models.Message{
		ID: "m1", RoomID: "r1", SenderID: "u1", SenderName: "Alice", Content: "hi",
		Kind: models.MessageText, Status: models.StatusSent, Timestamp: time.Now(),
	}))

	m, err := s.GetMessage("r1", "m1")
	require.NoError(t, err)
	require.Equal(t, "u1", m.SenderID)
	require.Equal(t, models.StatusSent, m.Status)

	_, err = s.GetMessage("r1", "ghost")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMessage("r9", "m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUserProfilePartial(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertUser(models.User{ID: "u1", DisplayName: "Alice", Avatar: "old.png", Online: true}))

	require.NoError(t, s.UpdateUserProfile("u1", "Alicia", ""))

	var name, avatar string
	require.NoError(t, s.QueryRow("SELECT display_name, avatar FROM users WHERE id = ?", "u1").Scan(&name, &avatar))
	require.Equal(t, "Alicia", name)
	require.Equal(t, "old.png", avatar)
}
