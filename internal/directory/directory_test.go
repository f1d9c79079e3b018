package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/registry"
)

func newTestDirectory() (*Directory, *registry.Registry) {
	reg := registry.New()
	return New(reg), reg
}

func TestCreateRoomIncludesCreatorAndDeduplicates(t *testing.T) {
	d, reg := newTestDirectory()
	reg.Authenticate("s1", "u1", "Alice", nil, "")

	room := d.CreateRoom("u1", "pair", models.RoomDirect, []string{"u2", "u2", "u1"})
	require.ElementsMatch(t, []string{"u1", "u2"}, room.MemberIDs)
	require.Equal(t, models.RoomDirect, room.Kind)
	require.NotEmpty(t, room.ID)
}

func TestCreateRoomResolvesDisplayNames(t *testing.T) {
	d, reg := newTestDirectory()
	reg.Authenticate("s1", "u1", "Alice", nil, "")
	reg.Authenticate("s2", "u2", "Bob", nil, "")

	room := d.CreateRoom("u1", "Bob", models.RoomDirect, []string{"Bob"})
	require.ElementsMatch(t, []string{"u1", "u2"}, room.MemberIDs, "display name resolved to id")
}

func TestCreateRoomKeepsUnresolvedParticipants(t *testing.T) {
	d, _ := newTestDirectory()

	room := d.CreateRoom("u1", "later", models.RoomGroup, []string{"u9", "stranger"})
	require.ElementsMatch(t, []string{"u1", "u9", "stranger"}, room.MemberIDs,
		"unknown participants are kept verbatim, never rejected")
}

func TestCreateRoomDoesNotDeduplicateDirectPairs(t *testing.T) {
	d, _ := newTestDirectory()

	first := d.CreateRoom("u1", "pair", models.RoomDirect, []string{"u2"})
	second := d.CreateRoom("u1", "pair", models.RoomDirect, []string{"u2"})
	require.NotEqual(t, first.ID, second.ID, "same pair yields two distinct rooms")
}

func TestRoomsFor(t *testing.T) {
	d, _ := newTestDirectory()
	r1 := d.CreateRoom("u1", "a", models.RoomGroup, []string{"u2"})
	d.CreateRoom("u3", "b", models.RoomGroup, nil)

	rooms := d.RoomsFor("u2")
	require.Len(t, rooms, 1)
	require.Equal(t, r1.ID, rooms[0].ID)
	require.Empty(t, d.RoomsFor("u9"))
}

func TestPresentForViewerDirectNaming(t *testing.T) {
	d, reg := newTestDirectory()
	reg.Authenticate("s1", "u1", "Alice", nil, "")
	reg.Authenticate("s2", "u2", "Bob", nil, "")

	room := d.CreateRoom("u1", "whatever", models.RoomDirect, []string{"u2"})

	asAlice := d.PresentForViewer(room, "u1")
	require.Equal(t, "Bob", asAlice.Name)

	asBob := d.PresentForViewer(room, "u2")
	require.Equal(t, "Alice", asBob.Name)
}

func TestPresentForViewerGroupKeepsName(t *testing.T) {
	d, reg := newTestDirectory()
	reg.Authenticate("s1", "u1", "Alice", nil, "")

	room := d.CreateRoom("u1", "launch", models.RoomGroup, []string{"u2"})
	view := d.PresentForViewer(room, "u1")
	require.Equal(t, "launch", view.Name)
}

func TestPresentForViewerDegradedParticipants(t *testing.T) {
	d, reg := newTestDirectory()
	reg.Authenticate("s1", "u1", "Alice", nil, "")

	room := d.CreateRoom("u1", "pair", models.RoomDirect, []string{"u2"})
	view := d.PresentForViewer(room, "u1")

	require.Len(t, view.Participants, 2, "unresolvable members are never omitted")
	var ghost models.Participant
	for _, p := range view.Participants {
		if p.ID == "u2" {
			ghost = p
		}
	}
	require.Equal(t, "u2", ghost.DisplayName)
	require.False(t, ghost.Online)
	require.Empty(t, ghost.PublicKey)
}

func TestSeedDoesNotOverwriteLiveRooms(t *testing.T) {
	d, _ := newTestDirectory()
	live := d.CreateRoom("u1", "live", models.RoomGroup, nil)

	d.Seed([]models.Room{
		{ID: live.ID, Name: "stale", Kind: models.RoomGroup, MemberIDs: []string{"u9"}},
		{ID: "r-old", Name: "restored", Kind: models.RoomGroup, MemberIDs: []string{"u1"}},
	})

	got, ok := d.Get(live.ID)
	require.True(t, ok)
	require.Equal(t, "live", got.Name)

	restored, ok := d.Get("r-old")
	require.True(t, ok)
	require.Equal(t, "restored", restored.Name)
	require.Len(t, d.RoomsFor("u1"), 2)
}
