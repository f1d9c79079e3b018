// Package directory owns room metadata and durable membership. Membership
// here is distinct from the delivery layer's transient subscriptions: a
// member that is offline still belongs to the room and will see it listed
// on its next authentication.
package directory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/registry"
)

type Directory struct {
	mu    sync.RWMutex
	rooms map[string]*models.Room

	registry *registry.Registry
}

func New(reg *registry.Registry) *Directory {
	return &Directory{
		rooms:    make(map[string]*models.Room),
		registry: reg,
	}
}

// CreateRoom generates a fresh room and its member set. Requested
// participants may be user ids or display names; names are resolved through
// the registry at creation time and unresolved entries are kept verbatim
// rather than rejected, so creating a room with a not-yet-connected peer
// works. The creator is always a member and the set is deduplicated.
//
// Two calls for the same pair of users yield two distinct direct rooms;
// nothing deduplicates rooms themselves.
func (d *Directory) CreateRoom(creatorID, name string, kind models.RoomKind, participants []string) models.Room {
	members := make([]string, 0, len(participants)+1)
	seen := map[string]struct{}{creatorID: {}}
	members = append(members, creatorID)

	for _, p := range participants {
		id := p
		if u, ok := d.registry.Resolve(p); ok {
			id = u.ID
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	room := &models.Room{
		ID:        uuid.New().String(),
		Name:      name,
		Kind:      kind,
		MemberIDs: members,
		CreatedAt: time.Now(),
	}

	d.mu.Lock()
	d.rooms[room.ID] = room
	d.mu.Unlock()

	return *room
}

// Get returns the room for an id.
func (d *Directory) Get(roomID string) (models.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.rooms[roomID]; ok {
		return *r, true
	}
	return models.Room{}, false
}

// RoomsFor returns every room whose member set contains userID, in
// arbitrary order.
func (d *Directory) RoomsFor(userID string) []models.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []models.Room
	for _, r := range d.rooms {
		if r.HasMember(userID) {
			out = append(out, *r)
		}
	}
	return out
}

// Seed installs rooms loaded from the durable store at boot. Existing
// entries win; Seed never overwrites a live room.
func (d *Directory) Seed(rooms []models.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range rooms {
		r := rooms[i]
		if _, ok := d.rooms[r.ID]; ok {
			continue
		}
		d.rooms[r.ID] = &r
	}
}

// PresentForViewer produces the client-facing shape of a room for one
// specific viewer: member ids expanded into participant projections, and
// for direct rooms the stored name replaced with the other participant's
// display name. Members the registry cannot resolve are rendered with a
// degraded projection rather than omitted, so membership never silently
// disappears from the view.
func (d *Directory) PresentForViewer(room models.Room, viewerID string) models.RoomView {
	view := models.RoomView{
		ID:           room.ID,
		Name:         room.Name,
		Kind:         room.Kind,
		Participants: make([]models.Participant, 0, len(room.MemberIDs)),
		CreatedAt:    room.CreatedAt,
	}

	for _, memberID := range room.MemberIDs {
		u, ok := d.registry.Get(memberID)
		if !ok {
			view.Participants = append(view.Participants, models.Participant{
				ID:          memberID,
				DisplayName: memberID,
			})
			continue
		}
		view.Participants = append(view.Participants, models.Participant{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			PublicKey:   u.PublicKey,
			Online:      u.Online,
		})
	}

	if room.Kind == models.RoomDirect {
		for _, p := range view.Participants {
			if p.ID != viewerID {
				view.Name = p.DisplayName
				break
			}
		}
	}

	return view
}
