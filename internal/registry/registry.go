// Package registry tracks logical users, their presence, and the live
// transport sessions bound to them. It is the single source of truth for
// the userId -> sessions mapping and its reverse index; every insert and
// remove touches both sides under one lock.
package registry

import (
	"sync"
	"time"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
)

type Registry struct {
	mu          sync.RWMutex
	users       map[string]*models.User
	sessions    map[string]map[string]struct{} // userID -> live session ids
	sessionUser map[string]string              // sessionID -> userID
}

func New() *Registry {
	return &Registry{
		users:       make(map[string]*models.User),
		sessions:    make(map[string]map[string]struct{}),
		sessionUser: make(map[string]string),
	}
}

// Authenticate binds a transport session to a user. The upsert is
// idempotent: an unseen id creates the user, a seen id updates only the
// profile fields actually supplied. The user is online as long as at least
// one session is bound.
func (r *Registry) Authenticate(sessionID, userID, displayName string, publicKey models.Base64Bytes, avatar string) models.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userID]
	if !ok {
		user = &models.User{ID: userID, DisplayName: userID}
		r.users[userID] = user
	}
	if displayName != "" {
		user.DisplayName = displayName
	}
	if len(publicKey) > 0 {
		user.PublicKey = publicKey
	}
	if avatar != "" {
		user.Avatar = avatar
	}
	user.Online = true

	if _, ok := r.sessions[userID]; !ok {
		r.sessions[userID] = make(map[string]struct{})
	}
	r.sessions[userID][sessionID] = struct{}{}
	r.sessionUser[sessionID] = userID

	return *user
}

// Disconnect unbinds a session. When the user's last session goes away the
// user flips offline and lastSeen is stamped; wentOffline reports that
// transition so the caller can broadcast it exactly once. Unknown sessions
// are a no-op, so disconnecting before authenticate completed is safe.
func (r *Registry) Disconnect(sessionID string) (user models.User, wentOffline bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, bound := r.sessionUser[sessionID]
	if !bound {
		return models.User{}, false, false
	}
	delete(r.sessionUser, sessionID)
	if set, exists := r.sessions[userID]; exists {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, userID)
		}
	}

	u := r.users[userID]
	if u == nil {
		return models.User{}, false, false
	}
	if _, stillLive := r.sessions[userID]; !stillLive {
		u.Online = false
		u.LastSeen = time.Now()
		return *u, true, true
	}
	return *u, false, true
}

// Resolve looks a user up by id, falling back to a linear scan by display
// name for clients that pass a human-readable name where an id was
// expected. An exact id match always wins; the name fallback is ambiguous
// when two users share a display name (first match is returned).
func (r *Registry) Resolve(idOrName string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if u, ok := r.users[idOrName]; ok {
		return *u, true
	}
	for _, u := range r.users {
		if u.DisplayName == idOrName {
			return *u, true
		}
	}
	return models.User{}, false
}

// Get looks a user up by id only.
func (r *Registry) Get(userID string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[userID]; ok {
		return *u, true
	}
	return models.User{}, false
}

// SessionsFor returns all live session ids for a user.
func (r *Registry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// UserForSession resolves the user bound to a session, if any.
func (r *Registry) UserForSession(sessionID string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.sessionUser[sessionID]
	if !ok {
		return models.User{}, false
	}
	u, ok := r.users[userID]
	if !ok {
		return models.User{}, false
	}
	return *u, true
}

// UpdateProfile overwrites the supplied (non-empty) profile fields.
func (r *Registry) UpdateProfile(userID, displayName, avatar string) (models.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return models.User{}, false
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	if avatar != "" {
		u.Avatar = avatar
	}
	return *u, true
}
