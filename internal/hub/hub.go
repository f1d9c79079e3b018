// Package hub is the real-time delivery coordinator. A single dispatcher
// goroutine owns the connection-to-room subscription graph and handles each
// inbound event to completion: mutate registry/directory state, spawn
// fire-and-forget persistence writes, then fan the resulting events out to
// the right live connections. Because all coordinator state is touched only
// from that goroutine, none of it needs locking.
package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/directory"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/protocol"
	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/registry"
)

const (
	messageRefTTL      = 24 * time.Hour
	messageRefSweepMin = 15 * time.Minute

	persistQueueSize = 1024
)

// Persister is the slice of the durable store the coordinator writes
// through. Every call is best-effort relative to live delivery.
type Persister interface {
	UpsertUser(u models.User) error
	UpdateUserOnline(id string, online bool, lastSeen time.Time) error
	UpdateUserProfile(id, displayName, avatar string) error
	CreateRoom(room models.Room) error
	AppendMessage(m models.Message) error
	UpdateMessageStatus(roomID, messageID string, status models.MessageStatus) error
	GetRoomMessages(roomID string, limit int) ([]models.Message, error)
	GetMessage(roomID, messageID string) (models.Message, error)
}

type inboundEvent struct {
	client *Client
	event  protocol.Inbound
}

// persistTask is one queued durable write.
type persistTask struct {
	op       string
	entityID string
	fn       func() error
}

// messageRef remembers who sent a message so read receipts can be routed
// back to the sender's sessions without a store round trip.
type messageRef struct {
	roomID     string
	senderID   string
	recordedAt time.Time
}

type Hub struct {
	registry  *registry.Registry
	directory *directory.Directory
	store     Persister

	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	writes     chan persistTask
	done       chan struct{}

	// Dispatcher-owned state below; never touched outside Run.
	clients       map[string]*Client              // session id -> client
	subscriptions map[string]map[*Client]struct{} // room id -> subscribed sessions
	messageRefs   map[string]messageRef
}

func New(reg *registry.Registry, dir *directory.Directory, store Persister, allowedOrigins []string) *Hub {
	h := &Hub{
		registry:  reg,
		directory: dir,
		store:     store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inboundEvent, 256),
		writes:        make(chan persistTask, persistQueueSize),
		done:          make(chan struct{}),
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]map[*Client]struct{}),
		messageRefs:   make(map[string]messageRef),
	}
	go h.persistLoop()
	return h
}

// Run is the dispatcher loop. It must be running before ServeWS accepts
// connections and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	sweep := time.NewTicker(messageRefSweepMin)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c.id] = c
		case c := <-h.unregister:
			h.dropClient(c)
		case ev := <-h.inbound:
			h.dispatch(ev.client, ev.event)
		case now := <-sweep.C:
			h.sweepMessageRefs(now)
		}
	}
}

// dispatch routes one decoded event. A panic in a handler is isolated to
// that event; the dispatcher and every other session keep running.
func (h *Hub) dispatch(c *Client, event protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "type", event.EventType(), "conn_id", c.id, "panic", r)
		}
	}()

	switch ev := event.(type) {
	case *protocol.Authenticate:
		h.handleAuthenticate(c, ev)
	case *protocol.RoomCreate:
		h.handleRoomCreate(c, ev)
	case *protocol.RoomJoin:
		h.handleRoomJoin(c, ev)
	case *protocol.RoomLeave:
		h.handleRoomLeave(c, ev)
	case *protocol.MessageSend:
		h.handleMessageSend(c, ev)
	case *protocol.MessageRead:
		h.handleMessageRead(c, ev)
	case *protocol.TypingStart:
		h.handleTyping(c, ev.RoomID, protocol.EventTypingStart)
	case *protocol.TypingStop:
		h.handleTyping(c, ev.RoomID, protocol.EventTypingStop)
	case *protocol.ProfileUpdate:
		h.handleProfileUpdate(c, ev)
	}
}

func (h *Hub) handleAuthenticate(c *Client, ev *protocol.Authenticate) {
	if c.userID != "" && c.userID != ev.UserID {
		// Re-authenticating as someone else on a live connection: unbind
		// first. If that was the old user's last session, peers get the same
		// offline notice a disconnect produces.
		if user, wentOffline, ok := h.registry.Disconnect(c.id); ok && wentOffline {
			h.noteOffline(user, c)
		}
		c.userID = ""
	}

	// A session already bound to this user re-sending authenticate is
	// idempotent and never counts against its own cap.
	if c.userID != ev.UserID && len(h.registry.SessionsFor(ev.UserID)) >= MaxConnsPerUser {
		slog.Warn("Connection limit exceeded", "user_id", ev.UserID, "conn_id", c.id)
		c.closeWith(websocket.ClosePolicyViolation, "too many connections")
		return
	}

	user := h.registry.Authenticate(c.id, ev.UserID, ev.DisplayName, ev.PublicKey, ev.Avatar)
	c.userID = user.ID

	h.persist("upsertUser", user.ID, func() error {
		return h.store.UpsertUser(user)
	})

	rooms := h.directory.RoomsFor(user.ID)
	views := make([]models.RoomView, 0, len(rooms))
	for _, room := range rooms {
		views = append(views, h.directory.PresentForViewer(room, user.ID))
	}
	c.enqueue(protocol.Encode(protocol.EventRoomsList, protocol.RoomsListPayload{Rooms: views}))

	h.broadcastAll(protocol.Encode(protocol.EventUserOnline, protocol.UserOnlinePayload{UserID: user.ID}), c)

	slog.Info("Session authenticated", "conn_id", c.id, "user_id", user.ID, "display_name", user.DisplayName)
}

func (h *Hub) handleRoomCreate(c *Client, ev *protocol.RoomCreate) {
	user, ok := h.registry.UserForSession(c.id)
	if !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonNotAuthenticated, "authenticate before creating rooms"))
		return
	}

	room := h.directory.CreateRoom(user.ID, ev.Name, ev.Kind, ev.ParticipantIDs)

	h.persist("createRoom", room.ID, func() error {
		return h.store.CreateRoom(room)
	})

	// Auto-join every member's live sessions to the broadcast group and
	// hand each member its own viewer-projected copy. Members without a
	// live session stay plain members; they pick the room up from
	// roomsList on their next authentication.
	for _, memberID := range room.MemberIDs {
		view := h.directory.PresentForViewer(room, memberID)
		frame := protocol.Encode(protocol.EventRoomCreated, view)
		for _, sessionID := range h.registry.SessionsFor(memberID) {
			member, live := h.clients[sessionID]
			if !live {
				continue
			}
			h.subscribe(member, room.ID)
			member.enqueue(frame)
		}
	}

	slog.Info("Room created", "room_id", room.ID, "kind", room.Kind, "creator", user.ID, "members", len(room.MemberIDs))
}

func (h *Hub) handleRoomJoin(c *Client, ev *protocol.RoomJoin) {
	if _, ok := h.directory.Get(ev.RoomID); !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonRoomNotFound, "unknown room: "+ev.RoomID))
		return
	}

	h.subscribe(c, ev.RoomID)

	messages, err := h.store.GetRoomMessages(ev.RoomID, 0)
	if err != nil {
		slog.Warn("Failed to load room history", "room_id", ev.RoomID, "conn_id", c.id, "error", err)
		messages = nil
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.enqueue(protocol.Encode(protocol.EventMessagesHistory, protocol.MessagesHistoryPayload{
		RoomID:   ev.RoomID,
		Messages: messages,
	}))
}

func (h *Hub) handleRoomLeave(c *Client, ev *protocol.RoomLeave) {
	h.unsubscribe(c, ev.RoomID)
}

func (h *Hub) handleMessageSend(c *Client, ev *protocol.MessageSend) {
	user, ok := h.registry.UserForSession(c.id)
	if !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonNotAuthenticated, "authenticate before sending messages"))
		return
	}
	if _, ok := h.directory.Get(ev.RoomID); !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonRoomNotFound, "unknown room: "+ev.RoomID))
		return
	}

	kind := ev.Kind
	if kind == "" {
		kind = models.MessageText
	}

	msg := models.Message{
		ID:               uuid.New().String(),
		RoomID:           ev.RoomID,
		SenderID:         user.ID,
		SenderName:       user.DisplayName,
		Content:          ev.Content,
		EncryptedContent: ev.EncryptedContent,
		Kind:             kind,
		Status:           models.StatusSent,
		Timestamp:        time.Now(),
		FileMeta:         ev.FileMeta,
	}

	h.messageRefs[msg.ID] = messageRef{roomID: msg.RoomID, senderID: msg.SenderID, recordedAt: msg.Timestamp}

	h.persist("appendMessage", msg.ID, func() error {
		return h.store.AppendMessage(msg)
	})

	// Ack to the sending session only; the sender's UI reconciles its
	// optimistic copy via the temp id. Everyone else subscribed to the
	// room gets the message itself.
	c.enqueue(protocol.Encode(protocol.EventMessageSent, protocol.MessageSentPayload{
		RoomID:       msg.RoomID,
		MessageID:    msg.ID,
		ClientTempID: ev.ClientTempID,
	}))
	h.broadcastRoom(msg.RoomID, protocol.Encode(protocol.EventMessageNew, protocol.MessageNewPayload{
		RoomID:  msg.RoomID,
		Message: msg,
	}), user.ID)
}

func (h *Hub) handleMessageRead(c *Client, ev *protocol.MessageRead) {
	if _, ok := h.directory.Get(ev.RoomID); !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonRoomNotFound, "unknown room: "+ev.RoomID))
		return
	}

	ref, ok := h.messageRefs[ev.MessageID]
	if !ok || ref.roomID != ev.RoomID {
		// Not in the in-process map (restart, or the ref was swept), but the
		// message may still be in persisted history.
		msg, err := h.store.GetMessage(ev.RoomID, ev.MessageID)
		if err != nil {
			slog.Debug("Dropping read receipt for unknown message", "room_id", ev.RoomID, "message_id", ev.MessageID)
			return
		}
		ref = messageRef{roomID: msg.RoomID, senderID: msg.SenderID, recordedAt: time.Now()}
		h.messageRefs[ev.MessageID] = ref
	}

	h.persist("updateMessageStatus", ev.MessageID, func() error {
		return h.store.UpdateMessageStatus(ev.RoomID, ev.MessageID, models.StatusRead)
	})

	frame := protocol.Encode(protocol.EventMessageRead, protocol.MessageReadPayload{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
	})
	h.sendToUser(ref.senderID, frame)
}

func (h *Hub) handleTyping(c *Client, roomID, eventType string) {
	user, ok := h.registry.UserForSession(c.id)
	if !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonNotAuthenticated, "authenticate before typing events"))
		return
	}

	h.broadcastRoom(roomID, protocol.Encode(eventType, protocol.TypingPayload{
		RoomID:      roomID,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	}), user.ID)
}

func (h *Hub) handleProfileUpdate(c *Client, ev *protocol.ProfileUpdate) {
	user, ok := h.registry.UserForSession(c.id)
	if !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonNotAuthenticated, "authenticate before updating profile"))
		return
	}

	updated, ok := h.registry.UpdateProfile(user.ID, ev.DisplayName, ev.Avatar)
	if !ok {
		c.enqueue(protocol.EncodeError(protocol.ReasonUserNotFound, "unknown user: "+user.ID))
		return
	}

	h.persist("updateUserProfile", updated.ID, func() error {
		return h.store.UpdateUserProfile(updated.ID, ev.DisplayName, ev.Avatar)
	})

	h.broadcastAll(protocol.Encode(protocol.EventUserProfileUpdated, protocol.UserProfileUpdatedPayload{
		UserID:      updated.ID,
		DisplayName: updated.DisplayName,
		Avatar:      updated.Avatar,
	}), c)
}

// dropClient tears a session down: out of the subscription graph, out of
// the registry, and offline presence broadcast if this was the user's last
// session. Safe for sessions that never authenticated.
func (h *Hub) dropClient(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	for roomID := range c.rooms {
		h.unsubscribe(c, roomID)
	}
	close(c.send)

	user, wentOffline, ok := h.registry.Disconnect(c.id)
	if !ok {
		return
	}
	if !wentOffline {
		return
	}
	h.noteOffline(user, c)
}

// noteOffline persists and broadcasts a user's last-session offline
// transition.
func (h *Hub) noteOffline(user models.User, origin *Client) {
	h.persist("updateUserOnline", user.ID, func() error {
		return h.store.UpdateUserOnline(user.ID, false, user.LastSeen)
	})

	h.broadcastAll(protocol.Encode(protocol.EventUserOffline, protocol.UserOfflinePayload{
		UserID:   user.ID,
		LastSeen: user.LastSeen.UnixMilli(),
	}), origin)

	slog.Info("User went offline", "user_id", user.ID)
}

func (h *Hub) subscribe(c *Client, roomID string) {
	if _, ok := h.subscriptions[roomID]; !ok {
		h.subscriptions[roomID] = make(map[*Client]struct{})
	}
	h.subscriptions[roomID][c] = struct{}{}
	c.rooms[roomID] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, roomID string) {
	if subs, ok := h.subscriptions[roomID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subscriptions, roomID)
		}
	}
	delete(c.rooms, roomID)
}

// broadcastRoom fans a frame out to every session subscribed to the room,
// excluding every session owned by excludeUserID. The sender of a message
// or typing event never receives its own fan-out.
func (h *Hub) broadcastRoom(roomID string, frame []byte, excludeUserID string) {
	for c := range h.subscriptions[roomID] {
		if c.userID == excludeUserID {
			continue
		}
		c.enqueue(frame)
	}
}

// broadcastAll fans a frame out to every connected session except the
// originating one. Presence and profile events use this global scope.
func (h *Hub) broadcastAll(frame []byte, origin *Client) {
	for _, c := range h.clients {
		if c == origin {
			continue
		}
		c.enqueue(frame)
	}
}

// sendToUser targets every live session of one user.
func (h *Hub) sendToUser(userID string, frame []byte) {
	for _, sessionID := range h.registry.SessionsFor(userID) {
		if c, ok := h.clients[sessionID]; ok {
			c.enqueue(frame)
		}
	}
}

// persist queues one background write. The live operation has already
// succeeded from the client's point of view; a full queue or failed write
// is logged with enough context to diagnose and absorbed.
func (h *Hub) persist(op, entityID string, fn func() error) {
	select {
	case h.writes <- persistTask{op: op, entityID: entityID, fn: fn}:
	default:
		slog.Warn("Persistence queue full, dropping write", "op", op, "entity_id", entityID)
	}
}

// persistLoop is the single writer draining the queue. One worker applies
// writes strictly in the order they were queued, so a status update never
// lands before the insert it depends on. On shutdown the backlog is
// flushed before the worker exits.
func (h *Hub) persistLoop() {
	for {
		select {
		case t := <-h.writes:
			h.runWrite(t)
		case <-h.done:
			for {
				select {
				case t := <-h.writes:
					h.runWrite(t)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) runWrite(t persistTask) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Persistence task panicked", "op", t.op, "entity_id", t.entityID, "panic", r)
		}
	}()
	if err := t.fn(); err != nil {
		slog.Warn("Persistence write failed", "op", t.op, "entity_id", t.entityID, "error", err)
	}
}

func (h *Hub) sweepMessageRefs(now time.Time) {
	for id, ref := range h.messageRefs {
		if now.Sub(ref.recordedAt) > messageRefTTL {
			delete(h.messageRefs, id)
		}
	}
}
