package models

import "time"

// RoomKind distinguishes two-party rooms from group rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// MessageKind describes what the opaque payload carries.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageFile   MessageKind = "file"
	MessageVoice  MessageKind = "voice"
	MessageSystem MessageKind = "system"
)

// MessageStatus is monotonic per message from the sender's perspective.
// "sending" is client-local and never reaches the server.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// User is a logical identity. The server never inspects PublicKey; it is
// opaque key material published by the client for its peers.
type User struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	PublicKey   Base64Bytes `json:"publicKey,omitempty"`
	Avatar      string      `json:"avatar,omitempty"`
	Online      bool        `json:"online"`
	LastSeen    time.Time   `json:"lastSeen"`
}

// Room is durable membership state. MemberIDs is the single source of truth
// for who receives broadcasts; it may contain ids of users that have never
// connected.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      RoomKind  `json:"kind"`
	MemberIDs []string  `json:"memberIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether id is in the room's member set.
func (r *Room) HasMember(id string) bool {
	for _, m := range r.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Participant is the client-facing projection of a room member.
type Participant struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	PublicKey   Base64Bytes `json:"publicKey,omitempty"`
	Online      bool        `json:"online"`
}

// RoomView is a room serialized for one specific viewer: memberIds expanded
// into participant projections, and for direct rooms the name replaced with
// the other participant's display name. Never stored.
type RoomView struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Kind         RoomKind      `json:"kind"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// FileMeta describes an uploaded attachment. The message pipeline carries
// only the blob-store URL and metadata, never raw bytes.
type FileMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

// Message content is opaque to the server: Content and EncryptedContent are
// relayed and persisted verbatim. ID is server-assigned and is the client's
// sole dedup key for replayed messageNew events.
type Message struct {
	ID               string        `json:"id"`
	RoomID           string        `json:"roomId"`
	SenderID         string        `json:"senderId"`
	SenderName       string        `json:"senderName"`
	Content          string        `json:"content,omitempty"`
	EncryptedContent string        `json:"encryptedContent,omitempty"`
	Kind             MessageKind   `json:"kind"`
	Status           MessageStatus `json:"status"`
	Timestamp        time.Time     `json:"timestamp"`
	FileMeta         *FileMeta     `json:"fileMeta,omitempty"`
}
