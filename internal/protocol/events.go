// Package protocol defines the wire protocol spoken over a chat websocket:
// a closed set of inbound client events and outbound server events, each a
// frame carrying an event name and a JSON payload. Inbound frames are
// validated at the boundary; an event that does not parse into exactly one
// known payload shape is rejected before it reaches the coordinator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valyala/fastjson"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
)

// Inbound event names.
const (
	EventAuthenticate  = "authenticate"
	EventRoomCreate    = "roomCreate"
	EventRoomJoin      = "roomJoin"
	EventRoomLeave     = "roomLeave"
	EventMessageSend   = "messageSend"
	EventMessageRead   = "messageRead"
	EventTypingStart   = "typingStart"
	EventTypingStop    = "typingStop"
	EventProfileUpdate = "profileUpdate"
)

// Outbound event names.
const (
	EventRoomsList          = "roomsList"
	EventRoomCreated        = "roomCreated"
	EventMessagesHistory    = "messagesHistory"
	EventMessageNew         = "messageNew"
	EventMessageSent        = "messageSent"
	EventUserOnline         = "userOnline"
	EventUserOffline        = "userOffline"
	EventUserProfileUpdated = "userProfileUpdated"
	EventError              = "error"
)

// ErrorReason is the machine-readable taxonomy carried by outbound error events.
type ErrorReason string

const (
	ReasonNotAuthenticated ErrorReason = "NotAuthenticated"
	ReasonRoomNotFound     ErrorReason = "RoomNotFound"
	ReasonUserNotFound     ErrorReason = "UserNotFound"
	ReasonValidation       ErrorReason = "ValidationError"
)

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var ErrUnknownEvent = errors.New("unknown event type")

// ValidationError reports an inbound frame that failed boundary validation.
type ValidationError struct {
	Event  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Event == "" {
		return "invalid frame: " + e.Detail
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Event, e.Detail)
}

func invalid(event, detail string) error {
	return &ValidationError{Event: event, Detail: detail}
}

// Inbound is implemented by every decoded client event payload.
type Inbound interface {
	EventType() string
	validate() error
}

type Authenticate struct {
	UserID      string             `json:"userId"`
	DisplayName string             `json:"displayName,omitempty"`
	PublicKey   models.Base64Bytes `json:"publicKey,omitempty"`
	Avatar      string             `json:"avatar,omitempty"`
}

func (*Authenticate) EventType() string { return EventAuthenticate }

func (a *Authenticate) validate() error {
	if a.UserID == "" {
		return invalid(EventAuthenticate, "userId is required")
	}
	return nil
}

type RoomCreate struct {
	Name           string          `json:"name"`
	Kind           models.RoomKind `json:"kind"`
	ParticipantIDs []string        `json:"participantIds"`
}

func (*RoomCreate) EventType() string { return EventRoomCreate }

func (r *RoomCreate) validate() error {
	switch r.Kind {
	case models.RoomDirect:
		// A direct room is the creator plus exactly one other participant.
		if len(r.ParticipantIDs) != 1 {
			return invalid(EventRoomCreate, "direct rooms take exactly one participant")
		}
	case models.RoomGroup:
	case "":
		return invalid(EventRoomCreate, "kind is required")
	default:
		return invalid(EventRoomCreate, "kind must be direct or group")
	}
	return nil
}

type RoomJoin struct {
	RoomID string `json:"roomId"`
}

func (*RoomJoin) EventType() string { return EventRoomJoin }

func (r *RoomJoin) validate() error {
	if r.RoomID == "" {
		return invalid(EventRoomJoin, "roomId is required")
	}
	return nil
}

type RoomLeave struct {
	RoomID string `json:"roomId"`
}

func (*RoomLeave) EventType() string { return EventRoomLeave }

func (r *RoomLeave) validate() error {
	if r.RoomID == "" {
		return invalid(EventRoomLeave, "roomId is required")
	}
	return nil
}

type MessageSend struct {
	RoomID           string             `json:"roomId"`
	Content          string             `json:"content,omitempty"`
	EncryptedContent string             `json:"encryptedContent,omitempty"`
	ClientTempID     string             `json:"clientTempId"`
	Kind             models.MessageKind `json:"kind,omitempty"`
	FileMeta         *models.FileMeta   `json:"fileMeta,omitempty"`
}

func (*MessageSend) EventType() string { return EventMessageSend }

func (m *MessageSend) validate() error {
	if m.RoomID == "" {
		return invalid(EventMessageSend, "roomId is required")
	}
	if m.Content == "" && m.EncryptedContent == "" {
		return invalid(EventMessageSend, "content or encryptedContent is required")
	}
	switch m.Kind {
	case "", models.MessageText, models.MessageFile, models.MessageVoice, models.MessageSystem:
	default:
		return invalid(EventMessageSend, "unknown message kind")
	}
	return nil
}

type MessageRead struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

func (*MessageRead) EventType() string { return EventMessageRead }

func (m *MessageRead) validate() error {
	if m.RoomID == "" || m.MessageID == "" {
		return invalid(EventMessageRead, "roomId and messageId are required")
	}
	return nil
}

type TypingStart struct {
	RoomID string `json:"roomId"`
}

func (*TypingStart) EventType() string { return EventTypingStart }

func (t *TypingStart) validate() error {
	if t.RoomID == "" {
		return invalid(EventTypingStart, "roomId is required")
	}
	return nil
}

type TypingStop struct {
	RoomID string `json:"roomId"`
}

func (*TypingStop) EventType() string { return EventTypingStop }

func (t *TypingStop) validate() error {
	if t.RoomID == "" {
		return invalid(EventTypingStop, "roomId is required")
	}
	return nil
}

type ProfileUpdate struct {
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

func (*ProfileUpdate) EventType() string { return EventProfileUpdate }

func (p *ProfileUpdate) validate() error {
	if p.DisplayName == "" && p.Avatar == "" {
		return invalid(EventProfileUpdate, "displayName or avatar is required")
	}
	return nil
}

// DecodeInbound parses a raw websocket frame into exactly one typed inbound
// event. The raw bytes are first checked to be well-formed JSON and carry a
// known type tag (fastjson, no allocation for the rejection path), then the
// payload is unmarshalled into the closed union and validated.
func DecodeInbound(data []byte) (Inbound, error) {
	if err := fastjson.ValidateBytes(data); err != nil {
		return nil, invalid("", "malformed JSON")
	}
	eventType := fastjson.GetString(data, "type")
	if eventType == "" {
		return nil, invalid("", "missing type tag")
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, invalid(eventType, "malformed envelope")
	}

	var event Inbound
	switch eventType {
	case EventAuthenticate:
		event = &Authenticate{}
	case EventRoomCreate:
		event = &RoomCreate{}
	case EventRoomJoin:
		event = &RoomJoin{}
	case EventRoomLeave:
		event = &RoomLeave{}
	case EventMessageSend:
		event = &MessageSend{}
	case EventMessageRead:
		event = &MessageRead{}
	case EventTypingStart:
		event = &TypingStart{}
	case EventTypingStop:
		event = &TypingStop{}
	case EventProfileUpdate:
		event = &ProfileUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}

	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, event); err != nil {
			return nil, invalid(eventType, err.Error())
		}
	}
	if err := event.validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// Outbound payload shapes.

type RoomsListPayload struct {
	Rooms []models.RoomView `json:"rooms"`
}

type MessagesHistoryPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []models.Message `json:"messages"`
}

type MessageNewPayload struct {
	RoomID  string         `json:"roomId"`
	Message models.Message `json:"message"`
}

type MessageSentPayload struct {
	RoomID       string `json:"roomId"`
	MessageID    string `json:"messageId"`
	ClientTempID string `json:"clientTempId"`
}

type MessageReadPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

type UserOfflinePayload struct {
	UserID   string `json:"userId"`
	LastSeen int64  `json:"lastSeen"`
}

type UserProfileUpdatedPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

type ErrorPayload struct {
	Message string      `json:"message"`
	Reason  ErrorReason `json:"reason"`
}

// Encode marshals an outbound frame. Marshal failures are a programming
// error on our own types; they are logged and yield nil so callers can
// treat the frame as undeliverable.
func Encode(eventType string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal outbound payload", "type", eventType, "error", err)
		return nil
	}
	data, err := json.Marshal(Frame{Type: eventType, Payload: raw})
	if err != nil {
		slog.Error("Failed to marshal outbound frame", "type", eventType, "error", err)
		return nil
	}
	return data
}

// EncodeError builds the typed error event sent to exactly one session.
func EncodeError(reason ErrorReason, message string) []byte {
	return Encode(EventError, ErrorPayload{Message: message, Reason: reason})
}
