package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies an envelope variant on the wire
type Kind string

const (
	KindChatMessage    Kind = "CHAT_MESSAGE"
	KindFriendRequest  Kind = "FRIEND_REQUEST"
	KindFriendAccepted Kind = "FRIEND_ACCEPTED"
	KindGroupInvite    Kind = "GROUP_INVITE"
	KindGroupJoined    Kind = "GROUP_JOINED"
)

// Envelope is the unit of work carried through the broker
type Envelope interface {
	Kind() Kind
	IdempotencyKey() string
	isEnvelope()
}

// Meta holds the fields shared by every variant
type Meta struct {
	// Key is the publisher message id. It is only required for chat messages.
	Key string
}

// IdempotencyKey returns the publisher message id
func (m Meta) IdempotencyKey() string { return m.Key }

func (Meta) isEnvelope() {}

// Attachment describes an uploaded object referenced by a chat message
type Attachment struct {
	URL          string
	MimeType     string
	OriginalName string
}

// ChatMessage is a message posted to a room
type ChatMessage struct {
	Meta
	RoomID     int64
	SenderID   *int64
	Content    string
	Seq        *int64
	SentAt     *float64 // unix seconds
	Attachment *Attachment
}

func (ChatMessage) Kind() Kind { return KindChatMessage }

// FriendRequest is a pending friendship from Sender to Receiver
type FriendRequest struct {
	Meta
	SenderID   int64
	ReceiverID int64
	SenderName string
}

func (FriendRequest) Kind() Kind { return KindFriendRequest }

// FriendAccepted marks the Initiator's request as accepted by the Acceptor
type FriendAccepted struct {
	Meta
	InitiatorID  int64
	AcceptorID   int64
	NotifID      *int64
	AcceptorName string
}

func (FriendAccepted) Kind() Kind { return KindFriendAccepted }

// GroupInvite notifies Receiver of an invitation to Room
type GroupInvite struct {
	Meta
	SenderID   int64
	ReceiverID int64
	RoomID     int64
	SenderName string
	RoomName   string
}

func (GroupInvite) Kind() Kind { return KindGroupInvite }

// GroupJoined adds User to Room
type GroupJoined struct {
	Meta
	RoomID  int64
	UserID  int64
	NotifID *int64
}

func (GroupJoined) Kind() Kind { return KindGroupJoined }

// wireEnvelope is the flat JSON record exchanged with the producing API
type wireEnvelope struct {
	Type           Kind      `json:"type,omitempty"`
	PublisherMsgID string    `json:"publisher_msg_id,omitempty"`
	RoomID         *wireInt  `json:"room_id,omitempty"`
	SenderID       *wireInt  `json:"sender_id,omitempty"`
	ReceiverID     *wireInt  `json:"receiver_id,omitempty"`
	InitiatorID    *wireInt  `json:"initiator_id,omitempty"`
	AcceptorID     *wireInt  `json:"acceptor_id,omitempty"`
	UserID         *wireInt  `json:"user_id,omitempty"`
	NotifID        *wireInt  `json:"notif_id,omitempty"`
	Seq            *wireInt  `json:"seq,omitempty"`
	Content        *string   `json:"content,omitempty"`
	TS             *float64  `json:"ts,omitempty"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	AttachmentType *string   `json:"attachment_type,omitempty"`
	OriginalName   *string   `json:"original_name,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	AcceptorName   string    `json:"acceptor_name,omitempty"`
	RoomName       string    `json:"room_name,omitempty"`
}

// wireInt accepts both JSON numbers and numeric strings
type wireInt int64

func (w *wireInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*w = wireInt(n)
	return nil
}

// Decode parses and validates a wire envelope.
// A missing type decodes as a chat message.
func Decode(body []byte) (Envelope, error) {
	env, err := decode(body, true)
	if err != nil {
		return nil, err
	}
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeDraft parses an envelope about to be published. The publisher
// message id may be missing; the producer assigns it and validates.
func DecodeDraft(body []byte) (Envelope, error) {
	return decode(body, false)
}

func decode(body []byte, keyed bool) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "malformed envelope", Err: err}
	}

	meta := Meta{Key: w.PublisherMsgID}

	switch w.Type {
	case "", KindChatMessage:
		if keyed && meta.Key == "" {
			return nil, missing("publisher_msg_id")
		}
		if w.RoomID == nil {
			return nil, missing("room_id")
		}
		if w.Content == nil {
			return nil, missing("content")
		}
		msg := ChatMessage{
			Meta:     meta,
			RoomID:   int64(*w.RoomID),
			SenderID: optional(w.SenderID),
			Content:  *w.Content,
			Seq:      optional(w.Seq),
			SentAt:   w.TS,
		}
		if w.AttachmentURL != nil || w.AttachmentType != nil || w.OriginalName != nil {
			msg.Attachment = &Attachment{
				URL:          deref(w.AttachmentURL),
				MimeType:     deref(w.AttachmentType),
				OriginalName: deref(w.OriginalName),
			}
		}
		return msg, nil

	case KindFriendRequest:
		if err := requireFields(map[string]*wireInt{"sender_id": w.SenderID, "receiver_id": w.ReceiverID}); err != nil {
			return nil, err
		}
		return FriendRequest{
			Meta:       meta,
			SenderID:   int64(*w.SenderID),
			ReceiverID: int64(*w.ReceiverID),
			SenderName: w.SenderName,
		}, nil

	case KindFriendAccepted:
		if err := requireFields(map[string]*wireInt{"initiator_id": w.InitiatorID, "acceptor_id": w.AcceptorID}); err != nil {
			return nil, err
		}
		return FriendAccepted{
			Meta:         meta,
			InitiatorID:  int64(*w.InitiatorID),
			AcceptorID:   int64(*w.AcceptorID),
			NotifID:      optional(w.NotifID),
			AcceptorName: w.AcceptorName,
		}, nil

	case KindGroupInvite:
		if err := requireFields(map[string]*wireInt{"sender_id": w.SenderID, "receiver_id": w.ReceiverID, "room_id": w.RoomID}); err != nil {
			return nil, err
		}
		return GroupInvite{
			Meta:       meta,
			SenderID:   int64(*w.SenderID),
			ReceiverID: int64(*w.ReceiverID),
			RoomID:     int64(*w.RoomID),
			SenderName: w.SenderName,
			RoomName:   w.RoomName,
		}, nil

	case KindGroupJoined:
		if err := requireFields(map[string]*wireInt{"room_id": w.RoomID, "user_id": w.UserID}); err != nil {
			return nil, err
		}
		return GroupJoined{
			Meta:    meta,
			RoomID:  int64(*w.RoomID),
			UserID:  int64(*w.UserID),
			NotifID: optional(w.NotifID),
		}, nil
	}

	return nil, &ValidationError{Field: "type", Reason: "unknown envelope type " + strconv.Quote(string(w.Type))}
}

// Encode renders an envelope in its wire form
func Encode(env Envelope) ([]byte, error) {
	w := wireEnvelope{Type: env.Kind(), PublisherMsgID: env.IdempotencyKey()}

	switch v := env.(type) {
	case ChatMessage:
		w.RoomID = wire(&v.RoomID)
		w.SenderID = wire(v.SenderID)
		w.Content = &v.Content
		w.Seq = wire(v.Seq)
		w.TS = v.SentAt
		if a := v.Attachment; a != nil {
			w.AttachmentURL = nonEmpty(a.URL)
			w.AttachmentType = nonEmpty(a.MimeType)
			w.OriginalName = nonEmpty(a.OriginalName)
		}
	case FriendRequest:
		w.SenderID = wire(&v.SenderID)
		w.ReceiverID = wire(&v.ReceiverID)
		w.SenderName = v.SenderName
	case FriendAccepted:
		w.InitiatorID = wire(&v.InitiatorID)
		w.AcceptorID = wire(&v.AcceptorID)
		w.NotifID = wire(v.NotifID)
		w.AcceptorName = v.AcceptorName
	case GroupInvite:
		w.SenderID = wire(&v.SenderID)
		w.ReceiverID = wire(&v.ReceiverID)
		w.RoomID = wire(&v.RoomID)
		w.SenderName = v.SenderName
		w.RoomName = v.RoomName
	case GroupJoined:
		w.RoomID = wire(&v.RoomID)
		w.UserID = wire(&v.UserID)
		w.NotifID = wire(v.NotifID)
	}

	return json.Marshal(w)
}

// Validate checks the fields a handler requires on an already-typed envelope.
// Identifiers are database keys, so zero counts as missing.
func Validate(env Envelope) error {
	switch v := env.(type) {
	case ChatMessage:
		if v.Key == "" {
			return missing("publisher_msg_id")
		}
		if v.RoomID == 0 {
			return missing("room_id")
		}
	case FriendRequest:
		if v.SenderID == 0 {
			return missing("sender_id")
		}
		if v.ReceiverID == 0 {
			return missing("receiver_id")
		}
	case FriendAccepted:
		if v.InitiatorID == 0 {
			return missing("initiator_id")
		}
		if v.AcceptorID == 0 {
			return missing("acceptor_id")
		}
	case GroupInvite:
		if v.SenderID == 0 {
			return missing("sender_id")
		}
		if v.ReceiverID == 0 {
			return missing("receiver_id")
		}
		if v.RoomID == 0 {
			return missing("room_id")
		}
	case GroupJoined:
		if v.RoomID == 0 {
			return missing("room_id")
		}
		if v.UserID == 0 {
			return missing("user_id")
		}
	case nil:
		return &ValidationError{Field: "type", Reason: "nil envelope"}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported envelope %T", env)}
	}
	return nil
}

// WithKey returns a copy of env carrying key as its publisher message id
func WithKey(env Envelope, key string) Envelope {
	switch v := env.(type) {
	case ChatMessage:
		v.Key = key
		return v
	case FriendRequest:
		v.Key = key
		return v
	case FriendAccepted:
		v.Key = key
		return v
	case GroupInvite:
		v.Key = key
		return v
	case GroupJoined:
		v.Key = key
		return v
	}
	return env
}

func requireFields(fields map[string]*wireInt) error {
	// Report in a stable order so log lines are comparable across deliveries.
	for _, name := range []string{"sender_id", "receiver_id", "initiator_id", "acceptor_id", "room_id", "user_id"} {
		if v, ok := fields[name]; ok && v == nil {
			return missing(name)
		}
	}
	return nil
}

func optional(w *wireInt) *int64 {
	if w == nil {
		return nil
	}
	n := int64(*w)
	return &n
}

func wire(n *int64) *wireInt {
	if n == nil {
		return nil
	}
	w := wireInt(*n)
	return &w
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
