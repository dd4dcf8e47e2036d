package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageText          MessageType = "text"
	MessageSharedContent MessageType = "shared-content"
	MessageSystem        MessageType = "system"
)

// Body is the payload of a message. It is implemented only by TextBody,
// SharedContentBody and SystemBody.
type Body interface {
	Type() MessageType
	Preview() string
	isBody()
}

type TextBody struct {
	Text string `json:"text"`
}

// ContentRef points at a shared post. The chat core never dereferences it.
type ContentRef struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PreviewURL string `json:"preview_url"`
	AuthorName string `json:"author_name"`
}

type SharedContentBody struct {
	Content ContentRef `json:"content"`
}

type SystemBody struct {
	Action   MembershipAction `json:"action"`
	ActorID  string           `json:"actor_id"`
	TargetID string           `json:"target_id,omitempty"`
	Text     string           `json:"text"`
}

func (TextBody) Type() MessageType          { return MessageText }
func (SharedContentBody) Type() MessageType { return MessageSharedContent }
func (SystemBody) Type() MessageType        { return MessageSystem }

func (b TextBody) Preview() string { return b.Text }
func (b SharedContentBody) Preview() string {
	if b.Content.Title == "" {
		return "shared a post"
	}
	return "shared: " + b.Content.Title
}
func (b SystemBody) Preview() string { return b.Text }

func (TextBody) isBody()          {}
func (SharedContentBody) isBody() {}
func (SystemBody) isBody()        {}

// Message is immutable once stored.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       Body      `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m *Message) Type() MessageType {
	if m.Body == nil {
		return ""
	}
	return m.Body.Type()
}

// Text returns the text of a text message and the preview otherwise.
func (m *Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return m.Body.Preview()
}

func (m *Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:         m.ID,
		Type:       m.Type(),
		Text:       m.Text(),
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp,
	}
}

type messageJSON struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"room_id"`
	SenderID   string          `json:"sender_id"`
	SenderName string          `json:"sender_name"`
	Type       MessageType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(m.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Type:       m.Type(),
		Payload:    payload,
		Timestamp:  m.Timestamp,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	body, err := DecodeBody(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:         raw.ID,
		RoomID:     raw.RoomID,
		SenderID:   raw.SenderID,
		SenderName: raw.SenderName,
		Body:       body,
		Timestamp:  raw.Timestamp,
	}
	return nil
}

// DecodeBody rebuilds a Body from its stored type tag and JSON payload.
func DecodeBody(t MessageType, payload []byte) (Body, error) {
	switch t {
	case MessageText:
		var b TextBody
		err := json.Unmarshal(payload, &b)
		return b, err
	case MessageSharedContent:
		var b SharedContentBody
		err := json.Unmarshal(payload, &b)
		return b, err
	case MessageSystem:
		var b SystemBody
		err := json.Unmarshal(payload, &b)
		return b, err
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, t)
	}
}

type SendMessageRequest struct {
	Text          string      `json:"text"`
	SharedContent *ContentRef `json:"shared_content,omitempty"`
}

// WSMessage is the envelope exchanged over the websocket.
type WSMessage struct {
	Event     string      `json:"event"`
	Topic     string      `json:"topic,omitempty"`
	Room      string      `json:"room,omitempty"`
	Text      string      `json:"text,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Data      any         `json:"data,omitempty"`
	Content   *ContentRef `json:"shared_content,omitempty"`
}
