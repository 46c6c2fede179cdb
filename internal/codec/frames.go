package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/4xmen/legacychat/internal/models"
)

const (
	TypeSendMessage    = "sendMessage"
	TypeReceiveMessage = "receiveMessage"
	TypeTyping         = "typing"
	TypeRegisterUser   = "registerUser"
)

var (
	ErrMalformedFrame = errors.New("codec: malformed frame")
	ErrUnknownFrame   = errors.New("codec: unknown frame type")
)

// Frame is the socket envelope in both directions. Type discriminates.
type Frame struct {
	Type        string       `json:"type"`
	SenderID    string       `json:"senderId,omitempty"`
	ReceiverID  string       `json:"receiverId,omitempty"`
	UserID      string       `json:"userId,omitempty"`
	Content     FrameContent `json:"content,omitzero"`
	ContentType string       `json:"contentType,omitempty"`
	ClientMsgID string       `json:"clientMessageId,omitempty"`
	MessageID   string       `json:"messageId,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// FrameContent is written as a plain string. Older peers nest it as
// {"text": ..., "type": ...}, which is accepted on read.
type FrameContent struct {
	Text string
	Type string
}

func (c FrameContent) IsZero() bool {
	return c.Text == "" && c.Type == ""
}

func (c FrameContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Text)
}

func (c *FrameContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = FrameContent{}
		return nil
	case data[0] == '"':
		return json.Unmarshal(data, &c.Text)
	case data[0] == '{':
		var nested struct {
			Text string `json:"text"`
			URL  string `json:"url"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &nested); err != nil {
			return err
		}
		c.Text = nested.Text
		if c.Text == "" {
			c.Text = nested.URL
		}
		c.Type = nested.Type
		return nil
	default:
		return fmt.Errorf("content must be a string or object")
	}
}

// Event is one decoded inbound frame.
type Event interface {
	frameType() string
}

type MessageReceived struct {
	Message models.Message
}

type TypingReceived struct {
	SenderID   string
	ReceiverID string
}

func (MessageReceived) frameType() string { return TypeReceiveMessage }
func (TypingReceived) frameType() string  { return TypeTyping }

// Decode parses one inbound socket frame.
func Decode(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeReceiveMessage:
		if f.SenderID == "" || f.Content.Text == "" {
			return nil, fmt.Errorf("%w: receiveMessage needs senderId and content", ErrMalformedFrame)
		}
		return MessageReceived{Message: f.Message()}, nil
	case TypeTyping:
		if f.SenderID == "" {
			return nil, fmt.Errorf("%w: typing needs senderId", ErrMalformedFrame)
		}
		return TypingReceived{SenderID: f.SenderID, ReceiverID: f.ReceiverID}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

// Message projects a message-carrying frame into the model. Inbound
// messages arrive as read; the kind is text unless the frame marks it image.
func (f Frame) Message() models.Message {
	kind := models.KindText
	if f.ContentType == string(models.KindImage) || f.Content.Type == string(models.KindImage) {
		kind = models.KindImage
	}

	content := models.TextContent(f.Content.Text)
	if kind == models.KindImage {
		content = models.ImageContent(f.Content.Text)
	}

	return models.Message{
		ID:         f.MessageID,
		ClientID:   f.ClientMsgID,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Content:    content,
		Timestamp:  ParseTimestamp(f.Timestamp),
		Status:     models.StatusRead,
	}
}

// EncodeSend builds the outbound sendMessage frame for msg.
func EncodeSend(msg models.Message) ([]byte, error) {
	return json.Marshal(SendFrame(msg))
}

func SendFrame(msg models.Message) Frame {
	return Frame{
		Type:        TypeSendMessage,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Content:     FrameContent{Text: msg.Content.Body()},
		ContentType: string(msg.Content.Kind),
		ClientMsgID: msg.ClientID,
		Timestamp:   FormatTimestamp(msg.Timestamp),
	}
}

// DecodeSend reads back an outbound sendMessage frame, for frames the
// transport reports as never written.
func DecodeSend(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type != TypeSendMessage {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	if f.ClientMsgID == "" {
		return Frame{}, fmt.Errorf("%w: sendMessage needs clientMessageId", ErrMalformedFrame)
	}
	return f, nil
}

func EncodeTyping(senderID, receiverID string) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeTyping, SenderID: senderID, ReceiverID: receiverID})
}

func EncodeRegister(userID string) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeRegisterUser, UserID: userID})
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds.
// Empty or unparseable input yields the zero time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
