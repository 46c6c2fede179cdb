package models

import (
	"sort"
	"time"
)

type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
)

// Content is either text or an image URL, selected by Kind.
type Content struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
}

func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

func ImageContent(url string) Content {
	return Content{Kind: KindImage, URL: url}
}

// Body returns the payload carried on the wire for either kind.
func (c Content) Body() string {
	if c.Kind == KindImage {
		return c.URL
	}
	return c.Text
}

// Preview is a one-line rendering used by inbox rows.
func (c Content) Preview() string {
	if c.Kind == KindImage {
		return "[image]"
	}
	return c.Text
}

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusUnsent    Status = "unsent" // rejected by the transport, can be retried
)

type Message struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_message_id,omitempty"`
	SenderID     string    `json:"sender_id"`
	ReceiverID   string    `json:"receiver_id"`
	Content      Content   `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	Status       Status    `json:"status"`
	SenderName   string    `json:"sender_name,omitempty"`
	SenderAvatar string    `json:"sender_avatar,omitempty"`
}

// Participant is the nested user object carried by REST records.
type Participant struct {
	ID       string `json:"_id"`
	FullName string `json:"fullName"`
	Avatar   string `json:"avatar,omitempty"`
	Image    string `json:"profileImage,omitempty"`
}

// ConversationSummary is the inbox projection of one peer thread.
type ConversationSummary struct {
	PeerID          string    `json:"peer_id"`
	PeerDisplayName string    `json:"peer_display_name"`
	PeerAvatarURL   string    `json:"peer_avatar_url,omitempty"`
	LastMessage     Content   `json:"last_message"`
	LastTimestamp   time.Time `json:"last_timestamp"`
	UnreadCount     int       `json:"unread_count"`
}

type NotificationStatus string

const (
	NotificationRead   NotificationStatus = "read"
	NotificationUnread NotificationStatus = "unread"
)

type Notification struct {
	ID          string             `json:"id"`
	SenderID    string             `json:"sender_id"`
	SenderName  string             `json:"sender_name"`
	SenderImage string             `json:"sender_image,omitempty"`
	Status      NotificationStatus `json:"status"`
	Content     Content            `json:"content"`
	Timestamp   time.Time          `json:"timestamp"`
}

// ConversationKey identifies a thread by its unordered participant pair.
type ConversationKey struct {
	A string
	B string
}

func NewConversationKey(x, y string) ConversationKey {
	pair := []string{x, y}
	sort.Strings(pair)
	return ConversationKey{A: pair[0], B: pair[1]}
}

func (k ConversationKey) String() string {
	return k.A + ":" + k.B
}

// Has reports whether id is one of the two participants.
func (k ConversationKey) Has(id string) bool {
	return id != "" && (k.A == id || k.B == id)
}

// Other returns the participant that is not id.
func (k ConversationKey) Other(id string) string {
	if k.A == id {
		return k.B
	}
	return k.A
}
