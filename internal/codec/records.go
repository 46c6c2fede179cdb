package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/4xmen/legacychat/internal/models"
)

// RecordContent is the {text, type} object REST records carry. Notification
// records send the bare text instead, which is accepted on read.
type RecordContent struct {
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
}

func (c *RecordContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		c.Type = ""
		return json.Unmarshal(data, &c.Text)
	}
	type plain RecordContent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = RecordContent(p)
	return nil
}

func (c RecordContent) Model() models.Content {
	if c.Type == string(models.KindImage) {
		return models.ImageContent(c.Text)
	}
	return models.TextContent(c.Text)
}

func RecordContentOf(c models.Content) RecordContent {
	return RecordContent{Text: c.Body(), Type: string(c.Kind)}
}

// ParticipantRef is a participant given either as a bare id or as the
// nested user object.
type ParticipantRef struct {
	models.Participant
}

func (r *ParticipantRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		r.Participant = models.Participant{}
		return json.Unmarshal(data, &r.ID)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, &r.Participant)
}

type ChatRecord struct {
	ID          string             `json:"_id,omitempty"`
	ClientMsgID string             `json:"clientMessageId,omitempty"`
	Sender      models.Participant `json:"sender"`
	Receiver    ParticipantRef     `json:"receiver"`
	Content     RecordContent      `json:"content"`
	Timestamp   string             `json:"timestamp"`
}

type HistoryResponse struct {
	Data struct {
		Messages []ChatRecord `json:"messages"`
	} `json:"data"`
}

type ConversationRecord struct {
	PartnerID   string             `json:"partnerId"`
	Partner     models.Participant `json:"partner"`
	LastMessage RecordContent      `json:"lastMessage"`
	Timestamp   string             `json:"timestamp"`
	UnreadCount int                `json:"unreadCount,omitempty"`
}

type ConversationsResponse struct {
	Data []ConversationRecord `json:"data"`
}

type NotificationRecord struct {
	ID        string             `json:"_id"`
	Sender    models.Participant `json:"sender"`
	Status    string             `json:"status"`
	Content   RecordContent      `json:"content"`
	Timestamp string             `json:"timestamp"`
}

type NotificationsResponse struct {
	Notifications []NotificationRecord `json:"notifications"`
}

type UploadResponse struct {
	ImageURL string `json:"imageUrl"`
}

// DecodeHistory flattens a history page into messages, oldest first as sent.
func DecodeHistory(body []byte) ([]models.Message, error) {
	var resp HistoryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	messages := make([]models.Message, 0, len(resp.Data.Messages))
	for _, rec := range resp.Data.Messages {
		messages = append(messages, models.Message{
			ID:           rec.ID,
			ClientID:     rec.ClientMsgID,
			SenderID:     rec.Sender.ID,
			ReceiverID:   rec.Receiver.ID,
			Content:      rec.Content.Model(),
			Timestamp:    ParseTimestamp(rec.Timestamp),
			Status:       models.StatusRead,
			SenderName:   rec.Sender.FullName,
			SenderAvatar: rec.Sender.Avatar,
		})
	}
	return messages, nil
}

func DecodeConversations(body []byte) ([]models.ConversationSummary, error) {
	var resp ConversationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	summaries := make([]models.ConversationSummary, 0, len(resp.Data))
	for _, rec := range resp.Data {
		summaries = append(summaries, models.ConversationSummary{
			PeerID:          rec.PartnerID,
			PeerDisplayName: rec.Partner.FullName,
			PeerAvatarURL:   rec.Partner.Avatar,
			LastMessage:     rec.LastMessage.Model(),
			LastTimestamp:   ParseTimestamp(rec.Timestamp),
			UnreadCount:     rec.UnreadCount,
		})
	}
	return summaries, nil
}

func DecodeNotifications(body []byte) ([]models.Notification, error) {
	var resp NotificationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}

	notifications := make([]models.Notification, 0, len(resp.Notifications))
	for _, rec := range resp.Notifications {
		status := models.NotificationRead
		if rec.Status == string(models.NotificationUnread) {
			status = models.NotificationUnread
		}
		notifications = append(notifications, models.Notification{
			ID:          rec.ID,
			SenderID:    rec.Sender.ID,
			SenderName:  rec.Sender.FullName,
			SenderImage: rec.Sender.Image,
			Status:      status,
			Content:     rec.Content.Model(),
			Timestamp:   ParseTimestamp(rec.Timestamp),
		})
	}
	return notifications, nil
}

func DecodeUpload(body []byte) (string, error) {
	var resp UploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode upload: %w", err)
	}
	if resp.ImageURL == "" {
		return "", fmt.Errorf("decode upload: empty imageUrl")
	}
	return resp.ImageURL, nil
}
