package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/codec"
	"github.com/4xmen/legacychat/internal/db"
	"github.com/4xmen/legacychat/internal/media"
	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/pkg/logger"
)

type MessageHandler struct {
	db            *db.DB
	storagePath   string
	maxUploadSize int64
	publicURL     string
	lang          string
	log           zerolog.Logger
}

type MessageOptions struct {
	StoragePath   string
	MaxUploadSize int64
	// PublicURL prefixes returned file URLs. Empty means the request host.
	PublicURL string
	Language  string
}

func NewMessageHandler(database *db.DB, opts MessageOptions, base zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		db:            database,
		storagePath:   opts.StoragePath,
		maxUploadSize: opts.MaxUploadSize,
		publicURL:     opts.PublicURL,
		lang:          opts.Language,
		log:           logger.Component(base, "messages"),
	}
}

// callerOwns rejects requests for another user's data.
func (h *MessageHandler) callerOwns(c *gin.Context) (string, bool) {
	userID := c.GetString("user_id")
	if userID == "" {
		abortWithError(c, http.StatusUnauthorized, h.lang, "unauthorized")
		return "", false
	}
	if c.Param("userId") != userID {
		abortWithError(c, http.StatusForbidden, h.lang, "unauthorized")
		return "", false
	}
	return userID, true
}

// GetHistory returns the full message history between the caller and peerId.
func (h *MessageHandler) GetHistory(c *gin.Context) {
	userID, ok := h.callerOwns(c)
	if !ok {
		return
	}
	peerID := c.Param("peerId")

	messages, err := h.db.History(c.Request.Context(), userID, peerID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Str("peer_id", peerID).Msg("history query failed")
		abortWithError(c, http.StatusInternalServerError, h.lang, "failed to fetch messages")
		return
	}

	var resp codec.HistoryResponse
	resp.Data.Messages = make([]codec.ChatRecord, 0, len(messages))
	for _, m := range messages {
		resp.Data.Messages = append(resp.Data.Messages, codec.ChatRecord{
			ID:          strconv.FormatInt(m.ID, 10),
			ClientMsgID: m.ClientMsgID,
			Sender:      participant(m.Sender),
			Receiver:    codec.ParticipantRef{Participant: participant(m.Receiver)},
			Content:     codec.RecordContent{Text: m.Content, Type: m.ContentType},
			Timestamp:   codec.FormatTimestamp(m.CreatedAt),
		})
	}

	c.JSON(http.StatusOK, resp)
}

// GetConversations lists the caller's chat partners, newest first.
func (h *MessageHandler) GetConversations(c *gin.Context) {
	userID, ok := h.callerOwns(c)
	if !ok {
		return
	}

	conversations, err := h.db.Conversations(c.Request.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("conversations query failed")
		abortWithError(c, http.StatusInternalServerError, h.lang, "failed to fetch conversations")
		return
	}

	resp := codec.ConversationsResponse{Data: make([]codec.ConversationRecord, 0, len(conversations))}
	for _, conv := range conversations {
		resp.Data = append(resp.Data, codec.ConversationRecord{
			PartnerID:   conv.Partner.ID,
			Partner:     participant(conv.Partner),
			LastMessage: codec.RecordContent{Text: conv.LastMessage, Type: conv.ContentType},
			Timestamp:   codec.FormatTimestamp(conv.CreatedAt),
			UnreadCount: conv.UnreadCount,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (h *MessageHandler) GetNotifications(c *gin.Context) {
	userID, ok := h.callerOwns(c)
	if !ok {
		return
	}

	notifications, err := h.db.Notifications(c.Request.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("notifications query failed")
		abortWithError(c, http.StatusInternalServerError, h.lang, "failed to fetch notifications")
		return
	}

	resp := codec.NotificationsResponse{Notifications: make([]codec.NotificationRecord, 0, len(notifications))}
	for _, n := range notifications {
		resp.Notifications = append(resp.Notifications, codec.NotificationRecord{
			ID: strconv.FormatInt(n.ID, 10),
			Sender: models.Participant{
				ID:       n.Sender.ID,
				FullName: n.Sender.FullName,
				Image:    n.Sender.AvatarURL,
			},
			Status:    n.Status,
			Content:   codec.RecordContent{Text: n.Content, Type: n.ContentType},
			Timestamp: codec.FormatTimestamp(n.CreatedAt),
		})
	}

	c.JSON(http.StatusOK, resp)
}

// MarkRead marks every notification from peerId to the caller as read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID, ok := h.callerOwns(c)
	if !ok {
		return
	}

	n, err := h.db.MarkRead(c.Request.Context(), userID, c.Param("peerId"))
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("mark read failed")
		abortWithError(c, http.StatusInternalServerError, h.lang, "failed to update notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// UploadFile stores an image posted as multipart field "file" and returns
// its public URL. The content type is sniffed, never taken from the client.
func (h *MessageHandler) UploadFile(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		abortWithError(c, http.StatusUnauthorized, h.lang, "unauthorized")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		abortWithError(c, http.StatusBadRequest, h.lang, "file is required")
		return
	}
	defer file.Close()

	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		abortWithError(c, http.StatusRequestEntityTooLarge, h.lang, "file too large")
		return
	}

	var body io.Reader = file
	if h.maxUploadSize > 0 {
		body = io.LimitReader(file, h.maxUploadSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, h.lang, "invalid request")
		return
	}

	asset := &media.LocalAsset{Name: uuid.NewString(), Data: data}
	if err := media.Prepare(asset, h.maxUploadSize); err != nil {
		switch {
		case errors.Is(err, media.ErrTooLarge):
			abortWithError(c, http.StatusRequestEntityTooLarge, h.lang, "file too large")
		default:
			abortWithError(c, http.StatusBadRequest, h.lang, "file must be an image")
		}
		return
	}

	path := filepath.Join(h.storagePath, asset.Name)
	if err := os.WriteFile(path, asset.Data, 0o644); err != nil {
		h.log.Error().Err(err).Str("path", path).Msg("failed to write upload")
		abortWithError(c, http.StatusInternalServerError, h.lang, "failed to save file")
		return
	}

	if err := h.db.SaveFile(c.Request.Context(), db.File{
		UploaderID:  userID,
		FileName:    header.Filename,
		FilePath:    path,
		FileSize:    asset.Size(),
		ContentType: asset.ContentType,
	}); err != nil {
		os.Remove(path)
		h.log.Error().Err(err).Msg("failed to record upload")
		abortWithError(c, http.StatusInternalServerError, h.lang, "failed to save file")
		return
	}

	h.log.Info().Str("user_id", userID).Str("file", asset.Name).Int64("size", asset.Size()).Msg("image uploaded")
	c.JSON(http.StatusOK, codec.UploadResponse{ImageURL: h.fileURL(c, asset.Name)})
}

func (h *MessageHandler) fileURL(c *gin.Context, name string) string {
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + "/api/files/" + name
}

func participant(u db.User) models.Participant {
	return models.Participant{ID: u.ID, FullName: u.FullName, Avatar: u.AvatarURL}
}
