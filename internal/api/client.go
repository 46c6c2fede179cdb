package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/codec"
	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/pkg/logger"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the marketplace REST API. BaseURL already includes the
// /api prefix.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   zerolog.Logger
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:  strings.TrimRight(opts.BaseURL, "/"),
		token: opts.Token,
		http:  hc,
		log:   logger.Component(opts.Logger, "api"),
	}
}

// History returns the messages between userID and peerID, oldest first.
func (c *Client) History(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(userID)+"/"+url.PathEscape(peerID), nil, "")
	if err != nil {
		return nil, err
	}
	return codec.DecodeHistory(body)
}

func (c *Client) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	body, err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(userID), nil, "")
	if err != nil {
		return nil, err
	}
	return codec.DecodeConversations(body)
}

func (c *Client) Notifications(ctx context.Context, userID string) ([]models.Notification, error) {
	body, err := c.do(ctx, http.MethodGet, "/notification/"+url.PathEscape(userID), nil, "")
	if err != nil {
		return nil, err
	}
	return codec.DecodeNotifications(body)
}

// MarkRead marks every notification from peerID to userID as read.
func (c *Client) MarkRead(ctx context.Context, userID, peerID string) error {
	_, err := c.do(ctx, http.MethodPut, "/notification/"+url.PathEscape(userID)+"/"+url.PathEscape(peerID)+"/read", nil, "")
	return err
}

// Upload posts data as the multipart field "file" and returns the URL the
// server stored it under.
func (c *Client) Upload(ctx context.Context, filename, contentType string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, data); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	body, err := c.do(ctx, http.MethodPost, "/upload", &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	return codec.DecodeUpload(body)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
