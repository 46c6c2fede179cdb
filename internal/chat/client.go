package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/api"
	"github.com/4xmen/legacychat/internal/inbox"
	"github.com/4xmen/legacychat/internal/media"
	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/internal/store"
	"github.com/4xmen/legacychat/internal/transport"
	"github.com/4xmen/legacychat/pkg/logger"
)

var (
	ErrNoIdentity   = errors.New("chat: no local user identity, sign in first")
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrClosed       = errors.New("chat: closed")
	ErrNotUnsent    = errors.New("chat: message is not waiting for retry")
)

// Transport is the socket surface the client needs. *transport.Manager
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	State() transport.State
	OnMessage(h func([]byte)) (unsubscribe func())
	OnStateChange(h func(transport.State)) (unsubscribe func())
	OnSendFailed(h func([]byte)) (unsubscribe func())
	Close() error
}

// Backend is the REST surface the client needs. *api.Client implements it.
type Backend interface {
	inbox.Source
	History(ctx context.Context, userID, peerID string) ([]models.Message, error)
	Upload(ctx context.Context, filename, contentType string, data io.Reader) (string, error)
}

type ClientOptions struct {
	UserID    string
	Token     string
	Language  string
	APIURL    string
	SocketURL string

	ReconnectDelay time.Duration
	TypingWindow   time.Duration
	TypingTimeout  time.Duration
	MaxUploadSize  int64

	// Optional overrides; built from the URLs above when nil.
	Transport Transport
	Backend   Backend
	Picker    media.Picker

	Logger zerolog.Logger
}

// Client is the process-wide chat core: one socket registered for the
// local user, shared by every open conversation.
type Client struct {
	userID    string
	lang      string
	transport Transport
	backend   Backend
	inbox     *inbox.Aggregator
	picker    media.Picker
	maxUpload int64

	typingWindow  time.Duration
	typingTimeout time.Duration

	log zerolog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

func NewClient(opts ClientOptions) (*Client, error) {
	userID := opts.UserID
	if userID == "" && opts.Token != "" {
		id, err := UserIDFromToken(opts.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoIdentity, err)
		}
		userID = id
	}
	if userID == "" {
		return nil, ErrNoIdentity
	}

	log := opts.Logger.With().Str("user_id", userID).Logger()

	tr := opts.Transport
	if tr == nil {
		tr = transport.New(transport.Options{
			URL:            opts.SocketURL,
			UserID:         userID,
			Token:          opts.Token,
			ReconnectDelay: opts.ReconnectDelay,
			Logger:         log,
		})
	}
	backend := opts.Backend
	if backend == nil {
		backend = api.New(api.Options{BaseURL: opts.APIURL, Token: opts.Token, Logger: log})
	}
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}

	return &Client{
		userID:        userID,
		lang:          lang,
		transport:     tr,
		backend:       backend,
		inbox:         inbox.NewAggregator(backend, userID, log),
		picker:        opts.Picker,
		maxUpload:     opts.MaxUploadSize,
		typingWindow:  opts.TypingWindow,
		typingTimeout: opts.TypingTimeout,
		log:           logger.Component(log, "chat"),
		sessions:      make(map[*Session]struct{}),
	}, nil
}

// UserIDFromToken reads the user_id claim (or sub) from a JWT without
// verifying it. The server verifies; the client only needs to know who it
// is.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	for _, key := range []string{"user_id", "sub"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", errors.New("token has no user_id claim")
}

func (c *Client) UserID() string { return c.userID }

// Start connects the shared socket. It returns once the connection loop
// is running, not when the socket is open.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.transport.Connect(ctx)
}

func (c *Client) ConnectionState() transport.State {
	return c.transport.State()
}

// Open starts a conversation view with peerID and begins loading its
// history in the background.
func (c *Client) Open(ctx context.Context, peerID, displayName string) (*Session, error) {
	conv, err := store.New(c.userID, peerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	s := newSession(ctx, c, conv, displayName)
	c.sessions[s] = struct{}{}
	c.log.Info().Str("peer_id", peerID).Msg("conversation opened")
	return s, nil
}

func (c *Client) Inbox() *inbox.Aggregator { return c.inbox }

// Close closes every open session, then the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	c.inbox.Wait()
	return c.transport.Close()
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

func (c *Client) pipeline(picker media.Picker) *media.Pipeline {
	return &media.Pipeline{
		Picker: picker,
		Uploader: media.UploaderFunc(func(ctx context.Context, a *media.LocalAsset) (string, error) {
			return c.backend.Upload(ctx, a.Name, a.ContentType, bytes.NewReader(a.Data))
		}),
		MaxSize: c.maxUpload,
		Logger:  c.log,
	}
}
