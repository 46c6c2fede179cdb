package chat

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/internal/transport"
)

type fakeTransport struct {
	mu        sync.Mutex
	state     transport.State
	sent      [][]byte
	nextID    int
	onMessage map[int]func([]byte)
	onState   map[int]func(transport.State)
	onFailed  map[int]func([]byte)
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:     transport.StateOpen,
		onMessage: make(map[int]func([]byte)),
		onState:   make(map[int]func(transport.State)),
		onFailed:  make(map[int]func([]byte)),
	}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateOpen {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnMessage(h func([]byte)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.onMessage[id] = h
	return func() {
		f.mu.Lock()
		delete(f.onMessage, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) OnStateChange(h func(transport.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.onState[id] = h
	return func() {
		f.mu.Lock()
		delete(f.onState, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) OnSendFailed(h func([]byte)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.onFailed[id] = h
	return func() {
		f.mu.Lock()
		delete(f.onFailed, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.setState(transport.StateClosed)
	return nil
}

func (f *fakeTransport) emit(frame string) {
	f.mu.Lock()
	handlers := make([]func([]byte), 0, len(f.onMessage))
	for _, h := range f.onMessage {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h([]byte(frame))
	}
}

// unwritten reports data as a frame the connection never wrote.
func (f *fakeTransport) unwritten(data []byte) {
	f.mu.Lock()
	handlers := make([]func([]byte), 0, len(f.onFailed))
	for _, h := range f.onFailed {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeTransport) setState(s transport.State) {
	f.mu.Lock()
	f.state = s
	handlers := make([]func(transport.State), 0, len(f.onState))
	for _, h := range f.onState {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (f *fakeTransport) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onMessage) + len(f.onState) + len(f.onFailed)
}

// frames returns sent frames of the given type, decoded.
func (f *fakeTransport) frames(t *testing.T, typ string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, data := range f.sent {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == typ {
			out = append(out, frame)
		}
	}
	return out
}

type fakeBackend struct {
	mu            sync.Mutex
	history       []models.Message
	historyErr    error
	historyBlock  chan struct{}
	historyCalls  int
	uploadURL     string
	uploadErr     error
	uploads       []string
	notifications []models.Notification
	marked        []string
}

func (b *fakeBackend) History(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	b.mu.Lock()
	b.historyCalls++
	block := b.historyBlock
	msgs, err := b.history, b.historyErr
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

func (b *fakeBackend) Upload(_ context.Context, filename, contentType string, data io.Reader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	b.uploads = append(b.uploads, filename+" "+contentType)
	return b.uploadURL, nil
}

func (b *fakeBackend) Conversations(context.Context, string) ([]models.ConversationSummary, error) {
	return nil, nil
}

func (b *fakeBackend) Notifications(context.Context, string) ([]models.Notification, error) {
	return b.notifications, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, userID, peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, userID+"/"+peerID)
	return nil
}

func (b *fakeBackend) setHistory(msgs []models.Message, err error) {
	b.mu.Lock()
	b.history, b.historyErr = msgs, err
	b.mu.Unlock()
}

func newTestClient(t *testing.T, tr *fakeTransport, be *fakeBackend) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		UserID:        "u1",
		Transport:     tr,
		Backend:       be,
		TypingWindow:  300 * time.Millisecond,
		TypingTimeout: 3 * time.Second,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func openLoaded(t *testing.T, c *Client, peerID string) *Session {
	t.Helper()
	s, err := c.Open(context.Background(), peerID, "Peer")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.HistoryState() != HistoryLoading }, 2*time.Second, 5*time.Millisecond)
	return s
}

func nextNotice(t *testing.T, s *Session) Notice {
	t.Helper()
	select {
	case n := <-s.Notices():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notice")
		return Notice{}
	}
}
