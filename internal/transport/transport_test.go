package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts sockets, records every frame and lets tests push
// frames to, or drop, the most recent connection.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  chan []byte
	headers chan http.Header
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		t:       t,
		frames:  make(chan []byte, 64),
		headers: make(chan http.Header, 8),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.headers <- r.Header.Clone()

	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fs.frames <- data
	}
}

func (fs *fakeServer) latest() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) push(payload string) {
	require.NoError(fs.t, fs.latest().WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (fs *fakeServer) nextFrame() map[string]any {
	select {
	case data := <-fs.frames:
		var frame map[string]any
		require.NoError(fs.t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		fs.t.Fatal("timed out waiting for frame")
		return nil
	}
}

func newManager(url string) *Manager {
	return New(Options{
		URL:            url,
		UserID:         "u1",
		Token:          "tok",
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s", want)
}

func TestConnectRegistersBeforeOpen(t *testing.T) {
	fs := newFakeServer(t)
	m := newManager(fs.url())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateOpen)

	header := <-fs.headers
	assert.Equal(t, "Bearer tok", header.Get("Authorization"))

	first := fs.nextFrame()
	assert.Equal(t, "registerUser", first["type"])
	assert.Equal(t, "u1", first["userId"])

	require.NoError(t, m.Send([]byte(`{"type":"typing","senderId":"u1","receiverId":"u2"}`)))
	assert.Equal(t, "typing", fs.nextFrame()["type"])
}

func TestSendWhileNotOpenFails(t *testing.T) {
	m := newManager("ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, m.Send([]byte(`{}`)), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	assert.ErrorIs(t, m.Send([]byte(`{}`)), ErrNotConnected)

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Send([]byte(`{}`)), ErrNotConnected)
}

func TestSendReportsFullBuffer(t *testing.T) {
	m := newManager("ws://127.0.0.1:1/ws")
	// Open with no writer draining the queue.
	m.state = StateOpen
	m.send = make(chan []byte, 1)

	require.NoError(t, m.Send([]byte(`{"n":1}`)))
	assert.ErrorIs(t, m.Send([]byte(`{"n":2}`)), ErrSendBufferFull)
}

func TestDroppedConnectionReportsUnwrittenFrames(t *testing.T) {
	registered := make(chan struct{})
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		close(registered)
		// Stop reading so the client's writes back up, then drop.
		<-release
	}))
	defer srv.Close()

	m := New(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		UserID:         "u1",
		ReconnectDelay: time.Hour,
		Logger:         zerolog.Nop(),
	})
	defer m.Close()

	var mu sync.Mutex
	var failed [][]byte
	var closedFirst bool
	m.OnSendFailed(func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if len(failed) == 0 {
			closedFirst = m.State() != StateOpen
		}
		failed = append(failed, data)
	})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateOpen)
	<-registered

	payload := strings.Repeat("x", 1<<20)
	accepted := 0
	for i := 0; i < 32; i++ {
		frame := []byte(`{"type":"sendMessage","content":"` + payload + `"}`)
		if m.Send(frame) == nil {
			accepted++
		}
	}
	require.Equal(t, 32, accepted)

	close(release)
	waitState(t, m, StateClosed)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) > 0
	}, 5*time.Second, 5*time.Millisecond, "queued frames vanished without a report")

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, closedFirst, "closed is published before failures are reported")
	assert.LessOrEqual(t, len(failed), accepted)
	for _, data := range failed {
		assert.Contains(t, string(data), `"type":"sendMessage"`)
	}
}

func TestCloseAfterContextCancelEndsClosed(t *testing.T) {
	fs := newFakeServer(t)
	m := newManager(fs.url())

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Connect(ctx))
	waitState(t, m, StateOpen)

	cancel()
	waitState(t, m, StateClosed)
	mu.Lock()
	before := len(states)
	mu.Unlock()

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, states[before:], StateClosing, "closing published after the loop ended")
	assert.Equal(t, StateClosed, states[len(states)-1])
}

func TestInboundFramesArriveInOrder(t *testing.T) {
	fs := newFakeServer(t)
	m := newManager(fs.url())
	defer m.Close()

	var mu sync.Mutex
	var got []string
	unsubscribe := m.OnMessage(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateOpen)
	fs.nextFrame()

	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		fs.push(p)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
	mu.Unlock()

	unsubscribe()
	fs.push(`{"n":4}`)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Len(t, got, 3, "handler called after unsubscribe")
	mu.Unlock()
}

func TestReconnectReRegisters(t *testing.T) {
	fs := newFakeServer(t)
	m := newManager(fs.url())
	defer m.Close()

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateOpen)
	assert.Equal(t, "registerUser", fs.nextFrame()["type"])

	fs.latest().Close()

	assert.Equal(t, "registerUser", fs.nextFrame()["type"], "reconnect must register again")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateClosed)
	assert.Equal(t, StateConnecting, states[0])
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	m := newManager(fs.url())

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	waitState(t, m, StateOpen)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateClosing, StateClosed}, states)
}

func TestCloseBeforeConnect(t *testing.T) {
	m := newManager("ws://127.0.0.1:1/ws")
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
}
