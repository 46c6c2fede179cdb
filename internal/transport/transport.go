package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/codec"
	"github.com/4xmen/legacychat/pkg/logger"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrSendBufferFull = errors.New("transport: send buffer full")
	ErrClosed         = errors.New("transport: manager closed")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type Options struct {
	URL               string
	UserID            string
	Token             string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Dialer            *websocket.Dialer
	Logger            zerolog.Logger
}

// Manager owns the process-wide socket. Every connection it opens is
// registered for UserID before it is published as open, and it reconnects
// until Close is called.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	state   State
	send    chan []byte
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	hmu                sync.RWMutex
	nextHandlerID      int
	messageHandlers    map[int]func([]byte)
	stateHandlers      map[int]func(State)
	sendFailedHandlers map[int]func([]byte)
}

func New(opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Manager{
		opts:            opts,
		log:             logger.Component(opts.Logger, "transport"),
		state:           StateClosed,
		done:            make(chan struct{}),
		messageHandlers:    make(map[int]func([]byte)),
		stateHandlers:      make(map[int]func(State)),
		sendFailedHandlers: make(map[int]func([]byte)),
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) UserID() string {
	return m.opts.UserID
}

// Connect starts the connection loop and returns immediately. Progress is
// reported to OnStateChange observers.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Send queues one frame on the open connection. It never drops silently:
// ErrNotConnected while connecting or closed, ErrSendBufferFull when the
// writer is behind. A queued frame that the connection could not write
// before it ended is handed to OnSendFailed observers.
func (m *Manager) Send(data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateOpen || m.send == nil {
		return ErrNotConnected
	}
	select {
	case m.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// OnMessage registers h for every inbound frame. Frames are delivered in
// arrival order from a single goroutine.
func (m *Manager) OnMessage(h func([]byte)) (unsubscribe func()) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.messageHandlers[id] = h
	return func() {
		m.hmu.Lock()
		delete(m.messageHandlers, id)
		m.hmu.Unlock()
	}
}

func (m *Manager) OnStateChange(h func(State)) (unsubscribe func()) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.stateHandlers[id] = h
	return func() {
		m.hmu.Lock()
		delete(m.stateHandlers, id)
		m.hmu.Unlock()
	}
}

// OnSendFailed registers h for every frame Send accepted that was not
// written because its connection ended. It runs after the closed state
// has been published.
func (m *Manager) OnSendFailed(h func([]byte)) (unsubscribe func()) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.sendFailedHandlers[id] = h
	return func() {
		m.hmu.Lock()
		delete(m.sendFailedHandlers, id)
		m.hmu.Unlock()
	}
}

// Close stops reconnecting and tears the socket down. It is idempotent and
// safe to call before the connection ever opened.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started, cancel := m.started, m.cancel
	m.mu.Unlock()

	if !started {
		m.setState(StateClosed)
		return nil
	}

	// A loop already ended by the Connect context has published closed.
	select {
	case <-m.done:
	default:
		m.setState(StateClosing)
	}
	cancel()
	<-m.done
	m.setState(StateClosed)
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(StateClosed)

	delay := m.opts.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)

		conn, err := m.dial(ctx)
		if err == nil {
			delay = m.opts.ReconnectDelay
			m.serve(ctx, conn)
		} else if ctx.Err() == nil {
			m.log.Warn().Err(err).Str("url", m.opts.URL).Msg("dial failed")
		}

		if ctx.Err() != nil {
			return
		}
		m.setState(StateClosed)

		m.log.Info().Dur("retry_in", delay).Msg("connection lost, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.opts.MaxReconnectDelay {
			delay = m.opts.MaxReconnectDelay
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		return nil, err
	}

	register, err := codec.EncodeRegister(m.opts.UserID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, register); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register user: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it drops or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, sendBuffer)
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	m.mu.Lock()
	m.send = send
	m.mu.Unlock()
	m.setState(StateOpen)
	m.log.Info().Str("user_id", m.opts.UserID).Msg("connected")

	var unwritten [][]byte
	go func() {
		defer close(writerDone)
		if data := m.writePump(ctx, conn, send, stop); data != nil {
			unwritten = append(unwritten, data)
		}
	}()

	m.readPump(conn)

	// Send can no longer queue on this connection once closed is published.
	m.setState(StateClosed)
	close(stop)
	conn.Close()
	<-writerDone

	unwritten = append(unwritten, drain(send)...)
	if len(unwritten) > 0 {
		m.log.Warn().Int("frames", len(unwritten)).Msg("connection dropped with unsent frames")
		m.reportUnsent(unwritten)
	}
}

func drain(send chan []byte) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-send:
			out = append(out, data)
		default:
			return out
		}
	}
}

func (m *Manager) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		m.dispatch(data)
	}
}

// writePump returns the frame it failed to write, if any.
func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) []byte {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.log.Warn().Err(err).Msg("write failed")
				return data
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}

		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case <-stop:
			return nil
		}
	}
}

func (m *Manager) dispatch(data []byte) {
	m.hmu.RLock()
	handlers := make([]func([]byte), 0, len(m.messageHandlers))
	for _, h := range m.messageHandlers {
		handlers = append(handlers, h)
	}
	m.hmu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}

func (m *Manager) reportUnsent(frames [][]byte) {
	m.hmu.RLock()
	handlers := make([]func([]byte), 0, len(m.sendFailedHandlers))
	for _, h := range m.sendFailedHandlers {
		handlers = append(handlers, h)
	}
	m.hmu.RUnlock()

	for _, data := range frames {
		for _, h := range handlers {
			h(data)
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if s != StateOpen {
		m.send = nil
	}
	m.mu.Unlock()

	m.hmu.RLock()
	handlers := make([]func(State), 0, len(m.stateHandlers))
	for _, h := range m.stateHandlers {
		handlers = append(handlers, h)
	}
	m.hmu.RUnlock()

	for _, h := range handlers {
		h(s)
	}
}
