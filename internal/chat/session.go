package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/codec"
	"github.com/4xmen/legacychat/internal/media"
	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/internal/store"
	"github.com/4xmen/legacychat/internal/transport"
	"github.com/4xmen/legacychat/internal/typing"
)

type HistoryState int

const (
	HistoryLoading HistoryState = iota
	HistoryLoaded
	HistoryFailed
)

func (h HistoryState) String() string {
	switch h {
	case HistoryLoading:
		return "loading"
	case HistoryLoaded:
		return "loaded"
	default:
		return "failed"
	}
}

const noticeBuffer = 32

// Session is one open conversation. It filters the shared socket down to
// its peer and owns the typing timers for that view.
type Session struct {
	client      *Client
	conv        *store.Conversation
	peerID      string
	displayName string
	log         zerolog.Logger

	throttle  *typing.Throttle
	indicator *typing.Indicator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	history     HistoryState
	historyGen  int
	lastState   transport.State
	lost        bool
	unsubscribe []func()
	notices     chan Notice
	changes     chan struct{}
}

func newSession(ctx context.Context, c *Client, conv *store.Conversation, displayName string) *Session {
	s := &Session{
		client:      c,
		conv:        conv,
		peerID:      conv.PeerID(),
		displayName: displayName,
		log:         c.log.With().Str("peer_id", conv.PeerID()).Logger(),
		throttle:    typing.NewThrottle(c.typingWindow),
		lastState:   c.transport.State(),
		notices:     make(chan Notice, noticeBuffer),
		changes:     make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.indicator = typing.NewIndicator(c.typingTimeout, func(bool) { s.changed() })

	s.unsubscribe = []func(){
		c.transport.OnMessage(s.handleFrame),
		c.transport.OnStateChange(s.handleState),
		c.transport.OnSendFailed(s.handleSendFailed),
	}
	s.loadHistory()
	return s
}

func (s *Session) PeerID() string      { return s.peerID }
func (s *Session) DisplayName() string { return s.displayName }

// Messages returns the conversation in display order.
func (s *Session) Messages() []models.Message {
	return s.conv.Messages()
}

func (s *Session) PeerTyping() bool {
	return s.indicator.Active()
}

func (s *Session) HistoryState() HistoryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

func (s *Session) ConnectionState() transport.State {
	return s.client.transport.State()
}

// Notices delivers user-facing failures. The channel is closed by Close.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Changes receives a value whenever the visible state may have changed.
// Signals coalesce; the channel is closed by Close.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// SendText appends text optimistically and sends it. If the socket is not
// open the message stays in the list marked unsent and the transport
// error is returned.
func (s *Session) SendText(text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	return s.send(models.TextContent(text))
}

// SendImage asks the client's picker for an image, uploads it and sends
// the resulting URL. A cancelled pick returns nil and no error. A failed
// upload appends nothing.
func (s *Session) SendImage(ctx context.Context) (*models.Message, error) {
	if s.client.picker == nil {
		return nil, errors.New("chat: no image picker configured")
	}
	return s.SendImageFrom(ctx, s.client.picker)
}

func (s *Session) SendImageFrom(ctx context.Context, picker media.Picker) (*models.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	url, err := s.client.pipeline(picker).Attach(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("image attach failed")
		s.notify(newNotice(s.client.lang, NoticeUploadFailed, err))
		return nil, err
	}
	if url == "" {
		return nil, nil
	}

	msg, err := s.send(models.ImageContent(url))
	return &msg, err
}

// Retry resends an unsent message in place, keeping its client id so the
// server echo still reconciles with it.
func (s *Session) Retry(clientID string) (models.Message, error) {
	msg, ok := s.conv.Find(clientID)
	if !ok || msg.Status != models.StatusUnsent {
		return models.Message{}, ErrNotUnsent
	}
	if s.isClosed() {
		return msg, ErrClosed
	}

	if err := s.transmit(msg); err != nil {
		return msg, err
	}
	s.conv.SetStatus(clientID, models.StatusSent)
	msg.Status = models.StatusSent
	s.changed()
	return msg, nil
}

// Keystroke reports input activity. It sends at most one typing frame per
// throttle window and reports whether one went out.
func (s *Session) Keystroke(text string) bool {
	if s.isClosed() || !s.throttle.Keystroke(text) {
		return false
	}
	data, err := codec.EncodeTyping(s.client.userID, s.peerID)
	if err != nil {
		return false
	}
	if err := s.client.transport.Send(data); err != nil {
		s.log.Debug().Err(err).Msg("typing frame dropped")
		return false
	}
	return true
}

// ReloadHistory refetches history. Earlier in-flight fetches are ignored
// when they complete.
func (s *Session) ReloadHistory() {
	s.loadHistory()
}

// Close detaches the session from the socket, stops its timers and
// abandons any history fetch still running. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, u := range unsubscribe {
		u()
	}
	s.cancel()
	s.indicator.Stop()
	s.wg.Wait()

	s.mu.Lock()
	close(s.notices)
	close(s.changes)
	s.mu.Unlock()

	s.client.forget(s)
	s.log.Info().Msg("conversation closed")
}

func (s *Session) send(content models.Content) (models.Message, error) {
	if s.isClosed() {
		return models.Message{}, ErrClosed
	}

	msg := s.conv.AppendLocal(models.Message{Content: content})
	s.throttle.Reset()

	if err := s.transmit(msg); err != nil {
		s.conv.MarkUnsent(msg.ClientID)
		msg.Status = models.StatusUnsent
		s.changed()
		return msg, err
	}
	s.changed()
	return msg, nil
}

func (s *Session) transmit(msg models.Message) error {
	data, err := codec.EncodeSend(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.client.transport.Send(data); err != nil {
		s.log.Warn().Err(err).Str("client_message_id", msg.ClientID).Msg("send failed")
		n := newNotice(s.client.lang, NoticeSendFailed, err)
		n.ClientID = msg.ClientID
		s.notify(n)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *Session) loadHistory() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.history = HistoryLoading
	s.historyGen++
	gen := s.historyGen
	s.wg.Add(1)
	s.mu.Unlock()
	s.changed()

	go func() {
		defer s.wg.Done()
		msgs, err := s.client.backend.History(s.ctx, s.client.userID, s.peerID)

		s.mu.Lock()
		if s.closed || gen != s.historyGen {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.history = HistoryFailed
			s.mu.Unlock()
			s.log.Warn().Err(err).Msg("history fetch failed")
			s.notify(newNotice(s.client.lang, NoticeHistoryFailed, err))
			s.changed()
			return
		}
		s.conv.LoadHistory(msgs)
		s.history = HistoryLoaded
		s.mu.Unlock()

		s.log.Debug().Int("messages", len(msgs)).Msg("history loaded")
		s.changed()
	}()
}

// handleFrame runs on the transport's read goroutine, once per frame in
// arrival order.
func (s *Session) handleFrame(data []byte) {
	ev, err := codec.Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping frame")
		return
	}

	switch e := ev.(type) {
	case codec.MessageReceived:
		outcome := s.conv.AppendRemote(e.Message)
		switch outcome {
		case store.Appended:
			s.indicator.Clear()
			s.changed()
		case store.Reconciled:
			s.changed()
		}
	case codec.TypingReceived:
		if e.SenderID != s.peerID {
			return
		}
		if e.ReceiverID != "" && e.ReceiverID != s.client.userID {
			return
		}
		s.indicator.Signal()
	}
}

// handleState reports connection loss and recovery. Local sends that had
// no echo when the connection dropped may never have reached the server,
// so they become unsent and can be retried; the server ignores a repeated
// client message id.
func (s *Session) handleState(state transport.State) {
	s.mu.Lock()
	prev := s.lastState
	s.lastState = state
	dropped := prev == transport.StateOpen && state == transport.StateClosed
	var notice *Notice
	switch {
	case dropped:
		s.lost = true
		n := newNotice(s.client.lang, NoticeConnectionLost, transport.ErrNotConnected)
		notice = &n
	case state == transport.StateOpen && s.lost:
		s.lost = false
		n := newNotice(s.client.lang, NoticeReconnected, nil)
		notice = &n
	}
	s.mu.Unlock()

	if notice != nil {
		s.notify(*notice)
	}
	if dropped {
		if ids := s.conv.MarkPendingUnsent(); len(ids) > 0 {
			s.log.Warn().Int("messages", len(ids)).Msg("connection dropped before echo")
			n := newNotice(s.client.lang, NoticeSendFailed, transport.ErrNotConnected)
			n.ClientID = ids[len(ids)-1]
			s.notify(n)
		}
	}
	s.changed()
}

// handleSendFailed marks a message unsent when the transport reports its
// frame was never written.
func (s *Session) handleSendFailed(data []byte) {
	f, err := codec.DecodeSend(data)
	if err != nil || f.ReceiverID != s.peerID {
		return
	}
	msg, ok := s.conv.Find(f.ClientMsgID)
	if !ok || msg.Status != models.StatusSent {
		return
	}
	s.conv.MarkUnsent(f.ClientMsgID)
	s.log.Warn().Str("client_message_id", f.ClientMsgID).Msg("frame not written")
	n := newNotice(s.client.lang, NoticeSendFailed, transport.ErrNotConnected)
	n.ClientID = f.ClientMsgID
	s.notify(n)
	s.changed()
}

func (s *Session) notify(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notices <- n:
	default:
		s.log.Warn().Str("notice", n.Kind.String()).Msg("notice buffer full, dropping")
	}
}

func (s *Session) changed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
