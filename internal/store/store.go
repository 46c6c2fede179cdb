package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/4xmen/legacychat/internal/models"
)

var (
	ErrMissingPeer = errors.New("store: conversation opened without a peer id")
	ErrMissingUser = errors.New("store: conversation opened without a local user id")
)

// Outcome reports what AppendRemote did with a message.
type Outcome int

const (
	Appended Outcome = iota
	Reconciled
	Duplicate
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Conversation is the ordered message list of one local/peer pair.
// Display order is arrival order; nothing is re-sorted after insertion.
type Conversation struct {
	mu       sync.RWMutex
	key      models.ConversationKey
	localID  string
	peerID   string
	history  int // length of the history prefix
	messages []models.Message
	byServer map[string]int
	byClient map[string]int
	now      func() time.Time
}

func New(localID, peerID string) (*Conversation, error) {
	if localID == "" {
		return nil, ErrMissingUser
	}
	if peerID == "" {
		return nil, ErrMissingPeer
	}
	return &Conversation{
		key:      models.NewConversationKey(localID, peerID),
		localID:  localID,
		peerID:   peerID,
		byServer: make(map[string]int),
		byClient: make(map[string]int),
		now:      time.Now,
	}, nil
}

func (c *Conversation) Key() models.ConversationKey { return c.key }
func (c *Conversation) PeerID() string              { return c.peerID }

// LoadHistory installs msgs as the history prefix, replacing the previous
// one. Messages appended live before the fetch completed stay after the
// prefix unless history already contains them.
func (c *Conversation) LoadHistory(msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.messages[c.history:]
	next := make([]models.Message, 0, len(msgs)+len(live))
	seenServer := make(map[string]bool, len(msgs))
	seenClient := make(map[string]bool)

	for _, m := range msgs {
		if !c.key.Has(m.SenderID) {
			continue
		}
		if m.ReceiverID == "" {
			m.ReceiverID = c.key.Other(m.SenderID)
		}
		if m.ID != "" {
			if seenServer[m.ID] {
				continue
			}
			seenServer[m.ID] = true
		}
		if m.ClientID != "" {
			seenClient[m.ClientID] = true
		}
		next = append(next, m)
	}
	prefix := len(next)

	for _, m := range live {
		if m.ID != "" && seenServer[m.ID] {
			continue
		}
		if m.ClientID != "" && seenClient[m.ClientID] {
			continue
		}
		next = append(next, m)
	}

	c.messages = next
	c.history = prefix
	c.reindex()
}

// AppendLocal is the optimistic send path: msg becomes visible at the tail
// with status sent before any acknowledgment. Missing ids and the
// provisional timestamp are filled in.
func (c *Conversation) AppendLocal(msg models.Message) models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	if msg.ID == "" {
		msg.ID = "local-" + msg.ClientID
	}
	if msg.SenderID == "" {
		msg.SenderID = c.localID
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = c.peerID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now().UTC()
	}
	msg.Status = models.StatusSent

	c.appendLocked(msg)
	return msg
}

// AppendRemote merges one inbound message. An echo of a local send (same
// client id) is reconciled in place; anything not sent by the peer is
// rejected so other threads never leak into this one.
func (c *Conversation) AppendRemote(msg models.Message) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ClientID != "" {
		if i, ok := c.byClient[msg.ClientID]; ok && c.key.Has(msg.SenderID) {
			c.reconcileLocked(i, msg)
			return Reconciled
		}
	}
	if msg.SenderID != c.peerID {
		return Rejected
	}
	if msg.ID != "" {
		if _, ok := c.byServer[msg.ID]; ok {
			return Duplicate
		}
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = c.localID
	}
	if msg.ReceiverID != c.localID {
		return Rejected
	}

	c.appendLocked(msg)
	return Appended
}

// SetStatus moves the message with the given client or server id to
// status. It reports whether a message was found.
func (c *Conversation) SetStatus(id string, status models.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byClient[id]
	if !ok {
		i, ok = c.byServer[id]
	}
	if !ok {
		return false
	}
	c.messages[i].Status = status
	return true
}

func (c *Conversation) MarkUnsent(clientID string) bool {
	return c.SetStatus(clientID, models.StatusUnsent)
}

// MarkPendingUnsent moves every local send still waiting for its echo
// from sent to unsent and returns their client ids in display order.
func (c *Conversation) MarkPendingUnsent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for i := c.history; i < len(c.messages); i++ {
		m := &c.messages[i]
		if m.SenderID == c.localID && m.Status == models.StatusSent && m.ClientID != "" {
			m.Status = models.StatusUnsent
			ids = append(ids, m.ClientID)
		}
	}
	return ids
}

// Find returns the message with the given client or server id.
func (c *Conversation) Find(id string) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byClient[id]
	if !ok {
		i, ok = c.byServer[id]
	}
	if !ok {
		return models.Message{}, false
	}
	return c.messages[i], true
}

// Messages returns a copy of the list in display order.
func (c *Conversation) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Conversation) appendLocked(msg models.Message) {
	c.messages = append(c.messages, msg)
	i := len(c.messages) - 1
	if msg.ID != "" {
		c.byServer[msg.ID] = i
	}
	if msg.ClientID != "" {
		c.byClient[msg.ClientID] = i
	}
}

// reconcileLocked adopts the server's identity for an echoed local send.
// The server clock is authoritative, so its timestamp replaces the
// provisional one.
func (c *Conversation) reconcileLocked(i int, echo models.Message) {
	cur := &c.messages[i]
	if echo.ID != "" && echo.ID != cur.ID {
		delete(c.byServer, cur.ID)
		cur.ID = echo.ID
		c.byServer[cur.ID] = i
	}
	if !echo.Timestamp.IsZero() {
		cur.Timestamp = echo.Timestamp
	}
	if cur.Status == models.StatusSent || cur.Status == models.StatusUnsent {
		cur.Status = models.StatusDelivered
	}
}

func (c *Conversation) reindex() {
	c.byServer = make(map[string]int, len(c.messages))
	c.byClient = make(map[string]int, len(c.messages))
	for i, m := range c.messages {
		if m.ID != "" {
			c.byServer[m.ID] = i
		}
		if m.ClientID != "" {
			c.byClient[m.ClientID] = i
		}
	}
}
