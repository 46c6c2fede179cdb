package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/pkg/logger"
)

const markReadTimeout = 10 * time.Second

// Source is the REST surface the inbox reads from.
type Source interface {
	Notifications(ctx context.Context, userID string) ([]models.Notification, error)
	Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	MarkRead(ctx context.Context, userID, peerID string) error
}

// Reduce folds notification records into one summary per sender. The
// newest record wins; when timestamps are equal or missing the record
// that comes later in records wins. Output is newest first.
func Reduce(records []models.Notification) []models.ConversationSummary {
	index := make(map[string]int)
	var out []models.ConversationSummary

	for _, rec := range records {
		if rec.SenderID == "" {
			continue
		}
		i, seen := index[rec.SenderID]
		if !seen {
			i = len(out)
			index[rec.SenderID] = i
			out = append(out, models.ConversationSummary{PeerID: rec.SenderID})
		}
		cur := &out[i]

		if !seen || replaces(rec.Timestamp, cur.LastTimestamp) {
			cur.LastMessage = rec.Content
			cur.LastTimestamp = rec.Timestamp
			if rec.SenderName != "" {
				cur.PeerDisplayName = rec.SenderName
			}
			if rec.SenderImage != "" {
				cur.PeerAvatarURL = rec.SenderImage
			}
		}
		if rec.Status == models.NotificationUnread {
			cur.UnreadCount++
		}
	}

	sortNewestFirst(out)
	return out
}

func replaces(next, cur time.Time) bool {
	if next.IsZero() || cur.IsZero() {
		return true
	}
	return !next.Before(cur)
}

func sortNewestFirst(s []models.ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].LastTimestamp.After(s[j].LastTimestamp)
	})
}

// Aggregator holds the inbox view for one user.
type Aggregator struct {
	src    Source
	userID string
	log    zerolog.Logger

	mu        sync.RWMutex
	summaries []models.ConversationSummary

	pending sync.WaitGroup
}

func NewAggregator(src Source, userID string, base zerolog.Logger) *Aggregator {
	return &Aggregator{
		src:    src,
		userID: userID,
		log:    logger.Component(base, "inbox").With().Str("user_id", userID).Logger(),
	}
}

// Refresh rebuilds the view from the notification feed.
func (a *Aggregator) Refresh(ctx context.Context) ([]models.ConversationSummary, error) {
	records, err := a.src.Notifications(ctx, a.userID)
	if err != nil {
		return nil, fmt.Errorf("refresh inbox: %w", err)
	}
	a.set(Reduce(records))
	a.log.Debug().Int("records", len(records)).Msg("inbox refreshed")
	return a.Summaries(), nil
}

// Conversations rebuilds the view from the per-partner chat list.
func (a *Aggregator) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	list, err := a.src.Conversations(ctx, a.userID)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	list = append([]models.ConversationSummary(nil), list...)
	sortNewestFirst(list)
	a.set(list)
	return a.Summaries(), nil
}

func (a *Aggregator) Summaries() []models.ConversationSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.ConversationSummary(nil), a.summaries...)
}

// Open clears peerID's unread count locally and tells the server in the
// background. The returned summary already has UnreadCount zero; ok is
// false when the peer is not in the view.
func (a *Aggregator) Open(ctx context.Context, peerID string) (models.ConversationSummary, bool) {
	var (
		summary models.ConversationSummary
		cleared int
		found   bool
	)

	a.mu.Lock()
	for i := range a.summaries {
		if a.summaries[i].PeerID == peerID {
			cleared = a.summaries[i].UnreadCount
			a.summaries[i].UnreadCount = 0
			summary, found = a.summaries[i], true
			break
		}
	}
	a.mu.Unlock()

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markReadTimeout)
		defer cancel()
		if err := a.src.MarkRead(mctx, a.userID, peerID); err != nil {
			a.log.Warn().Err(err).Str("peer_id", peerID).Int("cleared", cleared).Msg("mark read failed")
		}
	}()

	return summary, found
}

func (a *Aggregator) TotalUnread() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, s := range a.summaries {
		total += s.UnreadCount
	}
	return total
}

// Wait blocks until background mark-read calls have finished.
func (a *Aggregator) Wait() {
	a.pending.Wait()
}

func (a *Aggregator) set(s []models.ConversationSummary) {
	a.mu.Lock()
	a.summaries = s
	a.mu.Unlock()
}
