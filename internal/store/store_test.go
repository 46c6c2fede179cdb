package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/legacychat/internal/models"
)

func newConversation(t *testing.T) *Conversation {
	t.Helper()
	c, err := New("u1", "u2")
	require.NoError(t, err)
	return c
}

func texts(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content.Text
	}
	return out
}

func TestNewRequiresIDs(t *testing.T) {
	_, err := New("u1", "")
	assert.ErrorIs(t, err, ErrMissingPeer)

	_, err = New("", "u2")
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestKeyIsUnordered(t *testing.T) {
	a, _ := New("u1", "u2")
	b, _ := New("u2", "u1")
	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "u1:u2", a.Key().String())
}

func TestScenarioHistorySendReceive(t *testing.T) {
	c := newConversation(t)

	c.LoadHistory([]models.Message{{
		ID:        "m1",
		SenderID:  "u2",
		Content:   models.TextContent("hi"),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    models.StatusRead,
	}})

	sent := c.AppendLocal(models.Message{Content: models.TextContent("hello")})
	assert.Equal(t, "u1", sent.SenderID)
	assert.Equal(t, "u2", sent.ReceiverID)
	assert.Equal(t, models.StatusSent, sent.Status)
	assert.NotEmpty(t, sent.ClientID)
	assert.False(t, sent.Timestamp.IsZero())

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "u2", msgs[0].SenderID)
	assert.Equal(t, "u1", msgs[0].ReceiverID, "receiver inferred from the conversation")
	assert.Equal(t, "u1", msgs[1].SenderID)
	assert.Equal(t, models.StatusSent, msgs[1].Status)

	outcome := c.AppendRemote(models.Message{SenderID: "u2", Content: models.TextContent("how are you"), Status: models.StatusRead})
	assert.Equal(t, Appended, outcome)
	assert.Equal(t, []string{"hi", "hello", "how are you"}, texts(c.Messages()))
	assert.Equal(t, "u2", c.Messages()[2].SenderID)
}

func TestAppendOrderIsCallOrder(t *testing.T) {
	c := newConversation(t)

	c.AppendRemote(models.Message{SenderID: "u2", Content: models.TextContent("a"), Timestamp: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	c.AppendLocal(models.Message{Content: models.TextContent("b"), Timestamp: time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)})
	c.AppendRemote(models.Message{SenderID: "u2", Content: models.TextContent("c")})
	c.AppendLocal(models.Message{Content: models.TextContent("d")})

	assert.Equal(t, []string{"a", "b", "c", "d"}, texts(c.Messages()), "skewed or empty timestamps must not reorder")
}

func TestLateHistoryDoesNotClobberLiveMessages(t *testing.T) {
	c := newConversation(t)

	c.AppendRemote(models.Message{ID: "m3", SenderID: "u2", Content: models.TextContent("live")})
	c.AppendLocal(models.Message{Content: models.TextContent("mine")})

	c.LoadHistory([]models.Message{
		{ID: "m1", SenderID: "u2", Content: models.TextContent("old-1")},
		{ID: "m2", SenderID: "u1", Content: models.TextContent("old-2")},
		{ID: "m3", SenderID: "u2", Content: models.TextContent("live")},
	})

	assert.Equal(t, []string{"old-1", "old-2", "live", "mine"}, texts(c.Messages()))
}

func TestReloadHistoryReplacesPrefix(t *testing.T) {
	c := newConversation(t)

	c.LoadHistory([]models.Message{{ID: "m1", SenderID: "u2", Content: models.TextContent("first")}})
	c.AppendLocal(models.Message{Content: models.TextContent("tail")})
	c.LoadHistory([]models.Message{
		{ID: "m1", SenderID: "u2", Content: models.TextContent("first")},
		{ID: "m2", SenderID: "u2", Content: models.TextContent("second")},
	})

	assert.Equal(t, []string{"first", "second", "tail"}, texts(c.Messages()))
}

func TestPeerFiltering(t *testing.T) {
	c, err := New("u1", "B")
	require.NoError(t, err)

	for _, sender := range []string{"A", "B", "C", "B", "A"} {
		c.AppendRemote(models.Message{SenderID: sender, Content: models.TextContent("from " + sender)})
	}

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "B", m.SenderID)
	}
}

func TestEchoIsReconciledNotDuplicated(t *testing.T) {
	c := newConversation(t)

	local := c.AppendLocal(models.Message{Content: models.TextContent("hello")})
	serverTime := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	outcome := c.AppendRemote(models.Message{
		ID:        "srv-9",
		ClientID:  local.ClientID,
		SenderID:  "u1",
		Content:   models.TextContent("hello"),
		Timestamp: serverTime,
	})
	assert.Equal(t, Reconciled, outcome)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-9", msgs[0].ID)
	assert.Equal(t, serverTime, msgs[0].Timestamp)
	assert.Equal(t, models.StatusDelivered, msgs[0].Status)

	assert.Equal(t, Duplicate, c.AppendRemote(models.Message{ID: "srv-9", SenderID: "u2", Content: models.TextContent("hello")}))
	assert.Len(t, c.Messages(), 1)
}

func TestOwnMessageWithoutKnownClientIDIsRejected(t *testing.T) {
	c := newConversation(t)
	assert.Equal(t, Rejected, c.AppendRemote(models.Message{SenderID: "u1", ClientID: "unknown", Content: models.TextContent("x")}))
	assert.Equal(t, 0, c.Len())
}

func TestRemoteAddressedElsewhereIsRejected(t *testing.T) {
	c := newConversation(t)
	assert.Equal(t, Rejected, c.AppendRemote(models.Message{SenderID: "u2", ReceiverID: "u9", Content: models.TextContent("x")}))
	assert.Equal(t, 0, c.Len())
}

func TestStatusTransitions(t *testing.T) {
	c := newConversation(t)
	local := c.AppendLocal(models.Message{Content: models.TextContent("hello")})

	require.True(t, c.MarkUnsent(local.ClientID))
	got, ok := c.Find(local.ClientID)
	require.True(t, ok)
	assert.Equal(t, models.StatusUnsent, got.Status)

	require.True(t, c.SetStatus(local.ID, models.StatusRead))
	got, _ = c.Find(local.ID)
	assert.Equal(t, models.StatusRead, got.Status)

	assert.False(t, c.SetStatus("nope", models.StatusRead))
}

func TestMessagesReturnsCopy(t *testing.T) {
	c := newConversation(t)
	c.AppendLocal(models.Message{Content: models.TextContent("hello")})

	msgs := c.Messages()
	msgs[0].Content.Text = "changed"
	assert.Equal(t, "hello", c.Messages()[0].Content.Text)
}

func TestMarkPendingUnsent(t *testing.T) {
	c := newConversation(t)
	c.LoadHistory([]models.Message{{ID: "m1", SenderID: "u1", Content: models.TextContent("old"), Status: models.StatusRead}})
	echoed := c.AppendLocal(models.Message{Content: models.TextContent("echoed")})
	pending := c.AppendLocal(models.Message{Content: models.TextContent("pending")})
	c.AppendRemote(models.Message{SenderID: "u2", ID: "m2", Content: models.TextContent("reply")})
	require.Equal(t, Reconciled, c.AppendRemote(models.Message{SenderID: "u1", ClientID: echoed.ClientID, ID: "m3"}))

	assert.Equal(t, []string{pending.ClientID}, c.MarkPendingUnsent())

	got, _ := c.Find(pending.ClientID)
	assert.Equal(t, models.StatusUnsent, got.Status)
	got, _ = c.Find("m3")
	assert.Equal(t, models.StatusDelivered, got.Status)
	got, _ = c.Find("m1")
	assert.Equal(t, models.StatusRead, got.Status)

	assert.Empty(t, c.MarkPendingUnsent(), "already unsent")
}
