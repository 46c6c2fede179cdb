package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/4xmen/legacychat/internal/chat"
	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/pkg/i18n"
)

const requestTimeout = 15 * time.Second

// inboxSource picks which endpoint fills the list.
type inboxSource int

const (
	sourceNotifications inboxSource = iota
	sourceChats
)

func (s inboxSource) String() string {
	if s == sourceChats {
		return "Chats"
	}
	return "Inbox"
}

type conversationItem struct {
	summary models.ConversationSummary
}

func (i conversationItem) Title() string {
	name := displayName(i.summary)
	if i.summary.UnreadCount > 0 {
		return name + " " + unreadStyle.Render(fmt.Sprintf("%d", i.summary.UnreadCount))
	}
	return name
}

func (i conversationItem) Description() string {
	preview := []rune(i.summary.LastMessage.Preview())
	if len(preview) > 50 {
		preview = append(preview[:47], []rune("...")...)
	}
	return fmt.Sprintf("%s • %s", formatTimeAgo(i.summary.LastTimestamp, time.Now()), string(preview))
}

func (i conversationItem) FilterValue() string {
	return displayName(i.summary)
}

func displayName(s models.ConversationSummary) string {
	if s.PeerDisplayName != "" {
		return s.PeerDisplayName
	}
	return s.PeerID
}

type inboxLoadedMsg struct {
	source    inboxSource
	summaries []models.ConversationSummary
	err       error
}

type sessionOpenedMsg struct {
	session *chat.Session
	err     error
}

// InboxModel lists conversations and opens one on enter.
type InboxModel struct {
	client       *chat.Client
	lang         string
	source       inboxSource
	summaries    []models.ConversationSummary
	list         list.Model
	loading      bool
	err          error
	spinner      spinner.Model
	windowWidth  int
	windowHeight int
}

func NewInboxModel(client *chat.Client, lang string) InboxModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(lipgloss.Color("5")).
		Bold(true)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(lipgloss.Color("8"))

	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = sourceNotifications.String()
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	return InboxModel{
		client:       client,
		lang:         lang,
		list:         l,
		loading:      true,
		spinner:      s,
		windowWidth:  80,
		windowHeight: 30,
	}
}

func (m InboxModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchCmd())
}

func (m InboxModel) fetchCmd() tea.Cmd {
	client, source := m.client, m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var (
			summaries []models.ConversationSummary
			err       error
		)
		if source == sourceChats {
			summaries, err = client.Inbox().Conversations(ctx)
		} else {
			summaries, err = client.Inbox().Refresh(ctx)
		}
		return inboxLoadedMsg{source: source, summaries: summaries, err: err}
	}
}

func (m InboxModel) openCmd(summary models.ConversationSummary) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		client.Inbox().Open(context.Background(), summary.PeerID)
		session, err := client.Open(context.Background(), summary.PeerID, displayName(summary))
		return sessionOpenedMsg{session: session, err: err}
	}
}

// reload is used when returning from a conversation.
func (m InboxModel) reload() (tea.Model, tea.Cmd) {
	m.loading = true
	m.err = nil
	return m, tea.Batch(m.spinner.Tick, m.fetchCmd())
}

func (m *InboxModel) setSummaries(summaries []models.ConversationSummary) {
	m.summaries = summaries
	items := make([]list.Item, len(summaries))
	for i, s := range summaries {
		items[i] = conversationItem{summary: s}
	}
	m.list.SetItems(items)

	unread := 0
	for _, s := range summaries {
		unread += s.UnreadCount
	}
	m.list.Title = fmt.Sprintf("%s - %d conversations, %d unread", m.source, len(summaries), unread)
}

func (m InboxModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.list.SetWidth(msg.Width)
		m.list.SetHeight(msg.Height - 4)
		return m, nil

	case inboxLoadedMsg:
		if msg.source != m.source {
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.setSummaries(msg.summaries)
		return m, nil

	case sessionOpenedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		conv := NewConversationModel(msg.session, m.client.UserID(), m.lang)
		conv.back = &m
		updated, cmd := conv.Update(tea.WindowSizeMsg{Width: m.windowWidth, Height: m.windowHeight})
		return updated, tea.Batch(updated.Init(), cmd)

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			var cmd tea.Cmd
			m.list, cmd = m.list.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "r":
			if !m.loading {
				return m.reload()
			}
			return m, nil

		case "tab":
			if m.source == sourceChats {
				m.source = sourceNotifications
			} else {
				m.source = sourceChats
			}
			return m.reload()

		case "enter":
			if m.loading || len(m.summaries) == 0 {
				return m, nil
			}
			if item, ok := m.list.SelectedItem().(conversationItem); ok {
				return m, m.openCmd(item.summary)
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m InboxModel) View() string {
	if m.loading && len(m.summaries) == 0 {
		return fmt.Sprintf("\n  %s %s...\n", m.spinner.View(), m.source)
	}

	if m.err != nil {
		s := titleStyle.Render(m.source.String()) + "\n\n"
		s += errorStyle.Render(i18n.Translate(m.lang, "could not load conversations")) + "\n"
		s += helpStyle.Render(m.err.Error()) + "\n\n"
		s += helpStyle.Render("r: retry • q: quit")
		return s
	}

	if len(m.summaries) == 0 {
		s := titleStyle.Render(m.source.String()) + "\n\n"
		s += normalStyle.Render("  No conversations yet.") + "\n"
		s += "\n" + helpStyle.Render("r: refresh • tab: switch list • q: quit")
		return s
	}

	s := m.list.View() + "\n"
	s += helpStyle.Render("↑↓/jk: navigate • enter: open • /: search • tab: switch list • r: refresh • q: quit")
	return s
}

func formatTimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
	return t.Format("Jan 2")
}
