package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/4xmen/legacychat/internal/chat"
	"github.com/4xmen/legacychat/internal/media"
	"github.com/4xmen/legacychat/internal/models"
	"github.com/4xmen/legacychat/internal/transport"
	"github.com/4xmen/legacychat/pkg/i18n"
)

type sessionChangedMsg struct{}

type sessionClosedMsg struct{}

type noticeMsg struct {
	notice chat.Notice
}

type imageSentMsg struct {
	err error
}

func waitForChange(s *chat.Session) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-s.Changes(); !ok {
			return sessionClosedMsg{}
		}
		return sessionChangedMsg{}
	}
}

func waitForNotice(s *chat.Session) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-s.Notices()
		if !ok {
			return sessionClosedMsg{}
		}
		return noticeMsg{notice: n}
	}
}

// ConversationModel renders one open session. Enter sends; "/image PATH"
// uploads and sends a picture; "/retry" resends the newest unsent message.
type ConversationModel struct {
	session      *chat.Session
	userID       string
	lang         string
	back         *InboxModel
	viewport     viewport.Model
	input        textinput.Model
	spinner      spinner.Model
	notice       string
	err          error
	uploading    bool
	windowWidth  int
	windowHeight int
}

func NewConversationModel(session *chat.Session, userID, lang string) ConversationModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	vp := viewport.New(80, 20)

	ti := textinput.New()
	ti.Placeholder = "Type a message, /image PATH to attach"
	ti.CharLimit = 2000
	ti.Focus()

	m := ConversationModel{
		session:      session,
		userID:       userID,
		lang:         lang,
		viewport:     vp,
		input:        ti,
		spinner:      s,
		windowWidth:  80,
		windowHeight: 30,
	}
	m.updateViewportContent()
	return m
}

func (m ConversationModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, waitForChange(m.session), waitForNotice(m.session))
}

func (m ConversationModel) sendImageCmd(path string) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		picker := &media.FilePicker{Prompt: func(context.Context) (string, error) { return path, nil }}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := session.SendImageFrom(ctx, picker)
		return imageSentMsg{err: err}
	}
}

func (m ConversationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height

		headerHeight := 3
		footerHeight := 5
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 3)
		m.input.Width = msg.Width - 6
		m.updateViewportContent()
		return m, nil

	case sessionChangedMsg:
		m.updateViewportContent()
		m.viewport.GotoBottom()
		return m, waitForChange(m.session)

	case noticeMsg:
		m.notice = msg.notice.Text
		return m, waitForNotice(m.session)

	case sessionClosedMsg:
		return m, nil

	case imageSentMsg:
		m.uploading = false
		if msg.err != nil {
			m.err = msg.err
		}
		return m, nil

	case spinner.TickMsg:
		if m.session.HistoryState() == chat.HistoryLoading || m.uploading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "esc":
			m.session.Close()
			if m.back == nil {
				return m, tea.Quit
			}
			inbox, cmd := m.back.reload()
			updated, sizeCmd := inbox.Update(tea.WindowSizeMsg{Width: m.windowWidth, Height: m.windowHeight})
			return updated, tea.Batch(cmd, sizeCmd)

		case "ctrl+r":
			if m.session.HistoryState() == chat.HistoryFailed {
				m.session.ReloadHistory()
				return m, m.spinner.Tick
			}
			return m, nil

		case "enter":
			return m.submit()

		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != before {
			m.session.Keystroke(m.input.Value())
		}
		return m, cmd
	}

	return m, nil
}

func (m ConversationModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	m.err = nil
	m.notice = ""

	switch {
	case text == "":
		return m, nil

	case text == "/retry":
		m.input.Reset()
		unsent, ok := lastUnsent(m.session.Messages(), m.userID)
		if !ok {
			return m, nil
		}
		if _, err := m.session.Retry(unsent.ClientID); err != nil {
			m.err = err
		}
		return m, nil

	case strings.HasPrefix(text, "/image"):
		path := strings.TrimSpace(strings.TrimPrefix(text, "/image"))
		m.input.Reset()
		if path == "" {
			return m, nil
		}
		m.uploading = true
		return m, tea.Batch(m.spinner.Tick, m.sendImageCmd(path))
	}

	m.input.Reset()
	if _, err := m.session.SendText(text); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
		m.err = err
	}
	return m, nil
}

func lastUnsent(messages []models.Message, userID string) (models.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].SenderID == userID && messages[i].Status == models.StatusUnsent {
			return messages[i], true
		}
	}
	return models.Message{}, false
}

func (m *ConversationModel) updateViewportContent() {
	m.viewport.SetContent(renderMessages(m.session.Messages(), m.userID, m.viewport.Width, m.lang))
}

// renderMessages lays out a thread with the local user's messages right
// aligned.
func renderMessages(messages []models.Message, userID string, width int, lang string) string {
	if width <= 0 {
		width = 80
	}
	wrapWidth := max(width-10, 10)

	var content strings.Builder
	for i, message := range messages {
		if i > 0 {
			content.WriteString("\n")
		}

		body := message.Content.Text
		if message.Content.Kind == models.KindImage {
			body = "🖼 " + message.Content.URL
		}
		body = wordwrap.String(body, wrapWidth)

		if message.SenderID == userID {
			header := messageHeaderStyle.Render(withTime("You", message.Timestamp) + " " + statusMark(message.Status))
			right := lipgloss.NewStyle().Align(lipgloss.Right).Width(width)
			content.WriteString(right.Render(header) + "\n")
			content.WriteString(right.Render(messageFromMeStyle.Render(body)) + "\n")
			if message.Status == models.StatusUnsent {
				content.WriteString(right.Render(unsentStyle.Render(i18n.Translate(lang, "message not sent")+" (/retry)")) + "\n")
			}
			continue
		}

		sender := message.SenderName
		if sender == "" {
			sender = message.SenderID
		}
		content.WriteString(messageHeaderStyle.Render(withTime(sender, message.Timestamp)) + "\n")
		content.WriteString(messageFromOtherStyle.Render(body) + "\n")
	}
	return content.String()
}

// withTime appends the local clock time; an unknown timestamp shows none.
func withTime(label string, t time.Time) string {
	if t.IsZero() {
		return label
	}
	return label + " • " + t.Local().Format("15:04")
}

func statusMark(s models.Status) string {
	switch s {
	case models.StatusSent:
		return "✓"
	case models.StatusDelivered, models.StatusRead:
		return "✓✓"
	case models.StatusUnsent:
		return "!"
	}
	return ""
}

func (m ConversationModel) View() string {
	title := m.session.DisplayName()
	if title == "" {
		title = m.session.PeerID()
	}
	s := titleStyle.Render("💬 "+title) + "  " + helpStyle.Render(connectionLabel(m.session.ConnectionState())) + "\n"

	switch m.session.HistoryState() {
	case chat.HistoryLoading:
		s += fmt.Sprintf("  %s Loading messages...\n", m.spinner.View())
	case chat.HistoryFailed:
		s += errorStyle.Render(i18n.Translate(m.lang, "could not load messages")) + " " + helpStyle.Render("ctrl+r: retry") + "\n"
	}

	if len(m.session.Messages()) == 0 && m.session.HistoryState() == chat.HistoryLoaded {
		s += normalStyle.Render("  "+i18n.Translate(m.lang, "no messages in this conversation")) + "\n"
	} else {
		s += m.viewport.View() + "\n"
	}

	if m.session.PeerTyping() {
		s += statusStyle.Render(title+" "+i18n.Translate(m.lang, "is typing")+"...") + "\n"
	} else {
		s += "\n"
	}

	if m.uploading {
		s += fmt.Sprintf("%s %s...\n", m.spinner.View(), i18n.Translate(m.lang, "sending"))
	}
	if m.err != nil {
		s += errorStyle.Render(i18n.Translate(m.lang, m.err.Error())) + "\n"
	} else if m.notice != "" {
		s += statusStyle.Render(m.notice) + "\n"
	}

	s += m.input.View() + "\n"
	s += helpStyle.Render("enter: send • /image PATH: attach • /retry: resend • pgup/pgdown: scroll • esc: back")
	return s
}

func connectionLabel(state transport.State) string {
	if state == transport.StateOpen {
		return "● online"
	}
	return "○ " + state.String()
}
