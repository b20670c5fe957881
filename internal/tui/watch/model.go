package watch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tasklease/internal/api"
	"github.com/mattjoyce/tasklease/internal/subscription"
)

const (
	eventLogSize   = 50
	pollInterval   = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health      api.HealthzResponse
	connected   bool
	board       *Board
	subs        []subscription.Info
	eventLog    []Event
	lastEventID int64

	tasks table.Model
	theme Theme

	hubEvents chan Event

	lastError string
}

// New creates a watch model for the API at apiURL.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Key", Width: 8},
			{Title: "Type", Width: 16},
			{Title: "State", Width: 13},
			{Title: "Owner", Width: 16},
			{Title: "Retries", Width: 7},
			{Title: "Last event", Width: 26},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		board:     NewBoard(),
		eventLog:  make([]Event, 0, eventLogSize),
		tasks:     t,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchSubscriptions(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.tasks, cmd = m.tasks.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 28; h >= 5 {
			m.tasks.SetHeight(h)
		}

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := Event(msg)
		m.eventLog = append([]Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.board.Apply(e.Record)
		m.tasks.SetRows(taskRows(m.board))
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.connected = true
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case subscriptionsMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		} else {
			m.subs = msg.subs
		}
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchSubscriptions(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to tasklease..."
	}

	header := renderHeader(m.health, m.connected, m.board, m.theme, m.width)
	tasks := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("TASKS"),
		m.tasks.View(),
	))
	subs := renderSubscriptions(m.subs, m.theme, m.width)
	stream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, tasks, subs, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ! "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit  [↑/↓] Scroll tasks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func taskRows(b *Board) []table.Row {
	rows := b.Rows()
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, table.Row{
			strconv.FormatInt(r.Key, 10),
			r.Type,
			string(r.State),
			r.LockOwner,
			strconv.Itoa(r.Retries),
			string(r.LastEvent),
		})
	}
	return out
}
