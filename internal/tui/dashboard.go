// Package tui is the batch-run dashboard: a bubbletea program driven by
// the metrics event bus, showing every batch item's status and a live
// feed of the events its session is publishing.
//
// Grounded on internal/tui/convoy's Model/Update/View shape (list of
// rows with a cursor, a mutex guarding everything View reads) and
// internal/tui/feed's channel-fed event stream (SetEventChannel +
// listenForEvents, forwarding a buffered channel into tea.Msg values).
package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/session-forge/forge/internal/metrics"
	"github.com/session-forge/forge/internal/store"
)

const maxFeedLines = 500

// BusSink forwards every published event onto a buffered channel the
// dashboard Model consumes. Subscribe it on the same bus the iteration
// engine and batch scheduler publish to.
type BusSink struct {
	ch chan metrics.Event
}

// NewBusSink returns a Sink with room for backlog events published while
// the dashboard is busy rendering; events beyond the buffer are dropped
// rather than blocking the publisher.
func NewBusSink() *BusSink {
	return &BusSink{ch: make(chan metrics.Event, 256)}
}

// Write implements metrics.Sink.
func (b *BusSink) Write(e metrics.Event) error {
	select {
	case b.ch <- e:
	default:
		// Buffer full: drop rather than block Bus.Publish. The dashboard
		// is a view, not a durable sink — durability is the store sink's job.
	}
	return nil
}

// row is one batch item's displayed state, refreshed by applyEvent when
// an eventMsg arrives.
type row struct {
	itemID    string
	sessionID string
	repo      string
	prompt    string
	status    store.BatchItemStatus
	tokens    int
}

// Model is the bubbletea model for the batch dashboard.
type Model struct {
	rows   []row
	cursor int

	feed     []string
	feedView viewport.Model

	keys     keyMap
	help     help.Model
	showHelp bool
	width    int
	height   int

	sink *BusSink

	// mu protects every field View reads: rows, cursor, feed, feedView,
	// showHelp, help, width, height. Update holds the write lock for its
	// mutations; View holds the read lock for the whole render.
	mu sync.RWMutex
}

// New creates a dashboard model fed by sink.
func New(sink *BusSink, items []*store.BatchItem) *Model {
	rows := make([]row, 0, len(items))
	for _, it := range items {
		rows = append(rows, row{
			itemID:    it.ID,
			sessionID: it.SessionID,
			repo:      it.RepoPath,
			prompt:    it.Prompt,
			status:    it.Status,
			tokens:    it.TotalTokens,
		})
	}
	return &Model{
		rows:     rows,
		feedView: viewport.New(0, 0),
		keys:     defaultKeyMap(),
		help:     help.New(),
		sink:     sink,
	}
}

// Init starts the event-listening loop.
func (m *Model) Init() tea.Cmd {
	return m.listen()
}

type eventMsg metrics.Event

func (m *Model) listen() tea.Cmd {
	if m.sink == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-m.sink.ch
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

// Update handles bubbletea messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.mu.Lock()
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.feedView.Width = msg.Width - 2
		m.feedView.Height = m.height/2 - 2
		m.mu.Unlock()
		return m, nil

	case eventMsg:
		m.applyEvent(metrics.Event(msg))
		return m, m.listen()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.mu.Lock()
			m.showHelp = !m.showHelp
			m.mu.Unlock()
			return m, nil
		case key.Matches(msg, m.keys.Up):
			m.mu.Lock()
			if m.cursor > 0 {
				m.cursor--
			}
			m.mu.Unlock()
			return m, nil
		case key.Matches(msg, m.keys.Down):
			m.mu.Lock()
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
			m.mu.Unlock()
			return m, nil
		}
	}
	return m, nil
}

// applyEvent updates the row matching the event's session, and appends a
// line to the feed regardless of whether a matching row was found.
func (m *Model) applyEvent(e metrics.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.rows {
		if m.rows[i].sessionID != e.Session {
			continue
		}
		switch p := e.Payload.(type) {
		case metrics.IterationEndPayload:
			switch p.Outcome {
			case metrics.OutcomeSuccess:
				m.rows[i].status = store.ItemSuccess
			case metrics.OutcomeFailed:
				m.rows[i].status = store.ItemFail
			case metrics.OutcomeAwaitingInput:
				m.rows[i].status = store.ItemRunning
			}
		case metrics.LLMUsagePayload:
			m.rows[i].tokens += p.Total
		}
	}

	m.feed = append(m.feed, formatFeedLine(e))
	if len(m.feed) > maxFeedLines {
		m.feed = m.feed[len(m.feed)-maxFeedLines:]
	}
	m.feedView.SetContent(strings.Join(m.feed, "\n"))
	m.feedView.GotoBottom()
}

func formatFeedLine(e metrics.Event) string {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch p := e.Payload.(type) {
	case metrics.ToolCallPayload:
		return fmt.Sprintf("%s  %s  tool:%s", ts.Format("15:04:05"), shortID(e.Session), p.ToolName)
	case metrics.FileEditPayload:
		return fmt.Sprintf("%s  %s  %s %s", ts.Format("15:04:05"), shortID(e.Session), p.Operation, p.Path)
	case metrics.LLMUsagePayload:
		return fmt.Sprintf("%s  %s  %s %d tok $%.4f", ts.Format("15:04:05"), shortID(e.Session), p.Model, p.Total, p.CostUSD)
	default:
		return fmt.Sprintf("%s  %s  %s", ts.Format("15:04:05"), shortID(e.Session), e.Kind)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusColors  = map[store.BatchItemStatus]lipgloss.Color{
		store.ItemQueued:  lipgloss.Color("245"),
		store.ItemRunning: lipgloss.Color("33"),
		store.ItemSuccess: lipgloss.Color("42"),
		store.ItemFail:    lipgloss.Color("196"),
		store.ItemTimeout: lipgloss.Color("214"),
		store.ItemError:   lipgloss.Color("196"),
	}
)

// View renders the dashboard.
func (m *Model) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renderLocked()
}

func (m *Model) renderLocked() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("batch dashboard — %d items", len(m.rows))))
	b.WriteString("\n\n")
	for i, r := range m.rows {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		color := statusColors[r.status]
		line := fmt.Sprintf("%s%-8s %-20s %6d tok  %s", cursor, r.status, r.prompt, r.tokens, r.repo)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		} else {
			line = lipgloss.NewStyle().Foreground(color).Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("recent events"))
	b.WriteString("\n")
	b.WriteString(m.feedView.View())
	b.WriteString("\n")
	if m.showHelp {
		b.WriteString(m.help.View(m.keys))
	}
	return b.String()
}

// keyMap is the dashboard's key bindings.
type keyMap struct {
	Up   key.Binding
	Down key.Binding
	Help key.Binding
	Quit key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Help: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
		Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
