package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ragchat/internal/chat"
	"ragchat/internal/summarizer"
	"ragchat/internal/textutil"
)

// ChatPort is the TUI-facing subset of a chat session.
type ChatPort interface {
	Ask(ctx context.Context, query string) chat.Response
	Clear()
	RetrievalOnly() bool
}

type exchange struct {
	question string
	answer   string
	err      error
}

// answerMsg carries the result of an Ask run outside the update loop.
type answerMsg struct {
	query string
	resp  chat.Response
}

// Model is the Bubble Tea model for the chat interface.
type Model struct {
	ctx        context.Context
	session    ChatPort
	summarizer *summarizer.FrequencySummarizer
	input      textinput.Model
	viewport   viewport.Model
	exchanges  []exchange
	sources    []chat.Source
	info       string
	status     string
	cursor     int
	ready      bool
	busy       bool
	lastQuery  string
}

// New creates a new TUI model instance. info is shown under the title.
func New(ctx context.Context, session ChatPort, info string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	status := "Ready. Enter asks, up/down cycles sources, ctrl+l clears the chat."
	if session.RetrievalOnly() {
		status = "No language model configured: showing retrieved sources only."
	}
	return Model{
		ctx:        ctx,
		session:    session,
		summarizer: summarizer.NewFrequencySummarizer(),
		input:      ti,
		viewport:   vp,
		info:       info,
		status:     status,
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around the chat and query boxes
		_, ch := chatBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header, status, spacer
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-ch)
		m.refresh()
		return m, nil
	case answerMsg:
		m.busy = false
		m.exchanges = append(m.exchanges, exchange{question: msg.query, answer: msg.resp.Answer, err: msg.resp.Error})
		if msg.resp.Error != nil {
			m.status = "Error: " + msg.resp.Error.Error()
		} else {
			m.sources = msg.resp.Sources
			m.cursor = 0
			m.lastQuery = msg.query
			m.status = fmt.Sprintf("%d sources for %q", len(m.sources), msg.query)
		}
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil
	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Thinking..."
			m.input.Reset()
			return m, m.ask(q)
		case "ctrl+l":
			m.session.Clear()
			m.exchanges = nil
			m.sources = nil
			m.cursor = 0
			m.status = "Chat history cleared."
			m.refresh()
			return m, nil
		case "down":
			if len(m.sources) > 0 {
				m.cursor = (m.cursor + 1) % len(m.sources)
				m.refresh()
				return m, nil
			}
		case "up":
			if len(m.sources) > 0 {
				m.cursor = (m.cursor - 1 + len(m.sources)) % len(m.sources)
				m.refresh()
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(q string) tea.Cmd {
	ctx, session := m.ctx, m.session
	return func() tea.Msg {
		return answerMsg{query: q, resp: session.Ask(ctx, q)}
	}
}

// View renders the TUI layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("RAG Chat")
	info := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.info)
	body := chatBoxStyle.Render(m.viewport.View())
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	return header + "\n" + info + "\n" + body + "\n" + input + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderChat())
}

func (m Model) renderChat() string {
	if len(m.exchanges) == 0 {
		return "No questions yet."
	}
	width := max(10, m.viewport.Width-2)
	wrap := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	for _, ex := range m.exchanges {
		b.WriteString(userStyle.Render("You: "))
		b.WriteString(wrap.Render(ex.question))
		b.WriteString("\n")
		switch {
		case ex.err != nil:
			b.WriteString(errorStyle.Render("Error: " + ex.err.Error()))
		case ex.answer != "":
			b.WriteString(assistantStyle.Render("Assistant: "))
			b.WriteString(wrap.Render(ex.answer))
		}
		b.WriteString("\n\n")
	}
	if len(m.sources) > 0 {
		b.WriteString(m.renderCurrentSource(wrap))
	}
	return b.String()
}

func (m Model) renderCurrentSource(wrap lipgloss.Style) string {
	s := m.sources[m.cursor]
	title := fmt.Sprintf("Source %d/%d  score=%.4f  from: %s", m.cursor+1, len(m.sources), s.Score, s.Source)
	preview := highlightBestSentence(m.summarizer.Preview(s.Content), m.lastQuery)
	return sourceTitleStyle.Render(title) + "\n" + wrap.Render(preview)
}

var (
	chatBoxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	userStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	sourceTitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Underline(true)
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := textutil.Sentences(text)
	qTokens := textutil.TokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(trimAll(sentences), " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	out := trimAll(sentences)
	out[bestIdx] = highlightStyle.Render(out[bestIdx])
	return strings.Join(out, " ")
}

func trimAll(sentences []string) []string {
	out := make([]string, len(sentences))
	for i, s := range sentences {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	for t := range textutil.TokenSet(sentence) {
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
