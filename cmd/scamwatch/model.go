package main

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
	"go.uber.org/zap"

	"scamwatch/internal/config"
	"scamwatch/internal/engine"
	"scamwatch/internal/poller"
	"scamwatch/internal/scroll"
	"scamwatch/internal/syncstate"
	"scamwatch/internal/transcript"
)

const (
	uiTickInterval = time.Second
	noticeTTL      = 8 * time.Second
	refreshTimeout = 15 * time.Second
	maxLogLines    = 50
)

// personaChoices is cycled with ctrl+p; "" lets the backend pick.
var personaChoices = []string{"", "elderly", "student", "shopkeeper"}

type model struct {
	cfg    config.Config
	engine *engine.Engine
	sync   *poller.Sync
	logger *zap.Logger

	snap    syncstate.Snapshot
	stateCh <-chan struct{}
	unsub   func()
	follow  *scroll.Controller

	statusLine  string
	logs        []string
	inflight    bool
	refreshing  bool
	lastRefresh time.Time
	quitConfirm bool
	now         func() time.Time

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	sidebar  viewport.Model
	spinner  spinner.Model

	theme uiTheme
}

type stateMsg struct{}

type sendDoneMsg struct {
	result engine.Result
}

type refreshDoneMsg struct {
	err error
}

type tickMsg time.Time

func newModel(cfg config.Config, rt *appRuntime) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Paste the scammer's message and press Enter."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4
	sidebar := viewport.New(0, 0)
	sidebar.MouseWheelEnabled = true
	sidebar.MouseWheelDelta = 4

	ch, unsub := subscribeState(rt.engine.State())
	m := model{
		cfg:        cfg,
		engine:     rt.engine,
		sync:       rt.sync,
		logger:     rt.logger.Named("tui"),
		snap:       rt.engine.State().Snapshot(),
		stateCh:    ch,
		unsub:      unsub,
		follow:     scroll.New(cfg.ScrollThreshold),
		statusLine: "ready",
		logs:       []string{},
		now:        time.Now,
		input:      input,
		timeline:   timeline,
		sidebar:    sidebar,
		spinner:    sp,
		theme:      newTheme(),
	}
	if id := m.snap.SessionID(); id != "" {
		m.statusLine = fmt.Sprintf("resumed · session=%s", id)
		m.appendLog("resumed session " + id)
	}
	return m
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, waitStateMsg(m.stateCh), tickEvery(uiTickInterval)}
	if m.snap.SessionID() != "" {
		cmds = append(cmds, m.refreshCmd())
	}
	return tea.Batch(cmds...)
}

// subscribeState turns container notifications into a coalescing signal
// channel; the model reads the latest snapshot when it drains it.
func subscribeState(c *syncstate.Container) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	unsub := c.Subscribe(func(syncstate.Snapshot) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, unsub
}

func waitStateMsg(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return stateMsg{}
	}
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) sendCmd(text string) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		return sendDoneMsg{result: eng.Send(context.Background(), text)}
	}
}

func (m model) retryCmd(id string) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		return sendDoneMsg{result: eng.Retry(context.Background(), id)}
	}
}

func (m model) refreshCmd() tea.Cmd {
	sync := m.sync
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		return refreshDoneMsg{err: sync.Refresh(ctx)}
	}
}

// busy reports whether input must stay disabled.
func (m model) busy() bool {
	return m.inflight || m.snap.Busy()
}

// lastFailed returns the newest message that can be retried.
func (m model) lastFailed() (transcript.Message, bool) {
	for i := len(m.snap.Messages) - 1; i >= 0; i-- {
		if m.snap.Messages[i].Retryable() {
			return m.snap.Messages[i], true
		}
	}
	return transcript.Message{}, false
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case stateMsg:
		m.snap = m.engine.State().Snapshot()
		m.renderPanes()
		cmds = append(cmds, waitStateMsg(m.stateCh))
	case sendDoneMsg:
		m.inflight = false
		m.applyResult(msg.result)
		m.snap = m.engine.State().Snapshot()
		m.renderPanes()
	case refreshDoneMsg:
		m.refreshing = false
		if msg.err != nil {
			if errors.Is(msg.err, poller.ErrNoSession) {
				m.statusLine = "nothing to refresh yet"
				break
			}
			m.logError(msg.err)
			m.statusLine = "refresh failed · showing last known transcript"
			break
		}
		m.lastRefresh = m.now()
		m.statusLine = "transcript refreshed"
	case tickMsg:
		if m.snap.Notice != "" && !m.snap.NoticeAt.IsZero() && m.now().Sub(m.snap.NoticeAt) > noticeTTL {
			m.engine.State().ClearNotice()
		}
		// Relative times in the sidebar age with the clock.
		m.renderPanes()
		cmds = append(cmds, tickEvery(uiTickInterval))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.quitConfirm {
			break
		}
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		m.noteUserScroll()
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, m.quit()
		}
		if m.quitConfirm {
			switch msg.String() {
			case "y", "Y", "enter":
				return m, m.quit()
			case "n", "N", "esc":
				m.quitConfirm = false
				m.statusLine = "quit canceled"
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case "esc":
			m.quitConfirm = true
			return m, tea.Batch(cmds...)
		case "enter":
			if m.busy() {
				m.statusLine = "waiting for the persona to reply..."
				return m, tea.Batch(cmds...)
			}
			raw := strings.TrimSpace(m.input.Value())
			if raw == "" {
				return m, tea.Batch(cmds...)
			}
			m.input.SetValue("")
			m.inflight = true
			m.follow.JumpToLatest()
			m.statusLine = ternary(m.snap.SessionID() == "", "starting engagement...", "sending...")
			cmds = append(cmds, m.sendCmd(raw))
			return m, tea.Batch(cmds...)
		case "ctrl+r":
			if m.busy() {
				return m, tea.Batch(cmds...)
			}
			failed, ok := m.lastFailed()
			if !ok {
				m.statusLine = "no failed message to retry"
				return m, tea.Batch(cmds...)
			}
			m.inflight = true
			m.statusLine = "retrying: " + compactSingleLine(failed.Content, 60)
			cmds = append(cmds, m.retryCmd(failed.ID))
			return m, tea.Batch(cmds...)
		case "ctrl+l", "f5":
			if m.refreshing {
				return m, tea.Batch(cmds...)
			}
			m.refreshing = true
			m.statusLine = "refreshing transcript..."
			cmds = append(cmds, m.refreshCmd())
			return m, tea.Batch(cmds...)
		case "ctrl+n":
			m.engine.Reset()
			m.inflight = false
			m.follow.JumpToLatest()
			m.statusLine = "new session · next message starts an engagement"
			m.appendLog("session cleared")
			return m, tea.Batch(cmds...)
		case "ctrl+p":
			next := cycleString(personaChoices, m.engine.Persona(), 1)
			m.engine.SetPersona(next)
			m.statusLine = "persona for next session: " + nullCoalesce(next, "auto")
			m.renderPanes()
			return m, tea.Batch(cmds...)
		case "end", "ctrl+e":
			m.follow.JumpToLatest()
			m.timeline.GotoBottom()
			m.renderPanes()
			return m, tea.Batch(cmds...)
		case "home":
			m.timeline.GotoTop()
			m.noteUserScroll()
			return m, tea.Batch(cmds...)
		case "pgup", "ctrl+b":
			m.timeline.LineUp(8)
			m.noteUserScroll()
			return m, tea.Batch(cmds...)
		case "pgdown", "ctrl+f":
			m.timeline.LineDown(8)
			m.noteUserScroll()
			return m, tea.Batch(cmds...)
		case "up":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineUp(4)
				m.noteUserScroll()
				return m, tea.Batch(cmds...)
			}
		case "down":
			if strings.TrimSpace(m.input.Value()) == "" {
				m.timeline.LineDown(4)
				m.noteUserScroll()
				return m, tea.Batch(cmds...)
			}
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *model) quit() tea.Cmd {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	return tea.Quit
}

// noteUserScroll feeds the viewport distance from the bottom into the
// follow controller.
func (m *model) noteUserScroll() {
	distance := m.timeline.TotalLineCount() - (m.timeline.YOffset + m.timeline.Height)
	m.follow.OnUserScroll(maxInt(0, distance))
}

func (m *model) applyResult(res engine.Result) {
	switch {
	case errors.Is(res.Err, engine.ErrSuperseded):
		m.appendLog("late reply dropped after session reset")
	case errors.Is(res.Err, engine.ErrSubmissionInFlight):
		m.statusLine = "a submission is already in flight"
	case errors.Is(res.Err, engine.ErrEmptyMessage):
	case res.Err != nil:
		m.logError(res.Err)
		if res.Action == engine.ActionStart {
			m.statusLine = "engagement failed to start"
		} else {
			m.statusLine = "send failed · ctrl+r to retry"
		}
	case res.Outcome == engine.OutcomeSkipped:
		m.statusLine = "nothing to retry"
	default:
		turn := 0
		if res.Reply != nil {
			turn = res.Reply.TurnNumber
		}
		m.statusLine = fmt.Sprintf("turn %d settled", turn)
		if len(res.Added) > 0 {
			m.statusLine += fmt.Sprintf(" · %d new indicator%s", len(res.Added), ternary(len(res.Added) == 1, "", "s"))
			for _, e := range res.Added {
				m.appendLog(fmt.Sprintf("new %s %s", e.Type, e.Value))
			}
		}
	}
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", m.now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

func (m *model) logError(err error) {
	if err == nil {
		return
	}
	m.appendLog("error: " + err.Error())
	m.statusLine = "error: " + compactSingleLine(err.Error(), 160)
	if m.logger != nil {
		m.logger.Debug("ui error", zap.Error(err))
	}
}
