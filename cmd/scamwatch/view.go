package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"scamwatch/internal/intel"
	"scamwatch/internal/scroll"
	"scamwatch/internal/session"
	"scamwatch/internal/transcript"
)

const (
	timelineMaxLines = 40
	timelineMaxChars = 4000
	sidebarLogLines  = 6
)

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	helpText    lipgloss.Style
	notice      lipgloss.Style
	label       lipgloss.Style
	value       lipgloss.Style
	pick        lipgloss.Style
	modalFrame  lipgloss.Style
	role        map[transcript.Role]lipgloss.Style
	risk        map[session.RiskLevel]lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	amber := lipgloss.Color("#ffd166")
	bg := lipgloss.Color("#120924")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")
	dark := lipgloss.Color("#22062f")

	badge := func(c lipgloss.Color) lipgloss.Style {
		return lipgloss.NewStyle().Background(c).Foreground(dark).Bold(true).Padding(0, 1)
	}

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(bg).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		helpText: lipgloss.NewStyle().Foreground(muted),
		notice:   lipgloss.NewStyle().Foreground(amber).Bold(true),
		label:    lipgloss.NewStyle().Foreground(blue),
		value:    lipgloss.NewStyle().Foreground(text),
		pick:     lipgloss.NewStyle().Foreground(pink).Bold(true),
		modalFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		role: map[transcript.Role]lipgloss.Style{
			transcript.RoleScammer: lipgloss.NewStyle().Foreground(pink).Bold(true),
			transcript.RoleAgent:   lipgloss.NewStyle().Foreground(mint).Bold(true),
			transcript.RoleSystem:  lipgloss.NewStyle().Foreground(muted).Bold(true),
		},
		risk: map[session.RiskLevel]lipgloss.Style{
			session.RiskCritical: badge(pink),
			session.RiskHigh:     badge(amber),
			session.RiskMedium:   badge(blue),
			session.RiskLow:      badge(mint),
		},
	}
}

func (m model) View() string {
	header := m.renderHeader()
	content := m.renderContent()
	input := m.renderInput()
	footer := m.renderFooter()
	out := lipgloss.JoinVertical(lipgloss.Left, header, content, input, footer)
	if m.quitConfirm {
		out = m.renderQuitModal()
	}
	return m.theme.root.Render(out)
}

func (m *model) renderHeader() string {
	segments := []string{m.theme.panelTitle.Render("scamwatch")}
	if s := m.snap.Session; s != nil {
		segments = append(segments,
			m.theme.helpText.Render(" session "+nullCoalesce(s.ID, "pending")),
			m.theme.helpText.Render(" · "+string(s.Status)),
		)
		if s.ScamType != "" {
			level := s.ThreatLevel()
			segments = append(segments, " ", m.theme.risk[level].Render(string(level)), m.theme.value.Render(" "+s.ScamType))
		}
	} else {
		segments = append(segments, m.theme.helpText.Render(" no active session"))
	}
	segments = append(segments, m.theme.helpText.Render(" · persona "+nullCoalesce(m.engine.Persona(), "auto")))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func (m *model) renderContent() string {
	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)
	leftWidth, rightWidth := paneWidths(contentWidth)

	title := "Conversation"
	if n := m.follow.Unseen(); n > 0 && m.follow.Mode() == scroll.Free {
		title += m.theme.notice.Render(fmt.Sprintf("  %d new ↓ End to jump", n))
	}
	left := m.theme.panel.Width(leftWidth).Height(contentHeight).Render(
		m.theme.panelTitle.Render(title) + "\n" + m.timeline.View(),
	)
	right := m.theme.panel.Width(rightWidth).Height(contentHeight).Render(
		m.theme.panelTitle.Render("Session + Intelligence") + "\n" + m.sidebar.View(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

func (m *model) renderInput() string {
	contentWidth := maxInt(40, m.width-4)
	inputView := m.input.View()
	switch {
	case m.snap.Loading:
		inputView = m.spinner.View() + " engaging... " + inputView
	case m.snap.Typing:
		inputView = m.spinner.View() + " persona is typing... " + inputView
	case m.inflight:
		inputView = m.spinner.View() + " processing... " + inputView
	}
	return m.theme.inputPanel.Width(contentWidth).Render(inputView)
}

func (m *model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	if m.snap.Notice != "" {
		line += "  " + m.theme.notice.Render(compactSingleLine(m.snap.Notice, 120))
	}
	hints := m.theme.helpText.Render("Keys: Enter send · Ctrl+R retry failed · Ctrl+L refresh · Ctrl+N new session · Ctrl+P persona · PgUp/PgDn scroll · End latest · Esc quit")
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + hints)
}

func (m *model) renderQuitModal() string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 32, 72)

	body := strings.Join([]string{
		m.theme.errorStatus.Render("Leave scamwatch?"),
		"",
		m.theme.helpText.Render("The session and transcript are saved and resume on next start."),
		"",
		m.theme.pick.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	panel := m.theme.modalFrame.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

// renderPanes refreshes both viewports. The transcript follows new messages
// only while the follow controller is pinned.
func (m *model) renderPanes() {
	prevTimelineYOffset := m.timeline.YOffset
	prevSidebarYOffset := m.sidebar.YOffset

	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)
	leftWidth, rightWidth := paneWidths(contentWidth)

	m.timeline.Width = maxInt(20, leftWidth-4)
	m.timeline.Height = maxInt(5, contentHeight-3)
	m.sidebar.Width = maxInt(20, rightWidth-4)
	m.sidebar.Height = maxInt(5, contentHeight-3)

	m.follow.OnContentChange(len(m.snap.Messages))
	m.timeline.SetContent(m.renderTimeline())
	if m.follow.Mode() == scroll.Pinned {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevTimelineYOffset)
	}
	m.sidebar.SetContent(m.renderSidebar())
	m.sidebar.SetYOffset(prevSidebarYOffset)
}

func paneWidths(contentWidth int) (left, right int) {
	left = int(float64(contentWidth) * 0.64)
	right = contentWidth - left - 1
	if right < 30 {
		right = 30
		left = contentWidth - right - 1
	}
	return left, right
}

func (m *model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-24)
}

func (m *model) renderTimeline() string {
	if len(m.snap.Messages) == 0 {
		return "No messages yet. Paste the scammer's opening message to start an engagement."
	}
	var b strings.Builder
	for _, msg := range m.snap.Messages {
		style, ok := m.theme.role[msg.Role]
		if !ok {
			style = m.theme.role[transcript.RoleSystem]
		}
		header := fmt.Sprintf("%s [%s]", shortTime(msg.Timestamp), msg.Role)
		if msg.TurnNumber > 0 {
			header += fmt.Sprintf(" turn %d", msg.TurnNumber)
		}
		b.WriteString(style.Render(header))
		switch msg.Status {
		case transcript.StatusSending:
			b.WriteString(m.theme.helpText.Render(" · sending"))
		case transcript.StatusError:
			reason := "failed"
			if msg.Failure != nil {
				reason = "failed: " + compactSingleLine(msg.Failure.Reason, 80)
			}
			b.WriteString(m.theme.errorStatus.Render(" · " + reason))
			if msg.Retryable() {
				b.WriteString(m.theme.helpText.Render(" (ctrl+r retry)"))
			}
		}
		b.WriteString("\n")
		preview := compactTimelineMessage(msg.Content, timelineMaxLines, timelineMaxChars)
		b.WriteString(wrapText(preview, maxInt(24, m.timeline.Width-2)))
		b.WriteString("\n\n")
	}
	if m.snap.Typing {
		b.WriteString(m.theme.helpText.Render("persona is typing..."))
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderSidebar() string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(m.theme.label.Render(fmt.Sprintf("%-10s", label)) + m.theme.value.Render(value) + "\n")
	}

	if s := m.snap.Session; s != nil {
		row("Session", nullCoalesce(s.ID, "pending"))
		row("Status", string(s.Status))
		row("Persona", nullCoalesce(s.PersonaUsed, "n/a"))
		row("Scam", nullCoalesce(s.ScamType, "unclassified"))
		row("Turns", fmt.Sprintf("%d", s.TurnCount))
		if s.ScamType != "" {
			row("Confidence", fmt.Sprintf("%.0f%%", s.Confidence*100))
			row("Risk", string(s.RiskLevel))
			level := s.ThreatLevel()
			b.WriteString(m.theme.label.Render(fmt.Sprintf("%-10s", "Threat")) + m.theme.risk[level].Render(string(level)) + "\n")
		}
	} else {
		b.WriteString(m.theme.helpText.Render("No session yet.") + "\n")
	}
	b.WriteString(m.pollLine() + "\n")

	b.WriteString("\n" + m.theme.panelTitle.Render(fmt.Sprintf("Intelligence (%d)", len(m.snap.Entities))) + "\n")
	if len(m.snap.Entities) == 0 {
		b.WriteString(m.theme.helpText.Render("Nothing extracted yet.") + "\n")
	}
	for _, group := range groupEntities(m.snap.Entities) {
		b.WriteString(m.theme.label.Render(entityLabel(group.kind)) + "\n")
		for _, e := range group.items {
			b.WriteString("  " + m.theme.value.Render(compactSingleLine(e.Value, maxInt(16, m.sidebar.Width-4))) + "\n")
		}
	}

	if len(m.logs) > 0 {
		b.WriteString("\n" + m.theme.panelTitle.Render("Activity") + "\n")
		start := maxInt(0, len(m.logs)-sidebarLogLines)
		for _, line := range m.logs[start:] {
			b.WriteString(m.theme.helpText.Render(compactSingleLine(line, maxInt(16, m.sidebar.Width))) + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// pollLine is the soft freshness cue of background sync.
func (m *model) pollLine() string {
	p := m.snap.Poll
	if p.LastAttempt.IsZero() {
		if m.snap.Session != nil && m.snap.Session.Active() {
			return m.theme.helpText.Render(fmt.Sprintf("Sync      every %s", m.cfg.PollInterval))
		}
		return m.theme.helpText.Render("Sync      idle")
	}
	updated := "never"
	if !p.LastSuccess.IsZero() {
		updated = relativeAge(m.now().Sub(p.LastSuccess)) + " ago"
	}
	if p.Stale() {
		return m.theme.errorStatus.Render(fmt.Sprintf("Sync      stale · updated %s · %d failed", updated, p.Failures))
	}
	return m.theme.helpText.Render("Sync      updated " + updated)
}

type entityGroup struct {
	kind  intel.EntityType
	items []intel.Entity
}

// groupEntities groups by type in a fixed order, keeping arrival order
// within each group.
func groupEntities(entities []intel.Entity) []entityGroup {
	order := []intel.EntityType{intel.PhoneNumber, intel.UPIID, intel.BankAccount, intel.PhishingLink}
	byType := map[intel.EntityType][]intel.Entity{}
	for _, e := range entities {
		byType[e.Type] = append(byType[e.Type], e)
	}
	groups := make([]entityGroup, 0, len(order))
	for _, kind := range order {
		if items := byType[kind]; len(items) > 0 {
			groups = append(groups, entityGroup{kind: kind, items: items})
		}
	}
	return groups
}

func entityLabel(kind intel.EntityType) string {
	switch kind {
	case intel.PhoneNumber:
		return "Phone numbers"
	case intel.UPIID:
		return "UPI IDs"
	case intel.BankAccount:
		return "Bank accounts"
	case intel.PhishingLink:
		return "Phishing links"
	default:
		return string(kind)
	}
}

func relativeAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}

func wrapText(text string, width int) string {
	if width <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	wrapped := make([]string, 0, len(lines))
	for _, line := range lines {
		words := strings.Fields(line)
		if len(words) == 0 {
			wrapped = append(wrapped, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			if len(current)+1+len(word) <= width {
				current += " " + word
				continue
			}
			wrapped = append(wrapped, current)
			current = word
		}
		wrapped = append(wrapped, current)
	}
	return strings.Join(wrapped, "\n")
}

func compactTimelineMessage(text string, maxLines int, maxChars int) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if normalized == "" {
		return ""
	}

	rawLines := strings.Split(normalized, "\n")
	lines := make([]string, 0, len(rawLines))
	lastBlank := false
	for _, line := range rawLines {
		trimmed := strings.TrimRight(line, " \t")
		isBlank := strings.TrimSpace(trimmed) == ""
		if isBlank && lastBlank {
			continue
		}
		lines = append(lines, trimmed)
		lastBlank = isBlank
	}

	if maxLines > 0 && len(lines) > maxLines {
		hidden := len(lines) - maxLines
		lines = append(lines[:maxLines], fmt.Sprintf("[... %d lines hidden]", hidden))
	}

	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if maxChars > 0 && len(joined) > maxChars {
		return strings.TrimSpace(truncate(joined, maxChars-18) + "\n[... truncated]")
	}
	return joined
}

func truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	if limit <= 3 {
		return text[:limit]
	}
	return text[:limit-3] + "..."
}

func compactSingleLine(text string, limit int) string {
	return truncate(strings.Join(strings.Fields(text), " "), limit)
}

func cycleString(options []string, current string, delta int) string {
	if len(options) == 0 {
		return current
	}
	idx := 0
	for i, option := range options {
		if option == current {
			idx = i
			break
		}
	}
	idx = (idx + delta) % len(options)
	if idx < 0 {
		idx += len(options)
	}
	return options[idx]
}

func nullCoalesce(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func ternary[T any](condition bool, whenTrue T, whenFalse T) T {
	if condition {
		return whenTrue
	}
	return whenFalse
}
