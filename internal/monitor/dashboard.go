// Package monitor is the live terminal dashboard for a running loopd
// operator API.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	api "github.com/fyrsmithlabs/loopd/internal/http"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	reasonWidth     = 60
)

// Source is what the dashboard polls. *http.Client implements it.
type Source interface {
	Status(ctx context.Context) (api.StatusResponse, error)
	Escalations(ctx context.Context) ([]task.Escalation, error)
}

// Model represents the BubbleTea dashboard model
type Model struct {
	source     Source
	apiURL     string
	interval   time.Duration
	lastUpdate time.Time
	state      State
	err        error
	quitting   bool

	budget progress.Model
}

// State is one poll of the operator API plus rolling history.
type State struct {
	Status      api.StatusResponse
	Escalations []task.Escalation

	ActiveHistory  []float64
	PendingHistory []float64
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model
func NewModel(source Source, apiURL string, interval time.Duration) Model {
	return Model{
		source:   source,
		apiURL:   apiURL,
		interval: interval,
		budget: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(30),
		),
		state: State{
			ActiveHistory:  make([]float64, 0, historySize),
			PendingHistory: make([]float64, 0, historySize),
		},
	}
}

// statusBadge summarizes the process: halted beats waiting beats running.
func statusBadge(s api.StatusResponse) string {
	switch {
	case s.Halted:
		return errorStyle.Render("■ HALTED")
	case s.PendingEscalations > 0:
		return warningStyle.Render(fmt.Sprintf("⚠ %d AWAITING OPERATOR", s.PendingEscalations))
	default:
		return healthyStyle.Render("✓ RUNNING")
	}
}

// budgetBadge colors a task by how much of its budget is spent.
func budgetBadge(t api.TaskStatus) string {
	if t.AwaitingHuman {
		return warningStyle.Render("[?]")
	}
	switch r := FormatBudget(t.Iteration, t.MaxIterations); {
	case r < 0.7:
		return healthyStyle.Render("[✓]")
	case r < 1:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type stateMsg State
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchState(m.source),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchState polls the operator API.
func fetchState(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := source.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		escs, err := source.Escalations(ctx)
		if err != nil {
			return errMsg(err)
		}
		return stateMsg{Status: status, Escalations: escs}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchState(m.source)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchState(m.source),
		)

	case stateMsg:
		next := State(msg)
		next.ActiveHistory = appendToHistory(m.state.ActiveHistory, float64(len(next.Status.Tasks)))
		next.PendingHistory = appendToHistory(m.state.PendingHistory, float64(next.Status.PendingEscalations))
		m.state = next
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("loopd Monitor")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach the loopd operator API") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.apiURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Start it with: loopd serve") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	st := m.state.Status

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	autonomy := st.Autonomy
	if autonomy == "" {
		autonomy = "unknown"
	}

	b.WriteString(headerStyle.Render(" loopd Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s\n",
		statusBadge(st),
		dimStyle.Render("Autonomy:"),
		valueStyle.Render(autonomy),
		dimStyle.Render(lastUpdateStr))
	if st.Halted && st.HaltReason != "" {
		b.WriteString(dimStyle.Render("  halt reason: ") + st.HaltReason + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Tasks") + "\n")
	if len(st.Tasks) == 0 {
		b.WriteString(dimStyle.Render("  no tasks in flight") + "\n")
	}
	now := time.Now()
	for _, t := range st.Tasks {
		b.WriteString("  " + budgetBadge(t) + " " + valueStyle.Render(t.TaskID) +
			dimStyle.Render(fmt.Sprintf(" (%s, %s)", t.Project, FormatAge(t.StartedAt, now))) + "\n")
		b.WriteString(labelStyle.Render("    Budget: ") +
			m.budget.ViewAs(FormatBudget(t.Iteration, t.MaxIterations)) +
			" " + dimStyle.Render(FormatIterations(t.Iteration, t.MaxIterations)) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Escalations") + "\n")
	if len(m.state.Escalations) == 0 {
		b.WriteString(dimStyle.Render("  none pending") + "\n")
	}
	for _, esc := range m.state.Escalations {
		b.WriteString("  " + warningStyle.Render(esc.TaskID) +
			dimStyle.Render(fmt.Sprintf(" iteration %d", esc.Iteration)) + "\n")
		b.WriteString(labelStyle.Render("    Reason: ") + Truncate(esc.Decision.Reason, reasonWidth) + "\n")
		b.WriteString(dimStyle.Render("    loopd resolve "+esc.TaskID+" revert|override|abort") + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Trends") + "\n")
	b.WriteString(labelStyle.Render("  Active:  ") + createSparkline(m.state.ActiveHistory) + "\n")
	b.WriteString(labelStyle.Render("  Waiting: ") + createSparkline(m.state.PendingHistory) + "\n")

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
