package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/fyrsmithlabs/loopd/internal/task"
)

// errDeferred is returned when the operator closes the prompt without
// choosing; the escalation stays pending.
var errDeferred = errors.New("operator deferred the decision")

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("214")).
			Bold(true).
			Padding(0, 1)
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	boxStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)
)

var choiceHelp = map[task.Resolution]string{
	task.ResolutionRevert:   "reset the workspace to the task base and retry",
	task.ResolutionOverride: "accept the current state as complete",
	task.ResolutionAbort:    "stop the task as blocked",
}

// Terminal asks the operator on an interactive terminal.
type Terminal struct {
	in  *os.File
	out io.Writer
	mu  sync.Mutex
}

// NewTerminal creates a terminal resolver reading from in.
func NewTerminal(in *os.File, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out}
}

// Interactive reports whether the input is a terminal.
func (t *Terminal) Interactive() bool {
	fd := t.in.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Resolve implements the loop's Resolver. Only one prompt is shown at a
// time.
func (t *Terminal) Resolve(ctx context.Context, esc task.Escalation) (task.Resolution, error) {
	if !t.Interactive() {
		return "", ErrNotInteractive
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	final, err := tea.NewProgram(newChoiceModel(esc),
		tea.WithContext(ctx),
		tea.WithInput(t.in),
		tea.WithOutput(t.out),
	).Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("operator prompt: %w", err)
	}
	m, ok := final.(choiceModel)
	if !ok || m.chosen == "" {
		return "", errDeferred
	}
	return m.chosen, nil
}

type choiceModel struct {
	esc    task.Escalation
	cursor int
	chosen task.Resolution
	done   bool
}

func newChoiceModel(esc task.Escalation) choiceModel {
	return choiceModel{esc: esc}
}

func (m choiceModel) Init() tea.Cmd { return nil }

func (m choiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "q", "esc":
		m.done = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.esc.Choices)-1 {
			m.cursor++
		}
	case "enter":
		if len(m.esc.Choices) > 0 {
			m.chosen = m.esc.Choices[m.cursor]
			m.done = true
			return m, tea.Quit
		}
	default:
		// Single-letter shortcuts: r, o, a.
		if res, err := task.ParseResolution(key.String()); err == nil {
			for i, c := range m.esc.Choices {
				if c == res {
					m.cursor = i
					m.chosen = res
					m.done = true
					return m, tea.Quit
				}
			}
		}
	}
	return m, nil
}

func (m choiceModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(" operator decision required ") + "\n\n")
	b.WriteString(labelStyle.Render("task:      ") + valueStyle.Render(m.esc.TaskID) +
		dimStyle.Render(" ("+m.esc.Project+")") + "\n")
	b.WriteString(labelStyle.Render("iteration: ") + valueStyle.Render(fmt.Sprint(m.esc.Iteration)) + "\n")
	b.WriteString(labelStyle.Render("reason:    ") + m.esc.Decision.Reason + "\n")
	if m.esc.Verdict != nil {
		b.WriteString(labelStyle.Render("verdict:   ") + m.esc.Verdict.String() + "\n")
		for _, h := range m.esc.Verdict.GuardrailHits {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  guardrail %s at %s:%d", h.PatternID, h.File, h.Line)) + "\n")
		}
	}
	b.WriteString("\n")
	for i, c := range m.esc.Choices {
		line := fmt.Sprintf("  %-9s %s", c, dimStyle.Render(choiceHelp[c]))
		if i == m.cursor {
			line = selectedStyle.Render("> "+string(c)) + strings.Repeat(" ", 9-len(c)) + dimStyle.Render(choiceHelp[c])
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("[enter] choose  [r/o/a] shortcut  [q] leave pending"))
	return boxStyle.Render(b.String())
}
