package operator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loopd/internal/guardrail"
	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestChoiceModel_EnterChoosesCursor(t *testing.T) {
	var m tea.Model = newChoiceModel(escalation("fix-auth", time.Now()))
	m, _ = m.Update(key("down"))
	m, cmd := m.Update(key("enter"))

	cm := m.(choiceModel)
	assert.Equal(t, task.ResolutionOverride, cm.chosen)
	assert.NotNil(t, cmd)
}

func TestChoiceModel_Shortcut(t *testing.T) {
	var m tea.Model = newChoiceModel(escalation("fix-auth", time.Now()))
	m, _ = m.Update(key("a"))
	assert.Equal(t, task.ResolutionAbort, m.(choiceModel).chosen)
}

func TestChoiceModel_QuitLeavesPending(t *testing.T) {
	var m tea.Model = newChoiceModel(escalation("fix-auth", time.Now()))
	m, cmd := m.Update(key("esc"))
	assert.Empty(t, m.(choiceModel).chosen)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestChoiceModel_View(t *testing.T) {
	esc := escalation("fix-auth", time.Now())
	v := verdict.Verdict{
		Kind:          verdict.Blocked,
		Reason:        "guardrail violation",
		GuardrailHits: []guardrail.Hit{{PatternID: "go-test-skip", File: "auth_test.go", Line: 12}},
	}
	esc.Verdict = &v

	view := newChoiceModel(esc).View()
	assert.Contains(t, view, "fix-auth")
	assert.Contains(t, view, "go-test-skip")
	assert.Contains(t, view, "revert")
	assert.Contains(t, view, "override")
}

func TestTerminal_NotInteractive(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	require.NoError(t, err)
	defer f.Close()

	term := NewTerminal(f, &bytes.Buffer{})
	assert.False(t, term.Interactive())
	_, err = term.Resolve(context.Background(), escalation("fix-auth", time.Now()))
	assert.ErrorIs(t, err, ErrNotInteractive)
}
