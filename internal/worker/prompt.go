package worker

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/loopd/internal/task"
)

// Request is everything the worker is told for one attempt.
type Request struct {
	Task      task.Task
	Iteration int
	History   []task.IterationRecord
	Hints     []string
}

// maxFeedbackIssues caps the issues listed back to the worker per attempt.
const maxFeedbackIssues = 20

// DefaultPrompt is the prompt template used when none is configured.
const DefaultPrompt = `You are working on task {{.Task.ID}} in project {{.Task.Project}}.
This is attempt {{.Iteration}} of {{.Task.MaxIterations}}.

## Task
{{.Task.Description}}
{{- if .Task.TargetFilePatterns}}

Files you are expected to change: {{join .Task.TargetFilePatterns ", "}}
{{- end}}
{{- if .Task.TestFilePatterns}}
Tests that must pass: {{join .Task.TestFilePatterns ", "}}
{{- end}}
{{- with .Hints}}

## Hints from earlier work
{{- range .}}
- {{.}}
{{- end}}
{{- end}}
{{- with last .History}}

## Previous attempt ({{.Iteration}})
Verdict: {{.Verdict}}
Decision: {{.Decision}}
{{- if .WorkerError}}
Worker error: {{.WorkerError}}
{{- end}}
{{- range .Verdict.GuardrailHits}}
- forbidden marker {{.PatternID}} added at {{.File}}:{{.Line}}: {{.MatchedText}}
{{- end}}
{{- range .Verdict.NewIssues}}
- {{.}}
{{- end}}
{{- end}}

## Rules
Do not silence checks: no lint or type-check suppressions, no skipped or disabled tests.
Your changes are verified independently; claiming completion does not make it so.
When, and only when, the task is fully done, print exactly:
<promise>{{.Task.CompletionPromise}}</promise>
`

var funcs = template.FuncMap{
	"join": strings.Join,
	"last": func(h []task.IterationRecord) *task.IterationRecord {
		if len(h) == 0 {
			return nil
		}
		return &h[len(h)-1]
	},
}

// ParsePrompt compiles a prompt template. The empty string selects
// DefaultPrompt.
func ParsePrompt(text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultPrompt
	}
	t, err := template.New("prompt").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template: %w", err)
	}
	return t, nil
}

// Render executes tmpl for req. Long issue lists are truncated.
func Render(tmpl *template.Template, req Request) (string, error) {
	if n := len(req.History); n > 0 {
		last := req.History[n-1]
		if len(last.Verdict.NewIssues) > maxFeedbackIssues {
			last.Verdict.NewIssues = last.Verdict.NewIssues[:maxFeedbackIssues]
			h := append([]task.IterationRecord(nil), req.History...)
			h[n-1] = last
			req.History = h
		}
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, req); err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return b.String(), nil
}
