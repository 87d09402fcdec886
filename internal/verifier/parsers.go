package verifier

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/loopd/internal/verdict"
)

// parseFunc turns raw check output into issues. Parsers only see the
// output; the exit code fallback is applied by the caller.
type parseFunc func(res CheckResult) ([]verdict.Issue, error)

var parsers = map[string]parseFunc{
	FormatGolangCI: parseGolangCI,
	FormatRuff:     parseRuff,
	FormatESLint:   parseESLint,
	FormatGoTest:   parseGoTestJSON,
	FormatLine:     parseLines,
	FormatExitCode: func(CheckResult) ([]verdict.Issue, error) { return nil, nil },
}

// ParseIssues normalizes a check result into issues. A check that exits
// non-zero without any parseable issue still contributes one issue, so a
// failing command can never read as clean.
func ParseIssues(check Check, res CheckResult) ([]verdict.Issue, error) {
	parse, ok := parsers[check.format()]
	if !ok {
		return nil, fmt.Errorf("unknown format %q", check.Format)
	}
	issues, err := parse(res)
	if err != nil {
		if res.ExitCode == 0 {
			return nil, fmt.Errorf("check %s: %w", check.Name, err)
		}
		issues = nil
	}
	for i := range issues {
		if issues[i].Rule == "" {
			issues[i].Rule = check.Name
		}
	}
	if len(issues) == 0 && res.ExitCode != 0 {
		issues = append(issues, verdict.Issue{
			File:    "<" + check.Name + ">",
			Rule:    check.Name + ":exit",
			Message: fmt.Sprintf("%s exited with code %d", check.Name, res.ExitCode),
		})
	}
	return issues, nil
}

type golangciReport struct {
	Issues []struct {
		FromLinter string `json:"FromLinter"`
		Text       string `json:"Text"`
		Pos        struct {
			Filename string `json:"Filename"`
			Line     int    `json:"Line"`
		} `json:"Pos"`
	} `json:"Issues"`
}

func parseGolangCI(res CheckResult) ([]verdict.Issue, error) {
	data := bytes.TrimSpace(res.Stdout)
	if len(data) == 0 {
		return nil, nil
	}
	var report golangciReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parsing golangci-lint output: %w", err)
	}
	issues := make([]verdict.Issue, 0, len(report.Issues))
	for _, gi := range report.Issues {
		issues = append(issues, verdict.Issue{
			File:    gi.Pos.Filename,
			Line:    gi.Pos.Line,
			Rule:    gi.FromLinter,
			Message: gi.Text,
		})
	}
	return issues, nil
}

type ruffIssue struct {
	Code     string `json:"code"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
	Location struct {
		Row int `json:"row"`
	} `json:"location"`
}

func parseRuff(res CheckResult) ([]verdict.Issue, error) {
	data := bytes.TrimSpace(res.Stdout)
	if len(data) == 0 {
		return nil, nil
	}
	var raw []ruffIssue
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing ruff output: %w", err)
	}
	issues := make([]verdict.Issue, 0, len(raw))
	for _, ri := range raw {
		issues = append(issues, verdict.Issue{
			File:    ri.Filename,
			Line:    ri.Location.Row,
			Rule:    ri.Code,
			Message: ri.Message,
		})
	}
	return issues, nil
}

type eslintFile struct {
	FilePath string `json:"filePath"`
	Messages []struct {
		RuleID  *string `json:"ruleId"`
		Message string  `json:"message"`
		Line    int     `json:"line"`
	} `json:"messages"`
}

func parseESLint(res CheckResult) ([]verdict.Issue, error) {
	data := bytes.TrimSpace(res.Stdout)
	if len(data) == 0 {
		return nil, nil
	}
	var files []eslintFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("parsing eslint output: %w", err)
	}
	var issues []verdict.Issue
	for _, f := range files {
		for _, m := range f.Messages {
			rule := "eslint"
			if m.RuleID != nil {
				rule = *m.RuleID
			}
			issues = append(issues, verdict.Issue{File: f.FilePath, Line: m.Line, Rule: rule, Message: m.Message})
		}
	}
	return issues, nil
}

type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
	Output  string `json:"Output"`
}

var goTestLocation = regexp.MustCompile(`^\s+([\w./-]+_test\.go):(\d+):\s*(.*)$`)

// parseGoTestJSON reports one issue per failed test. The location is taken
// from the first file:line the test printed, when there is one.
func parseGoTestJSON(res CheckResult) ([]verdict.Issue, error) {
	type loc struct {
		file string
		line int
		msg  string
	}
	first := map[string]loc{}
	var failed []goTestEvent

	sc := bufio.NewScanner(bytes.NewReader(res.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parsing go test event: %w", err)
		}
		key := ev.Package + "." + ev.Test
		switch ev.Action {
		case "output":
			if ev.Test == "" {
				continue
			}
			if _, seen := first[key]; seen {
				continue
			}
			if m := goTestLocation.FindStringSubmatch(strings.TrimRight(ev.Output, "\n")); m != nil {
				n, _ := strconv.Atoi(m[2])
				first[key] = loc{file: m[1], line: n, msg: m[3]}
			}
		case "fail":
			if ev.Test != "" {
				failed = append(failed, ev)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading go test output: %w", err)
	}

	issues := make([]verdict.Issue, 0, len(failed))
	for _, ev := range failed {
		key := ev.Package + "." + ev.Test
		issue := verdict.Issue{
			File:    ev.Package,
			Rule:    "test:" + ev.Test,
			Message: ev.Test + " failed",
		}
		if l, ok := first[key]; ok {
			issue.File = l.file
			issue.Message = l.msg
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// lineIssue matches "file:line[:col]: message" as printed by mypy, tsc
// (in --pretty false mode), go vet, flake8 and most compilers. A trailing
// "[rule]" or leading "rule:" token is used as the rule when present.
var lineIssue = regexp.MustCompile(`^([^\s:][^:]*):(\d+)(?::\d+)?:\s*(?:(error|warning|note):\s*)?(.+?)(?:\s+\[([\w.-]+)\])?$`)

func parseLines(res CheckResult) ([]verdict.Issue, error) {
	var issues []verdict.Issue
	for _, stream := range [][]byte{res.Stdout, res.Stderr} {
		sc := bufio.NewScanner(bytes.NewReader(stream))
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			m := lineIssue.FindStringSubmatch(strings.TrimRight(sc.Text(), "\r"))
			if m == nil || m[3] == "note" {
				continue
			}
			n, _ := strconv.Atoi(m[2])
			issues = append(issues, verdict.Issue{File: m[1], Line: n, Rule: m[5], Message: m[4]})
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading check output: %w", err)
		}
	}
	return issues, nil
}
