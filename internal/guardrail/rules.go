package guardrail

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Category groups rules by the kind of check they circumvent.
type Category string

const (
	CategoryTypeSuppression Category = "type-suppression"
	CategoryLintSuppression Category = "lint-suppression"
	CategoryTestDisabled    Category = "test-disabled"
	CategorySecret          Category = "secret"
	CategoryCustom          Category = "custom"
)

// Rule is one anti-pattern matched against added lines.
type Rule struct {
	ID          string   `toml:"id"`
	Description string   `toml:"description"`
	Pattern     string   `toml:"pattern"`
	Category    Category `toml:"category"`
	// Paths restricts the rule to files whose base name matches one of the
	// globs. Empty means every file.
	Paths []string `toml:"paths"`

	re *regexp.Regexp
}

// Compile validates the rule and prepares its regex.
func (r *Rule) Compile() error {
	if r.ID == "" {
		return fmt.Errorf("guardrail rule has empty id")
	}
	if r.Pattern == "" {
		return fmt.Errorf("guardrail rule %q has empty pattern", r.ID)
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("guardrail rule %q: %w", r.ID, err)
	}
	for _, g := range r.Paths {
		if _, err := filepath.Match(g, ""); err != nil {
			return fmt.Errorf("guardrail rule %q: bad path glob %q: %w", r.ID, g, err)
		}
	}
	if r.Category == "" {
		r.Category = CategoryCustom
	}
	r.re = re
	return nil
}

func (r *Rule) appliesTo(path string) bool {
	if len(r.Paths) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, g := range r.Paths {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
	}
	return false
}

var (
	pyFiles   = []string{"*.py", "*.pyi"}
	jsFiles   = []string{"*.js", "*.jsx", "*.ts", "*.tsx", "*.mjs", "*.cjs"}
	goFiles   = []string{"*.go"}
	jvmFiles  = []string{"*.java", "*.kt"}
	rustFiles = []string{"*.rs"}
	rbFiles   = []string{"*.rb"}
)

// DefaultRules returns the built-in suppression and skip markers.
func DefaultRules() []Rule {
	return []Rule{
		// Type-check suppression
		{ID: "py-type-ignore", Description: "mypy inline type: ignore", Pattern: `#\s*type:\s*ignore`, Category: CategoryTypeSuppression, Paths: pyFiles},
		{ID: "py-mypy-ignore-errors", Description: "mypy file-level ignore-errors", Pattern: `#\s*mypy:\s*ignore-errors`, Category: CategoryTypeSuppression, Paths: pyFiles},
		{ID: "py-pyright-ignore", Description: "pyright inline ignore", Pattern: `#\s*pyright:\s*ignore`, Category: CategoryTypeSuppression, Paths: pyFiles},
		{ID: "ts-ignore", Description: "TypeScript @ts-ignore", Pattern: `@ts-ignore\b`, Category: CategoryTypeSuppression, Paths: jsFiles},
		{ID: "ts-nocheck", Description: "TypeScript @ts-nocheck", Pattern: `@ts-nocheck\b`, Category: CategoryTypeSuppression, Paths: jsFiles},
		{ID: "ts-expect-error", Description: "TypeScript @ts-expect-error", Pattern: `@ts-expect-error\b`, Category: CategoryTypeSuppression, Paths: jsFiles},

		// Lint suppression
		{ID: "go-nolint", Description: "golangci-lint nolint directive", Pattern: `//\s*nolint\b`, Category: CategoryLintSuppression, Paths: goFiles},
		{ID: "py-noqa", Description: "flake8/ruff noqa", Pattern: `#\s*noqa\b`, Category: CategoryLintSuppression, Paths: pyFiles},
		{ID: "py-pylint-disable", Description: "pylint disable pragma", Pattern: `#\s*pylint:\s*disable`, Category: CategoryLintSuppression, Paths: pyFiles},
		{ID: "eslint-disable", Description: "eslint disable comment", Pattern: `eslint-disable`, Category: CategoryLintSuppression, Paths: jsFiles},
		{ID: "java-suppress-warnings", Description: "@SuppressWarnings annotation", Pattern: `@SuppressWarnings\b`, Category: CategoryLintSuppression, Paths: jvmFiles},
		{ID: "rust-allow", Description: "rust allow attribute", Pattern: `#!?\[allow\(`, Category: CategoryLintSuppression, Paths: rustFiles},
		{ID: "rubocop-disable", Description: "rubocop disable comment", Pattern: `#\s*rubocop:disable`, Category: CategoryLintSuppression, Paths: rbFiles},

		// Disabled or focused tests
		{ID: "go-test-skip", Description: "go test Skip", Pattern: `\bt\.Skip(f|Now)?\(`, Category: CategoryTestDisabled, Paths: []string{"*_test.go"}},
		{ID: "py-pytest-skip", Description: "pytest skip/xfail marker", Pattern: `@pytest\.mark\.(skip|skipif|xfail)\b`, Category: CategoryTestDisabled, Paths: pyFiles},
		{ID: "py-unittest-skip", Description: "unittest skip decorator", Pattern: `@unittest\.skip`, Category: CategoryTestDisabled, Paths: pyFiles},
		{ID: "js-test-skip", Description: "jest/mocha skipped test", Pattern: `\b(it|test|describe)\.skip\(|\bx(it|describe|test)\(`, Category: CategoryTestDisabled, Paths: jsFiles},
		{ID: "js-test-only", Description: "jest/mocha focused test", Pattern: `\b(it|test|describe)\.only\(|\bf(it|describe)\(`, Category: CategoryTestDisabled, Paths: jsFiles},
		{ID: "java-test-disabled", Description: "JUnit @Disabled/@Ignore", Pattern: `@(Disabled|Ignore)\b`, Category: CategoryTestDisabled, Paths: jvmFiles},
		{ID: "rust-test-ignore", Description: "rust #[ignore] test", Pattern: `#\[ignore\]`, Category: CategoryTestDisabled, Paths: rustFiles},
	}
}
