package guardrail

import (
	"fmt"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// GitleaksDetector adapts the gitleaks default rule set to SecretDetector.
type GitleaksDetector struct {
	detector *detect.Detector
}

// NewGitleaksDetector loads the gitleaks default configuration.
func NewGitleaksDetector() (*GitleaksDetector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	return &GitleaksDetector{detector: d}, nil
}

// DetectLine implements SecretDetector.
func (g *GitleaksDetector) DetectLine(text string) []SecretFinding {
	findings := g.detector.DetectString(text)
	if len(findings) == 0 {
		return nil
	}
	out := make([]SecretFinding, 0, len(findings))
	for _, f := range findings {
		out = append(out, SecretFinding{RuleID: f.RuleID, Match: f.Secret})
	}
	return out
}
