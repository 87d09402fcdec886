package guardrail

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// OverridesFile is the per-project guardrail file, relative to the workspace.
const OverridesFile = ".loopd/guardrails.toml"

// ErrInvalidOverrides is returned for unparsable or invalid override files.
var ErrInvalidOverrides = errors.New("invalid guardrail overrides")

// Overrides are project-specific additions to the default rule set.
//
//	[[rules]]
//	id = "no-debugger"
//	pattern = 'debugger;'
//	paths = ["*.js"]
//
//	[allowlist]
//	paths = ['^vendor/', '^third_party/']
type Overrides struct {
	Rules     []Rule `toml:"rules"`
	Allowlist struct {
		Paths []string `toml:"paths"`
	} `toml:"allowlist"`
}

// LoadOverrides reads the overrides file under workspace. A missing file
// yields empty overrides.
func LoadOverrides(workspace string) (*Overrides, error) {
	path := filepath.Join(workspace, OverridesFile)
	var o Overrides
	if _, err := toml.DecodeFile(path, &o); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Overrides{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOverrides, path, err)
	}
	for _, p := range o.Allowlist.Paths {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: allowlist path %q: %v", ErrInvalidOverrides, p, err)
		}
	}
	return &o, nil
}

// Options converts the overrides into scanner options.
func (o *Overrides) Options() []Option {
	if o == nil {
		return nil
	}
	var opts []Option
	if len(o.Rules) > 0 {
		opts = append(opts, WithRules(o.Rules...))
	}
	if len(o.Allowlist.Paths) > 0 {
		res := make([]*regexp.Regexp, 0, len(o.Allowlist.Paths))
		for _, p := range o.Allowlist.Paths {
			res = append(res, regexp.MustCompile(p))
		}
		opts = append(opts, WithAllowPaths(res...))
	}
	return opts
}

// ForWorkspace builds a scanner for one project workspace, merging its
// overrides file and, when enabled, the gitleaks secret detector.
func ForWorkspace(workspace string, secretScan bool) (*Scanner, error) {
	o, err := LoadOverrides(workspace)
	if err != nil {
		return nil, err
	}
	opts := o.Options()
	if secretScan {
		d, err := NewGitleaksDetector()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSecretDetector(d))
	}
	return NewScanner(opts...)
}
