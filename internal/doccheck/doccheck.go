// Package doccheck detects undocumented surface changes before a run is
// finished: CLI flags missing from the docs and public source files
// missing from the agent guide. Verdicts persist in a
// per-project decision store so the same question is not asked twice.
package doccheck

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/cloudharness/commander/types"
)

const (
	// ReadmeName and AgentGuideName are the tracked documentation files
	// in a project root.
	ReadmeName     = "README.md"
	AgentGuideName = "AGENT_GUIDE.md"
)

// sourceExtensions are the file types counted as public source in a
// project root.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".js": true, ".rs": true,
}

// DriftType distinguishes the two drift checks.
type DriftType string

const (
	DriftCLIFlag    DriftType = "cli_flag"
	DriftPublicFile DriftType = "public_file"
)

// Drift is one undocumented surface change.
type Drift struct {
	Type     DriftType
	Item     string
	Location string
	Context  string
}

// ItemID is the stable identifier used in the decision store.
func (d Drift) ItemID() string {
	return fmt.Sprintf("%s:%s", d.Type, d.Item)
}

// Checker detects drift for one project.
type Checker struct {
	fs       afero.Fs
	repoPath string
}

// NewChecker creates a checker over the given filesystem and repo root.
func NewChecker(fs afero.Fs, repoPath string) *Checker {
	return &Checker{fs: fs, repoPath: repoPath}
}

// DetectFlagDrift reports declared CLI flags that have no literal
// occurrence in every tracked documentation file.
func (c *Checker) DetectFlagDrift(flags []string) []Drift {
	var drifts []Drift
	for _, flag := range flags {
		switch flag {
		case "--help", "-h", "--version", "-V":
			continue
		}
		for _, doc := range []string{ReadmeName, AgentGuideName} {
			content, err := afero.ReadFile(c.fs, filepath.Join(c.repoPath, doc))
			if err != nil {
				// A missing doc file means every flag is undocumented there.
				content = nil
			}
			if !strings.Contains(string(content), flag) {
				drifts = append(drifts, Drift{
					Type:     DriftCLIFlag,
					Item:     flag,
					Location: doc,
					Context:  fmt.Sprintf("flag %s is not mentioned in %s", flag, doc),
				})
				break
			}
		}
	}
	return drifts
}

// DetectPublicFileDrift reports public source files in the project root
// whose names appear nowhere in the agent guide. The whole guide is
// searched; the check is not narrowed to its repository-map section.
// Without an agent guide no file is reported.
func (c *Checker) DetectPublicFileDrift() ([]Drift, error) {
	guide, err := afero.ReadFile(c.fs, filepath.Join(c.repoPath, AgentGuideName))
	if err != nil {
		if exists, _ := afero.Exists(c.fs, filepath.Join(c.repoPath, AgentGuideName)); !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", AgentGuideName, err)
	}

	entries, err := afero.ReadDir(c.fs, c.repoPath)
	if err != nil {
		return nil, fmt.Errorf("list project root: %w", err)
	}

	var drifts []Drift
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !sourceExtensions[filepath.Ext(name)] {
			continue
		}
		if strings.HasPrefix(name, "_") || strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		if !strings.Contains(string(guide), name) {
			drifts = append(drifts, Drift{
				Type:     DriftPublicFile,
				Item:     name,
				Location: AgentGuideName,
				Context:  fmt.Sprintf("public file %s is not mentioned in %s", name, AgentGuideName),
			})
		}
	}
	return drifts, nil
}

// Result is the outcome of a full check.
type Result struct {
	Unresolved []Drift
	Skipped    int
}

// Check runs both detectors and filters out items with a standing
// decision. Expired deferred decisions re-surface their items.
func Check(fs afero.Fs, repoPath string, flags []string, store *DecisionStore) (Result, error) {
	checker := NewChecker(fs, repoPath)

	all := checker.DetectFlagDrift(flags)
	fileDrifts, err := checker.DetectPublicFileDrift()
	if err != nil {
		return Result{}, err
	}
	all = append(all, fileDrifts...)

	var res Result
	for _, d := range all {
		if store.Resolved(d.ItemID()) {
			res.Skipped++
			continue
		}
		res.Unresolved = append(res.Unresolved, d)
	}
	return res, nil
}

// DriftError builds the typed error for strict mode, listing every
// unresolved item.
func DriftError(unresolved []Drift) error {
	items := make([]string, 0, len(unresolved))
	for _, d := range unresolved {
		items = append(items, d.Item)
	}
	return types.Errorf(types.KindDocDrift, "%d undocumented change(s): %s",
		len(unresolved), strings.Join(items, ", ")).
		WithHint("Update the docs, or record a decision with the interactive finish.")
}
