package domain

import "slices"

// ResetTarget names a directory whose contents may be cleared.
//
// Patterns are shell globs matched against entry base names at any depth
// below Dir. An empty pattern list clears every entry. Dir itself is never
// removed. Baseline lists subdirectories recreated after the cleanup.
type ResetTarget struct {
	Dir      string   `yaml:"dir" json:"dir"`
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Baseline []string `yaml:"baseline,omitempty" json:"baseline,omitempty"`
}

// ClearsEverything reports whether the target uses the clear-all policy.
func (t ResetTarget) ClearsEverything() bool {
	return len(t.Patterns) == 0
}

func (t ResetTarget) Clone() ResetTarget {
	return ResetTarget{
		Dir:      t.Dir,
		Patterns: slices.Clone(t.Patterns),
		Baseline: slices.Clone(t.Baseline),
	}
}

// ResetReport summarises one worker reset.
type ResetReport struct {
	WorkerID string   `json:"worker"`
	Removed  []string `json:"removed,omitempty"`
	Evicted  bool     `json:"evicted"`
	Warnings []string `json:"warnings,omitempty"`
}
