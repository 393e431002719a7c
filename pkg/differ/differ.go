// Package differ compares two versions of a token sequence.
package differ

import (
	"fmt"
	"strings"
)

// DiffResult holds the result of comparing an old and a new token set.
type DiffResult struct {
	HasChanges bool     `json:"has_changes"`
	Added      []string `json:"added"`
	Removed    []string `json:"removed"`
	Common     []string `json:"common"`
	Stats      Stats    `json:"stats"`
}

// Stats holds counts of changes.
type Stats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// SetDiff compares old and new as sets. Blank entries are ignored, duplicates
// collapse, and each output slice keeps the order of first appearance.
func SetDiff(oldItems, newItems []string) DiffResult {
	oldSet := make(map[string]bool, len(oldItems))
	newSet := make(map[string]bool, len(newItems))
	for _, s := range oldItems {
		oldSet[s] = true
	}
	for _, s := range newItems {
		newSet[s] = true
	}

	var res DiffResult
	seen := make(map[string]bool, len(oldItems)+len(newItems))
	for _, s := range oldItems {
		if strings.TrimSpace(s) == "" || seen[s] {
			continue
		}
		seen[s] = true
		if newSet[s] {
			res.Common = append(res.Common, s)
		} else {
			res.Removed = append(res.Removed, s)
		}
	}
	for _, s := range newItems {
		if strings.TrimSpace(s) == "" || seen[s] {
			continue
		}
		seen[s] = true
		if !oldSet[s] {
			res.Added = append(res.Added, s)
		}
	}

	res.Stats = Stats{Additions: len(res.Added), Deletions: len(res.Removed)}
	res.HasChanges = res.Stats.Additions > 0 || res.Stats.Deletions > 0
	return res
}

// Summary returns a human-readable summary of the diff.
func (d DiffResult) Summary() string {
	if !d.HasChanges {
		return "No changes detected"
	}
	return fmt.Sprintf("%d additions, %d deletions", d.Stats.Additions, d.Stats.Deletions)
}
