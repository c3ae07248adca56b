package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each TOML table to its valid keys.
var knownKeys = map[string][]string{
	"paths":     {"source_dir", "staging_dir", "target_dir", "state_dir"},
	"watcher":   {"enabled"},
	"reconcile": {"enabled", "schedule"},
	"worker":    {"batch_size", "strip_suffix"},
	"logging":   {"log_level", "log_format"},
	"admin":     {"listen_addr", "shutdown_timeout", "status_interval"},
}

// knownSections is the sorted list of table names, for deterministic
// suggestions.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each one.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if err == nil || reported[err.Error()] {
			continue
		}

		reported[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. A misspelled table yields
// one error for the table, not one per key inside it.
func unknownKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	fields, ok := knownKeys[section]
	if !ok {
		return suggest("unknown config section", section, knownSections)
	}

	if len(key) < 2 {
		return fmt.Errorf("config key %q must be a table", section)
	}

	field := key[1]
	if suggestion := closestMatch(field, fields); suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s]: did you mean %q?", field, section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

func suggest(prefix, name string, known []string) error {
	if suggestion := closestMatch(name, known); suggestion != "" {
		return fmt.Errorf("%s %q: did you mean %q?", prefix, name, suggestion)
	}

	return fmt.Errorf("%s %q (valid: %s)", prefix, name, strings.Join(known, ", "))
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 0; i < len(a); i++ {
		curr[0] = i + 1

		for j := 0; j < len(b); j++ {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
