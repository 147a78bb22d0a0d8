package pool

import (
	"strings"
)

// keyShape is a recognizable provider key format.
type keyShape struct {
	provider string
	prefix   string
	minLen   int
}

var knownKeyShapes = []keyShape{
	{provider: "anthropic", prefix: "sk-ant-", minLen: 40},
	{provider: "gemini", prefix: "AIza", minLen: 39},
	{provider: "openai", prefix: "sk-", minLen: 20},
}

// keyProvider returns the provider whose key format key matches, or "".
func keyProvider(key string) string {
	for _, s := range knownKeyShapes {
		if strings.HasPrefix(key, s.prefix) && len(key) >= s.minLen {
			return s.provider
		}
	}
	return ""
}

// sanitizeKeys trims keys, drops empty entries and skips duplicates, both
// within keys and against existing. Order of first occurrence is kept.
// positions[i] is the index in keys that accepted[i] came from.
func sanitizeKeys(keys []string, existing []string) (accepted []string, positions []int, skipped int) {
	seen := make(map[string]struct{}, len(existing)+len(keys))
	for _, k := range existing {
		seen[k] = struct{}{}
	}

	accepted = make([]string, 0, len(keys))
	positions = make([]int, 0, len(keys))
	for i, raw := range keys {
		k := strings.TrimSpace(raw)
		if k == "" {
			skipped++
			continue
		}
		if _, dup := seen[k]; dup {
			skipped++
			continue
		}
		seen[k] = struct{}{}
		accepted = append(accepted, k)
		positions = append(positions, i)
	}
	return accepted, positions, skipped
}
