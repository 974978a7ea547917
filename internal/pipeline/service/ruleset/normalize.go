package ruleset

import (
	"sort"
	"strings"
)

// NormalizeMetadata returns a copy of in with keys lowercased and trimmed,
// aliases applied, values trimmed and empty entries removed.
// aliasMap maps alternative keys to canonical keys, e.g. "svc" -> "service".
func NormalizeMetadata(in map[string]string, aliasMap map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	result := make(map[string]string, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		if canonical, ok := aliasMap[key]; ok && strings.TrimSpace(canonical) != "" {
			key = strings.ToLower(strings.TrimSpace(canonical))
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	return result
}

// NormalizeChannels trims channel names, drops empties and duplicates, and
// keeps the first-seen order.
func NormalizeChannels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// CanonicalKey returns a stable string for a string map, sorted by key as
// key=value pairs joined by '|'.
func CanonicalKey(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}
