package domain

import "strings"

// NormalizeComputeUnit canonicalizes a compute-unit tag for queue naming and
// capability matching: lowercased, parentheses stripped, whitespace runs
// joined with single underscores. "CPU (ONNX)" becomes "cpu_onnx".
func NormalizeComputeUnit(unit string) string {
	s := strings.ToLower(strings.TrimSpace(unit))
	s = strings.ReplaceAll(s, "(", "")
	s = strings.ReplaceAll(s, ")", "")
	return strings.Join(strings.Fields(s), "_")
}

// NormalizeCapabilities normalizes every tag, dropping empties and
// duplicates while preserving declaration order. Registration stores the
// result so capability queues line up with dispatch.
func NormalizeCapabilities(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeComputeUnit(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
