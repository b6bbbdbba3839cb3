package utils

import (
	"strings"
)

// UniqueTrimmedStrings trims each entry and drops empties and
// duplicates, keeping first-seen order.
func UniqueTrimmedStrings(input []string) []string {
	seen := make(map[string]struct{})
	var result []string

	for _, s := range input {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; !exists {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}

	return result
}
