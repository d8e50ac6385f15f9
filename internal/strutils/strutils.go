package strutils

import "strings"

// StrListContains looks for a string in a list of strings.
func StrListContains(haystack []string, needle string) bool {
	for _, item := range haystack {
		if item == needle {
			return true
		}
	}
	return false
}

// StrListIntersects reports whether the two lists share at least one entry.
func StrListIntersects(a []string, b []string) bool {
	for _, item := range a {
		if StrListContains(b, item) {
			return true
		}
	}
	return false
}

// RemoveDuplicatesStable removes duplicate and empty elements from a slice of
// strings, preserving order (and case) of the original slice.  All original
// strings with all leading/trailing whitespace are considered empty.
func RemoveDuplicatesStable(items []string, caseInsensitive bool) []string {
	itemsMap := make(map[string]bool, len(items))
	deduplicated := make([]string, 0, len(items))

	for _, item := range items {
		key := item
		if caseInsensitive {
			key = strings.ToLower(item)
		}
		key = strings.TrimSpace(key)
		if itemsMap[key] || key == "" {
			continue
		}
		itemsMap[key] = true
		deduplicated = append(deduplicated, item)
	}
	return deduplicated
}
