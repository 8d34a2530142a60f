// Package identifier builds canonical lookup keys from the natural-key
// fragments a caller supplies.
package identifier

import "sort"

// Separator joins a scope and a unique-string fragment into a lookup key.
const Separator = "|"

// BuildKeys canonicalizes uniqueStrings into a sorted, de-duplicated slice
// of fully-qualified lookup keys "{scope}|{fragment}". Empty fragments are
// dropped. The sort is mandatory: two processes racing to acquire locks on
// overlapping key sets must traverse them in the same order, or the lock
// protocol's deadlock-freedom argument doesn't hold.
func BuildKeys(uniqueStrings []string, scope string) []string {
	seen := make(map[string]struct{}, len(uniqueStrings))
	keys := make([]string, 0, len(uniqueStrings))

	for _, fragment := range uniqueStrings {
		if fragment == "" {
			continue
		}

		key := scope + Separator + fragment
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// BuildKeyPrefix returns the scope-prefix helper "{scope}|" used to scope
// prefix scans to a single dataset.
func BuildKeyPrefix(scope string) string {
	return scope + Separator
}
