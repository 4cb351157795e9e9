// Package speech holds the domain vocabulary shared by every layer of the
// recognition broker: normalized languages, transcript results, and the closed
// set of error kinds that travel unchanged up to the transport boundary.
package speech

import "strings"

// Normalize reduces a locale tag to its primary subtag, lowercased.
// "ru-RU", "RU_ru" and "ru" all normalize to "ru". Leading and trailing
// whitespace is ignored. The empty tag normalizes to "".
func Normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
