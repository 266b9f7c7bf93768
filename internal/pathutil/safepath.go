// Package pathutil checks caller supplied keys before they are joined onto
// a storage prefix.
package pathutil

import (
	"strings"
	"unicode"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// SafeObjectKey trims leading slashes from key and reports whether the rest
// is a relative object key that cannot escape its prefix: non-empty, no dot
// segments, no backslashes, no control characters.
func SafeObjectKey(key string) (string, bool) {
	key = strings.TrimLeft(key, "/")
	if key == "" || HasDotSegments(key) || strings.ContainsRune(key, '\\') {
		return key, false
	}
	if strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return key, false
	}
	return key, true
}
