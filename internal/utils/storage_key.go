package utils

import "strings"

// storageKeyReplacer maps the two base64 characters that are unsafe in
// path-like storage keys onto their URL-safe counterparts.
var storageKeyReplacer = strings.NewReplacer("/", "_", "+", "-")

// SanitizeStorageKey normalizes a client-supplied key id before it is used
// as a primary key. Standard-alphabet and URL-safe encodings of the same
// key id converge on the same storage key, so a device cannot register
// twice by switching alphabets.
func SanitizeStorageKey(id string) string {
	return storageKeyReplacer.Replace(id)
}
