package server

import "unicode/utf8"

// IsValidText reports whether data is a complete, valid UTF-8 encoding.
// A malformed chunk is a normal false result, not an error; the caller
// decides whether it counts as a strike.
func IsValidText(data []byte) bool {
	return utf8.Valid(data)
}
