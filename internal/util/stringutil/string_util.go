package stringutil

import "fmt"

// SampleLong shortens a long string by keeping some content from the
// beginning and some from the end. Useful when reflecting user input into
// logs, where a degenerately long query string or message body would
// otherwise swamp the log line.
func SampleLong(s string) string {
	if len(s) <= 100 {
		return s
	}

	return fmt.Sprintf("%s ... [TRUNCATED; total_length: %v characters] ... %s", s[0:50], len(s), s[len(s)-50:len(s)-1])
}
