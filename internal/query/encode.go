package query

import (
	"strings"
)

const hexDigits = "0123456789ABCDEF"

// optionReserved are the characters escaped in query option values besides
// controls, space and non-ASCII bytes
const optionReserved = "&=+#%?\"<>\\^`{|}[]"

// EscapeOption percent-encodes a query option value. OData punctuation such as
// ' ( ) , / : @ $ * ; stays readable.
func EscapeOption(s string) string {
	return escape(s, optionReserved)
}

// EscapeKeyValue percent-encodes a rendered key literal for use in a path
// segment, where "/" would otherwise start a new segment
func EscapeKeyValue(s string) string {
	return escape(s, optionReserved+"/")
}

func escape(s, reserved string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i], reserved) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c, reserved) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&15])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func shouldEscape(c byte, reserved string) bool {
	if c <= ' ' || c >= 0x7f {
		return true
	}
	return strings.IndexByte(reserved, c) >= 0
}
