package server

import (
	"strconv"
	"strings"
)

// formatReply renders a single-line reply: "<code> <text>\r\n".
func formatReply(code int, text string) string {
	return strconv.Itoa(code) + " " + sanitizeMessage(text) + "\r\n"
}

// formatMultilineReply renders an RFC 959 multi-line reply. The first line
// of text carries "<code>-", the following lines are indented by one space
// and the reply ends with "<code> End".
func formatMultilineReply(code int, text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r", ""), "\n")
	c := strconv.Itoa(code)

	var b strings.Builder
	b.WriteString(c + "-" + lines[0] + "\r\n")
	for _, line := range lines[1:] {
		b.WriteString(" " + line + "\r\n")
	}
	b.WriteString(c + " End\r\n")
	return b.String()
}
