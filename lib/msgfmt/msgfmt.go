// Package msgfmt turns engine state into terminal text and terminal input
// into interrupt responses.
package msgfmt

import (
	"strings"

	"github.com/acarl005/stripansi"
)

const WhiteSpaceChars = " \t\n\r\f\v"

func TrimWhitespace(msg string) string {
	return strings.Trim(msg, WhiteSpaceChars)
}

// trimEmptyLines drops blank lines at both ends and keeps inner ones.
func trimEmptyLines(msg string) string {
	lines := strings.Split(msg, "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// Clean strips escape sequences the agent may have put in its text and the
// trailing whitespace of every line.
func Clean(msg string) string {
	msg = stripansi.Strip(msg)
	msg = strings.ReplaceAll(msg, "\r\n", "\n")
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, WhiteSpaceChars)
	}
	return trimEmptyLines(strings.Join(lines, "\n"))
}
