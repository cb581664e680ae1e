package transcript

import (
	"regexp"
	"strings"
)

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	messageTag   = regexp.MustCompile(`(?i)</?message[^>]*>`)
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	blankLineRun = regexp.MustCompile(`\n{3,}`)
)

// Clean makes model output readable in logs: it drops <message> wrappers and
// ANSI sequences and collapses runs of whitespace.
func Clean(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = ansiPattern.ReplaceAllString(s, "")
	s = messageTag.ReplaceAllString(s, "")
	s = spaceRun.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
