package stack

import "strings"

const threadHeaderPrefix = `"`

// Threads cuts a thread dump into the lines of each thread. A thread starts
// at its quoted header line and ends at the next header or blank line.
// Every frame line of lines ends up in exactly one group, in dump order.
func Threads(lines []string) [][]string {
	var threads [][]string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			threads = append(threads, cur)
		}
		cur = nil
	}
	for _, line := range lines {
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case strings.HasPrefix(line, threadHeaderPrefix):
			flush()
			cur = append(cur, line)
		default:
			cur = append(cur, line)
		}
	}
	flush()
	return threads
}
