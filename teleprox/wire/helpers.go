package wire

import (
	"strconv"
	"strings"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func atoi(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

const lineSep = "\x00"

func joinLines(lines []string) string { return strings.Join(lines, lineSep) }

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, lineSep)
}
