// Package diffcodec produces and applies context-0 unified diffs between two
// versions of a text file. Patches round-trip exactly, including a missing
// trailing newline.
package diffcodec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ErrInvalidPatch is returned when a patch is empty, malformed, or does not
// match the base it is applied to.
var ErrInvalidPatch = errors.New("invalid patch")

const noNewlineMarker = "\\ No newline at end of file"

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Diff returns a unified diff with zero context lines that turns from into
// to. The result always carries the file header, so an identity diff is
// header-only rather than empty.
func Diff(name, from, to string) string {
	a := splitLines(from)
	b := splitLines(to)

	var sb strings.Builder
	sb.WriteString("--- a/" + name + "\n")
	sb.WriteString("+++ b/" + name + "\n")

	if from == to {
		return sb.String()
	}

	matcher := difflib.NewMatcher(a, b)
	for _, op := range matcher.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		fmt.Fprintf(&sb, "@@ -%s +%s @@\n",
			formatRange(op.I1, op.I2-op.I1),
			formatRange(op.J1, op.J2-op.J1))
		for _, line := range a[op.I1:op.I2] {
			writeLine(&sb, '-', line)
		}
		for _, line := range b[op.J1:op.J2] {
			writeLine(&sb, '+', line)
		}
	}
	return sb.String()
}

// HasChanges reports whether patch contains at least one hunk.
func HasChanges(patch string) bool {
	return strings.Contains(patch, "\n@@ ")
}

// Apply applies a patch produced by Diff to base.
func Apply(base, patch string) (string, error) {
	lines := splitLines(patch)
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "--- ") || !strings.HasPrefix(lines[1], "+++ ") {
		return "", fmt.Errorf("%w: missing file header", ErrInvalidPatch)
	}

	baseLines := splitLines(base)
	out := make([]string, 0, len(baseLines))
	pos := 0

	i := 2
	for i < len(lines) {
		h, err := parseHunkHeader(lines[i])
		if err != nil {
			return "", err
		}
		i++

		var removed, added []string
		var lastRemoved, lastAdded bool
		for ; i < len(lines) && !strings.HasPrefix(lines[i], "@@"); i++ {
			line := lines[i]
			switch line[0] {
			case '-':
				removed = append(removed, line[1:])
				lastRemoved, lastAdded = true, false
			case '+':
				added = append(added, line[1:])
				lastRemoved, lastAdded = false, true
			case ' ':
				removed = append(removed, line[1:])
				added = append(added, line[1:])
				lastRemoved, lastAdded = true, true
			case '\\':
				if !lastRemoved && !lastAdded {
					return "", fmt.Errorf("%w: stray end-of-file marker", ErrInvalidPatch)
				}
				if lastRemoved {
					removed[len(removed)-1] = strings.TrimSuffix(removed[len(removed)-1], "\n")
				}
				if lastAdded {
					added[len(added)-1] = strings.TrimSuffix(added[len(added)-1], "\n")
				}
				lastRemoved, lastAdded = false, false
			default:
				return "", fmt.Errorf("%w: unexpected line %q", ErrInvalidPatch, strings.TrimSuffix(line, "\n"))
			}
		}

		if len(removed) != h.oldLen || len(added) != h.newLen {
			return "", fmt.Errorf("%w: hunk at line %d declares -%d +%d, has -%d +%d",
				ErrInvalidPatch, h.oldStart, h.oldLen, h.newLen, len(removed), len(added))
		}

		idx := h.oldStart - 1
		if h.oldLen == 0 {
			idx = h.oldStart
		}
		if idx < pos || idx+h.oldLen > len(baseLines) {
			return "", fmt.Errorf("%w: hunk at line %d out of range", ErrInvalidPatch, h.oldStart)
		}

		out = append(out, baseLines[pos:idx]...)
		for k, want := range removed {
			if baseLines[idx+k] != want {
				return "", fmt.Errorf("%w: base mismatch at line %d", ErrInvalidPatch, idx+k+1)
			}
		}
		out = append(out, added...)
		pos = idx + h.oldLen
	}

	out = append(out, baseLines[pos:]...)
	return strings.Join(out, ""), nil
}

type hunk struct {
	oldStart, oldLen int
	newStart, newLen int
}

func parseHunkHeader(line string) (hunk, error) {
	m := hunkHeader.FindStringSubmatch(line)
	if m == nil {
		return hunk{}, fmt.Errorf("%w: bad hunk header %q", ErrInvalidPatch, strings.TrimSuffix(line, "\n"))
	}
	h := hunk{
		oldStart: atoi(m[1], 0),
		oldLen:   atoi(m[2], 1),
		newStart: atoi(m[3], 0),
		newLen:   atoi(m[4], 1),
	}
	return h, nil
}

func atoi(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// formatRange renders a unified-diff range. Empty ranges point at the line
// before the change.
func formatRange(start, length int) string {
	switch length {
	case 0:
		return fmt.Sprintf("%d,0", start)
	case 1:
		return strconv.Itoa(start + 1)
	default:
		return fmt.Sprintf("%d,%d", start+1, length)
	}
}

func writeLine(sb *strings.Builder, prefix byte, line string) {
	sb.WriteByte(prefix)
	sb.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		sb.WriteString("\n" + noNewlineMarker + "\n")
	}
}

// splitLines splits s after each newline. The final element lacks a
// newline only when s does not end with one.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
