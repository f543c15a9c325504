// Package ansi turns terminal output into plain text.
package ansi

const esc = 0x1b

// Strip removes escape sequences, carriage returns and control bytes other
// than newline and tab. A backspace erases the byte before it.
func Strip(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == esc:
			i = skipEscape(s, i)
		case ch == '\b':
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		case ch == '\n' || ch == '\t':
			out = append(out, ch)
		case ch < 0x20 || ch == 0x7f:
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}

// skipEscape returns the index of the last byte of the sequence starting
// at s[i]. Unterminated sequences run to the end of s.
func skipEscape(s string, i int) int {
	if i+1 >= len(s) {
		return i
	}
	switch s[i+1] {
	case '[':
		for j := i + 2; j < len(s); j++ {
			if s[j] >= 0x40 && s[j] <= 0x7e {
				return j
			}
		}
		return len(s) - 1
	case ']':
		for j := i + 2; j < len(s); j++ {
			if s[j] == 0x07 {
				return j
			}
			if s[j] == esc && j+1 < len(s) && s[j+1] == '\\' {
				return j + 1
			}
		}
		return len(s) - 1
	case 'P', '^', '_', 'k':
		for j := i + 2; j+1 < len(s); j++ {
			if s[j] == esc && s[j+1] == '\\' {
				return j + 1
			}
		}
		return len(s) - 1
	case '(', ')', '*', '+':
		if i+2 < len(s) {
			return i + 2
		}
		return len(s) - 1
	}
	return i + 1
}
