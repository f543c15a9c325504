package ansi

import "testing"

func TestStrip(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text", "plain text", "plain text"},
		{"color codes", "\x1b[31mred text\x1b[0m", "red text"},
		{"multiple parameters", "\x1b[1;32;40mbold green\x1b[0m normal", "bold green normal"},
		{"cursor movement", "\x1b[2J\x1b[Hclear screen", "clear screen"},
		{"osc with bell", "\x1b]0;window title\x07text", "text"},
		{"osc with string terminator", "\x1b]0;title\x1b\\text", "text"},
		{"carriage returns", "line1\r\nline2\r", "line1\nline2"},
		{"mixed sequences", "\x1b[1m\x1b]0;title\x07bold\x1b[0m\r\nnext", "bold\nnext"},
		{"charset selection", "\x1b(Btext\x1b)0more", "textmore"},
		{"private and keypad modes", "\x1b[?1h\x1b=\x1b[?2004htext\x1b[?2004l\x1b[?1l\x1b>", "text"},
		{"title sequence", "\x1bk..flowterm\x1b\\hello", "hello"},
		{"backspace", "e\becho", "echo"},
		{"readline erase", "ab\b \bc", "ac"},
		{"control bytes", "a\x00b\x1fc", "abc"},
		{"unterminated csi", "text\x1b[3", "text"},
		{"trailing escape", "text\x1b", "text"},
		{"tabs kept", "a\tb", "a\tb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strip(tt.input); got != tt.expected {
				t.Errorf("Strip(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
