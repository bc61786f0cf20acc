package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text", "hello there", "hello there"},
		{"trims whitespace", "  hello  ", "hello"},
		{"strips control characters", "he\x00llo\x1b", "hello"},
		{"keeps newline and tab", "line one\n\tline two", "line one\n\tline two"},
		{"escapes html", `<img src=x onerror="pwn()">`, "&lt;img src=x onerror=&#34;pwn()&#34;&gt;"},
		{"escapes ampersand", "fish & chips", "fish &amp; chips"},
		{"empty after trim", "   ", ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, sanitizeText(test.input))
		})
	}
}

func TestTextLength(t *testing.T) {
	assert.Equal(t, 0, textLength(""))
	assert.Equal(t, 5, textLength("hello"))
	// Characters, not bytes.
	assert.Equal(t, 5, textLength("héllo"))
	assert.Equal(t, 1, textLength("🂡"))
}
