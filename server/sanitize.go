// Copyright 2024 The Wingman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizeText strips control characters except newline and tab, trims
// surrounding whitespace and HTML-escapes the remainder. All user-supplied
// free text passes through here before validation and storage.
func sanitizeText(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
	return html.EscapeString(strings.TrimSpace(cleaned))
}

// textLength counts characters, not bytes, to match the column limits.
func textLength(s string) int {
	return utf8.RuneCountInString(s)
}
