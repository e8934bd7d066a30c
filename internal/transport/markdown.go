// ABOUTME: Markdown rendering for formatted chat replies
// ABOUTME: Uses goldmark and falls back to the plain body when rendering fails

package transport

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

// RenderMarkdown converts a Markdown reply to HTML. ok is false when the text
// has no formatting worth sending as HTML.
func RenderMarkdown(text string) (html string, ok bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	out := strings.TrimSpace(buf.String())

	// A single plain paragraph renders to <p>text</p>; send that as plain text.
	if inner, found := strings.CutPrefix(out, "<p>"); found {
		inner, _ = strings.CutSuffix(inner, "</p>")
		if !strings.ContainsAny(inner, "<&") {
			return "", false
		}
	}
	return out, true
}
