package wire

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Strict policies: the client renders to a terminal, so no markup survives
// the boundary in either direction.
var (
	namePolicy    = bluemonday.StrictPolicy()
	contentPolicy = bluemonday.StrictPolicy()
)

const maxNameLen = 48

// SanitizeName strips any markup and entities from a display name.
func SanitizeName(name string) string {
	s := namePolicy.Sanitize(name)
	s = html.UnescapeString(s)
	s = strings.TrimSpace(s)
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	return s
}

// SanitizeContent strips markup from message content while keeping the text.
func SanitizeContent(content string) string {
	s := contentPolicy.Sanitize(content)
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}
