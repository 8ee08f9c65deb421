package server

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// plainTextPolicy strips every tag from short text fields. Content and cover
// are stored as supplied.
var plainTextPolicy = bluemonday.StrictPolicy()

// sanitizePlainText removes markup and returns the remaining text unescaped,
// so "Q&A" is stored as typed rather than as "Q&amp;A".
func sanitizePlainText(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := strings.TrimSpace(html.UnescapeString(plainTextPolicy.Sanitize(*value)))
	return &cleaned
}
