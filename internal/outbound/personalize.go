// Package outbound validates, personalizes, and delivers agent messages
// through channel adapters. The outbox worker drives it; direct callers only
// enqueue.
package outbound

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render substitutes {{key}} placeholders from vars. Unknown placeholders are
// left intact so a typo is visible in the delivered text rather than silently
// blanked.
func Render(body string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(body, "{{") {
		return body
	}
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}
