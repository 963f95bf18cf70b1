package cleaner

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	blankLines = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t]{2,}`)
)

// Cleaner turns user-generated markup into plain text using Bluemonday
type Cleaner struct {
	strict *bluemonday.Policy
}

// NewCleaner creates a cleaner that strips every element
func NewCleaner() *Cleaner {
	return &Cleaner{strict: bluemonday.StrictPolicy()}
}

// CleanToText removes all markup and returns plain text.
// Entities are decoded so "&amp;" reads as "&" in spreadsheets.
func (c *Cleaner) CleanToText(content string) string {
	if content == "" {
		return ""
	}
	text := html.UnescapeString(c.strict.Sanitize(content))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = spaceRuns.ReplaceAllString(text, " ")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// CleanMap turns every string value of data into plain text, recursively
func (c *Cleaner) CleanMap(data map[string]any) map[string]any {
	result := make(map[string]any, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			result[k] = c.CleanToText(val)
		case map[string]any:
			result[k] = c.CleanMap(val)
		default:
			result[k] = v
		}
	}
	return result
}
