package council

import (
	"regexp"
	"strings"
)

// markdownImagePattern matches a full markdown image reference.
var markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)]*)\)`)

// blankRunPattern collapses runs of three or more blank lines.
var blankRunPattern = regexp.MustCompile(`\n{3,}`)

// placeholderURLMarkers identify image URLs models invent when told not to
// use images: placeholder services and example domains.
var placeholderURLMarkers = []string{
	"via.placeholder.com",
	"example.com",
	"?text=",
	"/placeholder",
}

func isPlaceholderURL(url string) bool {
	lower := strings.ToLower(url)
	for _, marker := range placeholderURLMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// StripFakeImages removes markdown images pointing at placeholder URLs and
// tidies the blank lines left behind. Real image references are untouched;
// the function is idempotent.
func StripFakeImages(text string) string {
	cleaned := markdownImagePattern.ReplaceAllStringFunc(text, func(match string) string {
		m := markdownImagePattern.FindStringSubmatch(match)
		if isPlaceholderURL(m[1]) {
			return ""
		}
		return match
	})
	return blankRunPattern.ReplaceAllString(cleaned, "\n\n")
}
