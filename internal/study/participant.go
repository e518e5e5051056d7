package study

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// blockedSuffixes are file extensions crawlers probe for. A participant id
// ending in one of them is treated as unknown.
var blockedSuffixes = []string{
	".php", ".ico", ".txt", ".xml", ".js", ".css", ".html", ".jsp", ".asp",
}

var blockedNames = map[string]bool{
	"favicon.ico":   true,
	"robots.txt":    true,
	"sitemap.xml":   true,
	"wp-config.php": true,
}

// NormalizeParticipantID trims and NFC-normalizes an externally supplied
// participant id and rejects ids that cannot be used as a log key.
// Returns a NotFound error for crawler-looking ids so callers answer them the
// same way as unknown participants.
func NormalizeParticipantID(raw string) (string, error) {
	id := norm.NFC.String(strings.TrimSpace(raw))
	if id == "" {
		return "", Validation("", "participant id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) || id == "." || id == ".." {
		return "", NotFound(id, "participant id rejected")
	}
	lower := strings.ToLower(id)
	if blockedNames[lower] {
		return "", NotFound(id, "participant id rejected")
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return "", NotFound(id, "participant id rejected")
		}
	}
	return id, nil
}

// NormalizeText trims free-text answers and normalizes them to NFC so that
// visually identical answers compare and export identically.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
