package post

import (
	"regexp"
	"strings"
)

var signatureDelimiter = regexp.MustCompile(`(?i)^(--\s*|Sent from my iPhone)$`)

// StripSignature drops the last signature delimiter line and everything
// after it. Text before the delimiter is returned unchanged.
func StripSignature(body string) string {
	lines := strings.Split(body, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if signatureDelimiter.MatchString(strings.TrimSuffix(lines[i], "\r")) {
			return strings.Join(lines[:i], "\n")
		}
	}

	return body
}

// ExtractTags removes a leading "tags:" line and returns its comma
// separated values.
func ExtractTags(body string) (string, []string) {
	first, rest, found := strings.Cut(body, "\n")
	line := strings.TrimSuffix(first, "\r")
	if len(line) < len("tags:") || !strings.EqualFold(line[:len("tags:")], "tags:") {
		return body, nil
	}
	if !found {
		rest = ""
	}

	var tags []string
	for _, tag := range strings.Split(line[len("tags:"):], ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	return rest, tags
}

// CleanBody strips the signature first, then extracts tags.
func CleanBody(body string) (string, []string) {
	return ExtractTags(StripSignature(body))
}
