package services

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	quotesHeadings = []string{"核心金句", "golden quotes"}
	tagsHeadings   = []string{"主题标签", "tags"}

	numberedPrefixRe = regexp.MustCompile(`^\s*\d+\.\s*`)
)

// sectionItems returns the "-" list items under the first level-3 heading
// whose title starts with one of headings. The section ends at "---" or at
// the next heading.
func sectionItems(markdown string, headings []string) []string {
	var items []string
	inSection := false

	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "###") {
			if inSection {
				break
			}
			title := strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "#")))
			for _, h := range headings {
				if strings.HasPrefix(title, h) {
					inSection = true
					break
				}
			}
			continue
		}
		if !inSection {
			continue
		}
		if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "#") {
			break
		}
		if strings.HasPrefix(line, "-") {
			item := strings.TrimSpace(strings.TrimLeft(line, "-"))
			item = strings.TrimSpace(strings.ReplaceAll(item, "**", ""))
			if item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

// ExtractQuotes returns the golden quotes of a rewritten document.
func ExtractQuotes(markdown string) []string {
	return sectionItems(markdown, quotesHeadings)
}

// NumberQuotes renders quotes as "1. a\n2. b".
func NumberQuotes(quotes []string) string {
	lines := make([]string, len(quotes))
	for i, q := range quotes {
		lines[i] = fmt.Sprintf("%d. %s", i+1, q)
	}
	return strings.Join(lines, "\n")
}

// IsNumbered reports whether text starts with a "1." style list marker.
func IsNumbered(text string) bool {
	return numberedPrefixRe.MatchString(text)
}

// SplitNumbered turns numbered quote text back into plain quotes.
func SplitNumbered(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(numberedPrefixRe.ReplaceAllString(line, ""))
		line = strings.TrimSpace(strings.TrimLeft(line, "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// ExtractTags returns the topic tags of a rewritten document, "#"-prefixed.
func ExtractTags(markdown string) []string {
	raw := sectionItems(markdown, tagsHeadings)
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(strings.TrimLeft(t, "#"))
		if t != "" {
			tags = append(tags, "#"+t)
		}
	}
	return tags
}
