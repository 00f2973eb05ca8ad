package render

import (
	"html"
	"regexp"
	"strings"
)

var (
	htmlTag    = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?>`)
	numbered   = regexp.MustCompile(`^\d+[.)]\s+`)
	bulleted   = regexp.MustCompile(`^[-*•]\s+`)
	blankLines = regexp.MustCompile(`\n\s*\n`)
)

// FormatContent turns provider plain text into light HTML. Blank lines split
// paragraphs, single newlines become <br>, and blocks whose lines all start
// with "1." or "-" become lists. Text that already carries HTML tags is
// returned unchanged.
func FormatContent(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return ""
	}
	if htmlTag.MatchString(text) {
		return text
	}

	var b strings.Builder
	for _, block := range blankLines.Split(text, -1) {
		lines := nonEmptyLines(block)
		if len(lines) == 0 {
			continue
		}
		switch {
		case allMatch(lines, numbered):
			writeList(&b, "ol", lines, numbered)
		case allMatch(lines, bulleted):
			writeList(&b, "ul", lines, bulleted)
		default:
			b.WriteString("<p>")
			for i, l := range lines {
				if i > 0 {
					b.WriteString("<br>")
				}
				b.WriteString(html.EscapeString(l))
			}
			b.WriteString("</p>")
		}
	}
	return b.String()
}

func nonEmptyLines(block string) []string {
	var out []string
	for _, l := range strings.Split(block, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func allMatch(lines []string, re *regexp.Regexp) bool {
	for _, l := range lines {
		if !re.MatchString(l) {
			return false
		}
	}
	return true
}

func writeList(b *strings.Builder, tag string, lines []string, marker *regexp.Regexp) {
	b.WriteString("<" + tag + ">")
	for _, l := range lines {
		b.WriteString("<li>")
		b.WriteString(html.EscapeString(marker.ReplaceAllString(l, "")))
		b.WriteString("</li>")
	}
	b.WriteString("</" + tag + ">")
}
