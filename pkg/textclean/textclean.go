// Package textclean provides pure string cleaners that turn platform
// markup (HTML from Mastodon and RSS, Markdown from Reddit) into the plain
// text the extractor consumes.
package textclean

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// StripHTML removes tags from an HTML fragment and returns plain text.
// Tag boundaries (including <br> and block elements) become spaces, HTML
// entities are decoded, and runs of whitespace collapse to a single space.
func StripHTML(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; either way return what we have.
			return collapseWhitespace(b.String())
		case html.TextToken:
			b.Write(z.Text())
			b.WriteByte(' ')
		}
	}
}

var (
	reFencedCode       = regexp.MustCompile("(?s)```.*?```")
	reInlineCode       = regexp.MustCompile("`([^`]*)`")
	reImage            = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink             = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	reHeading          = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reBoldStars        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnderscores  = regexp.MustCompile(`__(.+?)__`)
	reItalicStar       = regexp.MustCompile(`\*(.+?)\*`)
	reItalicUnderscore = regexp.MustCompile(`(^|[^0-9A-Za-z_])_([^_]+)_([^0-9A-Za-z_]|$)`)
	reStrikethrough    = regexp.MustCompile(`~~(.+?)~~`)
	reBlockQuote       = regexp.MustCompile(`(?m)^>\s?`)
	reHorizontalRule   = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
)

// StripMarkdown removes Reddit-flavored Markdown formatting and returns
// plain text: fenced and inline code, images, links (link text is kept),
// headings, bold, italic, strikethrough, block quotes, and horizontal
// rules, with whitespace normalized afterwards.
func StripMarkdown(s string) string {
	s = reFencedCode.ReplaceAllString(s, "")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reImage.ReplaceAllString(s, "$1")
	s = reLink.ReplaceAllString(s, "$1")
	s = reHeading.ReplaceAllString(s, "")
	s = reBoldStars.ReplaceAllString(s, "$1")
	s = reBoldUnderscores.ReplaceAllString(s, "$1")
	s = reItalicStar.ReplaceAllString(s, "$1")
	s = reItalicUnderscore.ReplaceAllString(s, "$1$2$3")
	s = reStrikethrough.ReplaceAllString(s, "$1")
	s = reBlockQuote.ReplaceAllString(s, "")
	s = reHorizontalRule.ReplaceAllString(s, "")
	return collapseWhitespace(s)
}

// collapseWhitespace reduces any run of Unicode whitespace to a single
// ASCII space and trims the ends.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
