package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var markupHint = regexp.MustCompile(`(?i)<(?:!doctype|html|head|body|div|p|br|table|tr|td|span|a|style)\b`)

// blockElements start and end a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true, "tr": true, "li": true, "ul": true, "ol": true,
	"table": true, "section": true, "article": true, "header": true, "footer": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "br": true, "hr": true,
}

// PlainText reduces an email body to normalised plain text: markup and
// style blocks removed, entities decoded, one logical line per block.
func PlainText(body string) string {
	if !markupHint.MatchString(body) {
		return normalise(html.UnescapeString(body))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return normalise(html.UnescapeString(body))
	}
	doc.Find("style, script, head, title, noscript").Remove()

	var b strings.Builder
	for _, n := range doc.Nodes {
		writeText(&b, n)
	}
	return normalise(b.String())
}

// writeText renders the text of n, breaking lines at block boundaries.
// The parser has already decoded entities in text nodes.
func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}

	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte('\n')
	} else if n.Type == html.ElementNode && (n.Data == "td" || n.Data == "th") {
		b.WriteByte(' ')
	}
}

var spaceRun = regexp.MustCompile(`[ \t\f\v\x{00a0}\x{200b}]+`)

func normalise(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
