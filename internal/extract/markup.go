package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// StripMarkup returns the visible text of an HTML or wiki-markup fragment.
// Plain text is returned unchanged.
func StripMarkup(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return stripWikiLinks(text)
	}

	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return stripWikiLinks(text)
	}
	return stripWikiLinks(extractVisibleText(doc))
}

// extractVisibleText collects text nodes, skipping scripts and styles
func extractVisibleText(n *html.Node) string {
	var buf strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe":
				return
			}
		}

		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode && isBlockElement(n.Data) {
			buf.WriteString(" ")
		}
	}

	walk(n)
	return strings.TrimSpace(buf.String())
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "ul", "ol", "td", "th", "tr", "table",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "section", "article":
		return true
	}
	return false
}

// stripWikiLinks rewrites [[target|label]] and [[label]] to their label
func stripWikiLinks(text string) string {
	if !strings.Contains(text, "[[") {
		return text
	}

	var buf strings.Builder
	for {
		open := strings.Index(text, "[[")
		if open < 0 {
			break
		}
		end := strings.Index(text[open:], "]]")
		if end < 0 {
			break
		}
		buf.WriteString(text[:open])
		inner := text[open+2 : open+end]
		if pipe := strings.LastIndex(inner, "|"); pipe >= 0 {
			inner = inner[pipe+1:]
		}
		buf.WriteString(inner)
		text = text[open+end+2:]
	}
	buf.WriteString(text)
	return buf.String()
}
