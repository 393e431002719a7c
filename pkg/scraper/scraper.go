// Package scraper turns feed-supplied HTML fragments into plain text.
package scraper

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

var skipTags = map[string]bool{
	"script": true, "style": true, "nav": true, "footer": true,
	"noscript": true, "svg": true, "iframe": true, "figure": true,
}

// ExtractText converts an HTML fragment to whitespace-collapsed text.
// Inputs that are not HTML come back with only their whitespace normalised.
func ExtractText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return collapse(fragment)
	}

	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type: html.ElementNode, Data: "body",
	})
	if err != nil {
		return collapse(fragment)
	}

	var sb strings.Builder
	for _, n := range nodes {
		extractTextFromNode(n, &sb)
	}
	return collapse(sb.String())
}

func extractTextFromNode(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skipTags[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractTextFromNode(c, sb)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4":
			sb.WriteString(" ")
		}
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most max runes, cutting at the last word
// boundary and appending "...". Strings that fit are returned unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := max - 3
	if cut < 1 {
		return string(runes[:max])
	}
	out := string(runes[:cut])
	if i := strings.LastIndexByte(out, ' '); i > cut/2 {
		out = out[:i]
	}
	return strings.TrimRight(out, " ,.;:") + "..."
}
