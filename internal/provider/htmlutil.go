// ABOUTME: Small HTML tree helpers for the scraping adapters
// ABOUTME: Element search by tag, class, id and attribute over golang.org/x/net/html

package provider

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// matcher reports whether an element node matches.
type matcher func(n *html.Node) bool

func parseHTML(body []byte) (*html.Node, error) {
	return html.Parse(strings.NewReader(string(body)))
}

// find returns the first element node in document order that matches m.
func find(root *html.Node, m matcher) *html.Node {
	if root == nil {
		return nil
	}
	if root.Type == html.ElementNode && m(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := find(c, m); n != nil {
			return n
		}
	}
	return nil
}

// findAll returns every matching element node in document order.
func findAll(root *html.Node, m matcher) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && m(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

func attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func tagClass(tag atom.Atom, class string) matcher {
	return func(n *html.Node) bool {
		return n.DataAtom == tag && hasClass(n, class)
	}
}

func tagID(tag atom.Atom, id string) matcher {
	return func(n *html.Node) bool {
		return n.DataAtom == tag && attr(n, "id") == id
	}
}

func tagAttr(tag atom.Atom, key, val string) matcher {
	return func(n *html.Node) bool {
		return n.DataAtom == tag && attr(n, key) == val
	}
}

// text returns the whitespace-collapsed text content of n.
// <br> elements become newlines.
func text(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			sb.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			sb.WriteString("\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	lines := strings.Split(sb.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// metaContent returns the content of <meta property=key> or <meta name=key>.
func metaContent(root *html.Node, key string) string {
	n := find(root, func(n *html.Node) bool {
		return n.DataAtom == atom.Meta && (attr(n, "property") == key || attr(n, "name") == key)
	})
	return strings.TrimSpace(attr(n, "content"))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
