package webpage

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is the readable part of an HTML document. Text keeps one block per line and renders
// h1 to h3 as markdown heading lines, so markdown measurements apply to it directly.
type Page struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	H2          []string `json:"h2,omitempty"`
	H3          []string `json:"h3,omitempty"`
	Text        string   `json:"text"`
}

// Headings lists the h2 and h3 texts in document order.
func (p *Page) Headings() []string {
	var out []string
	for _, line := range strings.Split(p.Text, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			out = append(out, strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "### "):
			out = append(out, strings.TrimPrefix(line, "### "))
		}
	}
	return out
}

var skipElements = map[atom.Atom]bool{
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Noscript: true,
	atom.Form:     true,
	atom.Svg:      true,
	atom.Template: true,
}

var skipClasses = map[string]bool{
	"sidebar":       true,
	"menu":          true,
	"ad":            true,
	"advertisement": true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Br: true, atom.Tr: true, atom.Table: true, atom.Blockquote: true, atom.Pre: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Dd: true, atom.Dt: true, atom.Figcaption: true,
}

var headingPrefix = map[atom.Atom]string{
	atom.H1: "# ",
	atom.H2: "## ",
	atom.H3: "### ",
}

// Parse extracts the main content of an HTML document: the first article element, else
// main, else body. Navigation, scripts and ad or comment containers are dropped.
func Parse(r io.Reader, pageURL string) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	page := &Page{URL: pageURL}
	if n := find(doc, atom.Title); n != nil {
		page.Title = collapse(textOf(n))
	}
	page.Description = metaDescription(doc)

	root := find(doc, atom.Article)
	if root == nil {
		root = find(doc, atom.Main)
	}
	if root == nil {
		root = find(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}

	w := &textWriter{}
	w.walk(root, page)
	w.flush()
	page.Text = strings.Join(w.lines, "\n")
	if page.Title == "" {
		if n := find(root, atom.H1); n != nil {
			page.Title = collapse(textOf(n))
		}
	}
	return page, nil
}

type textWriter struct {
	lines []string
	cur   strings.Builder
}

func (w *textWriter) flush() {
	if line := collapse(w.cur.String()); line != "" {
		w.lines = append(w.lines, line)
	}
	w.cur.Reset()
}

func (w *textWriter) walk(n *html.Node, page *Page) {
	switch n.Type {
	case html.TextNode:
		w.cur.WriteString(n.Data)
		return
	case html.ElementNode:
		if skip(n) {
			return
		}
		if prefix, ok := headingPrefix[n.DataAtom]; ok {
			w.flush()
			text := collapse(textOf(n))
			if text == "" {
				return
			}
			w.lines = append(w.lines, prefix+text)
			switch n.DataAtom {
			case atom.H2:
				page.H2 = append(page.H2, text)
			case atom.H3:
				page.H3 = append(page.H3, text)
			}
			return
		}
	}
	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		w.flush()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, page)
	}
	if block {
		w.flush()
	}
}

func skip(n *html.Node) bool {
	if skipElements[n.DataAtom] {
		return true
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "id":
			if strings.EqualFold(strings.TrimSpace(a.Val), "comments") {
				return true
			}
		case "class":
			for _, c := range strings.Fields(a.Val) {
				if skipClasses[strings.ToLower(c)] {
					return true
				}
			}
		}
	}
	return false
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if got := find(c, a); got != nil {
			return got
		}
	}
	return nil
}

func metaDescription(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
		var name, content string
		for _, a := range n.Attr {
			switch a.Key {
			case "name", "property":
				name = strings.ToLower(a.Val)
			case "content":
				content = a.Val
			}
		}
		if name == "description" || name == "og:description" {
			return collapse(content)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if d := metaDescription(c); d != "" {
			return d
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && skipElements[n.DataAtom] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }
