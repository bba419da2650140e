package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// page is the readable part of an HTML document.
type page struct {
	Title       string
	Description string
	Text        string
}

// dropped elements never contribute text.
var dropped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3,
	atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// readable parses raw HTML into a page. Headings come out as markdown
// "#" lines and list items as "- " bullets so the model keeps some
// document structure.
func readable(raw string) page {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return page{Text: tokensOnly(raw)}
	}

	var p page
	walkHead(doc, &p)

	var b strings.Builder
	render(doc, &b)
	p.Text = tidy(b.String())
	return p
}

// walkHead fills Title and Description from <title> and
// <meta name="description">.
func walkHead(n *html.Node, p *page) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if p.Title == "" {
				p.Title = strings.TrimSpace(textOf(n))
			}
		case atom.Meta:
			if strings.EqualFold(attr(n, "name"), "description") && p.Description == "" {
				p.Description = strings.TrimSpace(attr(n, "content"))
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHead(c, p)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

func render(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		if s := strings.TrimSpace(n.Data); s != "" {
			b.WriteString(s)
			b.WriteByte(' ')
		}
		return
	case html.ElementNode:
		if dropped[n.DataAtom] {
			return
		}
		if lvl, ok := headingLevel[n.DataAtom]; ok {
			b.WriteString("\n\n")
			b.WriteString(strings.Repeat("#", lvl))
			b.WriteByte(' ')
		} else if n.DataAtom == atom.Li {
			b.WriteString("\n- ")
		} else if isBlock(n.DataAtom) {
			b.WriteString("\n\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(c, b)
	}

	if n.Type == html.ElementNode && n.DataAtom == atom.Br {
		b.WriteByte('\n')
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// tidy collapses runs of spaces inside lines and runs of blank lines
// between them.
func tidy(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// tokensOnly keeps the text tokens of markup the parser rejected.
func tokensOnly(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tidy(b.String())
		case html.TextToken:
			b.Write(z.Text())
			b.WriteByte(' ')
		}
	}
}
