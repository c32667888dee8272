// Package format converts message bodies between HTML and plain text and
// builds the small HTML blocks embedded in outgoing messages.
package format

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blockElements = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.Li:         true,
	atom.Tr:         true,
	atom.Table:      true,
	atom.Ul:         true,
	atom.Ol:         true,
	atom.Blockquote: true,
	atom.Pre:        true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\n]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML fragment as plain text. Line breaks and block
// elements become newlines, links keep their target after the text.
func HTMLToText(fragment string) string {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), bodyContext())
	if err != nil {
		return fragment
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(spaceRun.ReplaceAllString(n.Data, " "))
			return
		case html.ElementNode:
			switch {
			case n.DataAtom == atom.Script || n.DataAtom == atom.Style || isHidden(n):
				return
			case n.DataAtom == atom.Br:
				sb.WriteString("\n")
				return
			case blockElements[n.DataAtom]:
				ensureNewline(&sb)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type != html.ElementNode {
			return
		}
		if n.DataAtom == atom.A {
			if href := attr(n, "href"); href != "" && href != textContent(n) {
				sb.WriteString(" (" + href + ")")
			}
		}
		if blockElements[n.DataAtom] {
			ensureNewline(&sb)
		}
	}
	for _, n := range nodes {
		walk(n)
	}

	lines := strings.Split(sb.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}

	return strings.TrimSpace(newlineRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// TextToHTML escapes text and turns line breaks into <br>.
func TextToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

// Anchor renders a link element.
func Anchor(href, text string, attrs ...html.Attribute) string {
	a := &html.Node{
		Type:     html.ElementNode,
		Data:     "a",
		DataAtom: atom.A,
		Attr:     append([]html.Attribute{{Key: "href", Val: href}}, attrs...),
	}
	a.AppendChild(&html.Node{Type: html.TextNode, Data: text})

	return render(a)
}

// HiddenDiv renders an empty div that is not displayed, carrying attrs.
func HiddenDiv(class string, attrs ...html.Attribute) string {
	div := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr: append([]html.Attribute{
			{Key: "style", Val: "display: none"},
			{Key: "class", Val: class},
		}, attrs...),
	}

	return render(div)
}

// FindAttr returns the value of attribute key on the first element with
// class in fragment.
func FindAttr(fragment, class, key string) (string, bool) {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), bodyContext())
	if err != nil {
		return "", false
	}

	var (
		val   string
		found bool
	)
	var checkNode func(*html.Node)
	checkNode = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, class) {
			for _, a := range n.Attr {
				if a.Key == key {
					val, found = a.Val, true
					return
				}
			}
		}
		for c := n.FirstChild; c != nil && !found; c = c.NextSibling {
			checkNode(c)
		}
	}
	for _, n := range nodes {
		if !found {
			checkNode(n)
		}
	}

	return val, found
}

func render(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

func bodyContext() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}

func attr(n *html.Node, key string) string {
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

func isHidden(n *html.Node) bool {
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none")
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.TrimSpace(sb.String())
}

func ensureNewline(sb *strings.Builder) {
	s := sb.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		sb.WriteString("\n")
	}
}
