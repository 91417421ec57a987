package telegram

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Telegram's HTML parse mode accepts only these tags.
var inlineTags = map[atom.Atom]string{
	atom.B:      "b",
	atom.Strong: "b",
	atom.I:      "i",
	atom.Em:     "i",
	atom.U:      "u",
	atom.Ins:    "u",
	atom.S:      "s",
	atom.Del:    "s",
	atom.Strike: "s",
	atom.Code:   "code",
	atom.Pre:    "pre",
	atom.A:      "a",

	atom.Blockquote: "blockquote",
}

var headings = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true,
}

// RenderHTML converts model markdown to the HTML subset Telegram
// accepts. Unsupported elements are flattened to their text, paragraphs
// become blank lines, list items become bullets and headings become
// bold lines. On a markdown failure the text is escaped as-is.
func RenderHTML(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return html.EscapeString(md)
	}
	return sanitize(buf.String())
}

func sanitize(src string) string {
	var out strings.Builder
	var open []string // inline tags currently open, innermost last
	inPre := false

	z := nethtml.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		switch tt {
		case nethtml.ErrorToken:
			for i := len(open) - 1; i >= 0; i-- {
				out.WriteString("</" + open[i] + ">")
			}
			return strings.TrimSpace(collapseBlankLines(out.String()))

		case nethtml.TextToken:
			text := string(z.Text())
			if !inPre && strings.Contains(text, "\n") && strings.TrimSpace(text) == "" {
				continue // layout whitespace between block elements
			}
			out.WriteString(html.EscapeString(text))

		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			tok := z.Token()
			switch {
			case tok.DataAtom == atom.Br:
				out.WriteString("\n")
			case tok.DataAtom == atom.Li:
				out.WriteString("\n• ")
			case tok.DataAtom == atom.Hr:
				out.WriteString("\n――――\n")
			case headings[tok.DataAtom]:
				out.WriteString("\n<b>")
				open = append(open, "b")
			case tok.DataAtom == atom.A:
				href := attr(tok, "href")
				if href == "" {
					continue
				}
				out.WriteString(`<a href="` + html.EscapeString(href) + `">`)
				open = append(open, "a")
			default:
				name, ok := inlineTags[tok.DataAtom]
				if !ok {
					continue
				}
				if tok.DataAtom == atom.Pre {
					inPre = true
				}
				if tok.DataAtom == atom.Code && inPre {
					if lang := strings.TrimPrefix(attr(tok, "class"), "language-"); lang != "" && lang != attr(tok, "class") {
						out.WriteString(`<code class="language-` + html.EscapeString(lang) + `">`)
						open = append(open, name)
						continue
					}
				}
				out.WriteString("<" + name + ">")
				open = append(open, name)
			}

		case nethtml.EndTagToken:
			tok := z.Token()
			var name string
			switch {
			case tok.DataAtom == atom.P, tok.DataAtom == atom.Ul, tok.DataAtom == atom.Ol:
				out.WriteString("\n\n")
				continue
			case headings[tok.DataAtom]:
				name = "b"
			default:
				var ok bool
				if name, ok = inlineTags[tok.DataAtom]; !ok {
					continue
				}
			}
			if tok.DataAtom == atom.Pre {
				inPre = false
			}
			if len(open) == 0 || open[len(open)-1] != name {
				continue
			}
			open = open[:len(open)-1]
			out.WriteString("</" + name + ">")
			if headings[tok.DataAtom] {
				out.WriteString("\n")
			}
		}
	}
}

func attr(tok nethtml.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
