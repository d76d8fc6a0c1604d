package attachment

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
	"nav":      true,
	"footer":   true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "li": true,
	"ul": true, "ol": true, "tr": true, "table": true, "pre": true,
	"blockquote": true, "br": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

type textWriter struct {
	b       strings.Builder
	atStart bool
}

func (w *textWriter) word(s string) {
	if w.b.Len() > 0 && !w.atStart {
		w.b.WriteByte(' ')
	}
	w.b.WriteString(s)
	w.atStart = false
}

func (w *textWriter) newline() {
	if w.b.Len() == 0 || w.atStart {
		return
	}
	w.b.WriteByte('\n')
	w.atStart = true
}

// HTMLText extracts the title and the visible text of an HTML document.
// Whitespace runs collapse to one space and block elements end a line.
func HTMLText(r io.Reader) (title, text string, err error) {
	z := html.NewTokenizer(r)
	var w textWriter
	var t strings.Builder
	skip := 0
	inTitle := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return strings.TrimSpace(t.String()), strings.TrimSpace(w.b.String()), nil
			}
			return "", "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] {
				skip++
			}
			if tag == "title" {
				inTitle = true
			}
			if blockElements[tag] {
				w.newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skippedElements[tag] && skip > 0 {
				skip--
			}
			if tag == "title" {
				inTitle = false
			}
			if blockElements[tag] {
				w.newline()
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blockElements[string(name)] {
				w.newline()
			}
		case html.TextToken:
			raw := strings.Join(strings.Fields(string(z.Text())), " ")
			switch {
			case raw == "":
			case inTitle:
				t.WriteString(raw)
			case skip == 0:
				w.word(raw)
			}
		}
	}
}
