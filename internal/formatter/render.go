package formatter

import (
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// EscapeHTML escapes text for Telegram's HTML parse mode.
func EscapeHTML(s string) string { return textEscaper.Replace(s) }

// RenderTelegramHTML converts GitHub-flavored markdown into the HTML subset
// Telegram accepts: b, i, s, code, pre and a. Headings become bold lines,
// list items get "• " or "N. " markers and everything else is escaped text.
func RenderTelegramHTML(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	src := []byte(md)
	doc := parser().Parser().Parse(text.NewReader(src))
	r := &htmlRenderer{src: src}
	_ = ast.Walk(doc, r.walk)
	return strings.TrimSpace(r.out.String())
}

type listState struct {
	ordered bool
	counter int
}

type htmlRenderer struct {
	src   []byte
	out   strings.Builder
	lists []listState
}

func (r *htmlRenderer) write(s string) { r.out.WriteString(s) }

// endBlock separates blocks: a single newline inside list items, a blank
// line elsewhere.
func (r *htmlRenderer) endBlock(n ast.Node) {
	if p := n.Parent(); p != nil && p.Kind() == ast.KindListItem {
		r.write("\n")
		return
	}
	r.write("\n\n")
}

func (r *htmlRenderer) lines(segs *text.Segments) string {
	var b strings.Builder
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		b.Write(seg.Value(r.src))
	}
	return b.String()
}

func (r *htmlRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Heading:
		if entering {
			r.write("<b>")
		} else {
			r.write("</b>")
			r.endBlock(n)
		}
	case *ast.Paragraph:
		if !entering {
			r.endBlock(n)
		}
	case *ast.TextBlock:
		if !entering {
			r.write("\n")
		}
	case *ast.Blockquote:
		if entering {
			r.write("<i>")
		} else {
			trimTrailingNewlines(&r.out)
			r.write("</i>")
			r.endBlock(n)
		}
	case *ast.List:
		if entering {
			r.lists = append(r.lists, listState{ordered: n.IsOrdered(), counter: n.Start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.write("\n")
			}
		}
	case *ast.ListItem:
		if entering && len(r.lists) > 0 {
			top := &r.lists[len(r.lists)-1]
			r.write(strings.Repeat("  ", len(r.lists)-1))
			if top.ordered {
				r.write(strconv.Itoa(top.counter) + ". ")
				top.counter++
			} else {
				r.write("• ")
			}
		}
	case *ast.ThematicBreak:
		if entering {
			r.write("――――――――\n\n")
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			r.write("<pre>")
			r.write(EscapeHTML(strings.TrimRight(r.lines(node.Lines()), "\n")))
			r.write("</pre>")
			r.endBlock(node)
		}
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock:
		if entering {
			r.write(EscapeHTML(r.lines(n.Lines())))
			r.endBlock(n)
		}
		return ast.WalkSkipChildren, nil
	case *ast.Text:
		if entering {
			r.write(EscapeHTML(string(n.Segment.Value(r.src))))
			if n.HardLineBreak() || n.SoftLineBreak() {
				r.write("\n")
			}
		}
	case *ast.String:
		if entering {
			r.write(EscapeHTML(string(n.Value)))
		}
	case *ast.RawHTML:
		if entering {
			r.write(EscapeHTML(r.lines(n.Segments)))
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeSpan:
		if entering {
			r.write("<code>")
		} else {
			r.write("</code>")
		}
	case *ast.Emphasis:
		tag := "i"
		if n.Level >= 2 {
			tag = "b"
		}
		if entering {
			r.write("<" + tag + ">")
		} else {
			r.write("</" + tag + ">")
		}
	case *extast.Strikethrough:
		if entering {
			r.write("<s>")
		} else {
			r.write("</s>")
		}
	case *ast.Link:
		if entering {
			r.write(`<a href="` + attrEscaper.Replace(string(n.Destination)) + `">`)
		} else {
			r.write("</a>")
		}
	case *ast.Image:
		if entering {
			r.write(`<a href="` + attrEscaper.Replace(string(n.Destination)) + `">`)
		} else {
			r.write("</a>")
		}
	case *ast.AutoLink:
		if entering {
			url := string(n.URL(r.src))
			r.write(`<a href="` + attrEscaper.Replace(url) + `">` + EscapeHTML(string(n.Label(r.src))) + "</a>")
		}
		return ast.WalkSkipChildren, nil
	case *extast.TaskCheckBox:
		if entering {
			if n.IsChecked {
				r.write("☑ ")
			} else {
				r.write("☐ ")
			}
		}
	case *extast.Table:
		if !entering {
			r.endBlock(n)
		}
	case *extast.TableHeader:
		if entering {
			r.write("<b>")
		} else {
			r.write("</b>\n")
		}
	case *extast.TableRow:
		if !entering {
			r.write("\n")
		}
	case *extast.TableCell:
		if entering && n.PreviousSibling() != nil {
			r.write(" | ")
		}
	}
	return ast.WalkContinue, nil
}

func trimTrailingNewlines(b *strings.Builder) {
	s := b.String()
	t := strings.TrimRight(s, "\n")
	if len(t) == len(s) {
		return
	}
	b.Reset()
	b.WriteString(t)
}
