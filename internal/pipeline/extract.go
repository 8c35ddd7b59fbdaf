package pipeline

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"golang.org/x/text/unicode/norm"

	"patchwatch/internal/source"
)

// DefaultContentSelector matches the first post body of a forum thread.
const DefaultContentSelector = "article.message-body"

// Extraction is the raw content of one post page.
type Extraction struct {
	Text     string
	MediaRef string
}

// Extractor pulls the post body out of a loaded page. Extractors are tried
// in order and the first non-empty result wins, so a changed page layout
// only needs a new Extractor.
type Extractor interface {
	Name() string
	Extract(doc *source.Document) (Extraction, bool)
}

// SelectorExtractor reads the first element matching Selector.
type SelectorExtractor struct {
	Selector string
}

func (e SelectorExtractor) Name() string { return "selector:" + e.Selector }

func (e SelectorExtractor) Extract(doc *source.Document) (Extraction, bool) {
	region := doc.Find(e.Selector).First()
	if region.Length() == 0 {
		return Extraction{}, false
	}
	txt := NormalizeText(blockText(region))
	if txt == "" {
		return Extraction{}, false
	}
	return Extraction{Text: txt, MediaRef: firstImage(doc, region)}, true
}

// ReadabilityExtractor detects the article on pages where no configured
// selector matches. It returns text for almost any page, a login wall
// included, so it is only used when enabled explicitly.
type ReadabilityExtractor struct{}

func (ReadabilityExtractor) Name() string { return "readability" }

func (ReadabilityExtractor) Extract(doc *source.Document) (Extraction, bool) {
	if len(doc.Raw) == 0 {
		return Extraction{}, false
	}
	article, err := readability.FromReader(bytes.NewReader(doc.Raw), doc.URL)
	if err != nil {
		return Extraction{}, false
	}
	txt := NormalizeText(article.TextContent)
	if txt == "" {
		return Extraction{}, false
	}
	media := ""
	if article.Image != "" {
		media = doc.Resolve(article.Image)
	}
	return Extraction{Text: txt, MediaRef: media}, true
}

// DefaultExtractors returns the selector extractor, followed by readability
// when withReadability is set.
func DefaultExtractors(contentSelector string, withReadability bool) []Extractor {
	if strings.TrimSpace(contentSelector) == "" {
		contentSelector = DefaultContentSelector
	}
	out := []Extractor{SelectorExtractor{Selector: contentSelector}}
	if withReadability {
		out = append(out, ReadabilityExtractor{})
	}
	return out
}

var blockTags = map[string]bool{
	"p": true, "div": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "tr": true, "table": true,
}

// blockText is Selection.Text with newlines kept at block boundaries, so
// list items and headings survive for the formatter.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			node := c.Get(0)
			if goquery.NodeName(c) == "#text" {
				b.WriteString(node.Data)
				return
			}
			name := goquery.NodeName(c)
			switch name {
			case "script", "style":
				return
			case "br":
				b.WriteString("\n")
				return
			}
			block := blockTags[name]
			if block {
				b.WriteString("\n")
			}
			if name == "li" {
				b.WriteString("\n- ")
			}
			walk(c)
			if block {
				b.WriteString("\n")
			}
		})
	}
	walk(sel)
	return b.String()
}

// NormalizeText converts to NFC, collapses runs of spaces inside lines,
// trims every line and keeps at most one blank line between paragraphs.
func NormalizeText(s string) string {
	s = norm.NFC.String(strings.ReplaceAll(s, "\r\n", "\n"))
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = strings.Join(strings.Fields(ln), " ")
		if ln == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		out = append(out, ln)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// firstImage returns the absolute URL of the first image in the content
// region. Lazy-loaded images keep the real URL in data-src.
func firstImage(doc *source.Document, region *goquery.Selection) string {
	var ref string
	region.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		for _, attr := range []string{"data-src", "data-url", "src"} {
			if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
				ref = doc.Resolve(v)
				return false
			}
		}
		return true
	})
	return ref
}
