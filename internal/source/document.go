package source

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is one loaded page.
type Document struct {
	URL         *url.URL
	ContentType string
	Raw         []byte
	Doc         *goquery.Document
}

// NewDocument parses body as HTML. pageURL is used to resolve relative links.
func NewDocument(pageURL *url.URL, contentType string, body []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	doc.Url = pageURL
	return &Document{URL: pageURL, ContentType: contentType, Raw: body, Doc: doc}, nil
}

func (d *Document) Find(selector string) *goquery.Selection {
	return d.Doc.Find(selector)
}

// Has reports whether selector matches anything.
func (d *Document) Has(selector string) bool {
	return d.Doc.Find(selector).Length() > 0
}

// ExtractText returns the trimmed text of the first match, or "".
func (d *Document) ExtractText(selector string) string {
	return strings.TrimSpace(d.Doc.Find(selector).First().Text())
}

// Evaluate runs fn against the parsed page.
func (d *Document) Evaluate(fn func(doc *goquery.Document) any) any {
	if fn == nil {
		return nil
	}
	return fn(d.Doc)
}

// Resolve turns href into an absolute URL relative to the page.
func (d *Document) Resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if d.URL == nil {
		return ref.String()
	}
	return d.URL.ResolveReference(ref).String()
}
