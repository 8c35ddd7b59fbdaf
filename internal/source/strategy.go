package source

import (
	"bytes"
	"strings"

	"github.com/mmcdole/gofeed"

	"patchwatch/internal/post"
)

// DefaultSelectors are tried in order when the config lists none.
var DefaultSelectors = []string{
	`.contentRow-title a[href*="/threads/"]`,
	`.structItem-title a[href*="/threads/"]`,
	`a[href*="/threads/"]`,
}

// Strategy extracts the newest post URL from a loaded page.
// Adding support for a changed forum layout means adding a Strategy.
type Strategy interface {
	Name() string
	Find(doc *Document) (post.ID, bool)
}

// SelectorStrategy takes the first element matching Selector and reads Attr
// (default "href") as the post URL.
type SelectorStrategy struct {
	Selector string
	Attr     string
}

func (s SelectorStrategy) Name() string { return "selector:" + s.Selector }

func (s SelectorStrategy) Find(doc *Document) (post.ID, bool) {
	attr := s.Attr
	if attr == "" {
		attr = "href"
	}
	el := doc.Find(s.Selector).First()
	if el.Length() == 0 {
		return "", false
	}
	v, ok := el.Attr(attr)
	if !ok {
		return "", false
	}
	abs := doc.Resolve(v)
	if abs == "" {
		return "", false
	}
	return post.ID(abs), true
}

// FeedStrategy reads an RSS/Atom/JSON feed and returns the first item link.
type FeedStrategy struct{}

func (FeedStrategy) Name() string { return "feed" }

func (FeedStrategy) Find(doc *Document) (post.ID, bool) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(doc.Raw))
	if err != nil || len(feed.Items) == 0 {
		return "", false
	}
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		link := strings.TrimSpace(it.Link)
		if link == "" && len(it.Links) > 0 {
			link = strings.TrimSpace(it.Links[0])
		}
		if link == "" {
			continue
		}
		return post.ID(doc.Resolve(link)), true
	}
	return "", false
}

// SelectorStrategies builds strategies from selectors, falling back to DefaultSelectors.
func SelectorStrategies(selectors []string) []Strategy {
	if len(selectors) == 0 {
		selectors = DefaultSelectors
	}
	out := make([]Strategy, 0, len(selectors))
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		out = append(out, SelectorStrategy{Selector: sel})
	}
	return out
}
