package adapter

import (
	"strings"
	"unicode/utf8"
)

const telegramTextLimit = 4000

// splitTelegramText cuts s into messages of at most limit runes, preferring
// newline boundaries. In HTML mode a cut never lands inside a tag or an
// entity, and tags still open at a cut are closed at the end of the piece
// and reopened at the start of the next one, so every piece parses alone.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	var open []htmlTag
	for start := 0; start < len(rs); {
		prefix := openingTags(open)
		budget := limit - utf8.RuneCountInString(prefix)
		if budget < 1 {
			budget = 1
		}

		var end int
		var next []htmlTag
		var suffix string
		for {
			end = cutPoint(rs, start, budget, html)
			if !html || end == len(rs) {
				break
			}
			next = trackTags(open, rs[start:end])
			suffix = closingTags(next)
			over := utf8.RuneCountInString(prefix) + (end - start) + utf8.RuneCountInString(suffix) - limit
			if over <= 0 || budget == 1 {
				break
			}
			budget -= over
			if budget < 1 {
				budget = 1
			}
		}

		out = append(out, prefix+strings.TrimRight(string(rs[start:end]), "\n")+suffix)
		open = next

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// cutPoint returns where the piece starting at start should end, given at
// most budget runes. It always makes progress.
func cutPoint(rs []rune, start, budget int, html bool) int {
	end := start + budget
	if end >= len(rs) {
		return len(rs)
	}
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= budget/3 {
			end = i + 1
			break
		}
	}
	if !html {
		return end
	}

	lastOpen, lastClose := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose && lastOpen > start {
		return lastOpen
	}
	// entities are short; &amp; and &#8212; both fit in ten runes
	for i := end - 1; i > start && i >= end-10; i-- {
		if rs[i] == ';' || rs[i] == ' ' || rs[i] == '\n' {
			break
		}
		if rs[i] == '&' {
			return i
		}
	}
	return end
}

type htmlTag struct {
	name string
	raw  string
}

// trackTags returns the tags left open after seg, starting from open.
func trackTags(open []htmlTag, seg []rune) []htmlTag {
	stack := append([]htmlTag(nil), open...)
	for i := 0; i < len(seg); i++ {
		if seg[i] != '<' {
			continue
		}
		j := i + 1
		for j < len(seg) && seg[j] != '>' {
			j++
		}
		if j == len(seg) {
			break
		}
		raw := string(seg[i : j+1])
		i = j

		closing := strings.HasPrefix(raw, "</")
		name := tagName(strings.TrimPrefix(raw[1:], "/"))
		switch {
		case name == "", strings.HasSuffix(raw, "/>"):
		case closing:
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].name == name {
					stack = stack[:k]
					break
				}
			}
		default:
			stack = append(stack, htmlTag{name: name, raw: raw})
		}
	}
	return stack
}

func tagName(s string) string {
	end := strings.IndexAny(s, " \t\n/>")
	if end < 0 {
		end = len(s)
	}
	return strings.ToLower(s[:end])
}

func openingTags(tags []htmlTag) string {
	var b strings.Builder
	for _, t := range tags {
		b.WriteString(t.raw)
	}
	return b.String()
}

func closingTags(tags []htmlTag) string {
	var b strings.Builder
	for i := len(tags) - 1; i >= 0; i-- {
		b.WriteString("</" + tags[i].name + ">")
	}
	return b.String()
}
