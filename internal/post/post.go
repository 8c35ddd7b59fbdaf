// Package post holds the values that flow from detection to delivery.
package post

import (
	"strings"
	"time"
)

// ID identifies one forum post. It is the canonical post URL; only
// equality matters.
type ID string

func (id ID) String() string { return string(id) }

func (id ID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// Artifact is the distribution-ready form of one post. It is never
// mutated after the pipeline returns it.
type Artifact struct {
	SourceURL   ID        `json:"source_url"`
	DisplayText string    `json:"display_text"`
	MediaRef    string    `json:"media_ref,omitempty"`
	BuiltAt     time.Time `json:"built_at"`
}

// Valid reports whether the artifact may be cached or distributed.
func (a *Artifact) Valid() bool {
	return a != nil && !a.SourceURL.IsZero() && strings.TrimSpace(a.DisplayText) != ""
}
