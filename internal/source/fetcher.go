package source

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrAuthentication means the login sequence finished but the page still
	// shows the logged-out marker.
	ErrAuthentication = errors.New("source: authentication failed")
	// ErrTimeout means a WaitFor selector never appeared.
	ErrTimeout = errors.New("source: timed out waiting for element")
	// ErrReleased is returned by a session used after Release.
	ErrReleased = errors.New("source: session released")
)

// Fetcher opens browsing sessions against the forum.
type Fetcher interface {
	Open(ctx context.Context) (Session, error)
}

// Session is a single browsing context. Callers must Release it.
type Session interface {
	Load(ctx context.Context, rawURL string) (*Document, error)
	// WaitFor polls the current page until selector matches or timeout elapses.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) (*goquery.Selection, error)
	// Submit posts a form and makes the response the current page.
	Submit(ctx context.Context, form Form) (*Document, error)
	Current() *Document
	Release()
}

// Form is a filled-in HTML form ready to post.
type Form struct {
	Action string
	Method string
	Values url.Values
}
