// Package source finds the newest post on the monitored forum.
//
// A Fetcher hands out short-lived Sessions (cookie jar + current page).
// The Poller opens one per detection attempt, logs in when credentials are
// configured, loads the monitored page and asks each Strategy in turn for
// the newest post URL. Sessions are always released before returning.
package source
