package crawler

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/proxy"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

var (
	// ErrBlocked is returned when a fetch hit a CAPTCHA or block page.
	ErrBlocked = errors.New("blocked by target site")
	// ErrSessionClosed is returned by a session used after Close.
	ErrSessionClosed = errors.New("fetch session closed")
)

// Session is one page-fetch context (an HTTP collector or a browser context)
// bound to a single proxy for its whole life.
type Session interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
	Close() error
}

// SessionFactory creates sessions; workers recycle sessions periodically.
type SessionFactory interface {
	NewSession(ctx context.Context, p proxy.Record) (Session, error)
}

// Extractor turns a fetched page into records plus pagination hints.
type Extractor interface {
	Extract(target store.Target, page int, resp FetchResponse) (Page, error)
}

// Sink persists records. Implementations must be idempotent by Record.Key
// because retried or reclaimed targets may resubmit records.
type Sink interface {
	Save(ctx context.Context, records []Record) (int, error)
}

// URLBuilder renders the URL of a target's page when no resume token exists.
type URLBuilder interface {
	PageURL(target store.Target, page int) (string, error)
}

// Hasher derives the natural key of a record from its identifying fields.
type Hasher interface {
	Key(parts ...string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
