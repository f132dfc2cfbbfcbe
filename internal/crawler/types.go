package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything a session needs to fetch one page.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Session.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// Blocked is set when the session detected a CAPTCHA or block page.
	Blocked bool
}

// Record is one extracted business listing handed to the sink.
type Record struct {
	// Key is the natural key the sink de-duplicates on.
	Key          string            `json:"key"`
	TargetID     int64             `json:"target_id"`
	PartitionKey string            `json:"partition_key"`
	City         string            `json:"city"`
	Category     string            `json:"category"`
	Name         string            `json:"name"`
	Address      string            `json:"address,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Website      string            `json:"website,omitempty"`
	SourceURL    string            `json:"source_url"`
	Page         int               `json:"page"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

// Page is what extraction yields for one fetched page.
type Page struct {
	Records []Record
	// NextURL is the next page link if the site exposes one.
	NextURL string
	// HasMore is false once the listing pagination is exhausted.
	HasMore bool
}
