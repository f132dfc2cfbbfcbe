package store

import "time"

// EntryKind distinguishes write-ahead intents from commits in the page log.
type EntryKind string

// Page log entry kinds.
const (
	EntryIntent EntryKind = "intent"
	EntryCommit EntryKind = "commit"
)

// PageEntry is one row of the page_log audit trail.
type PageEntry struct {
	TargetID    int64
	WorkerID    string
	Page        int
	Kind        EntryKind
	ResumeToken string
	Records     int
	At          time.Time
}

// CommittedPages returns the committed page numbers in log order.
func CommittedPages(entries []PageEntry) []int {
	var pages []int
	for _, e := range entries {
		if e.Kind == EntryCommit {
			pages = append(pages, e.Page)
		}
	}
	return pages
}

// Monotonic reports whether committed pages strictly increase by one with no
// repeats, which is what a correct resume sequence produces.
func Monotonic(entries []PageEntry) bool {
	last := 0
	for _, page := range CommittedPages(entries) {
		if page != last+1 {
			return false
		}
		last = page
	}
	return true
}
