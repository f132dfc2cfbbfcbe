package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

var _ crawler.Sink = (*ListingSink)(nil)

// ListingSink keeps records in memory keyed by their natural key. Used for
// dry runs and tests.
type ListingSink struct {
	mu      sync.RWMutex
	records map[string]crawler.Record
}

// NewListingSink creates an empty in-memory sink.
func NewListingSink() *ListingSink {
	return &ListingSink{records: make(map[string]crawler.Record)}
}

// Save stores records whose key has not been seen and returns how many were new.
func (s *ListingSink) Save(_ context.Context, records []crawler.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := 0
	for _, rec := range records {
		if rec.Key == "" {
			return saved, fmt.Errorf("record %q has no key", rec.Name)
		}
		if _, ok := s.records[rec.Key]; ok {
			continue
		}
		if rec.Attributes != nil {
			attrs := make(map[string]string, len(rec.Attributes))
			for k, v := range rec.Attributes {
				attrs[k] = v
			}
			rec.Attributes = attrs
		}
		s.records[rec.Key] = rec
		saved++
	}
	return saved, nil
}

// Len returns the number of distinct records.
func (s *ListingSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of the stored records ordered by key.
func (s *ListingSink) Records() []crawler.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
