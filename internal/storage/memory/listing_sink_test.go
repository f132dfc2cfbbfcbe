package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func TestListingSinkDeduplicatesByKey(t *testing.T) {
	t.Parallel()

	sink := NewListingSink()
	attrs := map[string]string{"rating": "4.5"}
	saved, err := sink.Save(context.Background(), []crawler.Record{
		{Key: "a", Name: "Acme Plumbing", Attributes: attrs},
		{Key: "b", Name: "Best Pipes"},
		{Key: "a", Name: "Acme Plumbing (dup)"},
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved != 2 {
		t.Fatalf("expected 2 new records, got %d", saved)
	}
	attrs["rating"] = "1.0"
	if got := sink.Records()[0].Attributes["rating"]; got != "4.5" {
		t.Fatalf("expected stored copy to be immutable, got %q", got)
	}

	saved, err = sink.Save(context.Background(), []crawler.Record{{Key: "b", Name: "Best Pipes"}})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved != 0 || sink.Len() != 2 {
		t.Fatalf("expected resubmission to be ignored, saved=%d len=%d", saved, sink.Len())
	}
}

func TestListingSinkRejectsMissingKey(t *testing.T) {
	t.Parallel()

	if _, err := NewListingSink().Save(context.Background(), []crawler.Record{{Name: "nameless"}}); err == nil {
		t.Fatal("expected error for record without key")
	}
}
