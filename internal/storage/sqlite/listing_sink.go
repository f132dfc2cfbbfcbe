package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

var _ crawler.Sink = (*ListingSink)(nil)

// ListingSink stores listings in the listings table created by Open.
type ListingSink struct {
	db *sql.DB
}

// NewListingSink wraps a database returned by Open.
func NewListingSink(db *sql.DB) *ListingSink {
	return &ListingSink{db: db}
}

// Save inserts the records, ignoring keys already present, and returns how
// many were new.
func (s *ListingSink) Save(ctx context.Context, records []crawler.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	saved := 0
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, rec := range records {
			if rec.Key == "" {
				return fmt.Errorf("record key is required")
			}
			attrs := rec.Attributes
			if attrs == nil {
				attrs = map[string]string{}
			}
			data, err := json.Marshal(attrs)
			if err != nil {
				return fmt.Errorf("marshal attributes: %w", err)
			}
			res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO listings (
	key, target_id, partition_key, city, category, name, address, phone, website,
	source_url, page, attributes, fetched_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.Key, rec.TargetID, rec.PartitionKey, rec.City, rec.Category, rec.Name,
				rec.Address, rec.Phone, rec.Website, rec.SourceURL, rec.Page, string(data), toUnix(rec.FetchedAt))
			if err != nil {
				return fmt.Errorf("insert listing: %w", err)
			}
			n, _ := res.RowsAffected()
			saved += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}

// Count returns the number of stored listings.
func (s *ListingSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}
