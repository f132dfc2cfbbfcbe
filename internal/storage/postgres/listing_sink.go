package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

var _ crawler.Sink = (*ListingSink)(nil)

// ListingSink writes extracted listings into Postgres, ignoring keys it has
// already stored.
type ListingSink struct {
	pool  Pool
	table string
}

// NewListingSink wraps an existing pool.
func NewListingSink(pool Pool, table string) (*ListingSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "listings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ListingSink{pool: pool, table: table}, nil
}

// Migrate creates the listings table when missing.
func (s *ListingSink) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key           TEXT PRIMARY KEY,
	target_id     BIGINT      NOT NULL,
	partition_key TEXT        NOT NULL,
	city          TEXT        NOT NULL,
	category      TEXT        NOT NULL,
	name          TEXT        NOT NULL,
	address       TEXT,
	phone         TEXT,
	website       TEXT,
	source_url    TEXT        NOT NULL,
	page          INTEGER     NOT NULL,
	attributes    JSONB       NOT NULL DEFAULT '{}',
	fetched_at    TIMESTAMPTZ NOT NULL
);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Save inserts the records in one transaction and returns how many were new.
func (s *ListingSink) Save(ctx context.Context, records []crawler.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	key,
	target_id,
	partition_key,
	city,
	category,
	name,
	address,
	phone,
	website,
	source_url,
	page,
	attributes,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (key) DO NOTHING`, s.table)

	saved := 0
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range records {
			if rec.Key == "" {
				return fmt.Errorf("record key is required")
			}
			attrs, err := json.Marshal(normalizeAttributes(rec.Attributes))
			if err != nil {
				return fmt.Errorf("marshal attributes: %w", err)
			}
			tag, err := tx.Exec(ctx, query,
				rec.Key,
				rec.TargetID,
				rec.PartitionKey,
				rec.City,
				rec.Category,
				rec.Name,
				rec.Address,
				rec.Phone,
				rec.Website,
				rec.SourceURL,
				rec.Page,
				attrs,
				rec.FetchedAt,
			)
			if err != nil {
				return fmt.Errorf("insert listing: %w", err)
			}
			saved += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}

func normalizeAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return map[string]string{}
	}
	return attrs
}
