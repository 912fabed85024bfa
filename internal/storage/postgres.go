package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/grupovision/sales-ingest/internal/domain"
)

// Schema is the table the pipeline writes into. Migration is an external
// concern; EnsureSchema only covers first-run convenience and is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS sales_records (
    id BIGSERIAL PRIMARY KEY,
    external_id VARCHAR(50) UNIQUE NOT NULL,
    sale_date DATE NOT NULL,
    customer VARCHAR(200) NOT NULL,
    product VARCHAR(200) NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity >= 0),
    amount NUMERIC(12,2) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
    ingested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const upsertQuery = `
INSERT INTO sales_records (external_id, sale_date, customer, product, quantity, amount, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (external_id) DO UPDATE SET
    sale_date = EXCLUDED.sale_date,
    customer = EXCLUDED.customer,
    product = EXCLUDED.product,
    quantity = EXCLUDED.quantity,
    amount = EXCLUDED.amount,
    ingested_at = NOW()
RETURNING (xmax = 0) AS inserted;
`

// UpsertResult reports how a committed batch split between new and updated
// rows.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// PostgresStore owns the database connection for the duration of a run.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// EnsureSchema creates the sales table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertBatch writes one batch inside a single transaction: either the whole
// batch becomes visible or none of it. Rows are matched by external_id;
// existing rows keep created_at and get a refreshed ingested_at. Any failure
// rolls back this batch only and surfaces as domain.ErrPersistence.
func (s *PostgresStore) UpsertBatch(ctx context.Context, records []domain.SalesRecord) (UpsertResult, error) {
	var res UpsertResult
	if len(records) == 0 {
		return res, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: begin batch: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		var inserted bool
		err := tx.QueryRow(ctx, upsertQuery,
			rec.ExternalID,
			rec.Date,
			rec.Customer,
			rec.Product,
			rec.Quantity,
			rec.Amount,
		).Scan(&inserted)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("%w: upsert %s: %v", domain.ErrPersistence, rec.ExternalID, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("%w: commit batch: %v", domain.ErrPersistence, err)
	}

	s.logger.Debug("batch committed",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated))
	return res, nil
}
