package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"content-curator/internal/models"
)

type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (r *PostgresLedger) Has(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM processed_videos WHERE id = $1)", id).Scan(&exists)
	return exists, err
}

func (r *PostgresLedger) Mark(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, "INSERT INTO processed_videos (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", id)
	return err
}

func (r *PostgresLedger) Records(ctx context.Context) ([]models.ProcessingRecord, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, processed_at FROM processed_videos ORDER BY processed_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ProcessingRecord
	for rows.Next() {
		var rec models.ProcessingRecord
		if err := rows.Scan(&rec.ID, &rec.ProcessedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
