package postgres

import (
	"context"
	"log/slog"
	"time"
)

// PgOptOutRepository deduplicates opt-out signals. The unique constraint on
// recipient means the insert succeeds exactly once per address no matter how
// many bounce or complaint events replay.
type PgOptOutRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgOptOutRepository(db DB, logger *slog.Logger) *PgOptOutRepository {
	return &PgOptOutRepository{db: db, logger: logger.With("component", "optout_repository_pg")}
}

func (r *PgOptOutRepository) RecordOnce(ctx context.Context, recipient, reason string) (bool, error) {
	query := `
		INSERT INTO optout_signals (recipient, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, recipient, reason, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error recording opt-out", "error", err, "recipient", recipient)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
