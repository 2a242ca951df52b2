package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// PgWaitMetricRepository summarizes queue-to-first-send latency per task.
// Rows are created by the job batch insert and stamped by ClaimNext; this
// repository only reads.
type PgWaitMetricRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgWaitMetricRepository(db DB, logger *slog.Logger) *PgWaitMetricRepository {
	return &PgWaitMetricRepository{db: db, logger: logger.With("component", "wait_metric_repository_pg")}
}

func (r *PgWaitMetricRepository) Summary(ctx context.Context, taskID uuid.UUID, threshold time.Duration) (*domain.WaitSummary, error) {
	query := `
		SELECT COALESCE(EXTRACT(EPOCH FROM AVG(first_send_time - queue_entry_time)), 0),
		       COALESCE(EXTRACT(EPOCH FROM percentile_cont(0.95) WITHIN GROUP (ORDER BY first_send_time - queue_entry_time)), 0),
		       COUNT(*) FILTER (WHERE EXTRACT(EPOCH FROM (first_send_time - queue_entry_time)) > $2),
		       COUNT(*)
		FROM wait_metrics
		WHERE task_id = $1 AND first_send_time IS NOT NULL
	`
	var avgSeconds, p95Seconds float64
	var overThreshold, measured int
	err := r.db.QueryRow(ctx, query, taskID, threshold.Seconds()).Scan(&avgSeconds, &p95Seconds, &overThreshold, &measured)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error summarizing wait metrics", "error", err, "task_id", taskID)
		return nil, err
	}
	return &domain.WaitSummary{
		AvgWait:       time.Duration(avgSeconds * float64(time.Second)),
		P95Wait:       time.Duration(p95Seconds * float64(time.Second)),
		OverThreshold: overThreshold,
		Measured:      measured,
	}, nil
}
