package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// PgTaskRepository implements domain.TaskRepository. Status changes are
// conditional UPDATEs carrying the allowed source states, so an invalid move
// (in particular anything out of closed) cannot happen even under races with
// other writers.
type PgTaskRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgTaskRepository(db DB, logger *slog.Logger) *PgTaskRepository {
	return &PgTaskRepository{db: db, logger: logger.With("component", "task_repository_pg")}
}

func (r *PgTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = domain.TaskStatusDraft
	}
	query := `
		INSERT INTO tasks (id, name, status, pause_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, task.ID, task.Name, task.Status, task.PauseReason, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating task", "error", err, "task_id", task.ID)
		return err
	}
	return nil
}

func (r *PgTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT id, name, status, pause_reason, created_at, updated_at FROM tasks WHERE id = $1`
	task := &domain.Task{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&task.ID, &task.Name, &task.Status, &task.PauseReason, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting task", "error", err, "task_id", id)
		return nil, err
	}
	return task, nil
}

// SetStatus applies the transition in one conditional UPDATE restricted to
// the valid source states for the target. On zero rows the current status is
// read back to report ErrNotFound, ErrTaskClosed or ErrInvalidTransition.
func (r *PgTaskRepository) SetStatus(ctx context.Context, id uuid.UUID, to domain.TaskStatus, pauseReason *string) error {
	allowedFrom := sourcesFor(to)
	if len(allowedFrom) == 0 {
		return domain.ErrInvalidTransition
	}

	query := `
		UPDATE tasks
		SET status = $2,
		    pause_reason = CASE WHEN $2 = 'paused' THEN $3 ELSE NULL END,
		    updated_at = $4
		WHERE id = $1 AND status = ANY($5)
	`
	tag, err := r.db.Exec(ctx, query, id, to, pauseReason, time.Now().UTC(), allowedFrom)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error setting task status", "error", err, "task_id", id, "to", to)
		return err
	}
	if tag.RowsAffected() == 1 {
		r.logger.InfoContext(ctx, "Task status updated", "task_id", id, "to", to)
		return nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == domain.TaskStatusClosed {
		return domain.ErrTaskClosed
	}
	return domain.ErrInvalidTransition
}

// sourcesFor returns the task states from which `to` may be entered.
func sourcesFor(to domain.TaskStatus) []string {
	switch to {
	case domain.TaskStatusScheduled:
		return []string{string(domain.TaskStatusDraft)}
	case domain.TaskStatusSending:
		return []string{string(domain.TaskStatusScheduled), string(domain.TaskStatusPaused)}
	case domain.TaskStatusPaused:
		return []string{string(domain.TaskStatusSending)}
	case domain.TaskStatusClosed:
		return []string{string(domain.TaskStatusScheduled), string(domain.TaskStatusSending), string(domain.TaskStatusPaused)}
	default:
		return nil
	}
}
