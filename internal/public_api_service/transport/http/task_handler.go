package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lumamail/dispatcher/internal/dispatch_service/domain"
)

// TaskHandler exposes the collaborator surface for tasks and their jobs:
// bulk job creation, task status changes and aggregate stats.
type TaskHandler struct {
	tasks         domain.TaskRepository
	jobs          domain.JobRepository
	waitMetrics   domain.WaitMetricRepository
	waitThreshold time.Duration
	logger        *slog.Logger
	validate      *validator.Validate
}

func NewTaskHandler(
	tasks domain.TaskRepository,
	jobs domain.JobRepository,
	waitMetrics domain.WaitMetricRepository,
	waitThreshold time.Duration,
	logger *slog.Logger,
	validate *validator.Validate,
) *TaskHandler {
	return &TaskHandler{
		tasks:         tasks,
		jobs:          jobs,
		waitMetrics:   waitMetrics,
		waitThreshold: waitThreshold,
		logger:        logger,
		validate:      validate,
	}
}

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reqDTO CreateTaskRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for CreateTask", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for CreateTask", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:        uuid.New(),
		Name:      reqDTO.Name,
		Status:    domain.TaskStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.tasks.Create(ctx, task); err != nil {
		h.logger.ErrorContext(ctx, "Failed to create task", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusCreated, taskToDTO(task))
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID, ok := parseUUIDParam(w, r, h.logger, "task_id")
	if !ok {
		return
	}

	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "Failed to load task", "error", err, "task_id", taskID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, taskToDTO(task))
}

// CreateJobs bulk-inserts waiting jobs for a task. Content arrives already
// rendered; this service never templates.
func (h *TaskHandler) CreateJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID, ok := parseUUIDParam(w, r, h.logger, "task_id")
	if !ok {
		return
	}

	var reqDTO CreateJobsRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for CreateJobs", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for CreateJobs", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "Failed to load task", "error", err, "task_id", taskID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if task.Status == domain.TaskStatusClosed {
		http.Error(w, "Task is closed", http.StatusConflict)
		return
	}

	jobs := make([]*domain.SendJob, len(reqDTO.Jobs))
	for i, item := range reqDTO.Jobs {
		jobs[i] = domain.NewSendJob(taskID, item.Priority, item.Recipient, item.Subject, item.Body)
	}
	if err := h.jobs.CreateBatch(ctx, jobs); err != nil {
		h.logger.ErrorContext(ctx, "Failed to create jobs", "error", err, "task_id", taskID, "count", len(jobs))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "Jobs created", "task_id", taskID, "count", len(jobs))
	writeJSON(w, h.logger, http.StatusCreated, CreateJobsResponseDTO{TaskID: taskID, Created: len(jobs)})
}

// SetStatus applies a task transition. Closing a task also cancels its
// remaining waiting jobs; jobs already claimed finish normally.
func (h *TaskHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID, ok := parseUUIDParam(w, r, h.logger, "task_id")
	if !ok {
		return
	}

	var reqDTO SetTaskStatusRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for SetStatus", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for SetStatus", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	to := domain.TaskStatus(reqDTO.Status)
	var pauseReason *string
	if to == domain.TaskStatusPaused {
		reason := reqDTO.PauseReason
		if reason == "" {
			reason = string(domain.PauseReasonManual)
		}
		pauseReason = &reason
	}

	if err := h.tasks.SetStatus(ctx, taskID, to, pauseReason); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrTaskClosed):
			http.Error(w, "Task is closed and accepts no further transitions", http.StatusConflict)
		case errors.Is(err, domain.ErrInvalidTransition):
			http.Error(w, fmt.Sprintf("Invalid transition to %q", reqDTO.Status), http.StatusConflict)
		default:
			h.logger.ErrorContext(ctx, "Failed to set task status", "error", err, "task_id", taskID)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	if to == domain.TaskStatusClosed {
		cancelled, err := h.jobs.CancelForTask(ctx, taskID)
		if err != nil {
			h.logger.ErrorContext(ctx, "Failed to cancel waiting jobs for closed task", "error", err, "task_id", taskID)
		} else if cancelled > 0 {
			h.logger.InfoContext(ctx, "Cancelled waiting jobs for closed task", "task_id", taskID, "count", cancelled)
		}
	}

	h.logger.InfoContext(ctx, "Task status changed", "task_id", taskID, "status", to)
	w.WriteHeader(http.StatusNoContent)
}

// GetStats returns the per-task job counts plus queue-wait summaries for
// operational alerting.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID, ok := parseUUIDParam(w, r, h.logger, "task_id")
	if !ok {
		return
	}

	counts, err := h.jobs.CountsByTask(ctx, taskID)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to load task counts", "error", err, "task_id", taskID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	waits, err := h.waitMetrics.Summary(ctx, taskID, h.waitThreshold)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to load wait metrics", "error", err, "task_id", taskID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, TaskStatsResponseDTO{
		TaskID: taskID,
		Counts: *counts,
		WaitMetrics: WaitSummaryDTO{
			AvgWaitSeconds: waits.AvgWait.Seconds(),
			P95WaitSeconds: waits.P95Wait.Seconds(),
			OverThreshold:  waits.OverThreshold,
			Measured:       waits.Measured,
		},
	})
}

// RegisterRoutes registers task routes on a Chi router.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.CreateTask)
	r.Get("/{task_id}", h.GetTask)
	r.Post("/{task_id}/jobs", h.CreateJobs)
	r.Put("/{task_id}/status", h.SetStatus)
	r.Get("/{task_id}/stats", h.GetStats)
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, logger *slog.Logger, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		logger.WarnContext(r.Context(), "Invalid UUID path parameter", "param", name, "value", raw)
		http.Error(w, fmt.Sprintf("Invalid %s", name), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
