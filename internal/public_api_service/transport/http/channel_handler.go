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

// ChannelHandler exposes channel registration and updates to collaborators.
type ChannelHandler struct {
	channels domain.ChannelRepository
	logger   *slog.Logger
	validate *validator.Validate
}

func NewChannelHandler(channels domain.ChannelRepository, logger *slog.Logger, validate *validator.Validate) *ChannelHandler {
	return &ChannelHandler{
		channels: channels,
		logger:   logger,
		validate: validate,
	}
}

func (h *ChannelHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reqDTO CreateChannelRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for CreateChannel", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for CreateChannel", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	channel := &domain.Channel{
		ID:           uuid.New(),
		Name:         reqDTO.Name,
		ProviderName: reqDTO.ProviderName,
		Enabled:      reqDTO.Enabled,
		DailyQuota:   reqDTO.DailyQuota,
		SendingRate:  reqDTO.SendingRate,
		SuccessRate:  1.0, // fresh channels start with the benefit of the doubt
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.channels.Create(ctx, channel); err != nil {
		h.logger.ErrorContext(ctx, "Failed to create channel", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "Channel created", "channel_id", channel.ID, "name", channel.Name)
	writeJSON(w, h.logger, http.StatusCreated, channelToDTO(channel))
}

// UpdateChannel applies a partial update. Re-enabling a disabled channel
// clears its failure streak; auto-disabled channels come back only through
// this manual path.
func (h *ChannelHandler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID, ok := parseUUIDParam(w, r, h.logger, "channel_id")
	if !ok {
		return
	}

	var reqDTO UpdateChannelRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for UpdateChannel", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for UpdateChannel", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}

	channel, err := h.channels.GetByID(ctx, channelID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Channel not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "Failed to load channel", "error", err, "channel_id", channelID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if reqDTO.Name != nil {
		channel.Name = *reqDTO.Name
	}
	if reqDTO.DailyQuota != nil {
		channel.DailyQuota = *reqDTO.DailyQuota
	}
	if reqDTO.SendingRate != nil {
		channel.SendingRate = *reqDTO.SendingRate
	}
	if reqDTO.Enabled != nil {
		if *reqDTO.Enabled && !channel.Enabled {
			channel.ConsecutiveFailures = 0
			channel.DisabledReason.Valid = false
			channel.DisabledReason.String = ""
		}
		channel.Enabled = *reqDTO.Enabled
	}
	channel.UpdatedAt = time.Now().UTC()

	if err := h.channels.Update(ctx, channel); err != nil {
		h.logger.ErrorContext(ctx, "Failed to update channel", "error", err, "channel_id", channelID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.InfoContext(ctx, "Channel updated", "channel_id", channelID)
	writeJSON(w, h.logger, http.StatusOK, channelToDTO(channel))
}

func (h *ChannelHandler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID, ok := parseUUIDParam(w, r, h.logger, "channel_id")
	if !ok {
		return
	}

	channel, err := h.channels.GetByID(ctx, channelID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Channel not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "Failed to load channel", "error", err, "channel_id", channelID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, channelToDTO(channel))
}

func (h *ChannelHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channels, err := h.channels.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list channels", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	dtos := make([]ChannelDTO, len(channels))
	for i, c := range channels {
		dtos[i] = channelToDTO(c)
	}
	writeJSON(w, h.logger, http.StatusOK, dtos)
}

// RegisterRoutes registers channel routes on a Chi router.
func (h *ChannelHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.CreateChannel)
	r.Get("/", h.ListChannels)
	r.Get("/{channel_id}", h.GetChannel)
	r.Put("/{channel_id}", h.UpdateChannel)
}
