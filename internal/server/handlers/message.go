// internal/server/handlers/message.go

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"areareport/internal/domain/geo"
	messageDomain "areareport/internal/domain/message"
	messageService "areareport/internal/service/message"
)

// MessageService is the message use case surface the API needs
type MessageService interface {
	PublishAreaReport(ctx context.Context, report messageService.AreaReport) error
	GetLatestInfo(ctx context.Context, region geo.Region, lastTimestamp int64) (*messageService.LatestInfo, error)
	GetLatestRegionDataSize(ctx context.Context, region geo.Region, lastTimestamp int64) (int64, error)
	GetByIDs(ctx context.Context, ids []string) ([]messageDomain.Record, error)
	Get(ctx context.Context, id string) (*messageDomain.Record, error)
}

// MessageRequest asks for the payloads of listed messages
type MessageRequest struct {
	RequestedQueries []messageDomain.Metadata `json:"requestedQueries"`
}

// MessageHandler handles message-related HTTP requests
type MessageHandler struct {
	service          MessageService
	defaultPrecision int
	logger           zerolog.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(service MessageService, defaultPrecision int, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		service:          service,
		defaultPrecision: defaultPrecision,
		logger:           logger.With().Str("component", "message_handler").Logger(),
	}
}

// ListMessages returns metadata of messages in a region newer than lastTimestamp
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	region, lastTimestamp, err := parseRegionQuery(r, h.defaultPrecision)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.service.GetLatestInfo(r.Context(), region, lastTimestamp)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, info)
}

// HeadMessages reports the payload bytes ListMessages would reference in Content-Length
func (h *MessageHandler) HeadMessages(w http.ResponseWriter, r *http.Request) {
	region, lastTimestamp, err := parseRegionQuery(r, h.defaultPrecision)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	size, err := h.service.GetLatestRegionDataSize(r.Context(), region, lastTimestamp)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

// RequestMessages returns the payloads of the requested messages
func (h *MessageHandler) RequestMessages(w http.ResponseWriter, r *http.Request) {
	var request MessageRequest
	if err := decodeJSON(w, r, &request); err != nil {
		respondWithError(w, http.StatusBadRequest, ErrInvalidBody.Error())
		return
	}

	ids := make([]string, 0, len(request.RequestedQueries))
	for _, q := range request.RequestedQueries {
		ids = append(ids, q.ID)
	}

	records, err := h.service.GetByIDs(r.Context(), ids)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, records)
}

// GetMessage returns a single message by ID
func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, record)
}

// PutAreaReport publishes a user message to the regions of its areas
func (h *MessageHandler) PutAreaReport(w http.ResponseWriter, r *http.Request) {
	var report messageService.AreaReport
	if err := decodeJSON(w, r, &report); err != nil {
		respondWithError(w, http.StatusBadRequest, ErrInvalidBody.Error())
		return
	}

	if err := h.service.PublishAreaReport(r.Context(), report); err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// parseRegionQuery reads lat, lon, precision and lastTimestamp query parameters
func parseRegionQuery(r *http.Request, defaultPrecision int) (geo.Region, int64, error) {
	query := r.URL.Query()

	lat, err := strconv.ParseFloat(query.Get("lat"), 64)
	if err != nil {
		return geo.Region{}, 0, fmt.Errorf("%w: lat must be a number", ErrInvalidQuery)
	}

	lon, err := strconv.ParseFloat(query.Get("lon"), 64)
	if err != nil {
		return geo.Region{}, 0, fmt.Errorf("%w: lon must be a number", ErrInvalidQuery)
	}

	precision := defaultPrecision
	if v := query.Get("precision"); v != "" {
		if precision, err = strconv.Atoi(v); err != nil {
			return geo.Region{}, 0, fmt.Errorf("%w: precision must be an integer", ErrInvalidQuery)
		}
	}

	var lastTimestamp int64
	if v := query.Get("lastTimestamp"); v != "" {
		if lastTimestamp, err = strconv.ParseInt(v, 10, 64); err != nil {
			return geo.Region{}, 0, fmt.Errorf("%w: lastTimestamp must be an integer", ErrInvalidQuery)
		}
	}

	return geo.Region{LatitudePrefix: lat, LongitudePrefix: lon, Precision: precision}, lastTimestamp, nil
}
