package messenger

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/leadmap/symphony/internal/domain"
	"github.com/leadmap/symphony/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidTransport, Status: http.StatusBadRequest, Message: "unknown transport"},
	{Error: ErrInvalidSchedule, Status: http.StatusBadRequest, Message: "scheduled_at must be in the future"},
	{Error: ErrMessageNotFound, Status: http.StatusNotFound, Message: "message not found"},
	{Error: ErrInvalidTransition, Status: http.StatusConflict, Message: "message can no longer change state"},
	{Error: ErrNotDeadLettered, Status: http.StatusConflict, Message: "only dead-lettered messages can be replayed"},
}

// Handler handles HTTP requests for the messenger module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new messenger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers messenger routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.EnqueueMessage)
		r.Get("/{id}", h.GetMessage)
		r.Delete("/{id}", h.CancelMessage)
		r.Post("/{id}/replay", h.ReplayMessage)
	})

	r.Route("/transports", func(r chi.Router) {
		r.Get("/", h.ListTransports)
		r.Get("/status", h.AllStatuses)
		r.Get("/{transport}/status", h.TransportStatus)
		r.Get("/{transport}/dead-letters", h.ListDeadLetters)
	})
}

// EnqueueRequest represents request body for enqueueing a message.
type EnqueueRequest struct {
	Transport      string          `json:"transport" validate:"required"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	ScheduledAt    *time.Time      `json:"scheduled_at"`
	StrictSchedule bool            `json:"strict_schedule"`
	MaxAttempts    int             `json:"max_attempts" validate:"omitempty,min=1"`
}

// MessageResponse represents a message in API responses.
type MessageResponse struct {
	ID          string          `json:"id"`
	Transport   string          `json:"transport"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func newMessageResponse(msg *domain.Message) MessageResponse {
	return MessageResponse{
		ID:          msg.ID,
		Transport:   msg.Transport,
		Payload:     json.RawMessage(msg.Payload),
		Status:      string(msg.Status),
		Attempts:    msg.Attempts,
		MaxAttempts: msg.MaxAttempts,
		ScheduledAt: msg.ScheduledAt,
		LastError:   msg.LastError,
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.UpdatedAt,
	}
}

// TransportResponse represents a transport configuration in API responses.
type TransportResponse struct {
	Name              string  `json:"name"`
	Concurrency       int     `json:"concurrency"`
	MaxAttempts       int     `json:"max_attempts"`
	VisibilityTimeout string  `json:"visibility_timeout"`
	BackoffInitial    string  `json:"backoff_initial"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	BackoffMax        string  `json:"backoff_max"`
}

// EnqueueMessage handles POST /messages.
func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	msg, err := h.service.Enqueue(r.Context(), EnqueueInput{
		Transport:      req.Transport,
		Payload:        req.Payload,
		ScheduledAt:    req.ScheduledAt,
		StrictSchedule: req.StrictSchedule,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, newMessageResponse(msg))
}

// GetMessage handles GET /messages/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, newMessageResponse(msg))
}

// CancelMessage handles DELETE /messages/{id}.
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReplayMessage handles POST /messages/{id}/replay.
func (h *Handler) ReplayMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, newMessageResponse(msg))
}

// ListTransports handles GET /transports.
func (h *Handler) ListTransports(w http.ResponseWriter, r *http.Request) {
	transports := h.service.Transports()

	out := make([]TransportResponse, 0, len(transports))
	for _, tr := range transports {
		out = append(out, TransportResponse{
			Name:              tr.Name,
			Concurrency:       tr.Concurrency,
			MaxAttempts:       tr.MaxAttempts,
			VisibilityTimeout: tr.VisibilityTimeout.String(),
			BackoffInitial:    tr.Backoff.Initial.String(),
			BackoffMultiplier: tr.Backoff.Multiplier,
			BackoffMax:        tr.Backoff.Max.String(),
		})
	}

	httputil.Success(w, http.StatusOK, out)
}

// TransportStatus handles GET /transports/{transport}/status.
func (h *Handler) TransportStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.TransportStatus(r.Context(), chi.URLParam(r, "transport"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, snapshot)
}

// AllStatuses handles GET /transports/status.
func (h *Handler) AllStatuses(w http.ResponseWriter, r *http.Request) {
	snapshots, err := h.service.AllStatuses(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, snapshots)
}

// ListDeadLetters handles GET /transports/{transport}/dead-letters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	messages, err := h.service.DeadLetters(r.Context(), chi.URLParam(r, "transport"), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	out := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, newMessageResponse(msg))
	}

	httputil.Success(w, http.StatusOK, out)
}
