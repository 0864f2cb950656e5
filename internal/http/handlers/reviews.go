package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/review"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

const maxListLimit = 500

// ReviewStore reads the manual-review queue.
type ReviewStore interface {
	List(ctx context.Context, orgID string, status review.Status, limit int) ([]review.Item, error)
	Get(ctx context.Context, id string) (*review.Item, error)
}

// ReviewCorrections closes review items and feeds speaker corrections back
// into the org's profile.
type ReviewCorrections interface {
	ResolveReview(ctx context.Context, itemID string, res review.Resolution) (*review.Item, []string, error)
	ApplyCorrection(ctx context.Context, orgID, sender string, role speaker.Role) ([]string, error)
}

// ReviewHandler serves the manual-review queue and speaker corrections.
type ReviewHandler struct {
	store       ReviewStore
	corrections ReviewCorrections
	logger      *logging.Logger
}

// NewReviewHandler creates a review handler. store may be nil when no
// database is configured; the review endpoints then answer 501 and speaker
// corrections still work.
func NewReviewHandler(store ReviewStore, corrections ReviewCorrections, logger *logging.Logger) *ReviewHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ReviewHandler{store: store, corrections: corrections, logger: logger}
}

// ListReviewsResponse is returned by GET /orgs/{orgID}/reviews.
type ListReviewsResponse struct {
	Items []review.Item `json:"items"`
	Total int           `json:"total"`
}

// ListReviews handles GET /orgs/{orgID}/reviews?status=pending&limit=100
func (h *ReviewHandler) ListReviews(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "review queue is disabled")
		return
	}
	orgID := chi.URLParam(r, "orgID")
	status := review.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch status {
	case "":
		status = review.StatusPending
	case review.StatusPending, review.StatusResolved:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending or resolved")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	items, err := h.store.List(r.Context(), orgID, status, limit)
	if err != nil {
		h.logger.Error("failed to list review items", "error", err, "org_id", orgID)
		writeError(w, http.StatusInternalServerError, "failed to list review items")
		return
	}
	if items == nil {
		items = []review.Item{}
	}
	writeJSON(w, http.StatusOK, ListReviewsResponse{Items: items, Total: len(items)})
}

// GetReview handles GET /reviews/{itemID}
func (h *ReviewHandler) GetReview(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "review queue is disabled")
		return
	}
	itemID := chi.URLParam(r, "itemID")
	item, err := h.store.Get(r.Context(), itemID)
	if errors.Is(err, review.ErrItemNotFound) {
		writeError(w, http.StatusNotFound, "review item not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load review item", "error", err, "item_id", itemID)
		writeError(w, http.StatusInternalServerError, "failed to load review item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ResolveReviewRequest is the body of POST /reviews/{itemID}/resolve.
type ResolveReviewRequest struct {
	CorrectedData row.Raw      `json:"corrected_data,omitempty"`
	Role          speaker.Role `json:"role,omitempty"`
	ReviewedBy    string       `json:"reviewed_by"`
}

// ResolveReviewResponse reports the closed item and any tokens learned from it.
type ResolveReviewResponse struct {
	Item          *review.Item `json:"item"`
	LearnedTokens []string     `json:"learned_tokens"`
}

// ResolveReview handles POST /reviews/{itemID}/resolve
func (h *ReviewHandler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "review queue is disabled")
		return
	}
	var body ResolveReviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Role != "" && !body.Role.Valid() {
		writeError(w, http.StatusBadRequest, "role must be you or client")
		return
	}
	itemID := chi.URLParam(r, "itemID")
	item, learned, err := h.corrections.ResolveReview(r.Context(), itemID, review.Resolution{
		Corrected:  body.CorrectedData,
		Role:       body.Role,
		ReviewedBy: strings.TrimSpace(body.ReviewedBy),
	})
	if errors.Is(err, review.ErrItemNotFound) {
		writeError(w, http.StatusNotFound, "review item not found or already resolved")
		return
	}
	if err != nil && item == nil {
		h.logger.Error("failed to resolve review item", "error", err, "item_id", itemID)
		writeError(w, http.StatusInternalServerError, "failed to resolve review item")
		return
	}
	if err != nil {
		// The item is closed; only the profile update failed.
		h.logger.Warn("review resolved but speaker correction failed", "error", err, "item_id", itemID)
	}
	if learned == nil {
		learned = []string{}
	}
	writeJSON(w, http.StatusOK, ResolveReviewResponse{Item: item, LearnedTokens: learned})
}

// SpeakerCorrectionRequest is the body of POST /orgs/{orgID}/speaker-corrections.
type SpeakerCorrectionRequest struct {
	Sender string       `json:"sender"`
	Role   speaker.Role `json:"role"`
}

// ApplyCorrection handles POST /orgs/{orgID}/speaker-corrections
func (h *ReviewHandler) ApplyCorrection(w http.ResponseWriter, r *http.Request) {
	var body SpeakerCorrectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Sender) == "" || !body.Role.Valid() {
		writeError(w, http.StatusBadRequest, "sender and a role of you or client are required")
		return
	}
	orgID := chi.URLParam(r, "orgID")
	learned, err := h.corrections.ApplyCorrection(r.Context(), orgID, body.Sender, body.Role)
	if err != nil {
		h.logger.Error("failed to apply speaker correction", "error", err, "org_id", orgID)
		writeError(w, http.StatusInternalServerError, "failed to apply correction")
		return
	}
	if learned == nil {
		learned = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"learned_tokens": learned})
}
