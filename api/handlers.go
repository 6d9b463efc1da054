/*
handlers.go - HTTP request handlers for the REST API

PURPOSE:
  Implements HTTP handlers for all API endpoints. Handlers translate
  between HTTP (JSON) and the enrollment engine.

ENDPOINT GROUPS:
  Listings:       Create, import, close, occupancy
  Participants:   Join, cancel, remove, decide, lookups
  Notifications:  Per-user inbox
  Admin:          Reconciliation trigger and last-run status
  Scenarios:      Demo data loading (scenarios.go)

ERROR HANDLING:
  Engine errors are mapped to status codes by statusFor:
  - 400: invalid input
  - 403: caller is not the listing owner
  - 404: listing or participation not found
  - 409: full, capacity exceeded, already active, invalid state, listing exists
  - 410: listing closed or expired
  - 500: storage failures
  Every error body carries the machine token from enrollment.Code.

IDENTITY:
  There is no authentication. The acting owner is passed as owner_id in
  the request body. The acting participant is the {participantID} path
  segment.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route definitions
  - enrollment/engine.go: Business logic
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/factory"
	"github.com/warp/enrollment-engine/notify"
)

// Resetter wipes all persisted data. Implemented by the sqlite, postgres
// and memory stores.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine    *enrollment.Engine
	Inbox     notify.Inbox // nil disables the notifications endpoint
	Store     Resetter     // nil disables reset and scenarios
	Scheduler *ReconciliationScheduler
	Logger    *slog.Logger

	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(engine *enrollment.Engine, store Resetter, inbox notify.Inbox, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine: engine,
		Store:  store,
		Inbox:  inbox,
		Logger: logger,
	}
}

// =============================================================================
// LISTING HANDLERS
// =============================================================================

// CreateListing creates a new listing.
// POST /api/listings
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	listing, err := h.Engine.CreateListing(r.Context(), enrollment.Listing{
		ID:       enrollment.ListingID(req.ID),
		OwnerID:  enrollment.ParticipantID(req.OwnerID),
		Subject:  req.Subject,
		Capacity: req.Capacity,
		Policy:   enrollment.Policy(req.Policy),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toListingDTO(listing))
}

// ImportListings creates every listing of a JSON catalog. The catalog is
// validated as a whole first; creation then proceeds listing by listing.
// POST /api/listings/import
func (h *Handler) ImportListings(w http.ResponseWriter, r *http.Request) {
	var catalog factory.CatalogJSON
	if err := json.NewDecoder(r.Body).Decode(&catalog); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	listings, err := factory.NewListingFactory().FromCatalog(catalog)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	result := ImportResultDTO{Created: []ListingDTO{}, Failed: []ImportFailure{}}
	for _, l := range listings {
		created, err := h.Engine.CreateListing(r.Context(), l)
		if err != nil {
			if enrollment.IsInfrastructure(err) {
				h.writeEngineError(w, r, err)
				return
			}
			result.Failed = append(result.Failed, ImportFailure{ID: string(l.ID), Error: err.Error(), Code: enrollment.Code(err)})
			continue
		}
		result.Created = append(result.Created, toListingDTO(created))
	}

	status := http.StatusCreated
	if len(result.Created) == 0 {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// ListListings returns all listings ordered by ID.
// GET /api/listings
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.Engine.ListListings(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(listings, func(l enrollment.Listing, _ int) ListingDTO {
		return toListingDTO(l)
	}))
}

// GetListing returns a single listing.
// GET /api/listings/{id}
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.Engine.GetListing(r.Context(), listingID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingDTO(listing))
}

// CloseListing moves a listing to closed or expired.
// POST /api/listings/{id}/close
func (h *Handler) CloseListing(w http.ResponseWriter, r *http.Request) {
	var req CloseListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	status := enrollment.ListingStatus(req.Status)
	if status == "" {
		status = enrollment.ListingClosed
	}

	listing, err := h.Engine.CloseListing(r.Context(), listingID(r), enrollment.ParticipantID(req.OwnerID), status)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingDTO(listing))
}

// GetOccupancy returns derived counts for a listing.
// GET /api/listings/{id}/occupancy
func (h *Handler) GetOccupancy(w http.ResponseWriter, r *http.Request) {
	occ, err := h.Engine.Occupancy(r.Context(), listingID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccupancyDTO(occ))
}

// =============================================================================
// PARTICIPANT HANDLERS
// =============================================================================

// Join creates a participation: approved for self-service listings,
// pending for moderated ones.
// POST /api/listings/{id}/participants
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	p, err := h.Engine.Join(r.Context(), listingID(r), enrollment.ParticipantID(req.ParticipantID))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipationDTO(p))
}

// ListParticipants returns participations, optionally filtered by
// repeated state query parameters.
// GET /api/listings/{id}/participants?state=pending&state=approved
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	var filter enrollment.Filter
	for _, raw := range r.URL.Query()["state"] {
		s := enrollment.State(raw)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid state filter", errors.New(raw))
			return
		}
		filter.States = append(filter.States, s)
	}

	ps, err := h.Engine.ListParticipants(r.Context(), listingID(r), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTOs(ps))
}

// GetParticipation returns the participant's most recent row.
// GET /api/listings/{id}/participants/{participantID}
func (h *Handler) GetParticipation(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Participation(r.Context(), listingID(r), participantID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTO(p))
}

// Cancel withdraws the participant's own active participation.
// DELETE /api/listings/{id}/participants/{participantID}
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Cancel(r.Context(), listingID(r), participantID(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(enrollment.StateCancelled)})
}

// Remove lets the owner cancel an approved participant.
// POST /api/listings/{id}/participants/{participantID}/remove
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := h.Engine.Remove(r.Context(), listingID(r), enrollment.ParticipantID(req.OwnerID), participantID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(enrollment.StateCancelled)})
}

// Decide approves or rejects a pending request.
// POST /api/listings/{id}/participants/{participantID}/decision
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	p, err := h.Engine.Decide(r.Context(), listingID(r), enrollment.ParticipantID(req.OwnerID),
		participantID(r), enrollment.Decision(req.Decision))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTO(p))
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// ListNotifications returns the user's most recent events, newest first.
// GET /api/users/{id}/notifications?limit=20
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	if h.Inbox == nil {
		writeError(w, http.StatusNotFound, "notification inbox is disabled", nil)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	events, err := h.Inbox.Recent(r.Context(), enrollment.ParticipantID(chi.URLParam(r, "id")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, toNotificationDTOs(events))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerReconcile runs a reconciliation pass immediately.
// POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation is not configured", nil)
		return
	}
	run := h.Scheduler.RunNow(r.Context())
	if run.Err != nil {
		h.writeEngineError(w, r, run.Err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileRunDTO(run))
}

// GetLastReconcile returns the most recent reconciliation run.
// GET /api/admin/reconcile
func (h *Handler) GetLastReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation is not configured", nil)
		return
	}
	run, ok := h.Scheduler.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no reconciliation has run yet", nil)
		return
	}
	resp := toReconcileRunDTO(run)
	if next, ok := h.Scheduler.NextRun(); ok {
		writeJSON(w, http.StatusOK, map[string]any{"last_run": resp, "next_run": formatTime(next)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_run": resp})
}

// Health reports whether the store is reachable.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset complete"})
}

func (h *Handler) reset(ctx context.Context) error {
	if h.Store == nil {
		return errors.New("store does not support reset")
	}
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	// A separate in-memory inbox is not covered by the store reset.
	if mem, ok := h.Inbox.(*notify.MemoryInbox); ok {
		mem.Reset()
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func listingID(r *http.Request) enrollment.ListingID {
	return enrollment.ListingID(chi.URLParam(r, "id"))
}

func participantID(r *http.Request) enrollment.ParticipantID {
	return enrollment.ParticipantID(chi.URLParam(r, "participantID"))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its status code. Storage
// failures are logged; their details are not sent to the client.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: enrollment.Code(err)}
	if status == http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, enrollment.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, enrollment.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, enrollment.ErrNotFound), errors.Is(err, enrollment.ErrListingNotFound):
		return http.StatusNotFound
	case errors.Is(err, enrollment.ErrListingClosed):
		return http.StatusGone
	case errors.Is(err, enrollment.ErrFull),
		errors.Is(err, enrollment.ErrCapacityExceeded),
		errors.Is(err, enrollment.ErrAlreadyActive),
		errors.Is(err, enrollment.ErrInvalidState),
		errors.Is(err, enrollment.ErrListingExists):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
