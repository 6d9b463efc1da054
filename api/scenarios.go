/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with listings
	and participations for demos. Every scenario goes through the engine,
	so capacity, notifications and metrics behave exactly as in real use.

AVAILABLE SCENARIOS:

	self-service-workshop: Capacity 2, two instant joins fill it
	moderated-dinner:      Capacity 1, two pending requests await the host
	busy-week:             Several listings in every status, with churn

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create listings from JSON via factory
 3. Join, decide and cancel through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "moderated-dinner"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Register it in scenarioLoaders

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/listing.go: Listing JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/samber/lo"

	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "self-service-workshop",
		Name:        "Self-Service Workshop",
		Description: "Capacity 2, instant joins; two participants fill it",
		Category:    "self_service",
	},
	{
		ID:          "moderated-dinner",
		Name:        "Moderated Dinner",
		Description: "Capacity 1, host approval; two requests are pending",
		Category:    "moderated",
	},
	{
		ID:          "busy-week",
		Name:        "Busy Week",
		Description: "Open, filled and expired listings with cancellations and rejections",
		Category:    "mixed",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"self-service-workshop": h.loadSelfServiceWorkshopScenario,
		"moderated-dinner":      h.loadModeratedDinnerScenario,
		"busy-week":             h.loadBusyWeekScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, ok := lo.Find(scenarios, func(s ScenarioDTO) bool { return s.ID == current })
	if !ok {
		s = ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"}
	}
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if _, ok := h.scenarioLoaders()[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "unknown scenario", nil)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the store and loads a scenario. Used by the
// HTTP handler and by the -demo flag at startup.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := h.scenarioLoaders()[id]
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}
	if err := h.reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := load(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.InfoContext(ctx, "scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSelfServiceWorkshopScenario(ctx context.Context) error {
	if err := h.createListingFromJSON(ctx, factory.SelfServiceJSON("L1", "O", "Saturday pottery workshop", 2)); err != nil {
		return err
	}
	for _, p := range []enrollment.ParticipantID{"A", "B"} {
		if _, err := h.Engine.Join(ctx, "L1", p); err != nil {
			return fmt.Errorf("join %s: %w", p, err)
		}
	}
	return nil
}

func (h *Handler) loadModeratedDinnerScenario(ctx context.Context) error {
	if err := h.createListingFromJSON(ctx, factory.ModeratedJSON("L2", "O", "Chef's table dinner", 1)); err != nil {
		return err
	}
	for _, p := range []enrollment.ParticipantID{"A", "B"} {
		if _, err := h.Engine.Join(ctx, "L2", p); err != nil {
			return fmt.Errorf("request %s: %w", p, err)
		}
	}
	return nil
}

const busyWeekCatalog = `{"listings": [
	{"id": "run-club",  "owner_id": "coach", "subject": "Tuesday run club",       "capacity": 3},
	{"id": "book-club", "owner_id": "host",  "subject": "Book club",              "capacity": 2, "policy": "moderated"},
	{"id": "climbing",  "owner_id": "coach", "subject": "Indoor climbing",        "capacity": 1},
	{"id": "last-week", "owner_id": "host",  "subject": "Last week's quiz night", "capacity": 4}
]}`

func (h *Handler) loadBusyWeekScenario(ctx context.Context) error {
	listings, err := factory.NewListingFactory().ParseCatalog(busyWeekCatalog)
	if err != nil {
		return err
	}
	for _, l := range listings {
		if _, err := h.Engine.CreateListing(ctx, l); err != nil {
			return err
		}
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		// run-club: churn, ends open with 2 of 3
		{"run-club join ana", func() error { _, err := h.Engine.Join(ctx, "run-club", "ana"); return err }},
		{"run-club join ben", func() error { _, err := h.Engine.Join(ctx, "run-club", "ben"); return err }},
		{"run-club join cai", func() error { _, err := h.Engine.Join(ctx, "run-club", "cai"); return err }},
		{"run-club cancel ben", func() error { return h.Engine.Cancel(ctx, "run-club", "ben") }},

		// book-club: one approved, one rejected, one pending
		{"book-club request ana", func() error { _, err := h.Engine.Join(ctx, "book-club", "ana"); return err }},
		{"book-club request dev", func() error { _, err := h.Engine.Join(ctx, "book-club", "dev"); return err }},
		{"book-club request eli", func() error { _, err := h.Engine.Join(ctx, "book-club", "eli"); return err }},
		{"book-club approve ana", func() error {
			_, err := h.Engine.Decide(ctx, "book-club", "host", "ana", enrollment.DecisionApprove)
			return err
		}},
		{"book-club reject dev", func() error {
			_, err := h.Engine.Decide(ctx, "book-club", "host", "dev", enrollment.DecisionReject)
			return err
		}},

		// climbing: filled
		{"climbing join cai", func() error { _, err := h.Engine.Join(ctx, "climbing", "cai"); return err }},

		// last-week: expired with attendees kept
		{"last-week join ana", func() error { _, err := h.Engine.Join(ctx, "last-week", "ana"); return err }},
		{"last-week join eli", func() error { _, err := h.Engine.Join(ctx, "last-week", "eli"); return err }},
		{"last-week expire", func() error {
			_, err := h.Engine.CloseListing(ctx, "last-week", "host", enrollment.ListingExpired)
			return err
		}},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// createListingFromJSON parses a listing definition and creates it.
func (h *Handler) createListingFromJSON(ctx context.Context, jsonStr string) error {
	listing, err := factory.NewListingFactory().ParseListing(jsonStr)
	if err != nil {
		return err
	}
	_, err = h.Engine.CreateListing(ctx, listing)
	return err
}
