/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Listings:       ListingDTO, CreateListingRequest, CloseListingRequest, OccupancyDTO,
                  ImportResultDTO
  Participations: ParticipationDTO, JoinRequest, DecisionRequest, RemoveRequest
  Notifications:  NotificationDTO
  Admin:          ReconcileRunDTO
  Scenarios:      ScenarioDTO, LoadScenarioRequest

TIMESTAMPS:
  RFC 3339 strings in UTC. Optional timestamps are null until set.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/samber/lo"

	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// LISTINGS
// =============================================================================

type ListingDTO struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Subject       string `json:"subject"`
	Capacity      int    `json:"capacity"`
	Policy        string `json:"policy"`
	Status        string `json:"status"`
	ApprovedCount int    `json:"approved_count"`
	CreatedAt     string `json:"created_at"`
}

type CreateListingRequest struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Subject  string `json:"subject"`
	Capacity int    `json:"capacity"`
	Policy   string `json:"policy"`
}

// ImportResultDTO reports a bulk import. Listings are created one by one;
// a failure does not undo earlier ones.
type ImportResultDTO struct {
	Created []ListingDTO    `json:"created"`
	Failed  []ImportFailure `json:"failed"`
}

type ImportFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type CloseListingRequest struct {
	OwnerID string `json:"owner_id"`
	Status  string `json:"status"` // "closed" or "expired"
}

// OccupancyDTO is what listing views render next to the join button.
type OccupancyDTO struct {
	ListingID string `json:"listing_id"`
	Capacity  int    `json:"capacity"`
	Approved  int    `json:"approved"`
	Pending   int    `json:"pending"`
	Available int    `json:"available"`
	Status    string `json:"status"`
	FillRatio string `json:"fill_ratio"` // decimal string, e.g. "0.6667"
}

// =============================================================================
// PARTICIPATIONS
// =============================================================================

type ParticipationDTO struct {
	ID            string  `json:"id"`
	ListingID     string  `json:"listing_id"`
	ParticipantID string  `json:"participant_id"`
	State         string  `json:"state"`
	RequestedAt   string  `json:"requested_at"`
	DecidedAt     *string `json:"decided_at"`
	DecidedBy     *string `json:"decided_by"`
}

type JoinRequest struct {
	ParticipantID string `json:"participant_id"`
}

type DecisionRequest struct {
	OwnerID  string `json:"owner_id"`
	Decision string `json:"decision"` // "approve" or "reject"
}

type RemoveRequest struct {
	OwnerID string `json:"owner_id"`
}

// =============================================================================
// NOTIFICATIONS / ADMIN
// =============================================================================

type NotificationDTO struct {
	Kind          string `json:"kind"`
	ListingID     string `json:"listing_id"`
	ParticipantID string `json:"participant_id"`
	At            string `json:"at"`
}

type ReconcileRunDTO struct {
	StartedAt string   `json:"started_at"`
	Duration  string   `json:"duration"`
	Checked   int      `json:"checked"`
	Drifted   []string `json:"drifted"`
	Error     string   `json:"error,omitempty"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response. Code is the
// machine-readable token from enrollment.Code.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toListingDTO(l enrollment.Listing) ListingDTO {
	return ListingDTO{
		ID:            string(l.ID),
		OwnerID:       string(l.OwnerID),
		Subject:       l.Subject,
		Capacity:      l.Capacity,
		Policy:        string(l.Policy),
		Status:        string(l.Status),
		ApprovedCount: l.ApprovedCount,
		CreatedAt:     formatTime(l.CreatedAt),
	}
}

func toParticipationDTO(p enrollment.Participation) ParticipationDTO {
	dto := ParticipationDTO{
		ID:            string(p.ID),
		ListingID:     string(p.ListingID),
		ParticipantID: string(p.ParticipantID),
		State:         string(p.State),
		RequestedAt:   formatTime(p.RequestedAt),
	}
	if p.DecidedAt != nil {
		dto.DecidedAt = lo.ToPtr(formatTime(*p.DecidedAt))
	}
	if p.DecidedBy != nil {
		dto.DecidedBy = lo.ToPtr(string(*p.DecidedBy))
	}
	return dto
}

func toParticipationDTOs(ps []enrollment.Participation) []ParticipationDTO {
	return lo.Map(ps, func(p enrollment.Participation, _ int) ParticipationDTO {
		return toParticipationDTO(p)
	})
}

func toOccupancyDTO(o enrollment.Occupancy) OccupancyDTO {
	return OccupancyDTO{
		ListingID: string(o.ListingID),
		Capacity:  o.Capacity,
		Approved:  o.Approved,
		Pending:   o.Pending,
		Available: o.Available(),
		Status:    string(o.Status),
		FillRatio: o.FillRatio().String(),
	}
}

func toNotificationDTOs(events []enrollment.Event) []NotificationDTO {
	return lo.Map(events, func(ev enrollment.Event, _ int) NotificationDTO {
		return NotificationDTO{
			Kind:          string(ev.Kind),
			ListingID:     string(ev.ListingID),
			ParticipantID: string(ev.ParticipantID),
			At:            formatTime(ev.At),
		}
	})
}
