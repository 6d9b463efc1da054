/*
Package factory provides JSON to Go listing conversion.

PURPOSE:
  Converts JSON listing definitions into enrollment.Listing values. Demo
  scenarios and the bulk import endpoint describe listings in JSON, and
  the factory creates the proper Go structs.

JSON SCHEMA:
  {
    "id": "pottery-sat",
    "owner_id": "O",
    "subject": "Saturday pottery workshop",
    "capacity": 8,
    "policy": "self_service"
  }

  A catalog wraps several listings:
  {"listings": [{...}, {...}]}

KEY FEATURES:
  - Validates JSON structure and each listing
  - Accepts common policy aliases ("instant", "approval")
  - Rejects duplicate IDs inside one catalog
  - Status is never read from JSON; listings start open

USAGE:
  factory := NewListingFactory()

  // From JSON string
  listing, err := factory.ParseListing(jsonString)

  // From a preset
  listing, err := factory.ParseListing(factory.ModeratedJSON("L2", "O", "Dinner", 1))

SEE ALSO:
  - enrollment/types.go: Listing type definition
  - api/scenarios.go: Scenario loaders built on presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ListingJSON is the JSON representation of a listing.
type ListingJSON struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Subject  string `json:"subject,omitempty"`
	Capacity int    `json:"capacity"`
	Policy   string `json:"policy,omitempty"` // default self_service
}

// CatalogJSON is a batch of listings.
type CatalogJSON struct {
	Listings []ListingJSON `json:"listings"`
}

// =============================================================================
// LISTING FACTORY
// =============================================================================

// ListingFactory converts JSON listings to Go structs.
type ListingFactory struct{}

// NewListingFactory creates a new listing factory.
func NewListingFactory() *ListingFactory {
	return &ListingFactory{}
}

// ParseListing parses a JSON string into a Listing.
func (f *ListingFactory) ParseListing(jsonStr string) (enrollment.Listing, error) {
	var lj ListingJSON
	if err := json.Unmarshal([]byte(jsonStr), &lj); err != nil {
		return enrollment.Listing{}, fmt.Errorf("failed to parse listing JSON: %w", err)
	}
	return f.FromJSON(lj)
}

// ParseCatalog parses a catalog. Either every listing is valid or an
// error names the first bad entry.
func (f *ListingFactory) ParseCatalog(jsonStr string) ([]enrollment.Listing, error) {
	var cj CatalogJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromCatalog(cj)
}

// FromCatalog converts every entry of a decoded catalog.
func (f *ListingFactory) FromCatalog(cj CatalogJSON) ([]enrollment.Listing, error) {
	if len(cj.Listings) == 0 {
		return nil, fmt.Errorf("catalog has no listings: %w", enrollment.ErrInvalidInput)
	}
	if dups := lo.FindDuplicatesBy(cj.Listings, func(lj ListingJSON) string { return lj.ID }); len(dups) > 0 {
		return nil, fmt.Errorf("catalog repeats listing %q: %w", dups[0].ID, enrollment.ErrInvalidInput)
	}

	out := make([]enrollment.Listing, 0, len(cj.Listings))
	for i, lj := range cj.Listings {
		l, err := f.FromJSON(lj)
		if err != nil {
			return nil, fmt.Errorf("listing %d (%s): %w", i, lj.ID, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// FromJSON converts ListingJSON to enrollment.Listing.
func (f *ListingFactory) FromJSON(lj ListingJSON) (enrollment.Listing, error) {
	policy, err := parsePolicy(lj.Policy)
	if err != nil {
		return enrollment.Listing{}, err
	}

	l := enrollment.Listing{
		ID:       enrollment.ListingID(strings.TrimSpace(lj.ID)),
		OwnerID:  enrollment.ParticipantID(strings.TrimSpace(lj.OwnerID)),
		Subject:  lj.Subject,
		Capacity: lj.Capacity,
		Policy:   policy,
		Status:   enrollment.ListingOpen,
	}
	if err := l.Validate(); err != nil {
		return enrollment.Listing{}, err
	}
	return l, nil
}

// ToJSON converts a Listing to ListingJSON.
func (f *ListingFactory) ToJSON(l enrollment.Listing) ListingJSON {
	return ListingJSON{
		ID:       string(l.ID),
		OwnerID:  string(l.OwnerID),
		Subject:  l.Subject,
		Capacity: l.Capacity,
		Policy:   string(l.Policy),
	}
}

// =============================================================================
// PRESETS
// =============================================================================

// SelfServiceJSON describes a listing anyone can join until it is full.
func SelfServiceJSON(id, ownerID, subject string, capacity int) string {
	return presetJSON(id, ownerID, subject, capacity, enrollment.PolicySelfService)
}

// ModeratedJSON describes a listing where the owner approves each request.
func ModeratedJSON(id, ownerID, subject string, capacity int) string {
	return presetJSON(id, ownerID, subject, capacity, enrollment.PolicyModerated)
}

func presetJSON(id, ownerID, subject string, capacity int, policy enrollment.Policy) string {
	data, _ := json.Marshal(ListingJSON{
		ID:       id,
		OwnerID:  ownerID,
		Subject:  subject,
		Capacity: capacity,
		Policy:   string(policy),
	})
	return string(data)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parsePolicy(s string) (enrollment.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "self_service", "self-service", "instant":
		return enrollment.PolicySelfService, nil
	case "moderated", "approval":
		return enrollment.PolicyModerated, nil
	default:
		return "", &enrollment.ValidationError{Field: "policy", Message: fmt.Sprintf("unknown policy %q", s)}
	}
}
