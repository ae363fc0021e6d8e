// Package compat implements the compatibility checker: given a provider and
// an event's (possibly hypothetical) requirements, it returns a structured
// verdict over four checks: service area, availability, budget, and
// negotiation terms.
package compat

import (
	"fmt"
	"time"

	"github.com/planora/planora/internal/database"
)

// Requirements describes what an event needs from a provider. Build it from
// the event's current fields, or override location/date to evaluate a
// hypothetical change before applying it.
type Requirements struct {
	City       string
	Date       time.Time
	GuestCount int
	Budget     float64

	// BookedAmount is the committed amount of an existing booking with the
	// provider, 0 when none exists. It takes precedence over the package
	// catalog in the budget check.
	BookedAmount float64
}

// Check names used in results and failure lists
const (
	CheckServiceArea  = "service_area"
	CheckAvailability = "availability"
	CheckBudget       = "budget"
	CheckTerms        = "negotiation_terms"
)

// Result is the structured compatibility verdict for one provider
type Result struct {
	AreaOK         bool
	AvailabilityOK bool
	BudgetOK       bool
	TermsOK        bool
	DistanceKm     float64
	CheapestFit    *database.ProviderPackage // cheapest available package fitting the guest count
	Reasons        []string
}

// Compatible reports whether every check passed
func (r Result) Compatible() bool {
	return r.AreaOK && r.AvailabilityOK && r.BudgetOK && r.TermsOK
}

// Rate returns the fraction of checks that passed
func (r Result) Rate() float64 {
	passed := 0
	for _, ok := range []bool{r.AreaOK, r.AvailabilityOK, r.BudgetOK, r.TermsOK} {
		if ok {
			passed++
		}
	}
	return float64(passed) / 4
}

// FailingChecks lists the failed checks in fixed priority order:
// availability, service_area, budget, negotiation_terms.
func (r Result) FailingChecks() []string {
	var failing []string
	if !r.AvailabilityOK {
		failing = append(failing, CheckAvailability)
	}
	if !r.AreaOK {
		failing = append(failing, CheckServiceArea)
	}
	if !r.BudgetOK {
		failing = append(failing, CheckBudget)
	}
	if !r.TermsOK {
		failing = append(failing, CheckTerms)
	}
	return failing
}

// DistanceEstimator estimates travel distance between two cities. The real
// system would back this with a geo service; the default is a coarse
// stand-in kept behind this interface on purpose.
type DistanceEstimator interface {
	EstimateKm(fromCity, toCity string) float64
}

// FixedDistanceEstimator returns a constant per city relation: near-zero
// within the same city, a fixed cross-city estimate otherwise.
type FixedDistanceEstimator struct {
	SameCityKm  float64
	CrossCityKm float64
}

// NewFixedDistanceEstimator returns the default distance stand-in
func NewFixedDistanceEstimator() *FixedDistanceEstimator {
	return &FixedDistanceEstimator{SameCityKm: 12, CrossCityKm: 85}
}

// EstimateKm implements DistanceEstimator
func (e *FixedDistanceEstimator) EstimateKm(fromCity, toCity string) float64 {
	if fromCity == toCity || fromCity == "" || toCity == "" {
		return e.SameCityKm
	}
	return e.CrossCityKm
}

// AvailabilityOracle answers whether a provider can serve a given date.
// The default assumes availability for any active provider; a calendar
// integration can replace it.
type AvailabilityOracle interface {
	IsAvailable(provider *database.Provider, date time.Time) bool
}

// AssumeAvailableOracle treats every active provider as available
type AssumeAvailableOracle struct{}

// IsAvailable implements AvailabilityOracle
func (AssumeAvailableOracle) IsAvailable(provider *database.Provider, date time.Time) bool {
	return provider.Active
}

// Checker runs the four compatibility checks
type Checker struct {
	Distance DistanceEstimator
	Calendar AvailabilityOracle
}

// NewChecker returns a checker with the default stand-in collaborators
func NewChecker() *Checker {
	return &Checker{
		Distance: NewFixedDistanceEstimator(),
		Calendar: AssumeAvailableOracle{},
	}
}

// Check evaluates one provider against the requirements. The negotiation
// parameter may be nil when no active framework exists.
func (c *Checker) Check(provider *database.Provider, req Requirements, negotiation *database.Negotiation) Result {
	result := Result{AreaOK: true, AvailabilityOK: true, BudgetOK: true, TermsOK: true}

	// Service area
	result.DistanceKm = c.Distance.EstimateKm(provider.City, req.City)
	if result.DistanceKm > provider.ServiceRadiusKm {
		result.AreaOK = false
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("estimated %.0f km exceeds service radius of %.0f km", result.DistanceKm, provider.ServiceRadiusKm))
	}

	// Availability: the provider must be free on the date and, when packages
	// exist, at least one available package must fit the guest count.
	if !c.Calendar.IsAvailable(provider, req.Date) {
		result.AvailabilityOK = false
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("provider is not available on %s", req.Date.Format("2006-01-02")))
	}
	result.CheapestFit = cheapestFit(provider.Packages, req.GuestCount)
	if len(provider.Packages) > 0 && result.CheapestFit == nil {
		result.AvailabilityOK = false
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("no available package fits %d guests", req.GuestCount))
	}

	// Budget: the committed spend must fit the budget. The booked amount
	// wins when one exists; otherwise the cheapest fitting package stands
	// in. Providers with neither are priced through negotiation instead.
	committed := req.BookedAmount
	if committed == 0 && result.CheapestFit != nil {
		committed = result.CheapestFit.Price
	}
	if committed > 0 && req.Budget > 0 && committed > req.Budget {
		result.BudgetOK = false
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("committed spend (%.2f) exceeds budget (%.2f)", committed, req.Budget))
	}

	// Negotiation terms: an active framework whose agreed price no longer
	// fits the budget is a terms mismatch.
	if negotiation != nil && negotiation.Status == database.NegotiationStatusActive {
		if req.Budget > 0 && negotiation.AgreedPrice > req.Budget {
			result.TermsOK = false
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("negotiated price (%.2f) exceeds budget (%.2f)", negotiation.AgreedPrice, req.Budget))
		}
	}

	return result
}

// cheapestFit returns the cheapest available package that can host the given
// guest count, or nil when none fits.
func cheapestFit(packages []database.ProviderPackage, guests int) *database.ProviderPackage {
	var best *database.ProviderPackage
	for i := range packages {
		p := &packages[i]
		if !p.Available {
			continue
		}
		if p.MaxGuests > 0 && guests > p.MaxGuests {
			continue
		}
		if best == nil || p.Price < best.Price {
			best = p
		}
	}
	return best
}
