package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planora/planora/internal/compat"
	"github.com/planora/planora/internal/database"
)

// ChangeDetails carries the proposed (possibly hypothetical) new event
// parameters driving a detection or revalidation cycle. Nil fields mean
// "unchanged".
type ChangeDetails struct {
	NewVenue            *string
	NewCity             *string
	NewDate             *time.Time
	NewGuestCount       *int
	NewBudget           *float64
	CancelledProviderID uint // set for provider_cancelled triggers
}

// requirementsFor builds compatibility requirements from the event with the
// change overrides applied.
func (c ChangeDetails) requirementsFor(event *database.Event) compat.Requirements {
	req := compat.Requirements{
		City:       event.City,
		Date:       event.EventDate,
		GuestCount: event.GuestCount,
		Budget:     event.Budget,
	}
	if c.NewCity != nil {
		req.City = *c.NewCity
	}
	if c.NewDate != nil {
		req.Date = *c.NewDate
	}
	if c.NewGuestCount != nil {
		req.GuestCount = *c.NewGuestCount
	}
	if c.NewBudget != nil {
		req.Budget = *c.NewBudget
	}
	return req
}

// ConflictAnalyzer walks an event's providers and contracts, runs the
// compatibility checker, and persists a scored conflict report.
type ConflictAnalyzer struct {
	db      *gorm.DB
	checker *compat.Checker
}

// NewConflictAnalyzer creates a new conflict analyzer
func NewConflictAnalyzer(db *gorm.DB, checker *compat.Checker) *ConflictAnalyzer {
	return &ConflictAnalyzer{db: db, checker: checker}
}

// Analyze runs one detection cycle for the event and persists the resulting
// conflict report with full point-in-time snapshots.
func (a *ConflictAnalyzer) Analyze(eventID uint, trigger database.TriggerKind, change ChangeDetails) (*database.ConflictReport, error) {
	var event database.Event
	if err := a.db.First(&event, eventID).Error; err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", eventID, err)
	}

	var bookings []database.Booking
	if err := a.db.Where("event_id = ? AND status = ?", eventID, database.BookingStatusConfirmed).
		Find(&bookings).Error; err != nil {
		return nil, fmt.Errorf("failed to load bookings: %w", err)
	}

	providerIDs := make([]uint, 0, len(bookings))
	amountByProvider := make(map[uint]float64, len(bookings))
	for _, b := range bookings {
		providerIDs = append(providerIDs, b.ProviderID)
		amountByProvider[b.ProviderID] = b.Amount
	}

	var providers []database.Provider
	if len(providerIDs) > 0 {
		if err := a.db.Preload("Packages").Where("id IN ?", providerIDs).
			Find(&providers).Error; err != nil {
			return nil, fmt.Errorf("failed to load providers: %w", err)
		}
	}

	negotiations, err := a.loadActiveNegotiations(eventID)
	if err != nil {
		return nil, err
	}

	var contracts []database.Contract
	if err := a.db.Where("event_id = ? AND status = ?", eventID, database.ContractStatusActive).
		Find(&contracts).Error; err != nil {
		return nil, fmt.Errorf("failed to load contracts: %w", err)
	}

	req := change.requirementsFor(&event)

	report := &database.ConflictReport{
		UUID:        uuid.New().String(),
		EventID:     event.ID,
		TriggerKind: trigger,
		Status:      database.ConflictReportStatusAnalyzed,
	}

	var rateSum float64
	anyUnavailable, anyOutsideArea, anyOverBudget := false, false, false

	for i := range providers {
		p := &providers[i]
		preq := req
		preq.BookedAmount = amountByProvider[p.ID]
		result := a.checker.Check(p, preq, negotiations[p.ID])

		// A cancelled provider is unavailable no matter what the calendar says
		if trigger == database.TriggerProviderCancelled && change.CancelledProviderID == p.ID {
			result.AvailabilityOK = false
			result.Reasons = append(result.Reasons, "provider cancelled the engagement")
		}

		rateSum += result.Rate()
		if result.Compatible() {
			continue
		}

		failing := result.FailingChecks()
		conflictTypes := conflictTypesFor(failing)
		report.AffectedProviders = append(report.AffectedProviders, database.AffectedProvider{
			ProviderID:    p.ID,
			ConflictType:  conflictTypes[0],
			ConflictTypes: conflictTypes,
			Reason:        joinReasons(result.Reasons),
			SeverityTier:  resolutionDifficulty(failing),
		})

		if !result.AvailabilityOK {
			report.AvailabilityGap = true
			anyUnavailable = true
		}
		if !result.AreaOK {
			report.ServiceAreaViolation = true
			anyOutsideArea = true
		}
		if !result.BudgetOK {
			anyOverBudget = true
		}
		if !result.TermsOK {
			report.NegotiationMismatch = true
		}
	}

	violatedContracts := 0
	for i := range contracts {
		if contractViolated(&contracts[i], &event, change) {
			violatedContracts++
		}
	}
	if violatedContracts > 0 {
		report.ContractViolation = true
	}

	// More than one broken commitment means providers compete for the same
	// remediation resources.
	if len(report.AffectedProviders) > 1 {
		report.ResourceConflict = true
	}

	compatibilityRate := 1.0
	if len(providers) > 0 {
		compatibilityRate = rateSum / float64(len(providers))
	}
	report.SeverityScore = severityScore(compatibilityRate, anyUnavailable, anyOutsideArea, anyOverBudget,
		len(report.AffectedProviders), violatedContracts)
	report.Confidence = confidenceScore(len(report.AffectedProviders), len(providers))

	report.EventSnapshot = snapshotOf(event)
	report.ProviderSnapshots = database.JSONB{}
	for i := range providers {
		report.ProviderSnapshots[fmt.Sprint(providers[i].ID)] = map[string]interface{}(snapshotOf(providers[i]))
	}
	report.ContractSnapshots = database.JSONB{}
	for i := range contracts {
		report.ContractSnapshots[fmt.Sprint(contracts[i].ID)] = map[string]interface{}(snapshotOf(contracts[i]))
	}

	if err := a.db.Create(report).Error; err != nil {
		return nil, fmt.Errorf("failed to persist conflict report: %w", err)
	}
	return report, nil
}

// loadActiveNegotiations returns the event's active negotiation frameworks
// keyed by provider id.
func (a *ConflictAnalyzer) loadActiveNegotiations(eventID uint) (map[uint]*database.Negotiation, error) {
	var negotiations []database.Negotiation
	if err := a.db.Where("event_id = ? AND status = ?", eventID, database.NegotiationStatusActive).
		Find(&negotiations).Error; err != nil {
		return nil, fmt.Errorf("failed to load negotiations: %w", err)
	}
	byProvider := make(map[uint]*database.Negotiation, len(negotiations))
	for i := range negotiations {
		byProvider[negotiations[i].ProviderID] = &negotiations[i]
	}
	return byProvider, nil
}

// conflictTypesFor maps the failing checks (already in priority order) to
// provider conflict types; the first entry is the primary issue.
func conflictTypesFor(failing []string) []database.ProviderConflictType {
	types := make([]database.ProviderConflictType, 0, len(failing))
	for _, f := range failing {
		switch f {
		case compat.CheckAvailability:
			types = append(types, database.ProviderConflictAvailability)
		case compat.CheckServiceArea:
			types = append(types, database.ProviderConflictServiceArea)
		case compat.CheckBudget:
			types = append(types, database.ProviderConflictBudget)
		default:
			types = append(types, database.ProviderConflictTerms)
		}
	}
	return types
}

// resolutionDifficulty tiers a conflict by the count and type of failing
// checks: a single budget-only failure is easy, three or more is difficult.
func resolutionDifficulty(failing []string) database.ResolutionDifficulty {
	switch {
	case len(failing) == 0:
		return database.DifficultyNone
	case len(failing) == 1 && failing[0] == compat.CheckBudget:
		return database.DifficultyEasy
	case len(failing) >= 3:
		return database.DifficultyDifficult
	default:
		return database.DifficultyModerate
	}
}

// severityScore computes the report-level severity on a 0-100 scale
func severityScore(compatibilityRate float64, unavailable, outsideArea, overBudget bool, affected, violatedContracts int) float64 {
	score := (1 - compatibilityRate) * 50
	if unavailable {
		score += 30
	}
	if outsideArea {
		score += 20
	}
	if overBudget {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	if affected > 1 {
		score += 20
	}
	score += float64(violatedContracts) * 15
	if score > 100 {
		score = 100
	}
	return score
}

// confidenceScore surfaces how unambiguous the detection is: unanimous
// results are near-certain, lopsided ratios are strong, the middle ground
// is genuinely uncertain and must not be hidden.
func confidenceScore(affected, total int) float64 {
	if total == 0 || affected == 0 || affected == total {
		return 0.95
	}
	ratio := float64(affected) / float64(total)
	if ratio < 0.3 || ratio > 0.7 {
		return 0.85
	}
	return 0.7
}

// contractViolated checks a contract against the proposed change: a venue
// mismatch violates it outright, a date mismatch violates it only when the
// rescheduling policy disallows change.
func contractViolated(contract *database.Contract, event *database.Event, change ChangeDetails) bool {
	if change.NewVenue != nil && contract.Venue != "" && contract.Venue != *change.NewVenue {
		return true
	}
	if change.NewDate != nil && !contract.EventDate.IsZero() &&
		!sameDay(contract.EventDate, *change.NewDate) && !contract.AllowsRescheduling {
		return true
	}
	return false
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

// snapshotOf captures a record as a JSONB blob via a JSON round-trip
func snapshotOf(v interface{}) database.JSONB {
	data, err := json.Marshal(v)
	if err != nil {
		return database.JSONB{}
	}
	var out database.JSONB
	if err := json.Unmarshal(data, &out); err != nil {
		return database.JSONB{}
	}
	return out
}
