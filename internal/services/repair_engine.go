package services

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planora/planora/internal/compat"
	"github.com/planora/planora/internal/config"
	"github.com/planora/planora/internal/database"
)

// Search bounds for remediation candidates
const (
	maxRankedOptions      = 3
	maxSubstituteOptions  = 2
	maxRescheduleOptions  = 2
	substituteSearchLimit = 5
	alternativeDateRange  = 14 // days scanned either side of the event date
)

// AlternativeDate is one candidate replacement date for an event
type AlternativeDate struct {
	Date      time.Time
	DayOffset int
	Weekend   bool
}

// RepairEngine synthesizes, scores, and ranks repair options for a conflict
// report and persists the top-ranked ones as a repair snapshot.
type RepairEngine struct {
	db      *gorm.DB
	checker *compat.Checker
	scoring config.Scoring
}

// NewRepairEngine creates a new repair engine
func NewRepairEngine(db *gorm.DB, checker *compat.Checker, scoring config.Scoring) *RepairEngine {
	return &RepairEngine{db: db, checker: checker, scoring: scoring}
}

// Propose generates candidate repairs for the report's conflicts, ranks
// them, and persists a snapshot holding the top three. The option list is
// never empty: when no flag yields a candidate a single manual-intervention
// fallback is emitted.
func (e *RepairEngine) Propose(report *database.ConflictReport) (*database.RepairSnapshot, error) {
	event, err := eventFromSnapshot(report)
	if err != nil {
		return nil, err
	}

	var bookings []database.Booking
	if err := e.db.Where("event_id = ? AND status = ?", report.EventID, database.BookingStatusConfirmed).
		Find(&bookings).Error; err != nil {
		return nil, fmt.Errorf("failed to load bookings: %w", err)
	}
	bookingByProvider := make(map[uint]*database.Booking, len(bookings))
	for i := range bookings {
		bookingByProvider[bookings[i].ProviderID] = &bookings[i]
	}

	var options []database.RepairOption
	rescheduleDone := false
	for _, affected := range report.AffectedProviders {
		var provider database.Provider
		if err := e.db.Preload("Packages").First(&provider, affected.ProviderID).Error; err != nil {
			return nil, fmt.Errorf("failed to load provider %d: %w", affected.ProviderID, err)
		}
		booking := bookingByProvider[provider.ID]

		// Every recorded conflict contributes candidates. Substitution
		// serves both area and availability conflicts, so it is emitted
		// once per provider; rescheduling moves the whole event and is
		// emitted once per report.
		substituted := false
		for _, conflict := range affected.AllConflicts() {
			switch conflict {
			case database.ProviderConflictServiceArea:
				if opt := e.feeOption(event, &provider, booking); opt != nil {
					options = append(options, *opt)
				}
				if !substituted {
					options = append(options, e.substituteOptions(event, &provider, booking)...)
					substituted = true
				}
			case database.ProviderConflictAvailability:
				if !rescheduleDone {
					options = append(options, e.rescheduleOptions(event, report)...)
					rescheduleDone = true
				}
				if !substituted {
					options = append(options, e.substituteOptions(event, &provider, booking)...)
					substituted = true
				}
			case database.ProviderConflictTerms:
				if opt, err := e.adjustTermsOption(event, &provider); err != nil {
					return nil, err
				} else if opt != nil {
					options = append(options, *opt)
				}
			case database.ProviderConflictBudget:
				if opt := e.scopeReductionOption(event, &provider, booking); opt != nil {
					options = append(options, *opt)
				}
			}
		}
	}

	if len(options) == 0 {
		options = append(options, e.manualFallback(event, report))
	}

	for i := range options {
		options[i].Score = e.scoreOption(&options[i])
	}
	sort.SliceStable(options, func(i, j int) bool {
		return options[i].Score > options[j].Score
	})
	if len(options) > maxRankedOptions {
		options = options[:maxRankedOptions]
	}
	for i := range options {
		options[i].Rank = i + 1
	}

	snapshot := &database.RepairSnapshot{
		UUID:             uuid.New().String(),
		ConflictReportID: report.ID,
		EventID:          report.EventID,
		Options:          options,
		Status:           database.RepairSnapshotProposed,
	}
	if err := e.db.Create(snapshot).Error; err != nil {
		return nil, fmt.Errorf("failed to persist repair snapshot: %w", err)
	}
	return snapshot, nil
}

// scoreOption implements the ranking formula: probability, resolution time,
// cost magnitude, and risk, each weighted and normalized against its cap.
func (e *RepairEngine) scoreOption(opt *database.RepairOption) float64 {
	timeTerm := 1 - math.Min(float64(opt.EstimatedMinutes)/e.scoring.TimeCapMinutes, 1)
	costTerm := 1 - math.Min(math.Abs(opt.HostImpact.CostDelta)/e.scoring.CostCapAmount, 1)
	return opt.SuccessProbability*e.scoring.ProbabilityWeight +
		timeTerm*e.scoring.TimeWeight +
		costTerm*e.scoring.CostWeight +
		riskFactor(opt.HostImpact.RiskTier)*e.scoring.RiskWeight
}

func riskFactor(tier database.RiskTier) float64 {
	switch tier {
	case database.RiskLow:
		return 1
	case database.RiskMedium:
		return 0.5
	default:
		return 0
	}
}

// feeOption proposes keeping the provider and paying a travel fee scaled by
// how far outside the service radius the event moved.
func (e *RepairEngine) feeOption(event *database.Event, provider *database.Provider, booking *database.Booking) *database.RepairOption {
	if booking == nil {
		return nil
	}
	distance := e.checker.Distance.EstimateKm(provider.City, event.City)
	overKm := distance - provider.ServiceRadiusKm
	if overKm < 0 {
		overKm = 0
	}
	fee := math.Max(50, math.Round(overKm*2.5))

	return &database.RepairOption{
		Type:               database.RepairAddFee,
		Title:              fmt.Sprintf("Add travel fee for %s", provider.Name),
		Description:        fmt.Sprintf("Keep %s and cover the extra %.0f km with a travel fee of %.2f", provider.Name, overKm, fee),
		SuccessProbability: 0.9,
		EstimatedMinutes:   30,
		HostImpact: database.HostImpact{
			CostDelta:     fee,
			ScheduleDelta: "",
			RiskTier:      database.RiskLow,
		},
		ProviderImpact: database.ProviderImpact{
			EarningsDelta:    fee,
			ObligationChange: "travels outside the standard service area",
		},
		Rationale: []string{
			fmt.Sprintf("estimated distance %.0f km exceeds the %.0f km service radius", distance, provider.ServiceRadiusKm),
			"keeps the existing booking and contract intact",
		},
		ChangeSet: database.MutationList{{
			Kind:     database.MutationAddBookingFee,
			TargetID: booking.ID,
			Fields:   map[string]interface{}{"label": "travel_fee", "amount": fee},
		}},
		AffectedPartyIDs: partyIDs(event.HostUserID, provider),
	}
}

// substituteOptions searches same-category providers ranked by rating that
// are compatible with the event, suggesting each candidate's cheapest
// available package.
func (e *RepairEngine) substituteOptions(event *database.Event, current *database.Provider, booking *database.Booking) []database.RepairOption {
	if booking == nil {
		return nil
	}

	var candidates []database.Provider
	if err := e.db.Preload("Packages").
		Where("category = ? AND active = ? AND id <> ?", current.Category, true, current.ID).
		Order("rating DESC").Limit(substituteSearchLimit).
		Find(&candidates).Error; err != nil {
		return nil
	}

	req := compat.Requirements{
		City:       event.City,
		Date:       event.EventDate,
		GuestCount: event.GuestCount,
		Budget:     event.Budget,
	}

	var options []database.RepairOption
	for i := range candidates {
		if len(options) >= maxSubstituteOptions {
			break
		}
		candidate := &candidates[i]
		result := e.checker.Check(candidate, req, nil)
		if !result.Compatible() || result.CheapestFit == nil {
			continue
		}
		pkg := result.CheapestFit

		probability := math.Min(0.55+candidate.Rating/10, 0.9)
		options = append(options, database.RepairOption{
			Type:               database.RepairSubstituteProvider,
			Title:              fmt.Sprintf("Replace %s with %s", current.Name, candidate.Name),
			Description:        fmt.Sprintf("Cancel the current booking and book %s (%s, %.2f)", candidate.Name, pkg.Name, pkg.Price),
			SuccessProbability: probability,
			EstimatedMinutes:   90,
			HostImpact: database.HostImpact{
				CostDelta: pkg.Price - booking.Amount,
				RiskTier:  database.RiskMedium,
			},
			ProviderImpact: database.ProviderImpact{
				EarningsDelta:    -booking.Amount,
				ObligationChange: "current booking is cancelled",
			},
			Rationale: []string{
				fmt.Sprintf("%s is rated %.1f and passes every compatibility check", candidate.Name, candidate.Rating),
			},
			ChangeSet: database.MutationList{{
				Kind:     database.MutationSubstituteBooking,
				TargetID: booking.ID,
				Fields: map[string]interface{}{
					"new_provider_id": float64(candidate.ID),
					"new_package_id":  float64(pkg.ID),
					"amount":          pkg.Price,
				},
			}},
			AffectedPartyIDs: append(partyIDs(event.HostUserID, current), candidate.UserID),
		})
	}
	return options
}

// rescheduleOptions turns the closest workable alternative dates into
// reschedule options.
func (e *RepairEngine) rescheduleOptions(event *database.Event, report *database.ConflictReport) []database.RepairOption {
	providers, err := e.affectedProviderRecords(report)
	if err != nil {
		return nil
	}
	alternatives := e.AlternativeDates(event, providers)

	var options []database.RepairOption
	for _, alt := range alternatives {
		if len(options) >= maxRescheduleOptions {
			break
		}
		parties := []uint{event.HostUserID}
		for i := range providers {
			parties = append(parties, providers[i].UserID)
		}
		options = append(options, database.RepairOption{
			Type:               database.RepairRescheduleWindow,
			Title:              fmt.Sprintf("Reschedule to %s", alt.Date.Format("Mon Jan 2")),
			Description:        fmt.Sprintf("Move the event by %+d days to %s", alt.DayOffset, alt.Date.Format("2006-01-02")),
			SuccessProbability: 0.6,
			EstimatedMinutes:   120,
			HostImpact: database.HostImpact{
				CostDelta:     0,
				ScheduleDelta: fmt.Sprintf("%+d days", alt.DayOffset),
				RiskTier:      database.RiskHigh,
			},
			ProviderImpact: database.ProviderImpact{
				ObligationChange: "service date moves",
			},
			Rationale: []string{
				fmt.Sprintf("every affected provider is available on %s", alt.Date.Format("2006-01-02")),
			},
			ChangeSet: database.MutationList{{
				Kind:     database.MutationSetEventFields,
				TargetID: event.ID,
				Fields:   map[string]interface{}{"event_date": alt.Date.Format(time.RFC3339)},
			}},
			AffectedPartyIDs: parties,
		})
	}
	return options
}

// AlternativeDates scans up to 14 days either side of the event date,
// closest offsets first, returning dates on which every given provider is
// available according to the calendar oracle.
func (e *RepairEngine) AlternativeDates(event *database.Event, providers []database.Provider) []AlternativeDate {
	var alternatives []AlternativeDate
	for d := 1; d <= alternativeDateRange; d++ {
		for _, offset := range []int{d, -d} {
			candidate := event.EventDate.AddDate(0, 0, offset)
			available := true
			for i := range providers {
				if !e.checker.Calendar.IsAvailable(&providers[i], candidate) {
					available = false
					break
				}
			}
			if !available {
				continue
			}
			weekday := candidate.Weekday()
			alternatives = append(alternatives, AlternativeDate{
				Date:      candidate,
				DayOffset: offset,
				Weekend:   weekday == time.Saturday || weekday == time.Sunday,
			})
		}
	}
	return alternatives
}

// adjustTermsOption proposes renegotiating the active framework down to the
// event budget.
func (e *RepairEngine) adjustTermsOption(event *database.Event, provider *database.Provider) (*database.RepairOption, error) {
	var negotiation database.Negotiation
	err := e.db.Where("event_id = ? AND provider_id = ? AND status = ?",
		event.ID, provider.ID, database.NegotiationStatusActive).First(&negotiation).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load negotiation: %w", err)
	}

	return &database.RepairOption{
		Type:               database.RepairAdjustTerms,
		Title:              fmt.Sprintf("Renegotiate terms with %s", provider.Name),
		Description:        fmt.Sprintf("Adjust the agreed price from %.2f to the event budget of %.2f", negotiation.AgreedPrice, event.Budget),
		SuccessProbability: 0.75,
		EstimatedMinutes:   60,
		HostImpact: database.HostImpact{
			CostDelta: 0,
			RiskTier:  database.RiskMedium,
		},
		ProviderImpact: database.ProviderImpact{
			EarningsDelta:    event.Budget - negotiation.AgreedPrice,
			ObligationChange: "agreed price is revised",
		},
		Rationale: []string{
			"the negotiated price no longer fits the event parameters",
		},
		ChangeSet: database.MutationList{{
			Kind:     database.MutationUpdateNegotiation,
			TargetID: negotiation.ID,
			Fields:   map[string]interface{}{"agreed_price": event.Budget},
		}},
		AffectedPartyIDs: partyIDs(event.HostUserID, provider),
	}, nil
}

// scopeReductionOption proposes a cheaper package with the same provider
func (e *RepairEngine) scopeReductionOption(event *database.Event, provider *database.Provider, booking *database.Booking) *database.RepairOption {
	if booking == nil {
		return nil
	}
	var cheaper *database.ProviderPackage
	for i := range provider.Packages {
		p := &provider.Packages[i]
		if !p.Available || p.Price >= booking.Amount || p.ID == booking.PackageID {
			continue
		}
		if p.MaxGuests > 0 && event.GuestCount > p.MaxGuests {
			continue
		}
		if cheaper == nil || p.Price < cheaper.Price {
			cheaper = p
		}
	}
	if cheaper == nil {
		return nil
	}

	return &database.RepairOption{
		Type:               database.RepairRelaxConstraint,
		Title:              fmt.Sprintf("Switch to the %s package", cheaper.Name),
		Description:        fmt.Sprintf("Reduce scope with %s: %s at %.2f instead of %.2f", provider.Name, cheaper.Name, cheaper.Price, booking.Amount),
		SuccessProbability: 0.8,
		EstimatedMinutes:   45,
		HostImpact: database.HostImpact{
			CostDelta: cheaper.Price - booking.Amount,
			RiskTier:  database.RiskLow,
		},
		ProviderImpact: database.ProviderImpact{
			EarningsDelta:    cheaper.Price - booking.Amount,
			ObligationChange: "delivers the reduced package",
		},
		Rationale: []string{
			"same provider, smaller package, fits the budget",
		},
		ChangeSet: database.MutationList{{
			Kind:     database.MutationSetBookingPackage,
			TargetID: booking.ID,
			Fields: map[string]interface{}{
				"package_id": float64(cheaper.ID),
				"amount":     cheaper.Price,
			},
		}},
		AffectedPartyIDs: partyIDs(event.HostUserID, provider),
	}
}

// manualFallback guarantees a non-empty option list: it pauses the event
// back to planning pending human review.
func (e *RepairEngine) manualFallback(event *database.Event, report *database.ConflictReport) database.RepairOption {
	parties := []uint{event.HostUserID}
	for _, a := range report.AffectedProviders {
		parties = append(parties, a.ProviderID)
	}
	return database.RepairOption{
		Type:               database.RepairManualIntervention,
		Title:              "Escalate for manual review",
		Description:        "No automated remediation fits this conflict; pause the event pending a human decision",
		SuccessProbability: 0.5,
		EstimatedMinutes:   240,
		HostImpact: database.HostImpact{
			RiskTier: database.RiskHigh,
		},
		Rationale: []string{
			"no conflict flag produced an automated candidate",
		},
		ChangeSet: database.MutationList{{
			Kind:     database.MutationSetEventFields,
			TargetID: event.ID,
			Fields:   map[string]interface{}{"status": string(database.EventStatusPlanning)},
		}},
		AffectedPartyIDs: parties,
	}
}

// affectedProviderRecords loads the provider rows named by the report
func (e *RepairEngine) affectedProviderRecords(report *database.ConflictReport) ([]database.Provider, error) {
	ids := make([]uint, 0, len(report.AffectedProviders))
	for _, a := range report.AffectedProviders {
		ids = append(ids, a.ProviderID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var providers []database.Provider
	if err := e.db.Where("id IN ?", ids).Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

// eventFromSnapshot reconstructs the event from the report's point-in-time
// snapshot so proposal never re-reads mutable state.
func eventFromSnapshot(report *database.ConflictReport) (*database.Event, error) {
	data, err := json.Marshal(report.EventSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to read event snapshot: %w", err)
	}
	var event database.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event snapshot: %w", err)
	}
	if event.ID == 0 {
		return nil, fmt.Errorf("conflict report %d carries no event snapshot", report.ID)
	}
	return &event, nil
}

// partyIDs builds the host+provider affected-party list, preferring the
// provider's linked user account when one exists.
func partyIDs(hostUserID uint, provider *database.Provider) []uint {
	if provider.UserID != 0 {
		return []uint{hostUserID, provider.UserID}
	}
	return []uint{hostUserID, provider.ID}
}
