package services

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planora/planora/internal/compat"
	"github.com/planora/planora/internal/config"
	"github.com/planora/planora/internal/database"
	"github.com/planora/planora/internal/testhelpers"
)

func newTestEngine(t *testing.T) (*RepairEngine, *ConflictAnalyzer, *gorm.DB) {
	t.Helper()
	db := testhelpers.NewTestDB(t)
	checker := compat.NewChecker()
	return NewRepairEngine(db, checker, config.DefaultScoring()),
		NewConflictAnalyzer(db, checker), db
}

// assertWellFormed checks the invariants every proposed snapshot must hold:
// between one and three options, contiguous ranks from 1, non-increasing
// scores, and a non-empty change-set and party list on every option.
func assertWellFormed(t *testing.T, snapshot *database.RepairSnapshot) {
	t.Helper()
	if len(snapshot.Options) < 1 || len(snapshot.Options) > 3 {
		t.Fatalf("option count = %d, want between 1 and 3", len(snapshot.Options))
	}
	for i, opt := range snapshot.Options {
		if opt.Rank != i+1 {
			t.Errorf("option %d rank = %d, want %d", i, opt.Rank, i+1)
		}
		if i > 0 && opt.Score > snapshot.Options[i-1].Score {
			t.Errorf("option %d score %v exceeds the previous option's %v", i, opt.Score, snapshot.Options[i-1].Score)
		}
		if len(opt.ChangeSet) == 0 {
			t.Errorf("option %d (%s) has an empty change-set", i, opt.Type)
		}
		if len(opt.AffectedPartyIDs) == 0 {
			t.Errorf("option %d (%s) has no affected parties", i, opt.Type)
		}
		if opt.SuccessProbability <= 0 || opt.SuccessProbability > 1 {
			t.Errorf("option %d probability = %v, want (0, 1]", i, opt.SuccessProbability)
		}
	}
	if snapshot.Status != database.RepairSnapshotProposed {
		t.Errorf("snapshot status = %s, want proposed", snapshot.Status)
	}
}

func TestProposeFeeOptionForServiceArea(t *testing.T) {
	engine, analyzer, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().WithCity("Shelbyville").Create(t, db)
	provider := testhelpers.NewProviderBuilder().
		WithCity("Springfield").WithRadius(50).
		WithPackage("standard", 1500, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)

	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	snapshot, err := engine.Propose(report)
	testhelpers.AssertNoError(t, err, "propose")
	assertWellFormed(t, snapshot)

	top := snapshot.Options[0]
	if top.Type != database.RepairAddFee {
		t.Fatalf("top option type = %s, want add_fee", top.Type)
	}
	if top.HostImpact.CostDelta <= 0 {
		t.Errorf("fee option cost delta = %v, want positive", top.HostImpact.CostDelta)
	}
	// 85 km estimated minus the 50 km radius, at 2.5 per km
	if top.HostImpact.CostDelta != 88 {
		t.Errorf("fee = %v, want 88", top.HostImpact.CostDelta)
	}
	if top.ChangeSet[0].Kind != database.MutationAddBookingFee {
		t.Errorf("mutation kind = %s, want add_booking_fee", top.ChangeSet[0].Kind)
	}
	hasHost, hasProvider := false, false
	for _, id := range top.AffectedPartyIDs {
		if id == event.HostUserID {
			hasHost = true
		}
		if id == provider.UserID {
			hasProvider = true
		}
	}
	if !hasHost || !hasProvider {
		t.Errorf("affected parties %v must include host %d and provider user %d",
			top.AffectedPartyIDs, event.HostUserID, provider.UserID)
	}

	var persisted database.RepairSnapshot
	testhelpers.AssertNoError(t, db.First(&persisted, snapshot.ID).Error, "reload snapshot")
	if len(persisted.Options) != len(snapshot.Options) {
		t.Errorf("persisted options = %d, want %d", len(persisted.Options), len(snapshot.Options))
	}
}

func TestProposeRanksAndTruncates(t *testing.T) {
	engine, analyzer, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().Create(t, db)
	current := testhelpers.NewProviderBuilder().
		WithPackage("standard", 1500, 100).
		Create(t, db)
	testhelpers.NewProviderBuilder().
		WithName("Backup One").WithUser(201).WithRating(4.8).
		WithPackage("standard", 1400, 100).
		Create(t, db)
	testhelpers.NewProviderBuilder().
		WithName("Backup Two").WithUser(202).WithRating(4.5).
		WithPackage("standard", 1600, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, current, 1500)

	// A cancellation by a still-listed provider yields both reschedule and
	// substitute candidates, more than the ranked snapshot can hold.
	report, err := analyzer.Analyze(event.ID, database.TriggerProviderCancelled,
		ChangeDetails{CancelledProviderID: current.ID})
	testhelpers.AssertNoError(t, err, "analyze")

	snapshot, err := engine.Propose(report)
	testhelpers.AssertNoError(t, err, "propose")
	assertWellFormed(t, snapshot)

	if len(snapshot.Options) != 3 {
		t.Fatalf("option count = %d, want truncation to 3", len(snapshot.Options))
	}
	if snapshot.Options[0].Type != database.RepairSubstituteProvider {
		t.Errorf("top option type = %s, want substitute_provider", snapshot.Options[0].Type)
	}
}

func TestProposeScopeReduction(t *testing.T) {
	engine, analyzer, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().WithBudget(1000).Create(t, db)
	provider := testhelpers.NewProviderBuilder().
		WithPackage("premium", 1500, 100).
		WithPackage("basic", 900, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)

	report, err := analyzer.Analyze(event.ID, database.TriggerDateChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	snapshot, err := engine.Propose(report)
	testhelpers.AssertNoError(t, err, "propose")
	assertWellFormed(t, snapshot)

	top := snapshot.Options[0]
	if top.Type != database.RepairRelaxConstraint {
		t.Fatalf("top option type = %s, want relax_constraint", top.Type)
	}
	if top.HostImpact.CostDelta != -600 {
		t.Errorf("cost delta = %v, want -600", top.HostImpact.CostDelta)
	}
	if top.ChangeSet[0].Kind != database.MutationSetBookingPackage {
		t.Errorf("mutation kind = %s, want set_booking_package", top.ChangeSet[0].Kind)
	}
}

func TestProposeCoversEveryConflictPerProvider(t *testing.T) {
	engine, analyzer, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().WithCity("Shelbyville").Create(t, db)
	// Out of area AND no package fits the 80 guests: two conflicts at once
	provider := testhelpers.NewProviderBuilder().
		WithCity("Springfield").WithRadius(50).
		WithPackage("petite", 1500, 40).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)

	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")
	if !report.ServiceAreaViolation || !report.AvailabilityGap {
		t.Fatalf("expected both area and availability flags, got %+v", report)
	}
	if len(report.AffectedProviders) != 1 || len(report.AffectedProviders[0].AllConflicts()) != 2 {
		t.Fatalf("affected providers = %+v, want one entry with two conflicts", report.AffectedProviders)
	}

	snapshot, err := engine.Propose(report)
	testhelpers.AssertNoError(t, err, "propose")
	assertWellFormed(t, snapshot)

	types := map[database.RepairType]bool{}
	for _, opt := range snapshot.Options {
		types[opt.Type] = true
	}
	if !types[database.RepairAddFee] {
		t.Errorf("option types %v must include add_fee for the area conflict", types)
	}
	if !types[database.RepairRescheduleWindow] {
		t.Errorf("option types %v must include reschedule_window for the availability conflict", types)
	}
}

func TestProposeDeduplicatesRescheduleOptions(t *testing.T) {
	engine, analyzer, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().Create(t, db)
	first := testhelpers.NewProviderBuilder().
		WithPackage("petite", 1500, 40).
		Create(t, db)
	second := testhelpers.NewProviderBuilder().
		WithName("Second Provider").WithUser(201).WithCategory("photography").
		WithPackage("petite", 800, 40).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, first, 1500)
	testhelpers.CreateBooking(t, db, event, second, 800)

	// Neither catalog fits 80 guests, so both providers conflict on
	// availability; moving the event is still a single remediation.
	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	snapshot, err := engine.Propose(report)
	testhelpers.AssertNoError(t, err, "propose")
	assertWellFormed(t, snapshot)

	if len(snapshot.Options) != 2 {
		t.Fatalf("option count = %d, want one reschedule pair for the whole event", len(snapshot.Options))
	}
	seen := map[string]bool{}
	for _, opt := range snapshot.Options {
		if opt.Type != database.RepairRescheduleWindow {
			t.Errorf("option type = %s, want reschedule_window", opt.Type)
		}
		if seen[opt.HostImpact.ScheduleDelta] {
			t.Errorf("duplicate reschedule option for %q", opt.HostImpact.ScheduleDelta)
		}
		seen[opt.HostImpact.ScheduleDelta] = true
	}
}

func TestProposeManualFallback(t *testing.T) {
	engine, _, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().Create(t, db)
	provider := testhelpers.NewProviderBuilder().Create(t, db)

	// A terms conflict without any active negotiation produces no automated
	// candidate, so the fallback must fill in.
	report := &database.ConflictReport{
		UUID:        uuid.New().String(),
		EventID:     event.ID,
		TriggerKind: database.TriggerContractRevised,
		Status:      database.ConflictReportStatusAnalyzed,
		AffectedProviders: database.AffectedProviderList{{
			ProviderID:   provider.ID,
			ConflictType: database.ProviderConflictTerms,
		}},
		EventSnapshot: snapshotOf(*event),
	}
	testhelpers.AssertNoError(t, db.Create(report).Error, "create report")

	snapshot, err := engine.Propose(report)
	testhelpers.AssertNoError(t, err, "propose")
	assertWellFormed(t, snapshot)

	if len(snapshot.Options) != 1 {
		t.Fatalf("option count = %d, want the single fallback", len(snapshot.Options))
	}
	if snapshot.Options[0].Type != database.RepairManualIntervention {
		t.Errorf("option type = %s, want manual_intervention", snapshot.Options[0].Type)
	}
}

func TestProposeAdjustTermsOption(t *testing.T) {
	engine, analyzer, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().WithBudget(1000).Create(t, db)
	provider := testhelpers.NewProviderBuilder().Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1200)
	negotiation := &database.Negotiation{
		EventID:     event.ID,
		ProviderID:  provider.ID,
		AgreedPrice: 1200,
		Status:      database.NegotiationStatusActive,
	}
	testhelpers.AssertNoError(t, db.Create(negotiation).Error, "create negotiation")

	report, err := analyzer.Analyze(event.ID, database.TriggerContractRevised, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")
	if !report.NegotiationMismatch {
		t.Fatal("expected a negotiation mismatch flag")
	}

	snapshot, err := engine.Propose(report)
	testhelpers.AssertNoError(t, err, "propose")
	assertWellFormed(t, snapshot)

	top := snapshot.Options[0]
	if top.Type != database.RepairAdjustTerms {
		t.Fatalf("top option type = %s, want adjust_terms", top.Type)
	}
	mutation := top.ChangeSet[0]
	if mutation.Kind != database.MutationUpdateNegotiation {
		t.Errorf("mutation kind = %s, want update_negotiation_terms", mutation.Kind)
	}
	if mutation.Fields["agreed_price"] != 1000.0 {
		t.Errorf("agreed_price = %v, want the event budget 1000", mutation.Fields["agreed_price"])
	}
}

func TestAlternativeDatesClosestFirst(t *testing.T) {
	engine, _, db := newTestEngine(t)
	event := testhelpers.NewEventBuilder().Create(t, db)
	provider := testhelpers.NewProviderBuilder().Create(t, db)

	alternatives := engine.AlternativeDates(event, []database.Provider{*provider})
	if len(alternatives) != 2*alternativeDateRange {
		t.Fatalf("alternatives = %d, want %d", len(alternatives), 2*alternativeDateRange)
	}
	if alternatives[0].DayOffset != 1 || alternatives[1].DayOffset != -1 {
		t.Errorf("first offsets = %d, %d; want +1, -1", alternatives[0].DayOffset, alternatives[1].DayOffset)
	}
	for _, alt := range alternatives {
		weekday := alt.Date.Weekday()
		isWeekend := weekday == 0 || weekday == 6
		if alt.Weekend != isWeekend {
			t.Errorf("weekend flag for %s = %v", alt.Date.Format("2006-01-02"), alt.Weekend)
		}
	}
}
