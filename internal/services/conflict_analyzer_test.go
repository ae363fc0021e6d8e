package services

import (
	"math"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/planora/planora/internal/compat"
	"github.com/planora/planora/internal/database"
	"github.com/planora/planora/internal/testhelpers"
)

func newTestAnalyzer(t *testing.T) (*ConflictAnalyzer, *gorm.DB) {
	t.Helper()
	db := testhelpers.NewTestDB(t)
	return NewConflictAnalyzer(db, compat.NewChecker()), db
}

func approx(t *testing.T, got, want float64, label string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

func TestAnalyzeEventWithoutBookings(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().Create(t, db)

	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	if len(report.AffectedProviders) != 0 {
		t.Errorf("expected no affected providers, got %d", len(report.AffectedProviders))
	}
	approx(t, report.SeverityScore, 0, "severity")
	approx(t, report.Confidence, 0.95, "confidence")
	if report.Status != database.ConflictReportStatusAnalyzed {
		t.Errorf("status = %s, want analyzed", report.Status)
	}

	var persisted database.ConflictReport
	testhelpers.AssertNoError(t, db.First(&persisted, report.ID).Error, "reload report")
	if persisted.UUID != report.UUID {
		t.Errorf("persisted uuid mismatch")
	}
}

func TestAnalyzeServiceAreaConflict(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().WithCity("Shelbyville").Create(t, db)
	provider := testhelpers.NewProviderBuilder().
		WithCity("Springfield").WithRadius(50).
		WithPackage("standard", 1500, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)

	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	if !report.ServiceAreaViolation {
		t.Error("expected service area violation flag")
	}
	if report.AvailabilityGap || report.NegotiationMismatch || report.ContractViolation || report.ResourceConflict {
		t.Error("unexpected extra conflict flags")
	}
	if len(report.AffectedProviders) != 1 {
		t.Fatalf("affected providers = %d, want 1", len(report.AffectedProviders))
	}
	affected := report.AffectedProviders[0]
	if affected.ProviderID != provider.ID {
		t.Errorf("affected provider = %d, want %d", affected.ProviderID, provider.ID)
	}
	if affected.ConflictType != database.ProviderConflictServiceArea {
		t.Errorf("conflict type = %s, want service_area", affected.ConflictType)
	}
	// (1 - 0.75) * 50 + 20 for the out-of-area provider
	approx(t, report.SeverityScore, 32.5, "severity")
	approx(t, report.Confidence, 0.95, "confidence")

	if len(report.EventSnapshot) == 0 {
		t.Error("expected a point-in-time event snapshot")
	}
	if len(report.ProviderSnapshots) != 1 {
		t.Errorf("provider snapshots = %d, want 1", len(report.ProviderSnapshots))
	}
}

func TestAnalyzeProviderCancelled(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().Create(t, db)
	provider := testhelpers.NewProviderBuilder().
		WithPackage("standard", 1500, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)

	report, err := analyzer.Analyze(event.ID, database.TriggerProviderCancelled,
		ChangeDetails{CancelledProviderID: provider.ID})
	testhelpers.AssertNoError(t, err, "analyze")

	if !report.AvailabilityGap {
		t.Error("expected availability gap flag")
	}
	if len(report.AffectedProviders) != 1 {
		t.Fatalf("affected providers = %d, want 1", len(report.AffectedProviders))
	}
	affected := report.AffectedProviders[0]
	if affected.ConflictType != database.ProviderConflictAvailability {
		t.Errorf("conflict type = %s, want availability", affected.ConflictType)
	}
	if !strings.Contains(affected.Reason, "cancelled") {
		t.Errorf("reason %q should mention the cancellation", affected.Reason)
	}
	// (1 - 0.75) * 50 + 30 for the unavailable provider
	approx(t, report.SeverityScore, 42.5, "severity")
}

func TestAnalyzeBudgetConflict(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().WithBudget(1000).Create(t, db)
	// A cheaper package exists, but the host committed 1500; the booked
	// amount drives the budget check.
	provider := testhelpers.NewProviderBuilder().
		WithPackage("premium", 1500, 100).
		WithPackage("basic", 900, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)

	report, err := analyzer.Analyze(event.ID, database.TriggerDateChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	if len(report.AffectedProviders) != 1 {
		t.Fatalf("affected providers = %d, want 1", len(report.AffectedProviders))
	}
	affected := report.AffectedProviders[0]
	if affected.ConflictType != database.ProviderConflictBudget {
		t.Errorf("conflict type = %s, want budget", affected.ConflictType)
	}
	if affected.SeverityTier != database.DifficultyEasy {
		t.Errorf("severity tier = %s, want easy", affected.SeverityTier)
	}
	// (1 - 0.75) * 50 + 15 for the budget overrun
	approx(t, report.SeverityScore, 27.5, "severity")
}

func TestAnalyzeContractViolation(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().Create(t, db)
	provider := testhelpers.NewProviderBuilder().
		WithPackage("standard", 1500, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)
	testhelpers.CreateContract(t, db, event, provider, false)

	newVenue := "Lakeside Pavilion"
	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged,
		ChangeDetails{NewVenue: &newVenue})
	testhelpers.AssertNoError(t, err, "analyze")

	if !report.ContractViolation {
		t.Error("expected contract violation flag")
	}
	// Provider checks all pass; 15 for the single violated contract
	approx(t, report.SeverityScore, 15, "severity")
	if len(report.ContractSnapshots) != 1 {
		t.Errorf("contract snapshots = %d, want 1", len(report.ContractSnapshots))
	}
}

func TestAnalyzeContractAllowsRescheduling(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().Create(t, db)
	provider := testhelpers.NewProviderBuilder().
		WithPackage("standard", 1500, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)
	testhelpers.CreateContract(t, db, event, provider, true)

	newDate := event.EventDate.AddDate(0, 0, 3)
	report, err := analyzer.Analyze(event.ID, database.TriggerDateChanged,
		ChangeDetails{NewDate: &newDate})
	testhelpers.AssertNoError(t, err, "analyze")

	if report.ContractViolation {
		t.Error("a reschedulable contract must not flag a date change as a violation")
	}
}

func TestAnalyzeMultiProviderResourceConflict(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().WithCity("Shelbyville").Create(t, db)
	first := testhelpers.NewProviderBuilder().
		WithCity("Springfield").WithRadius(50).
		WithPackage("standard", 1500, 100).
		Create(t, db)
	second := testhelpers.NewProviderBuilder().
		WithName("Second Provider").WithUser(101).
		WithCity("Springfield").WithRadius(50).
		WithCategory("photography").
		WithPackage("standard", 800, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, first, 1500)
	testhelpers.CreateBooking(t, db, event, second, 800)

	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	if !report.ResourceConflict {
		t.Error("expected resource conflict flag with two affected providers")
	}
	if len(report.AffectedProviders) != 2 {
		t.Fatalf("affected providers = %d, want 2", len(report.AffectedProviders))
	}
	// (1 - 0.75) * 50 + 20 out-of-area + 20 multi-provider
	approx(t, report.SeverityScore, 52.5, "severity")
	approx(t, report.Confidence, 0.95, "confidence")
}

func TestAnalyzePartialImpactLowersConfidence(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	event := testhelpers.NewEventBuilder().WithCity("Shelbyville").Create(t, db)
	near := testhelpers.NewProviderBuilder().
		WithCity("Springfield").WithRadius(50).
		WithPackage("standard", 1500, 100).
		Create(t, db)
	wideRange := testhelpers.NewProviderBuilder().
		WithName("Regional Provider").WithUser(101).
		WithCity("Springfield").WithRadius(200).
		WithCategory("photography").
		WithPackage("standard", 800, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, near, 1500)
	testhelpers.CreateBooking(t, db, event, wideRange, 800)

	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	if len(report.AffectedProviders) != 1 {
		t.Fatalf("affected providers = %d, want 1", len(report.AffectedProviders))
	}
	if report.ResourceConflict {
		t.Error("a single affected provider must not flag a resource conflict")
	}
	// 1 of 2 affected is the genuinely ambiguous middle ground
	approx(t, report.Confidence, 0.7, "confidence")
}

func TestConfidenceScoreTiers(t *testing.T) {
	tests := []struct {
		affected, total int
		want            float64
	}{
		{0, 0, 0.95},
		{0, 3, 0.95},
		{3, 3, 0.95},
		{1, 4, 0.85},
		{3, 4, 0.85},
		{1, 2, 0.7},
		{2, 3, 0.7},
	}
	for _, tt := range tests {
		if got := confidenceScore(tt.affected, tt.total); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("confidenceScore(%d, %d) = %v, want %v", tt.affected, tt.total, got, tt.want)
		}
	}
}

func TestResolutionDifficultyTiers(t *testing.T) {
	tests := []struct {
		name    string
		failing []string
		want    database.ResolutionDifficulty
	}{
		{"no failures", nil, database.DifficultyNone},
		{"budget only", []string{compat.CheckBudget}, database.DifficultyEasy},
		{"availability only", []string{compat.CheckAvailability}, database.DifficultyModerate},
		{"two failures", []string{compat.CheckAvailability, compat.CheckBudget}, database.DifficultyModerate},
		{"three failures", []string{compat.CheckAvailability, compat.CheckServiceArea, compat.CheckBudget}, database.DifficultyDifficult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolutionDifficulty(tt.failing); got != tt.want {
				t.Errorf("resolutionDifficulty(%v) = %s, want %s", tt.failing, got, tt.want)
			}
		})
	}
}

func TestSeverityScoreIsCapped(t *testing.T) {
	score := severityScore(0, true, true, true, 5, 10)
	if score != 100 {
		t.Errorf("severity = %v, want capped at 100", score)
	}
}
