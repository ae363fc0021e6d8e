package jobs

import (
	"testing"
	"time"

	"github.com/planora/planora/internal/compat"
	"github.com/planora/planora/internal/config"
	"github.com/planora/planora/internal/database"
	"github.com/planora/planora/internal/notify"
	"github.com/planora/planora/internal/services"
	"github.com/planora/planora/internal/testhelpers"
)

func TestRepairMonitorProcessesFreshReports(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	checker := compat.NewChecker()
	notifier := notify.NewNotifier(db)
	engine := services.NewRepairEngine(db, checker, config.DefaultScoring())
	tracker := services.NewDependencyTracker(db, checker, notifier, 30*time.Minute)
	orchestrator := services.NewRepairOrchestrator(db, engine, tracker, notifier)
	analyzer := services.NewConflictAnalyzer(db, checker)
	monitor := NewRepairMonitor(db, orchestrator)

	event := testhelpers.NewEventBuilder().WithCity("Shelbyville").Create(t, db)
	provider := testhelpers.NewProviderBuilder().
		WithCity("Springfield").WithRadius(50).
		WithPackage("standard", 1500, 100).
		Create(t, db)
	testhelpers.CreateBooking(t, db, event, provider, 1500)

	report, err := analyzer.Analyze(event.ID, database.TriggerVenueChanged, services.ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")

	processed, err := monitor.Run()
	testhelpers.AssertNoError(t, err, "first run")
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	var snapshot database.RepairSnapshot
	testhelpers.AssertNoError(t, db.Where("conflict_report_id = ?", report.ID).
		First(&snapshot).Error, "snapshot for report")
	if snapshot.ApplyMode != database.ApplyModeSuggested {
		t.Errorf("apply mode = %s, want suggested under the default policy", snapshot.ApplyMode)
	}

	// A report with a snapshot is no longer fresh
	processed, err = monitor.Run()
	testhelpers.AssertNoError(t, err, "second run")
	if processed != 0 {
		t.Errorf("processed = %d on second run, want 0", processed)
	}
}

func TestRepairMonitorSkipsResolvedReports(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	checker := compat.NewChecker()
	notifier := notify.NewNotifier(db)
	engine := services.NewRepairEngine(db, checker, config.DefaultScoring())
	tracker := services.NewDependencyTracker(db, checker, notifier, 30*time.Minute)
	orchestrator := services.NewRepairOrchestrator(db, engine, tracker, notifier)
	analyzer := services.NewConflictAnalyzer(db, checker)
	monitor := NewRepairMonitor(db, orchestrator)

	event := testhelpers.NewEventBuilder().Create(t, db)
	report, err := analyzer.Analyze(event.ID, database.TriggerDateChanged, services.ChangeDetails{})
	testhelpers.AssertNoError(t, err, "analyze")
	testhelpers.AssertNoError(t, db.Model(report).
		Update("status", database.ConflictReportStatusResolved).Error, "resolve report")

	processed, err := monitor.Run()
	testhelpers.AssertNoError(t, err, "run")
	if processed != 0 {
		t.Errorf("processed = %d, want resolved reports skipped", processed)
	}
}
