package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/planora/planora/internal/database"
	"github.com/planora/planora/internal/services"
)

// Orchestrator is the interface for running one repair cycle
type Orchestrator interface {
	Orchestrate(conflictReportID, userID uint) (*services.OrchestrationResult, error)
}

// RepairMonitor picks up analyzed conflict reports that have no repair
// snapshot yet and runs a repair cycle for each on behalf of the event host.
type RepairMonitor struct {
	db           *gorm.DB
	orchestrator Orchestrator
}

// NewRepairMonitor creates a new repair monitor
func NewRepairMonitor(db *gorm.DB, orchestrator Orchestrator) *RepairMonitor {
	return &RepairMonitor{db: db, orchestrator: orchestrator}
}

// Run executes one iteration of the monitor.
// Returns the number of reports processed.
func (m *RepairMonitor) Run() (int, error) {
	proposed := m.db.Model(&database.RepairSnapshot{}).Select("conflict_report_id")

	var reports []database.ConflictReport
	err := m.db.Where("status = ? AND id NOT IN (?)", database.ConflictReportStatusAnalyzed, proposed).
		Order("created_at ASC").Find(&reports).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, report := range reports {
		var event database.Event
		if err := m.db.First(&event, report.EventID).Error; err != nil {
			log.Printf("Failed to load event %d for conflict report %s: %v", report.EventID, report.UUID, err)
			continue
		}

		result, err := m.orchestrator.Orchestrate(report.ID, event.HostUserID)
		if err != nil {
			log.Printf("Repair cycle failed for conflict report %s: %v", report.UUID, err)
			continue
		}
		log.Printf("Repair cycle for conflict report %s: %s", report.UUID, result.Action)
		processed++
	}

	return processed, nil
}

// Start begins the periodic monitoring
func (m *RepairMonitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			processed, err := m.Run()
			if err != nil {
				log.Printf("Repair monitor error: %v", err)
			} else if processed > 0 {
				log.Printf("Repair monitor: processed %d conflict reports", processed)
			}
		case <-stop:
			log.Println("Repair monitor stopped")
			return
		}
	}
}
