package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/planora/planora/internal/database"
	"github.com/planora/planora/internal/notify"
)

// Orchestration and rollback failures
var (
	// ErrRollbackWindowExpired is a distinct, user-facing failure: the
	// rollback window is a hard deadline, not a grace period.
	ErrRollbackWindowExpired = errors.New("rollback window has expired")
	// ErrSnapshotAccepted means the repair was accepted, permanently
	// foreclosing rollback.
	ErrSnapshotAccepted = errors.New("repair was accepted and can no longer be rolled back")
	// ErrSnapshotNotApplied means there is nothing to roll back
	ErrSnapshotNotApplied = errors.New("repair snapshot was never applied")
	// ErrCompensationFailed flags the state needing operator attention: an
	// apply failed AND the best-effort rollback of its partial changes also
	// failed.
	ErrCompensationFailed = errors.New("apply failed and compensating rollback also failed")
)

// OrchestrationAction is the routing decision of one repair cycle
type OrchestrationAction string

const (
	ActionNotifyOnly  OrchestrationAction = "notify_only"
	ActionSuggested   OrchestrationAction = "suggested"
	ActionAutoApplied OrchestrationAction = "auto_applied"
)

// OrchestrationResult is the typed outcome returned to the invoking layer
type OrchestrationResult struct {
	Action   OrchestrationAction
	Reason   string
	Snapshot *database.RepairSnapshot
}

// RollbackStatus distinguishes a performed rollback from the idempotent
// second call.
type RollbackStatus string

const (
	RollbackPerformed   RollbackStatus = "rolled_back"
	RollbackAlreadyDone RollbackStatus = "already_rolled_back"
)

// RollbackResult reports the outcome of a rollback attempt
type RollbackResult struct {
	Status   RollbackStatus
	Snapshot *database.RepairSnapshot
}

// RepairOrchestrator is the saga controller: it drives the repair engine off
// a conflict report, routes the decision by user policy, applies the chosen
// option's change-set, and manages the bounded-time undo.
type RepairOrchestrator struct {
	db       *gorm.DB
	engine   *RepairEngine
	tracker  *DependencyTracker
	notifier *notify.Notifier
}

// NewRepairOrchestrator creates a new orchestrator
func NewRepairOrchestrator(db *gorm.DB, engine *RepairEngine, tracker *DependencyTracker, notifier *notify.Notifier) *RepairOrchestrator {
	return &RepairOrchestrator{db: db, engine: engine, tracker: tracker, notifier: notifier}
}

// Orchestrate runs one repair cycle for the conflict report: propose
// options, load (or lazily create) the user's policy, and route the
// decision. Policy gate failures are routing decisions, never errors.
func (o *RepairOrchestrator) Orchestrate(conflictReportID, userID uint) (*OrchestrationResult, error) {
	var report database.ConflictReport
	if err := o.db.First(&report, conflictReportID).Error; err != nil {
		return nil, fmt.Errorf("failed to load conflict report %d: %w", conflictReportID, err)
	}

	snapshot, err := o.engine.Propose(&report)
	if err != nil {
		return nil, err
	}

	settings, err := database.GetOrCreateAutoRepairSettings(o.db, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load auto-repair settings: %w", err)
	}

	switch settings.Mode {
	case database.AutoRepairModeNone:
		if settings.NotifyOnDetection {
			o.notifier.Send(userID, notify.KindConflictDetected,
				"Conflict detected",
				fmt.Sprintf("A %s change broke %d commitments (severity %.0f)",
					report.TriggerKind, len(report.AffectedProviders), report.SeverityScore),
				database.JSONB{"conflict_report_id": report.ID})
		}
		o.recordMode(snapshot, database.ApplyModeNotifyOnly)
		return &OrchestrationResult{Action: ActionNotifyOnly, Snapshot: snapshot}, nil

	case database.AutoRepairModeAutoMinor:
		if reason, ok := o.qualifies(&snapshot.Options[0], settings); !ok {
			return o.suggest(snapshot, userID, reason)
		}
		if err := o.autoApply(snapshot, &snapshot.Options[0], settings, userID); err != nil {
			return nil, err
		}
		return &OrchestrationResult{Action: ActionAutoApplied, Snapshot: snapshot}, nil

	default: // suggest_only
		return o.suggest(snapshot, userID, "")
	}
}

func (o *RepairOrchestrator) suggest(snapshot *database.RepairSnapshot, userID uint, reason string) (*OrchestrationResult, error) {
	message := fmt.Sprintf("%d repair options are ready for review; top option: %s",
		len(snapshot.Options), snapshot.Options[0].Title)
	o.notifier.Send(userID, notify.KindRepairSuggested, "Repair options available", message,
		database.JSONB{"repair_snapshot_id": snapshot.ID})
	o.recordMode(snapshot, database.ApplyModeSuggested)
	return &OrchestrationResult{Action: ActionSuggested, Reason: reason, Snapshot: snapshot}, nil
}

func (o *RepairOrchestrator) recordMode(snapshot *database.RepairSnapshot, mode database.ApplyMode) {
	snapshot.ApplyMode = mode
	if err := o.db.Model(snapshot).Update("apply_mode", mode).Error; err != nil {
		log.Printf("Failed to record apply mode for snapshot %d: %v", snapshot.ID, err)
	}
}

// qualifies evaluates the top-ranked option against the auto-apply gates in
// order: success probability, cost increase, schedule shift, and the per-type
// opt-ins. The first failing gate short-circuits.
func (o *RepairOrchestrator) qualifies(opt *database.RepairOption, settings *database.AutoRepairSettings) (string, bool) {
	if opt.SuccessProbability < settings.MinSuccessProbability {
		return "threshold not met", false
	}
	// Cost decreases always pass
	if opt.HostImpact.CostDelta > settings.MaxCostIncrease {
		return "threshold not met", false
	}
	if opt.Type == database.RepairRescheduleWindow {
		minutes, ok := ParseScheduleShift(opt.HostImpact.ScheduleDelta)
		if !ok || minutes > settings.MaxScheduleShiftMinutes {
			return "threshold not met", false
		}
	}
	switch opt.Type {
	case database.RepairSubstituteProvider:
		if !settings.AllowAutoSubstitution {
			return "threshold not met", false
		}
	case database.RepairRescheduleWindow:
		if !settings.AllowAutoReschedule {
			return "threshold not met", false
		}
	}
	return "", true
}

// autoApply executes the option's change-set with before/after state
// capture and a bounded rollback window. On a mid-apply failure it attempts
// a best-effort reverse replay of what was already applied before
// re-raising; this is compensation, not a guaranteed rollback.
func (o *RepairOrchestrator) autoApply(snapshot *database.RepairSnapshot, opt *database.RepairOption, settings *database.AutoRepairSettings, userID uint) error {
	lock, err := o.tracker.AcquireLock(snapshot.EventID, "auto_repair", userID,
		fmt.Sprintf("applying repair option %d", opt.Rank), database.AllBlockableOps())
	if err != nil {
		return err
	}

	token := uuid.New().String()
	expiry := time.Now().Add(time.Duration(settings.RollbackWindowMinutes) * time.Minute)

	before, err := o.captureState(snapshot.EventID)
	if err != nil {
		o.releaseQuietly(lock.ID)
		return err
	}

	applied := make(database.MutationList, 0, len(opt.ChangeSet))
	for _, mutation := range opt.ChangeSet {
		m := mutation
		if err := o.applyMutation(&m); err != nil {
			applyErr := fmt.Errorf("failed to apply %s mutation on %d: %w", m.Kind, m.TargetID, err)
			if compErr := o.reverseReplay(applied); compErr != nil {
				log.Printf("Compensation after failed apply also failed for snapshot %d: %v", snapshot.ID, compErr)
				return fmt.Errorf("%w: %v (original failure: %v)", ErrCompensationFailed, compErr, applyErr)
			}
			o.releaseQuietly(lock.ID)
			return applyErr
		}
		applied = append(applied, m)
	}

	after, err := o.captureState(snapshot.EventID)
	if err != nil {
		after = database.JSONB{}
	}

	updates := map[string]interface{}{
		"status":              database.RepairSnapshotApplied,
		"apply_mode":          database.ApplyModeAuto,
		"applied_option_rank": opt.Rank,
		"applied_by":          userID,
		"rollback_token":      token,
		"rollback_expires_at": expiry,
		"before_state":        before,
		"after_state":         after,
		"applied_mutations":   applied,
	}
	if err := o.db.Model(snapshot).Updates(updates).Error; err != nil {
		if compErr := o.reverseReplay(applied); compErr != nil {
			return fmt.Errorf("%w: %v (original failure: %v)", ErrCompensationFailed, compErr, err)
		}
		o.releaseQuietly(lock.ID)
		return fmt.Errorf("failed to persist applied snapshot: %w", err)
	}
	snapshot.Status = database.RepairSnapshotApplied
	snapshot.ApplyMode = database.ApplyModeAuto
	snapshot.AppliedOptionRank = opt.Rank
	snapshot.AppliedBy = userID
	snapshot.RollbackToken = token
	snapshot.RollbackExpiresAt = &expiry
	snapshot.BeforeState = before
	snapshot.AfterState = after
	snapshot.AppliedMutations = applied

	if settings.NotifyOnRepair {
		remaining := int(time.Until(expiry).Minutes())
		o.notifier.Send(userID, notify.KindRepairApplied,
			"Repair applied automatically",
			fmt.Sprintf("%s was applied; you can undo it for the next %d minutes", opt.Title, remaining),
			database.JSONB{"repair_snapshot_id": snapshot.ID, "rollback_token": token})
		for _, partyID := range opt.AffectedPartyIDs {
			if partyID == userID || partyID == 0 {
				continue
			}
			o.notifier.Send(partyID, notify.KindRepairApplied,
				"An event you serve was adjusted",
				fmt.Sprintf("An automatic repair changed an engagement: %s", opt.Title),
				database.JSONB{"repair_snapshot_id": snapshot.ID})
		}
	}

	o.releaseQuietly(lock.ID)
	return nil
}

// Rollback undoes an applied repair by replaying its mutations in reverse.
// It is idempotent: a second call reports already_rolled_back instead of
// failing. Past the expiry instant the repair is irreversibly gone.
func (o *RepairOrchestrator) Rollback(snapshotID uint) (*RollbackResult, error) {
	var snapshot database.RepairSnapshot
	if err := o.db.First(&snapshot, snapshotID).Error; err != nil {
		return nil, fmt.Errorf("failed to load repair snapshot %d: %w", snapshotID, err)
	}

	switch snapshot.Status {
	case database.RepairSnapshotRolledBack:
		return &RollbackResult{Status: RollbackAlreadyDone, Snapshot: &snapshot}, nil
	case database.RepairSnapshotAccepted:
		return nil, ErrSnapshotAccepted
	case database.RepairSnapshotApplied:
		// proceed
	default:
		return nil, ErrSnapshotNotApplied
	}

	if snapshot.RollbackExpiresAt == nil || !time.Now().Before(*snapshot.RollbackExpiresAt) {
		return nil, ErrRollbackWindowExpired
	}

	if err := o.reverseReplay(snapshot.AppliedMutations); err != nil {
		return nil, fmt.Errorf("failed to restore prior state: %w", err)
	}

	if err := o.db.Model(&snapshot).Update("status", database.RepairSnapshotRolledBack).Error; err != nil {
		return nil, fmt.Errorf("failed to mark snapshot rolled back: %w", err)
	}
	snapshot.Status = database.RepairSnapshotRolledBack

	if snapshot.AppliedBy != 0 {
		o.notifier.Send(snapshot.AppliedBy, notify.KindRepairRolledBack,
			"Repair rolled back",
			"The automatically applied repair was undone and prior state restored",
			database.JSONB{"repair_snapshot_id": snapshot.ID})
	}

	return &RollbackResult{Status: RollbackPerformed, Snapshot: &snapshot}, nil
}

// Accept marks an applied repair as accepted, permanently foreclosing
// rollback regardless of remaining window time, and resolves the underlying
// conflict report.
func (o *RepairOrchestrator) Accept(snapshotID uint) error {
	var snapshot database.RepairSnapshot
	if err := o.db.First(&snapshot, snapshotID).Error; err != nil {
		return fmt.Errorf("failed to load repair snapshot %d: %w", snapshotID, err)
	}
	if snapshot.Status != database.RepairSnapshotApplied {
		return ErrSnapshotNotApplied
	}
	if err := o.db.Model(&snapshot).Update("status", database.RepairSnapshotAccepted).Error; err != nil {
		return fmt.Errorf("failed to mark snapshot accepted: %w", err)
	}
	return o.db.Model(&database.ConflictReport{}).
		Where("id = ?", snapshot.ConflictReportID).
		Update("status", database.ConflictReportStatusResolved).Error
}

// captureState snapshots the event and all its bookings
func (o *RepairOrchestrator) captureState(eventID uint) (database.JSONB, error) {
	var event database.Event
	if err := o.db.First(&event, eventID).Error; err != nil {
		return nil, fmt.Errorf("failed to capture event state: %w", err)
	}
	var bookings []database.Booking
	if err := o.db.Where("event_id = ?", eventID).Find(&bookings).Error; err != nil {
		return nil, fmt.Errorf("failed to capture booking state: %w", err)
	}
	bookingSnapshots := make([]interface{}, 0, len(bookings))
	for i := range bookings {
		bookingSnapshots = append(bookingSnapshots, map[string]interface{}(snapshotOf(bookings[i])))
	}
	return database.JSONB{
		"event":    map[string]interface{}(snapshotOf(event)),
		"bookings": bookingSnapshots,
	}, nil
}

// applyMutation executes one typed mutation and records the prior values it
// overwrote so reverseReplay can restore them.
func (o *RepairOrchestrator) applyMutation(m *database.Mutation) error {
	switch m.Kind {
	case database.MutationSetEventFields:
		var event database.Event
		if err := o.db.First(&event, m.TargetID).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{}
		m.Prior = map[string]interface{}{}
		if raw, ok := m.Fields["event_date"].(string); ok {
			newDate, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("invalid event_date %q: %w", raw, err)
			}
			m.Prior["event_date"] = event.EventDate.Format(time.RFC3339)
			updates["event_date"] = newDate
		}
		if status, ok := m.Fields["status"].(string); ok {
			m.Prior["status"] = string(event.Status)
			updates["status"] = status
		}
		if venue, ok := m.Fields["venue"].(string); ok {
			m.Prior["venue"] = event.Venue
			updates["venue"] = venue
		}
		if len(updates) == 0 {
			return fmt.Errorf("set_event_fields carries no recognized fields")
		}
		return o.db.Model(&event).Updates(updates).Error

	case database.MutationAddBookingFee:
		var booking database.Booking
		if err := o.db.First(&booking, m.TargetID).Error; err != nil {
			return err
		}
		amount, _ := m.Fields["amount"].(float64)
		label, _ := m.Fields["label"].(string)
		items, _ := booking.LineItems["items"].([]interface{})
		m.Prior = map[string]interface{}{
			"amount":      booking.Amount,
			"items_count": float64(len(items)),
		}
		items = append(items, map[string]interface{}{"label": label, "amount": amount})
		return o.db.Model(&booking).Updates(map[string]interface{}{
			"amount":     booking.Amount + amount,
			"line_items": database.JSONB{"items": items},
		}).Error

	case database.MutationSubstituteBooking:
		var old database.Booking
		if err := o.db.First(&old, m.TargetID).Error; err != nil {
			return err
		}
		newProviderID, _ := m.Fields["new_provider_id"].(float64)
		newPackageID, _ := m.Fields["new_package_id"].(float64)
		amount, _ := m.Fields["amount"].(float64)
		priorStatus := string(old.Status)
		replacement := &database.Booking{
			EventID:    old.EventID,
			ProviderID: uint(newProviderID),
			PackageID:  uint(newPackageID),
			Amount:     amount,
			Status:     database.BookingStatusConfirmed,
		}
		if err := o.db.Create(replacement).Error; err != nil {
			return err
		}
		if err := o.db.Model(&old).Update("status", database.BookingStatusCancelled).Error; err != nil {
			return err
		}
		m.Prior = map[string]interface{}{
			"old_status":     priorStatus,
			"new_booking_id": float64(replacement.ID),
		}
		return nil

	case database.MutationSetBookingPackage:
		var booking database.Booking
		if err := o.db.First(&booking, m.TargetID).Error; err != nil {
			return err
		}
		packageID, _ := m.Fields["package_id"].(float64)
		amount, _ := m.Fields["amount"].(float64)
		m.Prior = map[string]interface{}{
			"package_id": float64(booking.PackageID),
			"amount":     booking.Amount,
		}
		return o.db.Model(&booking).Updates(map[string]interface{}{
			"package_id": uint(packageID),
			"amount":     amount,
		}).Error

	case database.MutationUpdateNegotiation:
		var negotiation database.Negotiation
		if err := o.db.First(&negotiation, m.TargetID).Error; err != nil {
			return err
		}
		price, ok := m.Fields["agreed_price"].(float64)
		if !ok {
			return fmt.Errorf("update_negotiation_terms carries no agreed_price")
		}
		m.Prior = map[string]interface{}{"agreed_price": negotiation.AgreedPrice}
		return o.db.Model(&negotiation).Update("agreed_price", price).Error

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// reverseReplay undoes applied mutations in reverse order using their
// recorded prior values.
func (o *RepairOrchestrator) reverseReplay(applied database.MutationList) error {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := o.revertMutation(&applied[i]); err != nil {
			return fmt.Errorf("failed to revert %s mutation on %d: %w", applied[i].Kind, applied[i].TargetID, err)
		}
	}
	return nil
}

func (o *RepairOrchestrator) revertMutation(m *database.Mutation) error {
	switch m.Kind {
	case database.MutationSetEventFields:
		updates := map[string]interface{}{}
		if raw, ok := m.Prior["event_date"].(string); ok {
			date, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return err
			}
			updates["event_date"] = date
		}
		if status, ok := m.Prior["status"].(string); ok {
			updates["status"] = status
		}
		if venue, ok := m.Prior["venue"].(string); ok {
			updates["venue"] = venue
		}
		return o.db.Model(&database.Event{}).Where("id = ?", m.TargetID).Updates(updates).Error

	case database.MutationAddBookingFee:
		var booking database.Booking
		if err := o.db.First(&booking, m.TargetID).Error; err != nil {
			return err
		}
		amount, _ := m.Prior["amount"].(float64)
		count, _ := m.Prior["items_count"].(float64)
		items, _ := booking.LineItems["items"].([]interface{})
		if len(items) > int(count) {
			items = items[:int(count)]
		}
		return o.db.Model(&booking).Updates(map[string]interface{}{
			"amount":     amount,
			"line_items": database.JSONB{"items": items},
		}).Error

	case database.MutationSubstituteBooking:
		newBookingID, _ := m.Prior["new_booking_id"].(float64)
		oldStatus, _ := m.Prior["old_status"].(string)
		if newBookingID > 0 {
			if err := o.db.Model(&database.Booking{}).Where("id = ?", uint(newBookingID)).
				Update("status", database.BookingStatusCancelled).Error; err != nil {
				return err
			}
		}
		return o.db.Model(&database.Booking{}).Where("id = ?", m.TargetID).
			Update("status", oldStatus).Error

	case database.MutationSetBookingPackage:
		packageID, _ := m.Prior["package_id"].(float64)
		amount, _ := m.Prior["amount"].(float64)
		return o.db.Model(&database.Booking{}).Where("id = ?", m.TargetID).Updates(map[string]interface{}{
			"package_id": uint(packageID),
			"amount":     amount,
		}).Error

	case database.MutationUpdateNegotiation:
		price, _ := m.Prior["agreed_price"].(float64)
		return o.db.Model(&database.Negotiation{}).Where("id = ?", m.TargetID).
			Update("agreed_price", price).Error

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

func (o *RepairOrchestrator) releaseQuietly(lockID uint) {
	if err := o.tracker.ReleaseLock(lockID); err != nil {
		log.Printf("Failed to release lock %d: %v", lockID, err)
	}
}
