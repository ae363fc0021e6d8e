package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/planora/planora/internal/compat"
	"github.com/planora/planora/internal/database"
	"github.com/planora/planora/internal/notify"
)

// ErrEventLocked is returned when an event already holds an active lock
var ErrEventLocked = errors.New("event is already locked")

// RevalidationResult is the typed outcome of one revalidation pass. Callers
// and observability layers decide how to record it; the tracker never
// signals decisions through log output.
type RevalidationResult struct {
	Validated     bool
	Conflicts     []string
	Warnings      []string
	Notifications int
	LockID        uint
	LockReleased  bool
}

// DependencyTracker maintains the entities an event depends on, guards
// change propagation with the event lock, and fans out revalidation results.
type DependencyTracker struct {
	db       *gorm.DB
	checker  *compat.Checker
	notifier *notify.Notifier
	lockTTL  time.Duration
}

// NewDependencyTracker creates a new dependency tracker
func NewDependencyTracker(db *gorm.DB, checker *compat.Checker, notifier *notify.Notifier, lockTTL time.Duration) *DependencyTracker {
	return &DependencyTracker{db: db, checker: checker, notifier: notifier, lockTTL: lockTTL}
}

// InitializeDependencies registers a dependency edge for every booking,
// provider, contract, and invoice tied to the event. Idempotent: existing
// edges are left untouched.
func (t *DependencyTracker) InitializeDependencies(eventID uint) error {
	var event database.Event
	if err := t.db.First(&event, eventID).Error; err != nil {
		return fmt.Errorf("failed to load event %d: %w", eventID, err)
	}

	var bookings []database.Booking
	if err := t.db.Where("event_id = ? AND status = ?", eventID, database.BookingStatusConfirmed).
		Find(&bookings).Error; err != nil {
		return fmt.Errorf("failed to load bookings: %w", err)
	}
	for _, b := range bookings {
		var provider database.Provider
		name := fmt.Sprintf("provider %d", b.ProviderID)
		if err := t.db.First(&provider, b.ProviderID).Error; err == nil {
			name = provider.Name
		}
		if err := t.ensureDependency(eventID, database.DependencyBooking, b.ID, fmt.Sprintf("booking with %s", name)); err != nil {
			return err
		}
		if err := t.ensureDependency(eventID, database.DependencyProvider, b.ProviderID, name); err != nil {
			return err
		}
	}

	var contracts []database.Contract
	if err := t.db.Where("event_id = ? AND status = ?", eventID, database.ContractStatusActive).
		Find(&contracts).Error; err != nil {
		return fmt.Errorf("failed to load contracts: %w", err)
	}
	for _, c := range contracts {
		if err := t.ensureDependency(eventID, database.DependencyContract, c.ID, fmt.Sprintf("contract %d", c.ID)); err != nil {
			return err
		}
	}

	var invoices []database.Invoice
	if err := t.db.Where("event_id = ?", eventID).Find(&invoices).Error; err != nil {
		return fmt.Errorf("failed to load invoices: %w", err)
	}
	for _, inv := range invoices {
		if err := t.ensureDependency(eventID, database.DependencyInvoice, inv.ID, fmt.Sprintf("invoice %d", inv.ID)); err != nil {
			return err
		}
	}

	return nil
}

func (t *DependencyTracker) ensureDependency(eventID uint, depType database.DependencyType, depID uint, displayName string) error {
	dep := database.EventDependency{
		EventID:     eventID,
		DepType:     depType,
		DepID:       depID,
		DisplayName: displayName,
		Status:      database.DependencyStatusActive,
	}
	err := t.db.Where("event_id = ? AND dep_type = ? AND dep_id = ?", eventID, depType, depID).
		FirstOrCreate(&dep).Error
	if err != nil {
		return fmt.Errorf("failed to register %s dependency %d: %w", depType, depID, err)
	}
	return nil
}

// AcquireLock atomically acquires the event lock. The unique partial index
// on active locks turns a concurrent second acquire into a duplicate-key
// error, surfaced as ErrEventLocked; there is no separate check-then-create
// window.
func (t *DependencyTracker) AcquireLock(eventID uint, lockType string, holderID uint, reason string, blockedOps database.StringList) (*database.EventLock, error) {
	if len(blockedOps) == 0 {
		blockedOps = database.AllBlockableOps()
	}
	lock := &database.EventLock{
		EventID:    eventID,
		LockType:   lockType,
		HolderID:   holderID,
		Reason:     reason,
		BlockedOps: blockedOps,
		Status:     database.LockStatusActive,
		ExpiresAt:  time.Now().Add(t.lockTTL),
	}
	if err := t.db.Create(lock).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEventLocked
		}
		return nil, fmt.Errorf("failed to acquire lock for event %d: %w", eventID, err)
	}
	return lock, nil
}

// ReleaseLock marks the lock released
func (t *DependencyTracker) ReleaseLock(lockID uint) error {
	now := time.Now()
	return t.db.Model(&database.EventLock{}).Where("id = ?", lockID).Updates(map[string]interface{}{
		"status":      database.LockStatusReleased,
		"released_at": now,
	}).Error
}

// IsLocked reports whether the event currently holds an active lock.
// Collaborators call this before permitting any mutating operation.
func (t *DependencyTracker) IsLocked(eventID uint) (bool, error) {
	var count int64
	err := t.db.Model(&database.EventLock{}).
		Where("event_id = ? AND status = ?", eventID, database.LockStatusActive).
		Count(&count).Error
	return count > 0, err
}

// OperationBlocked reports whether an active lock blocks the given
// operation category on the event.
func (t *DependencyTracker) OperationBlocked(eventID uint, op string) (bool, error) {
	var locks []database.EventLock
	err := t.db.Where("event_id = ? AND status = ?", eventID, database.LockStatusActive).
		Find(&locks).Error
	if err != nil {
		return false, err
	}
	for _, lock := range locks {
		if lock.BlockedOps.Contains(op) {
			return true, nil
		}
	}
	return false, nil
}

// Revalidate locks the event, re-checks every tracked dependency against
// the proposed change, fans out notifications and an audit entry, and
// releases the lock only when no hard conflict was found. A lock left
// active deliberately blocks the listed operation categories until someone
// resolves the conflicts.
func (t *DependencyTracker) Revalidate(eventID uint, changeKind database.TriggerKind, change ChangeDetails, actorID uint) (*RevalidationResult, error) {
	var event database.Event
	if err := t.db.First(&event, eventID).Error; err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", eventID, err)
	}

	lock, err := t.AcquireLock(eventID, "revalidation", actorID,
		fmt.Sprintf("revalidation after %s", changeKind), database.AllBlockableOps())
	if err != nil {
		return nil, err
	}

	// Edges are never deleted, only transitioned, so every row is a live
	// dependency. Conflicted ones are re-checked on purpose: an edge whose
	// blocker was resolved transitions back to active here.
	var deps []database.EventDependency
	if err := t.db.Where("event_id = ?", eventID).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}

	req := change.requirementsFor(&event)
	result := &RevalidationResult{LockID: lock.ID}
	affectedProviderUsers := make(map[uint]bool)

	for i := range deps {
		dep := &deps[i]
		conflicts, warnings := t.validateDependency(dep, req, change)

		result.Conflicts = append(result.Conflicts, conflicts...)
		result.Warnings = append(result.Warnings, warnings...)

		if len(conflicts) > 0 || len(warnings) > 0 {
			if userID := t.dependencyProviderUser(dep); userID != 0 {
				affectedProviderUsers[userID] = true
			}
		}

		status := database.DependencyStatusActive
		if len(conflicts) > 0 {
			status = database.DependencyStatusConflict
		}
		updates := map[string]interface{}{
			"status": status,
			"last_result": database.JSONB{
				"valid":     len(conflicts) == 0,
				"conflicts": conflicts,
				"warnings":  warnings,
			},
		}
		// last_validated only moves forward on a clean pass
		if len(conflicts) == 0 && len(warnings) == 0 {
			updates["last_validated_at"] = time.Now()
		}
		if err := t.db.Model(dep).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update dependency %d: %w", dep.ID, err)
		}
	}

	result.Validated = len(result.Conflicts) == 0

	outcome := "success"
	if !result.Validated {
		outcome = "conflict"
	}

	t.notifier.Send(event.HostUserID, notify.KindRevalidation,
		fmt.Sprintf("Revalidation after %s", changeKind),
		fmt.Sprintf("%d conflicts and %d warnings across %d dependencies",
			len(result.Conflicts), len(result.Warnings), len(deps)),
		database.JSONB{"event_id": event.ID, "outcome": outcome})
	result.Notifications++
	for userID := range affectedProviderUsers {
		t.notifier.Send(userID, notify.KindRevalidation,
			"An event you serve has changed",
			fmt.Sprintf("Event %q changed (%s); your engagement may be affected", event.Title, changeKind),
			database.JSONB{"event_id": event.ID})
		result.Notifications++
	}

	audit := &database.AuditLog{
		EventID: eventID,
		Action:  "revalidation",
		ActorID: actorID,
		Outcome: outcome,
		Details: database.JSONB{
			"change_kind":  string(changeKind),
			"dependencies": len(deps),
			"conflicts":    len(result.Conflicts),
			"warnings":     len(result.Warnings),
		},
	}
	if err := t.db.Create(audit).Error; err != nil {
		return nil, fmt.Errorf("failed to write audit log: %w", err)
	}

	if result.Validated {
		if err := t.ReleaseLock(lock.ID); err != nil {
			return nil, fmt.Errorf("failed to release lock %d: %w", lock.ID, err)
		}
		result.LockReleased = true
	}

	return result, nil
}

// validateDependency dispatches one dependency against the proposed change.
// Provider and booking edges re-run the compatibility checker; contract
// edges warn on venue/date changes; invoice edges warn once issued.
func (t *DependencyTracker) validateDependency(dep *database.EventDependency, req compat.Requirements, change ChangeDetails) (conflicts, warnings []string) {
	switch dep.DepType {
	case database.DependencyProvider, database.DependencyBooking:
		provider, booked, err := t.dependencyProvider(dep)
		if err != nil {
			conflicts = append(conflicts, fmt.Sprintf("%s: underlying record is missing", dep.DisplayName))
			return
		}
		req.BookedAmount = booked
		result := t.checker.Check(provider, req, nil)
		if result.Compatible() {
			return
		}
		failing := result.FailingChecks()
		if len(failing) == 1 && failing[0] == compat.CheckServiceArea {
			// Area-only degradation is soft: a fee can absorb it
			warnings = append(warnings, fmt.Sprintf("%s: service area degrades under the proposed change", dep.DisplayName))
			return
		}
		conflicts = append(conflicts, fmt.Sprintf("%s: incompatible with the proposed change (%s)", dep.DisplayName, joinReasons(result.Reasons)))

	case database.DependencyContract:
		if change.NewVenue != nil || change.NewDate != nil {
			warnings = append(warnings, fmt.Sprintf("%s: requires review after venue/date change", dep.DisplayName))
		}

	case database.DependencyInvoice:
		var invoice database.Invoice
		if err := t.db.First(&invoice, dep.DepID).Error; err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: underlying record is missing", dep.DisplayName))
			return
		}
		if invoice.Status != database.InvoiceStatusDraft {
			warnings = append(warnings, fmt.Sprintf("%s: already %s, amounts may need correction", dep.DisplayName, invoice.Status))
		}
	}
	return
}

// dependencyProvider resolves the provider behind a provider or booking
// edge, plus the booked amount when the edge is a booking.
func (t *DependencyTracker) dependencyProvider(dep *database.EventDependency) (*database.Provider, float64, error) {
	providerID := dep.DepID
	var booked float64
	if dep.DepType == database.DependencyBooking {
		var booking database.Booking
		if err := t.db.First(&booking, dep.DepID).Error; err != nil {
			return nil, 0, err
		}
		providerID = booking.ProviderID
		booked = booking.Amount
	}
	var provider database.Provider
	if err := t.db.Preload("Packages").First(&provider, providerID).Error; err != nil {
		return nil, 0, err
	}
	return &provider, booked, nil
}

func (t *DependencyTracker) dependencyProviderUser(dep *database.EventDependency) uint {
	provider, _, err := t.dependencyProvider(dep)
	if err != nil {
		return 0
	}
	return provider.UserID
}
