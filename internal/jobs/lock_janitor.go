package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/planora/planora/internal/database"
)

// LockJanitor releases event locks whose expiry has passed. Expiry is not
// enforced inline by the tracker, so a crashed holder would otherwise block
// an event forever.
type LockJanitor struct {
	db *gorm.DB
}

// NewLockJanitor creates a new lock janitor
func NewLockJanitor(db *gorm.DB) *LockJanitor {
	return &LockJanitor{db: db}
}

// ReleaseExpired releases all active locks past their expiry.
// Returns the number of locks released.
func (j *LockJanitor) ReleaseExpired() (int, error) {
	var locks []database.EventLock
	err := j.db.Where("status = ? AND expires_at < ?",
		database.LockStatusActive, time.Now()).Find(&locks).Error
	if err != nil {
		return 0, err
	}

	released := 0
	for _, lock := range locks {
		now := time.Now()
		err := j.db.Model(&lock).Updates(map[string]interface{}{
			"status":      database.LockStatusReleased,
			"released_at": now,
		}).Error
		if err != nil {
			log.Printf("Failed to release expired lock %d on event %d: %v", lock.ID, lock.EventID, err)
			continue
		}
		released++
		log.Printf("Released expired lock %d on event %d (held for %q)", lock.ID, lock.EventID, lock.Reason)
	}

	return released, nil
}

// Start begins periodic expiry checks
func (j *LockJanitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			released, err := j.ReleaseExpired()
			if err != nil {
				log.Printf("Lock janitor error: %v", err)
			} else if released > 0 {
				log.Printf("Lock janitor: released %d expired locks", released)
			}
		case <-stop:
			log.Println("Lock janitor stopped")
			return
		}
	}
}
