package database

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Connect establishes a connection to the PostgreSQL database.
// TranslateError is enabled so unique-constraint violations surface as
// gorm.ErrDuplicatedKey, which the lock acquire path depends on.
func Connect(dsn string, logLevel logger.LogLevel) error {
	var err error

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return nil
}

// AutoMigrate runs database migrations
func AutoMigrate() error {
	return Migrate(DB)
}

// Migrate runs migrations against the given database handle
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		// Domain records
		&Event{},
		&Provider{},
		&ProviderPackage{},
		&Booking{},
		&Contract{},
		&Negotiation{},
		&Invoice{},
		&Notification{},
		&AuditLog{},
		// Repair saga records
		&ConflictReport{},
		&RepairSnapshot{},
		&EventDependency{},
		&EventLock{},
		&AutoRepairSettings{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// InitializeDefaults creates default records if they don't exist
func InitializeDefaults() error {
	log.Println("Initializing default database records...")
	// Auto-repair settings are created lazily per user via
	// GetOrCreateAutoRepairSettings; nothing global to seed yet.
	return nil
}

// GetOrCreateAutoRepairSettings retrieves a user's auto-repair policy,
// creating it with safe defaults on first read. This is the documented
// get-or-create contract: the first caller materializes the row.
// Accepts a db parameter to support transaction contexts and testing.
func GetOrCreateAutoRepairSettings(db *gorm.DB, userID uint) (*AutoRepairSettings, error) {
	var settings AutoRepairSettings
	result := db.Where("user_id = ?", userID).First(&settings)
	if result.Error == gorm.ErrRecordNotFound {
		settings = *NewDefaultAutoRepairSettings(userID)
		if err := db.Create(&settings).Error; err != nil {
			return nil, err
		}
		return &settings, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &settings, nil
}

// UpdateAutoRepairSettings persists changes to a user's policy.
// Uses Save() which handles both insert and update operations.
func UpdateAutoRepairSettings(db *gorm.DB, settings *AutoRepairSettings) error {
	return db.Save(settings).Error
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
