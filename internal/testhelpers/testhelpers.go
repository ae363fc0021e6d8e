// Package testhelpers provides reusable testing utilities for Planora.
//
// This package contains:
// - In-memory database setup
// - Fluent builders for domain fixtures
// - Assertion helpers
package testhelpers

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/planora/planora/internal/database"
)

// NewTestDB opens an in-memory database with all migrations applied.
// TranslateError is enabled to match production behavior for duplicate keys.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// ========================================
// Sample Data Builders
// ========================================

// EventBuilder builds Event fixtures
type EventBuilder struct {
	event database.Event
}

// NewEventBuilder creates an event builder with defaults
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: database.Event{
			UUID:       uuid.New().String(),
			HostUserID: 1,
			Title:      "Test Event",
			Venue:      "Grand Hall",
			City:       "Springfield",
			EventDate:  time.Now().AddDate(0, 1, 0),
			GuestCount: 80,
			Budget:     2000,
			Status:     database.EventStatusConfirmed,
		},
	}
}

// WithHost sets the host user id
func (b *EventBuilder) WithHost(userID uint) *EventBuilder {
	b.event.HostUserID = userID
	return b
}

// WithCity sets the city
func (b *EventBuilder) WithCity(city string) *EventBuilder {
	b.event.City = city
	return b
}

// WithDate sets the event date
func (b *EventBuilder) WithDate(date time.Time) *EventBuilder {
	b.event.EventDate = date
	return b
}

// WithGuests sets the guest count
func (b *EventBuilder) WithGuests(guests int) *EventBuilder {
	b.event.GuestCount = guests
	return b
}

// WithBudget sets the budget
func (b *EventBuilder) WithBudget(budget float64) *EventBuilder {
	b.event.Budget = budget
	return b
}

// Create persists the event and returns it
func (b *EventBuilder) Create(t *testing.T, db *gorm.DB) *database.Event {
	t.Helper()
	event := b.event
	if err := db.Create(&event).Error; err != nil {
		t.Fatalf("failed to create test event: %v", err)
	}
	return &event
}

// ProviderBuilder builds Provider fixtures
type ProviderBuilder struct {
	provider database.Provider
	packages []database.ProviderPackage
}

// NewProviderBuilder creates a provider builder with defaults
func NewProviderBuilder() *ProviderBuilder {
	return &ProviderBuilder{
		provider: database.Provider{
			UUID:            uuid.New().String(),
			UserID:          100,
			Name:            "Test Provider",
			Category:        "catering",
			City:            "Springfield",
			ServiceRadiusKm: 50,
			Rating:          4.0,
			Active:          true,
		},
	}
}

// WithName sets the provider name
func (b *ProviderBuilder) WithName(name string) *ProviderBuilder {
	b.provider.Name = name
	return b
}

// WithUser sets the linked user account
func (b *ProviderBuilder) WithUser(userID uint) *ProviderBuilder {
	b.provider.UserID = userID
	return b
}

// WithCategory sets the category
func (b *ProviderBuilder) WithCategory(category string) *ProviderBuilder {
	b.provider.Category = category
	return b
}

// WithCity sets the provider city
func (b *ProviderBuilder) WithCity(city string) *ProviderBuilder {
	b.provider.City = city
	return b
}

// WithRadius sets the service radius
func (b *ProviderBuilder) WithRadius(km float64) *ProviderBuilder {
	b.provider.ServiceRadiusKm = km
	return b
}

// WithRating sets the rating
func (b *ProviderBuilder) WithRating(rating float64) *ProviderBuilder {
	b.provider.Rating = rating
	return b
}

// Inactive marks the provider inactive
func (b *ProviderBuilder) Inactive() *ProviderBuilder {
	b.provider.Active = false
	return b
}

// WithPackage adds a package offering
func (b *ProviderBuilder) WithPackage(name string, price float64, maxGuests int) *ProviderBuilder {
	b.packages = append(b.packages, database.ProviderPackage{
		Name:      name,
		Price:     price,
		MaxGuests: maxGuests,
		Available: true,
	})
	return b
}

// Create persists the provider and its packages and returns it (packages preloaded)
func (b *ProviderBuilder) Create(t *testing.T, db *gorm.DB) *database.Provider {
	t.Helper()
	provider := b.provider
	if err := db.Create(&provider).Error; err != nil {
		t.Fatalf("failed to create test provider: %v", err)
	}
	for _, pkg := range b.packages {
		pkg.ProviderID = provider.ID
		if err := db.Create(&pkg).Error; err != nil {
			t.Fatalf("failed to create test package: %v", err)
		}
	}
	if err := db.Preload("Packages").First(&provider, provider.ID).Error; err != nil {
		t.Fatalf("failed to reload test provider: %v", err)
	}
	return &provider
}

// CreateBooking persists a confirmed booking linking an event and provider
func CreateBooking(t *testing.T, db *gorm.DB, event *database.Event, provider *database.Provider, amount float64) *database.Booking {
	t.Helper()
	var packageID uint
	if len(provider.Packages) > 0 {
		packageID = provider.Packages[0].ID
	}
	booking := &database.Booking{
		EventID:    event.ID,
		ProviderID: provider.ID,
		PackageID:  packageID,
		Amount:     amount,
		Status:     database.BookingStatusConfirmed,
	}
	if err := db.Create(booking).Error; err != nil {
		t.Fatalf("failed to create test booking: %v", err)
	}
	return booking
}

// CreateContract persists an active contract for the event
func CreateContract(t *testing.T, db *gorm.DB, event *database.Event, provider *database.Provider, allowsRescheduling bool) *database.Contract {
	t.Helper()
	contract := &database.Contract{
		EventID:            event.ID,
		ProviderID:         provider.ID,
		Venue:              event.Venue,
		EventDate:          event.EventDate,
		AllowsRescheduling: allowsRescheduling,
		Status:             database.ContractStatusActive,
	}
	if err := db.Create(contract).Error; err != nil {
		t.Fatalf("failed to create test contract: %v", err)
	}
	return contract
}

// ========================================
// Assertion Helpers
// ========================================

// AssertNoError checks that no error occurred
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError checks that an error occurred
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error, got nil", msg)
	}
}
