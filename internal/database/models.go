package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("type assertion to []byte failed")
		}
		bytes = []byte(s)
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList is a JSONB-backed list of strings (e.g. blocked operation categories)
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("type assertion to []byte failed")
		}
		bytes = []byte(s)
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Contains reports whether the list holds the given entry
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// EventStatus represents the lifecycle status of an event
type EventStatus string

const (
	EventStatusPlanning  EventStatus = "planning"
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusCancelled EventStatus = "cancelled"
)

// Event represents a booked event whose parameter changes drive conflict detection
type Event struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	UUID       string      `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	HostUserID uint        `gorm:"not null;index" json:"host_user_id"`
	Title      string      `gorm:"size:255" json:"title"`
	Venue      string      `gorm:"size:255" json:"venue"`
	City       string      `gorm:"size:128;not null" json:"city"`
	EventDate  time.Time   `gorm:"not null;index" json:"event_date"`
	GuestCount int         `gorm:"default:0" json:"guest_count"`
	Budget     float64     `gorm:"default:0" json:"budget"`
	Status     EventStatus `gorm:"type:varchar(50);not null;default:'planning'" json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (Event) TableName() string {
	return "events"
}

// Provider represents a service provider (caterer, venue, photographer, ...)
type Provider struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UUID            string    `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	UserID          uint      `gorm:"index" json:"user_id"` // linked user account for notifications
	Name            string    `gorm:"size:255;not null" json:"name"`
	Category        string    `gorm:"size:64;not null;index" json:"category"`
	City            string    `gorm:"size:128" json:"city"`
	ServiceRadiusKm float64   `gorm:"default:50" json:"service_radius_km"`
	Rating          float64   `gorm:"default:0" json:"rating"`
	Active          bool      `gorm:"not null" json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Relationships
	Packages []ProviderPackage `gorm:"foreignKey:ProviderID" json:"packages,omitempty"`
}

func (Provider) TableName() string {
	return "providers"
}

// ProviderPackage represents a priced service package offered by a provider
type ProviderPackage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ProviderID uint      `gorm:"not null;index" json:"provider_id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	Price      float64   `gorm:"not null" json:"price"`
	MaxGuests  int       `gorm:"default:0" json:"max_guests"`
	Available  bool      `gorm:"not null" json:"available"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (ProviderPackage) TableName() string {
	return "provider_packages"
}

// BookingStatus represents the status of a booking
type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking links an event to a provider's package and carries the agreed amount.
// Fee additions append to LineItems and bump Amount.
type Booking struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	EventID    uint          `gorm:"not null;index" json:"event_id"`
	ProviderID uint          `gorm:"not null;index" json:"provider_id"`
	PackageID  uint          `gorm:"index" json:"package_id"`
	Amount     float64       `gorm:"not null" json:"amount"`
	Status     BookingStatus `gorm:"type:varchar(50);not null;default:'confirmed'" json:"status"`
	LineItems  JSONB         `gorm:"type:jsonb" json:"line_items"` // {"items": [{label, amount}]}
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (Booking) TableName() string {
	return "bookings"
}

// BeforeCreate hook to default the line items container
func (b *Booking) BeforeCreate(tx *gorm.DB) error {
	if b.LineItems == nil {
		b.LineItems = JSONB{"items": []interface{}{}}
	}
	return nil
}

// ContractStatus represents the status of a contract
type ContractStatus string

const (
	ContractStatusActive     ContractStatus = "active"
	ContractStatusTerminated ContractStatus = "terminated"
)

// Contract records the committed venue/date between an event host and a provider
type Contract struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	EventID            uint           `gorm:"not null;index" json:"event_id"`
	ProviderID         uint           `gorm:"not null;index" json:"provider_id"`
	Venue              string         `gorm:"size:255" json:"venue"`
	EventDate          time.Time      `json:"event_date"`
	AllowsRescheduling bool           `gorm:"default:false" json:"allows_rescheduling"`
	Status             ContractStatus `gorm:"type:varchar(50);not null;default:'active'" json:"status"`
	Terms              JSONB          `gorm:"type:jsonb" json:"terms"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (Contract) TableName() string {
	return "contracts"
}

// NegotiationStatus represents the status of a negotiation framework
type NegotiationStatus string

const (
	NegotiationStatusActive NegotiationStatus = "active"
	NegotiationStatusClosed NegotiationStatus = "closed"
)

// Negotiation is an active negotiation framework between host and provider
type Negotiation struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	EventID     uint              `gorm:"not null;index" json:"event_id"`
	ProviderID  uint              `gorm:"not null;index" json:"provider_id"`
	AgreedPrice float64           `gorm:"default:0" json:"agreed_price"`
	Status      NegotiationStatus `gorm:"type:varchar(50);not null;default:'active'" json:"status"`
	Terms       JSONB             `gorm:"type:jsonb" json:"terms"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (Negotiation) TableName() string {
	return "negotiations"
}

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "draft"
	InvoiceStatusIssued InvoiceStatus = "issued"
	InvoiceStatusPaid   InvoiceStatus = "paid"
)

// Invoice represents a billing record tied to an event booking
type Invoice struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	EventID   uint          `gorm:"not null;index" json:"event_id"`
	BookingID uint          `gorm:"index" json:"booking_id"`
	Amount    float64       `gorm:"not null" json:"amount"`
	Status    InvoiceStatus `gorm:"type:varchar(50);not null;default:'draft'" json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// Notification is a persisted user notification
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Kind      string    `gorm:"size:64;not null" json:"kind"`
	Title     string    `gorm:"size:255" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Data      JSONB     `gorm:"type:jsonb" json:"data"`
	Read      bool      `gorm:"default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

// AuditLog records one change-propagation or repair outcome for an event
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   uint      `gorm:"not null;index" json:"event_id"`
	Action    string    `gorm:"size:64;not null" json:"action"`
	ActorID   uint      `json:"actor_id"`
	Outcome   string    `gorm:"size:32" json:"outcome"`
	Details   JSONB     `gorm:"type:jsonb" json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
