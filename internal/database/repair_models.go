package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// TriggerKind identifies what kind of event change triggered a detection cycle
type TriggerKind string

const (
	TriggerVenueChanged      TriggerKind = "venue_changed"
	TriggerDateChanged       TriggerKind = "date_changed"
	TriggerProviderCancelled TriggerKind = "provider_cancelled"
	TriggerContractRevised   TriggerKind = "contract_revised"
)

// ConflictReportStatus represents the lifecycle of a conflict report
type ConflictReportStatus string

const (
	ConflictReportStatusAnalyzed ConflictReportStatus = "analyzed"
	ConflictReportStatusResolved ConflictReportStatus = "resolved"
)

// ProviderConflictType classifies the primary issue found for a provider.
// Priority order when several checks fail: availability, service_area,
// budget, negotiation_terms.
type ProviderConflictType string

const (
	ProviderConflictAvailability ProviderConflictType = "availability"
	ProviderConflictServiceArea  ProviderConflictType = "service_area"
	ProviderConflictBudget       ProviderConflictType = "budget"
	ProviderConflictTerms        ProviderConflictType = "negotiation_terms"
)

// ResolutionDifficulty tiers how hard a provider conflict is to resolve
type ResolutionDifficulty string

const (
	DifficultyNone      ResolutionDifficulty = "none"
	DifficultyEasy      ResolutionDifficulty = "easy"
	DifficultyModerate  ResolutionDifficulty = "moderate"
	DifficultyDifficult ResolutionDifficulty = "difficult"
)

// AffectedProvider is one per-provider entry in a conflict report.
// ConflictType is the primary issue; ConflictTypes records every failing
// check in priority order.
type AffectedProvider struct {
	ProviderID    uint                   `json:"provider_id"`
	ConflictType  ProviderConflictType   `json:"conflict_type"`
	ConflictTypes []ProviderConflictType `json:"conflict_types,omitempty"`
	Reason        string                 `json:"reason"`
	SeverityTier  ResolutionDifficulty   `json:"severity_tier"`
}

// AllConflicts returns every conflict recorded for the provider, falling
// back to the primary type for entries that carry no full list.
func (a AffectedProvider) AllConflicts() []ProviderConflictType {
	if len(a.ConflictTypes) > 0 {
		return a.ConflictTypes
	}
	if a.ConflictType != "" {
		return []ProviderConflictType{a.ConflictType}
	}
	return nil
}

// AffectedProviderList is a JSONB-backed ordered list of affected providers
type AffectedProviderList []AffectedProvider

// Scan implements the sql.Scanner interface
func (l *AffectedProviderList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Value implements the driver.Valuer interface
func (l AffectedProviderList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// ConflictReport is the immutable result of one detection cycle.
// Only Status transitions after creation; everything else is point-in-time.
type ConflictReport struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	UUID        string      `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	EventID     uint        `gorm:"not null;index" json:"event_id"`
	TriggerKind TriggerKind `gorm:"type:varchar(50);not null" json:"trigger_kind"`

	SeverityScore float64 `gorm:"not null" json:"severity_score"` // 0-100
	Confidence    float64 `gorm:"not null" json:"confidence"`     // 0-1

	// Conflict flag set
	ServiceAreaViolation bool `gorm:"default:false" json:"service_area_violation"`
	AvailabilityGap      bool `gorm:"default:false" json:"availability_gap"`
	NegotiationMismatch  bool `gorm:"default:false" json:"negotiation_mismatch"`
	ResourceConflict     bool `gorm:"default:false" json:"resource_conflict"`
	ContractViolation    bool `gorm:"default:false" json:"contract_violation"`

	AffectedProviders AffectedProviderList `gorm:"type:jsonb" json:"affected_providers"`

	// Point-in-time snapshots so later saga steps never re-fetch mutable state
	EventSnapshot     JSONB `gorm:"type:jsonb" json:"event_snapshot"`
	ProviderSnapshots JSONB `gorm:"type:jsonb" json:"provider_snapshots"` // provider id -> snapshot
	ContractSnapshots JSONB `gorm:"type:jsonb" json:"contract_snapshots"` // contract id -> snapshot

	Status    ConflictReportStatus `gorm:"type:varchar(50);not null;default:'analyzed'" json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (ConflictReport) TableName() string {
	return "conflict_reports"
}

// RepairType tags one candidate remediation strategy
type RepairType string

const (
	RepairAddFee             RepairType = "add_fee"
	RepairSubstituteProvider RepairType = "substitute_provider"
	RepairRescheduleWindow   RepairType = "reschedule_window"
	RepairAdjustTerms        RepairType = "adjust_terms"
	RepairRelaxConstraint    RepairType = "relax_constraint"
	RepairManualIntervention RepairType = "manual_intervention"
)

// RiskTier qualifies the host-side risk of a repair option
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// MutationKind identifies one typed, individually reversible change
type MutationKind string

const (
	MutationSetEventFields    MutationKind = "set_event_fields"
	MutationAddBookingFee     MutationKind = "add_booking_fee"
	MutationSubstituteBooking MutationKind = "substitute_booking"
	MutationSetBookingPackage MutationKind = "set_booking_package"
	MutationUpdateNegotiation MutationKind = "update_negotiation_terms"
)

// Mutation is one declarative change inside a repair option's change-set.
// Prior is filled in during apply so rollback can replay in reverse.
type Mutation struct {
	Kind     MutationKind           `json:"kind"`
	TargetID uint                   `json:"target_id"`
	Fields   map[string]interface{} `json:"fields"`
	Prior    map[string]interface{} `json:"prior,omitempty"`
}

// MutationList is a JSONB-backed change-set
type MutationList []Mutation

// Scan implements the sql.Scanner interface
func (l *MutationList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Value implements the driver.Valuer interface
func (l MutationList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// HostImpact quantifies what a repair option costs the event host
type HostImpact struct {
	CostDelta     float64  `json:"cost_delta"`
	ScheduleDelta string   `json:"schedule_delta"` // free text, e.g. "+3 days"
	RiskTier      RiskTier `json:"risk_tier"`
}

// ProviderImpact quantifies what a repair option means for the counterparty
type ProviderImpact struct {
	EarningsDelta    float64 `json:"earnings_delta"`
	ObligationChange string  `json:"obligation_change"`
}

// RepairOption is one candidate remediation with a concrete change-set
type RepairOption struct {
	Type               RepairType     `json:"type"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	SuccessProbability float64        `json:"success_probability"` // [0,1]
	EstimatedMinutes   int            `json:"estimated_minutes"`
	HostImpact         HostImpact     `json:"host_impact"`
	ProviderImpact     ProviderImpact `json:"provider_impact"`
	Rationale          []string       `json:"rationale"`
	ChangeSet          MutationList   `json:"change_set"`
	AffectedPartyIDs   []uint         `json:"affected_party_ids"`
	Score              float64        `json:"score"`
	Rank               int            `json:"rank"`
}

// RepairOptionList is a JSONB-backed ranked option list
type RepairOptionList []RepairOption

// Scan implements the sql.Scanner interface
func (l *RepairOptionList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// Value implements the driver.Valuer interface
func (l RepairOptionList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// RepairSnapshotStatus represents the lifecycle of a repair snapshot
type RepairSnapshotStatus string

const (
	RepairSnapshotProposed   RepairSnapshotStatus = "proposed"
	RepairSnapshotApplied    RepairSnapshotStatus = "applied"
	RepairSnapshotAccepted   RepairSnapshotStatus = "accepted"
	RepairSnapshotRolledBack RepairSnapshotStatus = "rolled_back"
)

// ApplyMode records how a repair decision was routed
type ApplyMode string

const (
	ApplyModeNotifyOnly ApplyMode = "notify_only"
	ApplyModeSuggested  ApplyMode = "suggested"
	ApplyModeAuto       ApplyMode = "auto_apply_minor"
	ApplyModeManual     ApplyMode = "manual"
)

// RepairSnapshot is the proposal envelope: the top-ranked options for one
// conflict report plus the lifecycle and rollback state of the applied one.
type RepairSnapshot struct {
	ID               uint                 `gorm:"primaryKey" json:"id"`
	UUID             string               `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	ConflictReportID uint                 `gorm:"not null;index" json:"conflict_report_id"`
	EventID          uint                 `gorm:"not null;index" json:"event_id"`
	Options          RepairOptionList     `gorm:"type:jsonb" json:"options"`
	Status           RepairSnapshotStatus `gorm:"type:varchar(50);not null;default:'proposed'" json:"status"`

	AppliedOptionRank int       `json:"applied_option_rank"`
	AppliedBy         uint      `json:"applied_by"`
	ApplyMode         ApplyMode `gorm:"type:varchar(50)" json:"apply_mode"`

	RollbackToken     string     `gorm:"size:36;index" json:"rollback_token"`
	RollbackExpiresAt *time.Time `json:"rollback_expires_at,omitempty"`

	BeforeState      JSONB        `gorm:"type:jsonb" json:"before_state"`
	AfterState       JSONB        `gorm:"type:jsonb" json:"after_state"`
	AppliedMutations MutationList `gorm:"type:jsonb" json:"applied_mutations"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RepairSnapshot) TableName() string {
	return "repair_snapshots"
}

// RollbackOpen reports whether the snapshot can still be rolled back at t
func (s *RepairSnapshot) RollbackOpen(t time.Time) bool {
	if s.Status != RepairSnapshotApplied || s.RollbackExpiresAt == nil {
		return false
	}
	return t.Before(*s.RollbackExpiresAt)
}

// DependencyType classifies an event dependency edge
type DependencyType string

const (
	DependencyProvider DependencyType = "provider"
	DependencyBooking  DependencyType = "booking"
	DependencyContract DependencyType = "contract"
	DependencyInvoice  DependencyType = "invoice"
)

// DependencyStatus represents the validation status of a dependency
type DependencyStatus string

const (
	DependencyStatusActive   DependencyStatus = "active"
	DependencyStatusConflict DependencyStatus = "conflict"
	DependencyStatusPending  DependencyStatus = "pending_revalidation"
)

// EventDependency is a tracked edge from an event to an entity whose validity
// depends on the event's current parameters. Never deleted, only transitioned.
type EventDependency struct {
	ID              uint             `gorm:"primaryKey" json:"id"`
	EventID         uint             `gorm:"not null;index:idx_event_dependencies_edge,unique" json:"event_id"`
	DepType         DependencyType   `gorm:"type:varchar(50);not null;index:idx_event_dependencies_edge,unique" json:"dep_type"`
	DepID           uint             `gorm:"not null;index:idx_event_dependencies_edge,unique" json:"dep_id"`
	DisplayName     string           `gorm:"size:255" json:"display_name"`
	Status          DependencyStatus `gorm:"type:varchar(50);not null;default:'active'" json:"status"`
	LastValidatedAt *time.Time       `json:"last_validated_at,omitempty"`
	LastResult      JSONB            `gorm:"type:jsonb" json:"last_result"` // {valid, conflicts, warnings}
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (EventDependency) TableName() string {
	return "event_dependencies"
}

// LockStatus represents the status of an event lock
type LockStatus string

const (
	LockStatusActive   LockStatus = "active"
	LockStatusReleased LockStatus = "released"
)

// Blocked operation categories
const (
	OpBooking         = "booking"
	OpPayment         = "payment"
	OpContractSigning = "contract_signing"
	OpProviderChange  = "provider_change"
)

// AllBlockableOps returns every operation category a lock can block
func AllBlockableOps() StringList {
	return StringList{OpBooking, OpPayment, OpContractSigning, OpProviderChange}
}

// EventLock is a mutual-exclusion marker over an event. The unique partial
// index on (event_id) WHERE status='active' makes acquisition atomic: a
// second concurrent acquire fails with a duplicate-key error instead of
// racing a check-then-create.
type EventLock struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	EventID    uint       `gorm:"not null;index:idx_event_locks_active,unique,where:status = 'active'" json:"event_id"`
	LockType   string     `gorm:"size:64;not null" json:"lock_type"`
	HolderID   uint       `json:"holder_id"`
	Reason     string     `gorm:"size:255" json:"reason"`
	BlockedOps StringList `gorm:"type:jsonb" json:"blocked_ops"`
	Status     LockStatus `gorm:"type:varchar(50);not null;default:'active'" json:"status"`
	ExpiresAt  time.Time  `gorm:"not null" json:"expires_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (EventLock) TableName() string {
	return "event_locks"
}

// AutoRepairMode selects how far the orchestrator may go without a human
type AutoRepairMode string

const (
	AutoRepairModeNone        AutoRepairMode = "none"
	AutoRepairModeSuggestOnly AutoRepairMode = "suggest_only"
	AutoRepairModeAutoMinor   AutoRepairMode = "auto_apply_minor"
)

// AutoRepairSettings is the per-user repair policy
type AutoRepairSettings struct {
	ID     uint           `gorm:"primaryKey" json:"id"`
	UserID uint           `gorm:"uniqueIndex;not null" json:"user_id"`
	Mode   AutoRepairMode `gorm:"type:varchar(50);not null;default:'suggest_only'" json:"mode"`

	// Auto-apply qualification thresholds
	MinSuccessProbability   float64 `gorm:"type:decimal(3,2);default:0.80" json:"min_success_probability"`
	MaxCostIncrease         float64 `gorm:"default:100" json:"max_cost_increase"`
	MaxScheduleShiftMinutes int     `gorm:"default:1440" json:"max_schedule_shift_minutes"`

	RollbackWindowMinutes int `gorm:"default:1440" json:"rollback_window_minutes"`

	NotifyOnDetection bool `gorm:"default:true" json:"notify_on_detection"`
	NotifyOnRepair    bool `gorm:"default:true" json:"notify_on_repair"`

	// Substitution and rescheduling require explicit opt-in even under
	// auto_apply_minor.
	AllowAutoSubstitution bool `gorm:"default:false" json:"allow_auto_substitution"`
	AllowAutoReschedule   bool `gorm:"default:false" json:"allow_auto_reschedule"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AutoRepairSettings) TableName() string {
	return "auto_repair_settings"
}

// NewDefaultAutoRepairSettings returns the safe-default policy for a user
func NewDefaultAutoRepairSettings(userID uint) *AutoRepairSettings {
	return &AutoRepairSettings{
		UserID:                  userID,
		Mode:                    AutoRepairModeSuggestOnly,
		MinSuccessProbability:   0.80,
		MaxCostIncrease:         100,
		MaxScheduleShiftMinutes: 1440,
		RollbackWindowMinutes:   1440,
		NotifyOnDetection:       true,
		NotifyOnRepair:          true,
		AllowAutoSubstitution:   false,
		AllowAutoReschedule:     false,
	}
}

func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
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
	return json.Unmarshal(bytes, dst)
}
