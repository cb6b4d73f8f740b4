package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Identity is the opaque caller identity supplied by the authentication layer.
type Identity string

// Role is an access-control role.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RoleVerifier Role = "Verifier"
	RoleMinter   Role = "Minter"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleVerifier, RoleMinter}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// EcosystemType classifies the blue-carbon ecosystem a record measures.
type EcosystemType string

const (
	EcosystemMangrove       EcosystemType = "mangrove"
	EcosystemSeagrass       EcosystemType = "seagrass"
	EcosystemSaltMarsh      EcosystemType = "salt_marsh"
	EcosystemCoastalWetland EcosystemType = "coastal_wetland"
)

// Valid reports whether e is a known ecosystem.
func (e EcosystemType) Valid() bool {
	switch e {
	case EcosystemMangrove, EcosystemSeagrass, EcosystemSaltMarsh, EcosystemCoastalWetland:
		return true
	}
	return false
}

// RecordStatus is the verification status of an MRV record.
type RecordStatus string

const (
	StatusPending     RecordStatus = "Pending"
	StatusVerified    RecordStatus = "Verified"
	StatusRejected    RecordStatus = "Rejected"
	StatusUnderReview RecordStatus = "UnderReview"
)

// Project is a named container owning a set of MRV records.
type Project struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description"`
	Owner       Identity  `gorm:"not null;index" json:"owner"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	RecordIDs   []uint64  `gorm:"-" json:"record_ids"`
}

// MRVRecord is one measurement submission.
type MRVRecord struct {
	ID                uint64        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Submitter         Identity      `gorm:"not null;index" json:"submitter"`
	ProjectID         string        `gorm:"not null;index" json:"project_id"`
	Ecosystem         EcosystemType `gorm:"not null" json:"ecosystem"`
	Latitude          int64         `json:"latitude"`  // microdegrees
	Longitude         int64         `json:"longitude"` // microdegrees
	Area              int64         `gorm:"not null" json:"area"`
	HealthScore       uint32        `json:"health_score"`
	CarbonStock       int64         `json:"carbon_stock"`
	SequestrationRate int64         `json:"sequestration_rate"`
	DataHash          string        `gorm:"not null;index" json:"data_hash"`
	ImageHash         string        `json:"image_hash"`
	ConfidenceScore   uint32        `json:"confidence_score"`
	UncertaintyRange  int64         `json:"uncertainty_range"`
	CreatedAt         time.Time     `json:"created_at"`
	Status            RecordStatus  `gorm:"not null;index" json:"status"`
	Verifier          *Identity     `json:"verifier,omitempty"`
	VerifiedAt        *time.Time    `json:"verified_at,omitempty"`
	Notes             string        `json:"notes"`
}

// CreditBatch is one issuance of credit units backed by exactly one verified record.
type CreditBatch struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	RecordID     uint64    `gorm:"not null;uniqueIndex" json:"record_id"`
	ProjectID    string    `gorm:"not null;index" json:"project_id"`
	TotalAmount  int64     `gorm:"not null" json:"total_amount"`
	IssuedAt     time.Time `json:"issued_at"`
	VintageYear  int       `gorm:"not null;index" json:"vintage_year"`
	Methodology  string    `json:"methodology"`
	SerialNumber string    `gorm:"not null;uniqueIndex" json:"serial_number"`
	Issuer       Identity  `gorm:"not null" json:"issuer"`
	Recipient    Identity  `gorm:"not null;index" json:"recipient"`
	Retired      int64     `gorm:"not null;default:0" json:"retired"`
	FullyRetired bool      `gorm:"not null;default:false" json:"fully_retired"`
}

// Outstanding returns the units of the batch that have not been retired.
func (b *CreditBatch) Outstanding() int64 {
	return b.TotalAmount - b.Retired
}

// AccountBalance is a holder's balance of one batch.
type AccountBalance struct {
	Holder  Identity `gorm:"primaryKey" json:"holder"`
	BatchID uint64   `gorm:"primaryKey" json:"batch_id"`
	Amount  int64    `gorm:"not null" json:"amount"`
}

// RoleGrant grants a role to an identity.
type RoleGrant struct {
	Role      Role      `gorm:"primaryKey" json:"role"`
	Identity  Identity  `gorm:"primaryKey" json:"identity"`
	GrantedAt time.Time `json:"granted_at"`
}

// Retirement is the receipt of one retireCredits call.
type Retirement struct {
	ID          uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	Holder      Identity               `gorm:"not null;index" json:"holder"`
	Amount      int64                  `gorm:"not null" json:"amount"`
	Reason      string                 `gorm:"not null" json:"reason"`
	Beneficiary string                 `json:"beneficiary,omitempty"`
	RetiredAt   time.Time              `json:"retired_at"`
	Allocations []RetirementAllocation `gorm:"foreignKey:RetirementID;constraint:OnDelete:RESTRICT" json:"allocations"`
}

// RetirementAllocation is the part of a retirement drawn from one batch.
type RetirementAllocation struct {
	RetirementID uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	BatchID      uint64    `gorm:"primaryKey" json:"batch_id"`
	ProjectID    string    `gorm:"not null;index" json:"project_id"`
	Amount       int64     `gorm:"not null" json:"amount"`
}

// SystemState is the singleton row carrying registry-wide flags.
type SystemState struct {
	ID     int  `gorm:"primaryKey"`
	Paused bool `gorm:"not null;default:false"`
}

// EventRecord is a persisted audit event.
type EventRecord struct {
	Sequence   uint64         `gorm:"primaryKey;autoIncrement:false"`
	ID         uuid.UUID      `gorm:"type:uuid;uniqueIndex"`
	Type       string         `gorm:"not null;index"`
	ProjectID  string         `gorm:"index"`
	Actor      string         `gorm:"not null"`
	Payload    datatypes.JSON `gorm:"not null"`
	OccurredAt time.Time      `gorm:"not null"`
	PrevHash   string         `gorm:"not null"`
	Hash       string         `gorm:"not null;uniqueIndex"`
}

// Holding is a non-zero balance of one batch held by an identity.
type Holding struct {
	BatchID     uint64 `json:"batch_id"`
	ProjectID   string `json:"project_id"`
	VintageYear int    `json:"vintage_year"`
	Methodology string `json:"methodology"`
	Amount      int64  `json:"amount"`
}

// Supply carries the registry-wide credit totals.
type Supply struct {
	TotalIssued      int64 `json:"total_issued"`
	TotalRetired     int64 `json:"total_retired"`
	TotalOutstanding int64 `json:"total_outstanding"` // sum of all balances
	BatchCount       int   `json:"batch_count"`
}
