package qms

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tenant is an isolated customer organisation. Every other entity is scoped to one.
type Tenant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrganizationUnit represents a department. Units form a tree through ParentID.
type OrganizationUnit struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID  `gorm:"type:uuid;not null;index"`
	Name      string     `gorm:"not null"`
	ParentID  *uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// User is a tenant member. ManagerID points at another user of the same tenant.
// Users are deactivated, never deleted.
type User struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID           uuid.UUID  `gorm:"type:uuid;not null;index"`
	Email              string     `gorm:"uniqueIndex;not null"`
	FullName           string     `gorm:"not null"`
	OrganizationUnitID *uuid.UUID `gorm:"type:uuid;index"`
	ManagerID          *uuid.UUID `gorm:"type:uuid;index"`
	IsActive           bool       `gorm:"not null"`
	Roles              []Role     `gorm:"many2many:user_roles"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Role carries a permission bitmask and an explicit privilege tier.
type Role struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Name         string     `gorm:"not null"`
	Permissions  Permission `gorm:"not null"`
	Tier         RoleTier   `gorm:"not null"`
	Duty         RoleDuty   `gorm:"not null;default:''"`
	IsSystemRole bool       `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserRole is the user_roles join row.
type UserRole struct {
	UserID uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoleID uuid.UUID `gorm:"type:uuid;primaryKey"`
}

// UserPermissionDelegation grants one permission string from a manager to a subordinate.
type UserPermissionDelegation struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_delegation_user_permission"`
	DelegatedByID uuid.UUID `gorm:"type:uuid;not null;index"`
	Permission    string    `gorm:"not null;uniqueIndex:idx_delegation_user_permission"`
	DelegatedAt   time.Time `gorm:"not null"`
	ExpiresAt     *time.Time
	IsActive      bool `gorm:"not null"`
	RevokedAt     *time.Time
	RevokedByID   *uuid.UUID `gorm:"type:uuid"`
}

// IsValid reports whether the delegation is active and not expired at now.
func (d UserPermissionDelegation) IsValid(now time.Time) bool {
	return d.IsActive && (d.ExpiresAt == nil || d.ExpiresAt.After(now))
}

// DocumentType classifies documents and owns an optional approver chain.
type DocumentType struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentTypeApprover is one ordered entry of a document type's approval chain.
type DocumentTypeApprover struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentTypeID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_doc_type_approval_order"`
	ApprovalOrder  int       `gorm:"not null;uniqueIndex:idx_doc_type_approval_order"`
	ApproverID     uuid.UUID `gorm:"type:uuid;not null"`
	IsRequired     bool      `gorm:"not null"`
}

// Document is the controlled-document aggregate.
type Document struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID              uuid.UUID `gorm:"type:uuid;not null;index"`
	Title                 string    `gorm:"not null"`
	Description           string
	Content               string
	Category              string
	DocumentTypeID        *uuid.UUID         `gorm:"type:uuid;index"`
	Status                DocumentStatus     `gorm:"not null;index"`
	CreatedByID           uuid.UUID          `gorm:"type:uuid;not null;index"`
	CurrentApproverID     *uuid.UUID         `gorm:"type:uuid;index"`
	TargetDepartmentID    *uuid.UUID         `gorm:"type:uuid;index"`
	TargetUserID          *uuid.UUID         `gorm:"type:uuid;index"`
	IsTemplate            bool               `gorm:"not null"`
	SourceTemplateID      *uuid.UUID         `gorm:"type:uuid"`
	AuthorizedDepartments []OrganizationUnit `gorm:"many2many:template_authorized_departments"`
	VersionNumber         int                `gorm:"not null"`
	ApprovalRoute         RouteKind
	ApprovalStep          int
	SubmittedAt           *time.Time
	ApprovedAt            *time.Time
	ArchivedAt            *time.Time
	RejectionReason       string
	ArchiveReason         string
	LockVersion           int `gorm:"not null"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DeletedAt             gorm.DeletedAt `gorm:"index"`
}

// DocumentVersion is an append-only snapshot written on every content change.
type DocumentVersion struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentID    uuid.UUID `gorm:"type:uuid;not null;index"`
	VersionNumber int       `gorm:"not null"`
	Title         string
	Content       string
	ChangedByID   uuid.UUID `gorm:"type:uuid;not null"`
	ChangeNote    string
	CreatedAt     time.Time
}

// DocumentApproval records one approver decision.
type DocumentApproval struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index"`
	ApproverID uuid.UUID `gorm:"type:uuid;not null"`
	Step       int       `gorm:"not null"`
	Route      RouteKind
	Decision   string `gorm:"not null"`
	Comment    string
	DecidedAt  time.Time `gorm:"not null"`
}

// Capa is a corrective/preventive action.
type Capa struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Title          string    `gorm:"not null"`
	Description    string
	RootCause      string
	Status         CapaStatus `gorm:"not null;index"`
	CreatedByID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	VerifiedByID   *uuid.UUID `gorm:"type:uuid"`
	VerifiedAt     *time.Time
	ClosedAt       *time.Time
	AuditFindingID *uuid.UUID `gorm:"type:uuid;index"`
	LockVersion    int        `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QmsTask is a unit of work assigned to a user or an organisation unit.
type QmsTask struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID           uuid.UUID `gorm:"type:uuid;not null;index"`
	Title              string    `gorm:"not null"`
	Description        string
	Status             TaskStatus `gorm:"not null;index"`
	CreatedByID        uuid.UUID  `gorm:"type:uuid;not null;index"`
	AssigneeID         *uuid.UUID `gorm:"type:uuid;index"`
	OrganizationUnitID *uuid.UUID `gorm:"type:uuid;index"`
	DueDate            *time.Time
	DocumentID         *uuid.UUID `gorm:"type:uuid;index"`
	CapaID             *uuid.UUID `gorm:"type:uuid;index"`
	AuditID            *uuid.UUID `gorm:"type:uuid;index"`
	RequiresApproval   bool       `gorm:"not null"`
	Progress           int        `gorm:"not null"`
	CompletedAt        *time.Time
	ApprovedByID       *uuid.UUID `gorm:"type:uuid"`
	OverdueNotifiedAt  *time.Time
	LockVersion        int `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TaskActivity is a progress note posted by the assignee.
type TaskActivity struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID    uuid.UUID `gorm:"type:uuid;not null;index"`
	AuthorID  uuid.UUID `gorm:"type:uuid;not null"`
	Note      string
	Progress  int
	CreatedAt time.Time
}

// Audit is an internal or external quality audit.
type Audit struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Title       string    `gorm:"not null"`
	AuditorID   uuid.UUID `gorm:"type:uuid;not null"`
	ScheduledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuditFinding is a nonconformity raised during an audit; it may spawn a CAPA.
type AuditFinding struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	AuditID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Description string     `gorm:"not null"`
	CapaID      *uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time
}

// Notification is an in-app message for one user.
type Notification struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Title     string    `gorm:"not null"`
	Message   string
	Link      string
	IsRead    bool `gorm:"not null"`
	CreatedAt time.Time
}

// AuditLog tracks permission, delegation and workflow events.
type AuditLog struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID   uuid.UUID `gorm:"type:uuid;index"`
	ActorID    uuid.UUID `gorm:"type:uuid;index;not null"`
	Action     string    `gorm:"not null"`
	TargetType string    `gorm:"not null"`
	TargetID   uuid.UUID `gorm:"type:uuid;index;not null"`
	Details    string
	CreatedAt  time.Time
}

// allModels lists every table managed by AutoMigrate.
func allModels() []any {
	return []any{
		&Tenant{}, &OrganizationUnit{}, &Role{}, &User{}, &UserRole{},
		&UserPermissionDelegation{}, &DocumentType{}, &DocumentTypeApprover{},
		&Document{}, &DocumentVersion{}, &DocumentApproval{}, &Capa{}, &QmsTask{},
		&TaskActivity{}, &Audit{}, &AuditFinding{}, &Notification{}, &AuditLog{},
	}
}

// assignID gives a zero id a fresh uuid.
func assignID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func (m *Tenant) BeforeCreate(*gorm.DB) error                   { assignID(&m.ID); return nil }
func (m *OrganizationUnit) BeforeCreate(*gorm.DB) error         { assignID(&m.ID); return nil }
func (m *User) BeforeCreate(*gorm.DB) error                     { assignID(&m.ID); return nil }
func (m *Role) BeforeCreate(*gorm.DB) error                     { assignID(&m.ID); return nil }
func (m *UserPermissionDelegation) BeforeCreate(*gorm.DB) error { assignID(&m.ID); return nil }
func (m *DocumentType) BeforeCreate(*gorm.DB) error             { assignID(&m.ID); return nil }
func (m *DocumentTypeApprover) BeforeCreate(*gorm.DB) error     { assignID(&m.ID); return nil }
func (m *Document) BeforeCreate(*gorm.DB) error                 { assignID(&m.ID); return nil }
func (m *DocumentVersion) BeforeCreate(*gorm.DB) error          { assignID(&m.ID); return nil }
func (m *DocumentApproval) BeforeCreate(*gorm.DB) error         { assignID(&m.ID); return nil }
func (m *Capa) BeforeCreate(*gorm.DB) error                     { assignID(&m.ID); return nil }
func (m *QmsTask) BeforeCreate(*gorm.DB) error                  { assignID(&m.ID); return nil }
func (m *TaskActivity) BeforeCreate(*gorm.DB) error             { assignID(&m.ID); return nil }
func (m *Audit) BeforeCreate(*gorm.DB) error                    { assignID(&m.ID); return nil }
func (m *AuditFinding) BeforeCreate(*gorm.DB) error             { assignID(&m.ID); return nil }
func (m *Notification) BeforeCreate(*gorm.DB) error             { assignID(&m.ID); return nil }
func (m *AuditLog) BeforeCreate(*gorm.DB) error                 { assignID(&m.ID); return nil }
