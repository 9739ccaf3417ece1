package qms

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RouteKind names the approval path a submitted document follows.
type RouteKind string

const (
	RouteNone              RouteKind = ""
	RouteExplicit          RouteKind = "explicit"
	RouteDepartment        RouteKind = "department"
	RouteTender            RouteKind = "tender"
	RouteConfigured        RouteKind = "configured"
	RouteManager           RouteKind = "manager"
	RouteExecutiveFallback RouteKind = "executive_fallback"
)

// Tender chain steps.
const (
	tenderStepFinance   = 1
	tenderStepExecutive = 2
)

// RouteDecision is the outcome of a routing call. Final means the chain is
// exhausted and the document should be approved.
type RouteDecision struct {
	Route      RouteKind
	Step       int
	ApproverID uuid.UUID
	Final      bool
}

// SubmitOptions directs a submission at an explicit approver or department.
// ApproverID wins when both are set.
type SubmitOptions struct {
	ApproverID           *uuid.UUID
	ApproverDepartmentID *uuid.UUID
}

// Router decides who approves a document next.
type Router struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewRouter(db *gorm.DB, log *zap.SugaredLogger) *Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Router{db: db, log: log}
}

func normalizeLabel(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.ToLower(s))
}

// IsTenderRequisition classifies a document from its category, type name and title.
func IsTenderRequisition(category, typeName, title string) bool {
	if strings.Contains(normalizeLabel(category), "tender") {
		return true
	}
	if strings.Contains(normalizeLabel(typeName), "tender") {
		return true
	}
	return strings.Contains(normalizeLabel(title), "tenderrequisition")
}

func (r *Router) typeName(tx *gorm.DB, doc *Document) (string, error) {
	if doc.DocumentTypeID == nil {
		return "", nil
	}
	var dt DocumentType
	err := tx.Select("id", "name").First(&dt, "id = ?", *doc.DocumentTypeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return dt.Name, err
}

// IsTender reports whether doc follows the Finance then Executive chain.
func (r *Router) IsTender(ctx context.Context, doc *Document) bool {
	name, err := r.typeName(r.db.WithContext(ctx), doc)
	if err != nil {
		r.log.Warnw("document type lookup failed", "document_id", doc.ID, "error", err)
	}
	return IsTenderRequisition(doc.Category, name, doc.Title)
}

// roleHolder finds the earliest-created active tenant user matching the role
// condition, excluding excludeID. It returns uuid.Nil when nobody matches.
func roleHolder(tx *gorm.DB, tenantID, excludeID uuid.UUID, cond string, args ...any) (uuid.UUID, error) {
	var ids []uuid.UUID
	err := tx.Model(&User{}).
		Joins("JOIN user_roles ON user_roles.user_id = users.id").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("users.tenant_id = ? AND users.is_active = ? AND users.id <> ?", tenantID, true, excludeID).
		Where(cond, args...).
		Order("roles.tier DESC").
		Order("users.created_at").
		Order("users.id").
		Limit(1).
		Pluck("users.id", &ids).Error
	if err != nil || len(ids) == 0 {
		return uuid.Nil, err
	}
	return ids[0], nil
}

func financeHolder(tx *gorm.DB, tenantID, excludeID uuid.UUID) (uuid.UUID, error) {
	return roleHolder(tx, tenantID, excludeID, "roles.duty = ?", string(DutyFinance))
}

// executiveHolder prefers an executive over a deputy.
func executiveHolder(tx *gorm.DB, tenantID, excludeID uuid.UUID) (uuid.UUID, error) {
	return roleHolder(tx, tenantID, excludeID, "roles.tier IN ?", []int{int(TierExecutive), int(TierDeputy)})
}

func departmentHead(tx *gorm.DB, tenantID, unitID, excludeID uuid.UUID) (uuid.UUID, error) {
	return roleHolder(tx, tenantID, excludeID, "users.organization_unit_id = ? AND roles.tier >= ?", unitID, int(TierManager))
}

func activeTenantUser(tx *gorm.DB, tenantID, userID uuid.UUID) (bool, error) {
	var count int64
	err := tx.Model(&User{}).
		Where("id = ? AND tenant_id = ? AND is_active = ?", userID, tenantID, true).
		Count(&count).Error
	return count > 0, err
}

func noApprover(msg string) error {
	return invalid(CodeNoApprover, msg)
}

// configuredStep returns the first usable entry of the type's chain after
// afterOrder. Entries whose approver is inactive are skipped unless required.
func (r *Router) configuredStep(tx *gorm.DB, doc *Document, afterOrder int) (RouteDecision, bool, error) {
	if doc.DocumentTypeID == nil {
		return RouteDecision{}, false, nil
	}
	var chain []DocumentTypeApprover
	err := tx.Where("document_type_id = ? AND approval_order > ?", *doc.DocumentTypeID, afterOrder).
		Order("approval_order").
		Find(&chain).Error
	if err != nil {
		return RouteDecision{}, false, err
	}
	for _, entry := range chain {
		// The creator never approves their own document, even when listed.
		if entry.ApproverID == doc.CreatedByID {
			if entry.IsRequired {
				return RouteDecision{}, false, noApprover("A required approver in this document type's chain is the document's creator.")
			}
			r.log.Infow("skipping creator in approver chain", "document_id", doc.ID, "approval_order", entry.ApprovalOrder)
			continue
		}
		ok, err := activeTenantUser(tx, doc.TenantID, entry.ApproverID)
		if err != nil {
			return RouteDecision{}, false, err
		}
		if ok {
			return RouteDecision{Route: RouteConfigured, Step: entry.ApprovalOrder, ApproverID: entry.ApproverID}, true, nil
		}
		if entry.IsRequired {
			return RouteDecision{}, false, noApprover("A required approver in this document type's chain is not available.")
		}
		r.log.Warnw("skipping unavailable optional approver", "document_id", doc.ID, "approval_order", entry.ApprovalOrder, "approver_id", entry.ApproverID)
	}
	return RouteDecision{}, false, nil
}

func (r *Router) hasConfiguredChain(tx *gorm.DB, doc *Document) (bool, error) {
	if doc.DocumentTypeID == nil {
		return false, nil
	}
	var count int64
	err := tx.Model(&DocumentTypeApprover{}).Where("document_type_id = ?", *doc.DocumentTypeID).Count(&count).Error
	return count > 0, err
}

// FirstStep resolves the first approver for a submission by submitter.
func (r *Router) FirstStep(tx *gorm.DB, doc *Document, submitter *User, opts SubmitOptions) (RouteDecision, error) {
	if opts.ApproverID != nil {
		if *opts.ApproverID == submitter.ID {
			return RouteDecision{}, invalid(CodeInvalidInput, "You cannot approve your own document.")
		}
		ok, err := activeTenantUser(tx, doc.TenantID, *opts.ApproverID)
		if err != nil {
			return RouteDecision{}, err
		}
		if !ok {
			return RouteDecision{}, noApprover("The selected approver is not an active member of this organisation.")
		}
		return RouteDecision{Route: RouteExplicit, Step: 1, ApproverID: *opts.ApproverID}, nil
	}

	if opts.ApproverDepartmentID != nil {
		id, err := departmentHead(tx, doc.TenantID, *opts.ApproverDepartmentID, submitter.ID)
		if err != nil {
			return RouteDecision{}, err
		}
		if id == uuid.Nil {
			return RouteDecision{}, noApprover("The selected department has no manager who can approve this document.")
		}
		return RouteDecision{Route: RouteDepartment, Step: 1, ApproverID: id}, nil
	}

	name, err := r.typeName(tx, doc)
	if err != nil {
		return RouteDecision{}, err
	}
	if IsTenderRequisition(doc.Category, name, doc.Title) {
		id, err := financeHolder(tx, doc.TenantID, submitter.ID)
		if err != nil {
			return RouteDecision{}, err
		}
		if id == uuid.Nil {
			return RouteDecision{}, noApprover("No Finance user is available to review this tender requisition.")
		}
		return RouteDecision{Route: RouteTender, Step: tenderStepFinance, ApproverID: id}, nil
	}

	configured, err := r.hasConfiguredChain(tx, doc)
	if err != nil {
		return RouteDecision{}, err
	}
	if configured {
		d, ok, err := r.configuredStep(tx, doc, 0)
		if err != nil {
			return RouteDecision{}, err
		}
		if !ok {
			return RouteDecision{}, noApprover("No approver in this document type's chain is available.")
		}
		return d, nil
	}

	if submitter.ManagerID != nil {
		ok, err := activeTenantUser(tx, doc.TenantID, *submitter.ManagerID)
		if err != nil {
			return RouteDecision{}, err
		}
		if ok {
			return RouteDecision{Route: RouteManager, Step: 1, ApproverID: *submitter.ManagerID}, nil
		}
	}

	id, err := executiveHolder(tx, doc.TenantID, submitter.ID)
	if err != nil {
		return RouteDecision{}, err
	}
	if id == uuid.Nil {
		return RouteDecision{}, noApprover("No approver could be found for this document.")
	}
	return RouteDecision{Route: RouteExecutiveFallback, Step: 1, ApproverID: id}, nil
}

// NextStep resolves the approver after the current step has approved, or a
// Final decision when the chain is exhausted.
func (r *Router) NextStep(tx *gorm.DB, doc *Document) (RouteDecision, error) {
	switch doc.ApprovalRoute {
	case RouteTender:
		if doc.ApprovalStep != tenderStepFinance {
			return RouteDecision{Route: RouteTender, Step: doc.ApprovalStep, Final: true}, nil
		}
		id, err := executiveHolder(tx, doc.TenantID, doc.CreatedByID)
		if err != nil {
			return RouteDecision{}, err
		}
		if id == uuid.Nil {
			return RouteDecision{}, noApprover("No TMD or Deputy is available to complete this tender requisition.")
		}
		return RouteDecision{Route: RouteTender, Step: tenderStepExecutive, ApproverID: id}, nil

	case RouteConfigured:
		d, ok, err := r.configuredStep(tx, doc, doc.ApprovalStep)
		if err != nil {
			return RouteDecision{}, err
		}
		if !ok {
			return RouteDecision{Route: RouteConfigured, Step: doc.ApprovalStep, Final: true}, nil
		}
		return d, nil
	}
	return RouteDecision{Route: doc.ApprovalRoute, Step: doc.ApprovalStep, Final: true}, nil
}
