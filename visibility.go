package qms

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scope is what a user may see of one resource type within their tenant.
type Scope struct {
	TenantID  uuid.UUID
	UserID    uuid.UUID
	OrgUnitID *uuid.UUID
	// All is set when the user holds <Resource>.ViewAll, explicitly, derived or delegated.
	All bool
	// OwnerIDs is the user plus every recursive subordinate.
	OwnerIDs IDSet
}

// Visibility scopes document and task reads.
type Visibility struct {
	db        *gorm.DB
	authz     *Authorizer
	hierarchy *HierarchyResolver
	log       *zap.SugaredLogger
}

func (v *Visibility) scopeFor(ctx context.Context, userID uuid.UUID, viewAll string) Scope {
	scope := Scope{UserID: userID, OwnerIDs: NewIDSet()}

	var user User
	err := v.db.WithContext(ctx).Select("id", "tenant_id", "organization_unit_id", "is_active").First(&user, "id = ?", userID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			v.log.Errorw("visibility scope lookup failed", "user_id", userID, "error", err)
		}
		return scope
	}
	if !user.IsActive {
		return scope
	}

	scope.TenantID = user.TenantID
	scope.OrgUnitID = user.OrganizationUnitID
	scope.All = v.authz.HasPermission(ctx, userID, viewAll)
	scope.OwnerIDs = v.hierarchy.GetVisibleUserIDs(ctx, userID)
	return scope
}

// DocumentScope computes the document visibility of userID.
func (v *Visibility) DocumentScope(ctx context.Context, userID uuid.UUID) Scope {
	return v.scopeFor(ctx, userID, DocumentsViewAll)
}

// TaskScope computes the task visibility of userID.
func (v *Visibility) TaskScope(ctx context.Context, userID uuid.UUID) Scope {
	return v.scopeFor(ctx, userID, TasksViewAll)
}

// ScopeDocuments restricts q to documents visible under s: owned by someone in
// OwnerIDs, awaiting or targeted at the user, targeted at the user's org unit,
// or a template.
func (v *Visibility) ScopeDocuments(q *gorm.DB, s Scope) *gorm.DB {
	q = q.Where("tenant_id = ?", s.TenantID)
	if s.All {
		return q
	}
	cond := v.db.Where("created_by_id IN ?", ownerList(s)).
		Or("current_approver_id = ?", s.UserID).
		Or("target_user_id = ?", s.UserID).
		Or("is_template = ?", true)
	if s.OrgUnitID != nil {
		cond = cond.Or("target_department_id = ?", *s.OrgUnitID)
	}
	return q.Where(cond)
}

// ScopeTasks restricts q to tasks created by or assigned to someone in
// OwnerIDs, or assigned to the user's org unit.
func (v *Visibility) ScopeTasks(q *gorm.DB, s Scope) *gorm.DB {
	q = q.Where("tenant_id = ?", s.TenantID)
	if s.All {
		return q
	}
	owners := ownerList(s)
	cond := v.db.Where("created_by_id IN ?", owners).Or("assignee_id IN ?", owners)
	if s.OrgUnitID != nil {
		cond = cond.Or("organization_unit_id = ?", *s.OrgUnitID)
	}
	return q.Where(cond)
}

// ownerList never returns an empty slice; "IN ()" is not portable.
func ownerList(s Scope) []uuid.UUID {
	ids := s.OwnerIDs.Slice()
	if len(ids) == 0 {
		return []uuid.UUID{uuid.Nil}
	}
	return ids
}

func sameID(p *uuid.UUID, id uuid.UUID) bool {
	return p != nil && *p == id
}

// documentVisible is the in-memory twin of ScopeDocuments.
func documentVisible(s Scope, d *Document) bool {
	if d.TenantID != s.TenantID || s.TenantID == uuid.Nil {
		return false
	}
	if s.All || d.IsTemplate || s.OwnerIDs.Has(d.CreatedByID) {
		return true
	}
	if sameID(d.CurrentApproverID, s.UserID) || sameID(d.TargetUserID, s.UserID) {
		return true
	}
	return s.OrgUnitID != nil && sameID(d.TargetDepartmentID, *s.OrgUnitID)
}

// taskVisible is the in-memory twin of ScopeTasks.
func taskVisible(s Scope, t *QmsTask) bool {
	if t.TenantID != s.TenantID || s.TenantID == uuid.Nil {
		return false
	}
	if s.All || s.OwnerIDs.Has(t.CreatedByID) {
		return true
	}
	if t.AssigneeID != nil && s.OwnerIDs.Has(*t.AssigneeID) {
		return true
	}
	return s.OrgUnitID != nil && sameID(t.OrganizationUnitID, *s.OrgUnitID)
}

// CanViewDocument is the point check for one document.
func (v *Visibility) CanViewDocument(ctx context.Context, userID uuid.UUID, doc *Document) bool {
	return documentVisible(v.DocumentScope(ctx, userID), doc)
}

// CanViewTask is the point check for one task.
func (v *Visibility) CanViewTask(ctx context.Context, userID uuid.UUID, task *QmsTask) bool {
	return taskVisible(v.TaskScope(ctx, userID), task)
}

// ListVisibleDocuments returns the documents userID may see, newest first.
// An empty status lists every status.
func (v *Visibility) ListVisibleDocuments(ctx context.Context, userID uuid.UUID, status DocumentStatus) ([]Document, error) {
	q := v.ScopeDocuments(v.db.WithContext(ctx).Model(&Document{}), v.DocumentScope(ctx, userID))
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var docs []Document
	if err := q.Order("created_at DESC").Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// ListVisibleTasks returns the tasks userID may see, newest first.
func (v *Visibility) ListVisibleTasks(ctx context.Context, userID uuid.UUID) ([]QmsTask, error) {
	q := v.ScopeTasks(v.db.WithContext(ctx).Model(&QmsTask{}), v.TaskScope(ctx, userID))
	var tasks []QmsTask
	if err := q.Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}
