package qms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CapaStatus is the state of a corrective/preventive action.
type CapaStatus string

const (
	CapaDraft                 CapaStatus = "Draft"
	CapaUnderInvestigation    CapaStatus = "UnderInvestigation"
	CapaActionsDefined        CapaStatus = "ActionsDefined"
	CapaActionsImplemented    CapaStatus = "ActionsImplemented"
	CapaEffectivenessVerified CapaStatus = "EffectivenessVerified"
	CapaClosed                CapaStatus = "Closed"
)

var capaOrder = []CapaStatus{
	CapaDraft,
	CapaUnderInvestigation,
	CapaActionsDefined,
	CapaActionsImplemented,
	CapaEffectivenessVerified,
	CapaClosed,
}

// Rank is the position of s in the lifecycle, -1 when unknown.
func (s CapaStatus) Rank() int {
	for i, st := range capaOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the single status after s. It reports false at Closed.
func (s CapaStatus) Next() (CapaStatus, bool) {
	i := s.Rank()
	if i < 0 || i == len(capaOrder)-1 {
		return "", false
	}
	return capaOrder[i+1], true
}

// AdvanceStatus moves the CAPA one step forward. The user verifying
// effectiveness must not be the CAPA's creator.
func (c *Capa) AdvanceStatus(actorID uuid.UUID, now time.Time) error {
	next, ok := c.Status.Next()
	if !ok {
		return badTransition(fmt.Sprintf("A CAPA in %s status cannot be advanced.", c.Status))
	}
	if next == CapaEffectivenessVerified {
		if actorID == c.CreatedByID {
			return denied(CodeSelfVerification, "The creator of a CAPA cannot verify its effectiveness.")
		}
		c.VerifiedByID = &actorID
		c.VerifiedAt = &now
	}
	if next == CapaClosed {
		c.ClosedAt = &now
	}
	c.Status = next
	return nil
}

type capaAction string

const (
	capaEdit    capaAction = "edit"
	capaAdvance capaAction = "advance"
	capaDelete  capaAction = "delete"
)

// capaRule is the role gate for CAPA mutations.
func capaRule(tier RoleTier, actorID uuid.UUID, c *Capa, action capaAction) error {
	switch tier {
	case TierAdmin, TierExecutive:
		return nil
	case TierDeputy:
		if action == capaDelete {
			return denied(CodeInsufficientTier, "Deputies cannot delete CAPAs.")
		}
		return nil
	case TierManager:
		if c.CreatedByID == actorID {
			return nil
		}
		return denied(CodeNotCreator, fmt.Sprintf("Department managers can only %s CAPAs they created.", action))
	case TierAuditor:
		return denied(CodeReadOnlyRole, fmt.Sprintf("Auditors cannot %s CAPAs. This is a read-only role.", action))
	}
	return denied(CodeInsufficientTier, fmt.Sprintf("Your role does not allow you to %s CAPAs.", action))
}

// CapaInput carries the editable fields of a CAPA.
type CapaInput struct {
	Title       string
	Description string
	RootCause   string
}

// CapaService runs the CAPA lifecycle.
type CapaService struct {
	*workflow
}

// gate applies the state and role rules of action to actor.
func (s *CapaService) gate(actor *User, c *Capa, action capaAction) error {
	if actor.TenantID != c.TenantID {
		return ErrNotFound
	}
	switch action {
	case capaEdit:
		if c.Status == CapaClosed {
			return invalid(CodeNotEditable, "A closed CAPA cannot be edited.")
		}
	case capaDelete:
		if c.Status.Rank() >= CapaEffectivenessVerified.Rank() {
			return invalid(CodeNotEditable, "A CAPA cannot be deleted once its effectiveness is verified.")
		}
	}
	return capaRule(highestTier(actor.Roles), actor.ID, c, action)
}

func (s *CapaService) check(ctx context.Context, userID uuid.UUID, c *Capa, action capaAction) error {
	actor, err := s.actor(ctx, userID)
	if err != nil {
		return err
	}
	return s.gate(actor, c, action)
}

// CheckEdit explains why userID may not edit c, or returns nil.
func (s *CapaService) CheckEdit(ctx context.Context, userID uuid.UUID, c *Capa) error {
	return s.check(ctx, userID, c, capaEdit)
}

// CheckAdvance explains why userID may not advance c, or returns nil.
func (s *CapaService) CheckAdvance(ctx context.Context, userID uuid.UUID, c *Capa) error {
	return s.check(ctx, userID, c, capaAdvance)
}

// CheckDelete explains why userID may not delete c, or returns nil.
func (s *CapaService) CheckDelete(ctx context.Context, userID uuid.UUID, c *Capa) error {
	return s.check(ctx, userID, c, capaDelete)
}

func (s *CapaService) CanEdit(ctx context.Context, userID uuid.UUID, c *Capa) bool {
	return s.CheckEdit(ctx, userID, c) == nil
}

func (s *CapaService) CanAdvance(ctx context.Context, userID uuid.UUID, c *Capa) bool {
	return s.CheckAdvance(ctx, userID, c) == nil
}

func (s *CapaService) CanDelete(ctx context.Context, userID uuid.UUID, c *Capa) bool {
	return s.CheckDelete(ctx, userID, c) == nil
}

func (s *CapaService) createCheck(ctx context.Context, actor *User) error {
	switch highestTier(actor.Roles) {
	case TierAuditor:
		return denied(CodeReadOnlyRole, "Auditors cannot create CAPAs. This is a read-only role.")
	case TierStaff:
		return denied(CodeInsufficientTier, "Staff users cannot create CAPAs.")
	}
	return s.authz.Authorize(ctx, actor.ID, CapasCreate)
}

func (s *CapaService) insert(ctx context.Context, actor *User, c *Capa, finding *AuditFinding) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		if finding == nil {
			return nil
		}
		res := tx.Model(&AuditFinding{}).
			Where("id = ? AND capa_id IS NULL", finding.ID).
			Update("capa_id", c.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		return err
	}
	recordTransition("capa", string(CapaDraft))
	s.audit.logAudit(ctx, c.TenantID, actor.ID, "create_capa", "capa", c.ID, "Created CAPA: "+c.Title)
	return nil
}

// Create opens a Draft CAPA. Manager tier and above may create CAPAs.
func (s *CapaService) Create(ctx context.Context, actorID uuid.UUID, in CapaInput) (*Capa, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, invalid(CodeInvalidInput, "A CAPA title is required.")
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.createCheck(ctx, actor); err != nil {
		return nil, err
	}
	c := &Capa{
		TenantID:    actor.TenantID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		RootCause:   in.RootCause,
		Status:      CapaDraft,
		CreatedByID: actorID,
	}
	if err := s.insert(ctx, actor, c, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateFromFinding opens a CAPA for an audit finding and links the two.
func (s *CapaService) CreateFromFinding(ctx context.Context, actorID, findingID uuid.UUID) (*Capa, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.createCheck(ctx, actor); err != nil {
		return nil, err
	}

	var finding AuditFinding
	err = s.db.WithContext(ctx).First(&finding, "id = ? AND tenant_id = ?", findingID, actor.TenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if finding.CapaID != nil {
		return nil, invalid(CodeInvalidInput, "This finding already has a CAPA.")
	}

	title := finding.Description
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	c := &Capa{
		TenantID:       actor.TenantID,
		Title:          "CAPA: " + title,
		Description:    finding.Description,
		Status:         CapaDraft,
		CreatedByID:    actorID,
		AuditFindingID: &finding.ID,
	}
	if err := s.insert(ctx, actor, c, &finding); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CapaService) get(tx *gorm.DB, id uuid.UUID) (*Capa, error) {
	var c Capa
	if err := loadForUpdate(tx, &c, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns a CAPA of the caller's tenant.
func (s *CapaService) Get(ctx context.Context, userID, capaID uuid.UUID) (*Capa, error) {
	if err := s.authz.Authorize(ctx, userID, CapasRead); err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, userID)
	if err != nil {
		return nil, err
	}
	c, err := s.get(s.db.WithContext(ctx), capaID)
	if err != nil {
		return nil, err
	}
	if c.TenantID != actor.TenantID {
		return nil, ErrNotFound
	}
	return c, nil
}

// List returns the CAPAs userID may see: every CAPA of the tenant with
// Capas.ViewAll, otherwise those created by the user or their subordinates.
func (s *CapaService) List(ctx context.Context, userID uuid.UUID) ([]Capa, error) {
	if err := s.authz.Authorize(ctx, userID, CapasRead); err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, userID)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("tenant_id = ?", actor.TenantID)
	if !s.authz.HasPermission(ctx, userID, CapasViewAll) {
		owners := s.visibility.hierarchy.GetVisibleUserIDs(ctx, userID)
		q = q.Where("created_by_id IN ?", owners.Slice())
	}
	var out []Capa
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Update edits the CAPA's text fields.
func (s *CapaService) Update(ctx context.Context, actorID, capaID uuid.UUID, in CapaInput) (*Capa, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, invalid(CodeInvalidInput, "A CAPA title is required.")
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	var c *Capa
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if c, err = s.get(tx, capaID); err != nil {
			return err
		}
		if err := s.gate(actor, c, capaEdit); err != nil {
			return err
		}
		c.Title = strings.TrimSpace(in.Title)
		c.Description = in.Description
		c.RootCause = in.RootCause
		return saveVersioned(tx, "capa", c, &c.LockVersion)
	})
	if err != nil {
		return nil, err
	}
	s.audit.logAudit(ctx, c.TenantID, actorID, "update_capa", "capa", c.ID, "Updated CAPA: "+c.Title)
	return c, nil
}

// Advance moves the CAPA to its next status.
func (s *CapaService) Advance(ctx context.Context, actorID, capaID uuid.UUID) (*Capa, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	var c *Capa
	var box outbox
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if c, err = s.get(tx, capaID); err != nil {
			return err
		}
		if err := s.gate(actor, c, capaAdvance); err != nil {
			return err
		}
		if err := c.AdvanceStatus(actorID, s.now()); err != nil {
			return err
		}
		if c.CreatedByID != actorID {
			box.add(c.TenantID, c.CreatedByID, "CAPA status changed",
				fmt.Sprintf("%q moved to %s.", c.Title, c.Status), "/capas/"+c.ID.String())
		}
		return saveVersioned(tx, "capa", c, &c.LockVersion)
	})
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, box)
	recordTransition("capa", string(c.Status))
	s.audit.logAudit(ctx, c.TenantID, actorID, "advance_capa", "capa", c.ID, "Status: "+string(c.Status))
	return c, nil
}

// Delete removes a CAPA that has not reached effectiveness verification.
func (s *CapaService) Delete(ctx context.Context, actorID, capaID uuid.UUID) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}
	var c *Capa
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if c, err = s.get(tx, capaID); err != nil {
			return err
		}
		if err := s.gate(actor, c, capaDelete); err != nil {
			return err
		}
		if c.AuditFindingID != nil {
			if err := tx.Model(&AuditFinding{}).Where("id = ?", *c.AuditFindingID).Update("capa_id", nil).Error; err != nil {
				return err
			}
		}
		res := tx.Where("lock_version = ?", c.LockVersion).Delete(c)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			recordWriteConflict("capa")
			return ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.logAudit(ctx, c.TenantID, actorID, "delete_capa", "capa", c.ID, "Deleted CAPA: "+c.Title)
	return nil
}
