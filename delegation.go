package qms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const delegationTable = "user_permission_delegations"

// delegationStore reads delegation rows. Validity is evaluated in Go against
// UserPermissionDelegation.IsValid so every caller shares one definition.
type delegationStore struct {
	db *gorm.DB
}

func newDelegationStore(db *gorm.DB) *delegationStore {
	return &delegationStore{db: db}
}

func (s *delegationStore) activeFor(ctx context.Context, userID uuid.UUID) ([]UserPermissionDelegation, error) {
	var rows []UserPermissionDelegation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&rows).Error
	if err != nil {
		return nil, classifyStoreError(delegationTable, err)
	}
	return rows, nil
}

// validPermissions returns the permission strings of userID's valid delegations at now.
func (s *delegationStore) validPermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	rows, err := s.activeFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := NewPermissionSet()
	for _, d := range rows {
		if d.IsValid(now) {
			set.Add(d.Permission)
		}
	}
	return set.Slice(), nil
}

// DelegationService enforces bounded, revocable, downward-only delegation.
type DelegationService struct {
	db        *gorm.DB
	store     *delegationStore
	authz     *Authorizer
	hierarchy *HierarchyResolver
	audit     *auditTrail
	perms     PermissionMap
	log       *zap.SugaredLogger
	now       func() time.Time
}

// heldPermissions derives what userID holds from roles and their own valid
// delegations, read straight from storage so it never consults the cache.
func (s *DelegationService) heldPermissions(ctx context.Context, userID uuid.UUID) (PermissionSet, error) {
	var user User
	err := s.db.WithContext(ctx).Preload("Roles").First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewPermissionSet(), nil
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return NewPermissionSet(), nil
	}
	held := rolePermissionSet(s.perms, user.Roles)
	own, err := s.store.validPermissions(ctx, userID, s.now())
	if err != nil && !errors.Is(err, ErrSchemaNotReady) {
		return nil, err
	}
	held.Add(own...)
	return held, nil
}

func (s *DelegationService) validate(ctx context.Context, delegatorID, subordinateID uuid.UUID, permission string) error {
	if delegatorID == uuid.Nil || subordinateID == uuid.Nil {
		return invalid(CodeInvalidInput, "Delegator and subordinate are required.")
	}
	if !s.perms.Vocabulary().Has(permission) {
		return invalid(CodeUnknownPermission, fmt.Sprintf("%q is not a known permission.", permission))
	}
	held, err := s.heldPermissions(ctx, delegatorID)
	if err != nil {
		return err
	}
	isSub, err := s.hierarchy.isSubordinate(ctx, delegatorID, subordinateID)
	if err != nil {
		return err
	}
	return delegationRule(delegatorID, subordinateID, permission, held, isSub)
}

// CanDelegatePermission applies the same three rules as Authorizer.CanDelegatePermission
// using an independent, uncached derivation of the delegator's permissions.
func (s *DelegationService) CanDelegatePermission(ctx context.Context, delegatorID, subordinateID uuid.UUID, permission string) bool {
	err := s.validate(ctx, delegatorID, subordinateID, permission)
	if err != nil && CodeOf(err) == "" {
		s.log.Errorw("delegation check failed", "delegator_id", delegatorID, "subordinate_id", subordinateID, "error", err)
	}
	return err == nil
}

// Delegate grants permission to a subordinate. An existing record for the same
// (user, permission) pair is reactivated and its expiry replaced.
func (s *DelegationService) Delegate(ctx context.Context, delegatorID, subordinateID uuid.UUID, permission string, expiresAfterDays *int) (*UserPermissionDelegation, error) {
	if expiresAfterDays != nil && *expiresAfterDays <= 0 {
		return nil, invalid(CodeInvalidInput, "Expiry must be at least one day.")
	}
	if err := s.validate(ctx, delegatorID, subordinateID, permission); err != nil {
		return nil, err
	}

	var sub User
	if err := s.db.WithContext(ctx).Select("id", "tenant_id").First(&sub, "id = ?", subordinateID).Error; err != nil {
		return nil, fmt.Errorf("failed to load subordinate: %w", err)
	}

	now := s.now()
	var expiresAt *time.Time
	if expiresAfterDays != nil {
		t := now.AddDate(0, 0, *expiresAfterDays)
		expiresAt = &t
	}

	var result UserPermissionDelegation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND permission = ?", subordinateID, permission).First(&result).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = UserPermissionDelegation{
				TenantID:      sub.TenantID,
				UserID:        subordinateID,
				DelegatedByID: delegatorID,
				Permission:    permission,
				DelegatedAt:   now,
				ExpiresAt:     expiresAt,
				IsActive:      true,
			}
			return tx.Create(&result).Error
		}
		if err != nil {
			return err
		}
		result.DelegatedByID = delegatorID
		result.DelegatedAt = now
		result.ExpiresAt = expiresAt
		result.IsActive = true
		result.RevokedAt = nil
		result.RevokedByID = nil
		return tx.Save(&result).Error
	})
	if err != nil {
		return nil, classifyStoreError(delegationTable, err)
	}

	s.authz.Invalidate(ctx, subordinateID)
	s.audit.logAudit(ctx, sub.TenantID, delegatorID, "delegate_permission", "user", subordinateID, "Delegated "+permission)
	s.log.Infow("permission delegated", "delegator_id", delegatorID, "subordinate_id", subordinateID, "permission", permission)
	return &result, nil
}

func (s *DelegationService) load(ctx context.Context, id uuid.UUID) (*UserPermissionDelegation, error) {
	var d UserPermissionDelegation
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyStoreError(delegationTable, err)
	}
	return &d, nil
}

func (s *DelegationService) deactivate(ctx context.Context, d *UserPermissionDelegation, actorID uuid.UUID, action string) error {
	if !d.IsActive {
		return nil
	}
	now := s.now()
	err := s.db.WithContext(ctx).Model(d).Updates(map[string]any{
		"is_active":     false,
		"revoked_at":    now,
		"revoked_by_id": actorID,
	}).Error
	if err != nil {
		return err
	}
	d.IsActive = false
	d.RevokedAt = &now
	d.RevokedByID = &actorID

	s.authz.Invalidate(ctx, d.UserID)
	s.audit.logAudit(ctx, d.TenantID, actorID, action, "delegation", d.ID, "Revoked "+d.Permission)
	return nil
}

// Revoke deactivates a delegation. Only the original delegator may revoke it.
func (s *DelegationService) Revoke(ctx context.Context, actorID, delegationID uuid.UUID) error {
	d, err := s.load(ctx, delegationID)
	if err != nil {
		return err
	}
	if d.DelegatedByID != actorID {
		return denied(CodeNotDelegator, "Only the user who granted this delegation can revoke it.")
	}
	return s.deactivate(ctx, d, actorID, "revoke_delegation")
}

// ForceRevoke lets an administrator deactivate any delegation, for example one
// left behind by a deactivated delegator.
func (s *DelegationService) ForceRevoke(ctx context.Context, adminID, delegationID uuid.UUID) error {
	if s.authz.EffectiveTier(ctx, adminID) != TierAdmin {
		return denied(CodeInsufficientTier, "Only administrators can force-revoke a delegation.")
	}
	d, err := s.load(ctx, delegationID)
	if err != nil {
		return err
	}
	return s.deactivate(ctx, d, adminID, "force_revoke_delegation")
}

// GetMyDelegations lists delegations granted by delegatorID, newest first.
func (s *DelegationService) GetMyDelegations(ctx context.Context, delegatorID uuid.UUID) ([]UserPermissionDelegation, error) {
	var rows []UserPermissionDelegation
	err := s.db.WithContext(ctx).
		Where("delegated_by_id = ?", delegatorID).
		Order("delegated_at DESC").
		Find(&rows).Error
	return rows, classifyStoreError(delegationTable, err)
}

// GetReceivedDelegations lists delegations held by userID, newest first.
func (s *DelegationService) GetReceivedDelegations(ctx context.Context, userID uuid.UUID) ([]UserPermissionDelegation, error) {
	var rows []UserPermissionDelegation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("delegated_at DESC").
		Find(&rows).Error
	return rows, classifyStoreError(delegationTable, err)
}

// GetDelegatedPermissions returns the permissions of userID's valid delegations.
// A delegation table that does not exist yet reads as no delegations.
func (s *DelegationService) GetDelegatedPermissions(ctx context.Context, userID uuid.UUID) []string {
	perms, err := s.store.validPermissions(ctx, userID, s.now())
	switch {
	case errors.Is(err, ErrSchemaNotReady):
		s.log.Warnw("delegation table not provisioned", "user_id", userID)
		return []string{}
	case err != nil:
		s.log.Errorw("failed to load delegated permissions", "user_id", userID, "error", err)
		return []string{}
	}
	return perms
}
