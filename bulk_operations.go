package qms

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const bulkWorkers = 10

// BulkPermissionCheck is one user/permission pair to evaluate.
type BulkPermissionCheck struct {
	UserID     uuid.UUID
	Permission string
}

// BulkPermissionResult represents the result of bulk permission checks
type BulkPermissionResult struct {
	UserID     uuid.UUID
	Permission string
	Allowed    bool
}

// CheckBulkPermissions evaluates checks concurrently; results keep the order of checks.
func (s *Service) CheckBulkPermissions(ctx context.Context, checks []BulkPermissionCheck) []BulkPermissionResult {
	results := make([]BulkPermissionResult, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkWorkers)
	for i, check := range checks {
		g.Go(func() error {
			results[i] = BulkPermissionResult{
				UserID:     check.UserID,
				Permission: check.Permission,
				Allowed:    s.Authz.HasPermission(gctx, check.UserID, check.Permission),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// BulkAssignRoles assigns multiple roles to multiple users in one transaction.
func (s *Service) BulkAssignRoles(ctx context.Context, actorID uuid.UUID, assignments map[uuid.UUID][]uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for userID, roleIDs := range assignments {
			var user User
			if err := loadForUpdate(tx, &user, userID); err != nil {
				return err
			}
			for _, roleID := range roleIDs {
				if err := s.sameTenantRole(tx, user.TenantID, roleID); err != nil {
					return err
				}
				ur := &UserRole{UserID: userID, RoleID: roleID}
				// FirstOrCreate keeps repeated assignments idempotent.
				if err := tx.Where("user_id = ? AND role_id = ?", userID, roleID).FirstOrCreate(ur).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.InvalidateBulkCache(ctx, mapKeys(assignments))
	for userID := range assignments {
		s.audit.logAudit(ctx, uuid.Nil, actorID, "bulk_assign_roles", "user", userID, "")
	}
	return nil
}

// BulkRemoveRoles removes multiple roles from multiple users in one transaction.
func (s *Service) BulkRemoveRoles(ctx context.Context, actorID uuid.UUID, removals map[uuid.UUID][]uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for userID, roleIDs := range removals {
			if len(roleIDs) == 0 {
				continue
			}
			if err := tx.Where("user_id = ? AND role_id IN ?", userID, roleIDs).
				Delete(&UserRole{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.InvalidateBulkCache(ctx, mapKeys(removals))
	for userID := range removals {
		s.audit.logAudit(ctx, uuid.Nil, actorID, "bulk_remove_roles", "user", userID, "")
	}
	return nil
}

// GetUserPermissionsBulk resolves effective permissions for several users,
// filling the permission cache as it goes.
func (s *Service) GetUserPermissionsBulk(ctx context.Context, userIDs []uuid.UUID) map[uuid.UUID][]string {
	results := make(map[uuid.UUID][]string, len(userIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkWorkers)
	for _, id := range NewIDSet(userIDs...).Slice() {
		g.Go(func() error {
			perms := s.Authz.GetEffectivePermissions(gctx, id).Slice()
			mu.Lock()
			results[id] = perms
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// InvalidateBulkCache invalidates cache for multiple users
func (s *Service) InvalidateBulkCache(ctx context.Context, userIDs []uuid.UUID) {
	for _, id := range userIDs {
		s.Authz.Invalidate(ctx, id)
	}
}

func mapKeys(m map[uuid.UUID][]uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
