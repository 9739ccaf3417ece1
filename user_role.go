package qms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserInput describes a new tenant member.
type UserInput struct {
	TenantID           uuid.UUID
	Email              string
	FullName           string
	OrganizationUnitID *uuid.UUID
	ManagerID          *uuid.UUID
	RoleIDs            []uuid.UUID
}

// CreateUser adds an active user with optional manager, unit and roles.
func (s *Service) CreateUser(ctx context.Context, actorID uuid.UUID, in UserInput) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if in.TenantID == uuid.Nil || email == "" || strings.TrimSpace(in.FullName) == "" {
		return nil, ErrInvalidInput
	}

	user := &User{
		TenantID:           in.TenantID,
		Email:              email,
		FullName:           strings.TrimSpace(in.FullName),
		OrganizationUnitID: in.OrganizationUnitID,
		ManagerID:          in.ManagerID,
		IsActive:           true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.ManagerID != nil {
			ok, err := activeTenantUser(tx, in.TenantID, *in.ManagerID)
			if err != nil {
				return err
			}
			if !ok {
				return invalid(CodeInvalidInput, "The manager is not an active member of this organisation.")
			}
		}
		if in.OrganizationUnitID != nil {
			if err := sameTenantUnit(tx, in.TenantID, *in.OrganizationUnitID); err != nil {
				return err
			}
		}
		for _, roleID := range in.RoleIDs {
			if err := s.sameTenantRole(tx, in.TenantID, roleID); err != nil {
				return err
			}
		}
		if err := tx.Omit(clause.Associations).Create(user).Error; err != nil {
			return err
		}
		for _, roleID := range NewIDSet(in.RoleIDs...).Slice() {
			if err := tx.Create(&UserRole{UserID: user.ID, RoleID: roleID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.logAudit(ctx, user.TenantID, actorID, "create_user", "user", user.ID, "Created user: "+user.Email)
	return s.GetUserWithRoles(ctx, user.ID)
}

// GetUserWithRoles loads a user with roles eagerly.
func (s *Service) GetUserWithRoles(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.directory.GetUserWithRoles(ctx, userID)
}

// ListUsers lists the members of a tenant.
func (s *Service) ListUsers(ctx context.Context, tenantID uuid.UUID, includeInactive bool) ([]User, error) {
	q := s.db.WithContext(ctx).Preload("Roles").Where("tenant_id = ?", tenantID)
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var users []User
	if err := q.Order("full_name").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// AssignRole creates a new user-role mapping.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID uuid.UUID) error {
	if userID == uuid.Nil || roleID == uuid.Nil {
		return ErrInvalidInput
	}
	var user User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadForUpdate(tx, &user, userID); err != nil {
			return err
		}
		if err := s.sameTenantRole(tx, user.TenantID, roleID); err != nil {
			return err
		}
		ur := &UserRole{UserID: userID, RoleID: roleID}
		return tx.Where("user_id = ? AND role_id = ?", userID, roleID).FirstOrCreate(ur).Error
	})
	if err != nil {
		return err
	}

	s.Authz.Invalidate(ctx, userID)
	s.audit.logAudit(ctx, user.TenantID, actorID, "assign_role", "user", userID, "Assigned role "+roleID.String())
	return nil
}

// RemoveRole deletes a user-role mapping.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID, roleID uuid.UUID) error {
	if userID == uuid.Nil || roleID == uuid.Nil {
		return ErrInvalidInput
	}
	res := s.db.WithContext(ctx).Where("user_id = ? AND role_id = ?", userID, roleID).Delete(&UserRole{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	s.Authz.Invalidate(ctx, userID)
	s.audit.logAudit(ctx, uuid.Nil, actorID, "remove_role", "user", userID, "Removed role "+roleID.String())
	return nil
}

// ListUserRoles returns the roles held by a user.
func (s *Service) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	user, err := s.GetUserWithRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Roles, nil
}

// SetManager points userID at a new manager, or clears it with nil. Assignments
// that would close a loop in the reporting graph are rejected.
func (s *Service) SetManager(ctx context.Context, actorID, userID uuid.UUID, managerID *uuid.UUID) error {
	var user User
	if err := loadForUpdate(s.db.WithContext(ctx), &user, userID); err != nil {
		return err
	}
	if managerID != nil {
		if *managerID == userID {
			return invalid(CodeManagerCycle, "A user cannot be their own manager.")
		}
		ok, err := activeTenantUser(s.db.WithContext(ctx), user.TenantID, *managerID)
		if err != nil {
			return err
		}
		if !ok {
			return invalid(CodeInvalidInput, "The manager is not an active member of this organisation.")
		}
		cycle, err := s.Hierarchy.wouldCreateCycle(ctx, userID, *managerID)
		if err != nil {
			return err
		}
		if cycle {
			return invalid(CodeManagerCycle, "This assignment would make the user report to one of their own subordinates.")
		}
	}

	if err := s.db.WithContext(ctx).Model(&user).Update("manager_id", managerID).Error; err != nil {
		return err
	}
	details := "Cleared manager"
	if managerID != nil {
		details = "Manager: " + managerID.String()
	}
	s.audit.logAudit(ctx, user.TenantID, actorID, "set_manager", "user", userID, details)
	return nil
}

// DeactivateUser soft-disables a user. Their permissions resolve to nothing from now on.
func (s *Service) DeactivateUser(ctx context.Context, actorID, userID uuid.UUID) error {
	var user User
	if err := loadForUpdate(s.db.WithContext(ctx), &user, userID); err != nil {
		return err
	}
	if !user.IsActive {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&user).Update("is_active", false).Error; err != nil {
		return err
	}
	s.Authz.Invalidate(ctx, userID)
	s.audit.logAudit(ctx, user.TenantID, actorID, "deactivate_user", "user", userID, "Deactivated user: "+user.Email)
	return nil
}

func sameTenantUnit(tx *gorm.DB, tenantID, unitID uuid.UUID) error {
	var unit OrganizationUnit
	err := tx.Select("id", "tenant_id").First(&unit, "id = ?", unitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && unit.TenantID != tenantID) {
		return invalid(CodeInvalidInput, fmt.Sprintf("Organisation unit %s does not exist.", unitID))
	}
	return err
}
