package qms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Seeded role names. Routing and tier classification recognise them.
const (
	RoleSystemAdmin       = "System Admin"
	RoleTMD               = "TMD"
	RoleDeputyTMD         = "Deputy TMD"
	RoleDepartmentManager = "Department Manager"
	RoleFinanceOfficer    = "Finance Officer"
	RoleAuditor           = "Auditor"
	RoleStaff             = "Staff"
)

const (
	executivePermissions = PermAll &^ PermRoleManage

	managerPermissions = PermDocumentRead | PermDocumentCreate | PermDocumentEdit | PermDocumentApprove | PermDocumentArchive |
		PermTaskRead | PermTaskCreate | PermTaskEdit | PermTaskDelete | PermTaskAssign |
		PermCapaRead | PermCapaCreate | PermCapaEdit | PermCapaDelete |
		PermAuditRead | PermUserRead | PermReportView

	financePermissions = PermDocumentRead | PermDocumentCreate | PermDocumentEdit | PermDocumentApprove |
		PermTaskRead | PermCapaRead | PermReportView

	auditorPermissions = PermDocumentRead | PermTaskRead | PermCapaRead |
		PermAuditRead | PermAuditCreate | PermAuditEdit | PermReportView

	staffPermissions = PermDocumentRead | PermDocumentCreate | PermDocumentEdit | PermTaskRead | PermCapaRead
)

// DefaultTenantRoles is the role set seeded into every new tenant.
var DefaultTenantRoles = []struct {
	Name        string
	Permissions Permission
}{
	{RoleSystemAdmin, PermAll},
	{RoleTMD, executivePermissions},
	{RoleDeputyTMD, executivePermissions},
	{RoleDepartmentManager, managerPermissions},
	{RoleFinanceOfficer, financePermissions},
	{RoleAuditor, auditorPermissions},
	{RoleStaff, staffPermissions},
}

// CreateTenant creates a tenant and seeds its default roles.
func (s *Service) CreateTenant(ctx context.Context, name string) (*Tenant, []Role, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, ErrInvalidInput
	}
	tenant := &Tenant{Name: strings.TrimSpace(name)}
	var roles []Role
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tenant).Error; err != nil {
			return err
		}
		var err error
		roles, err = seedTenantRoles(tx, tenant.ID)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	s.audit.logAudit(ctx, tenant.ID, uuid.Nil, "create_tenant", "tenant", tenant.ID, "Created tenant: "+tenant.Name)
	return tenant, roles, nil
}

// SeedTenantRoles adds any missing default role to an existing tenant.
func (s *Service) SeedTenantRoles(ctx context.Context, tenantID uuid.UUID) ([]Role, error) {
	return seedTenantRoles(s.db.WithContext(ctx), tenantID)
}

func seedTenantRoles(tx *gorm.DB, tenantID uuid.UUID) ([]Role, error) {
	roles := make([]Role, 0, len(DefaultTenantRoles))
	for _, def := range DefaultTenantRoles {
		tier, duty := ClassifyRoleName(def.Name)
		role := Role{
			TenantID:     tenantID,
			Name:         def.Name,
			Permissions:  def.Permissions,
			Tier:         tier,
			Duty:         duty,
			IsSystemRole: true,
		}
		err := tx.Where("tenant_id = ? AND name = ?", tenantID, def.Name).FirstOrCreate(&role).Error
		if err != nil {
			return nil, fmt.Errorf("failed to seed role %s: %w", def.Name, err)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// CreateRole creates a tenant role. Its tier and duty come from ClassifyRoleName.
func (s *Service) CreateRole(ctx context.Context, actorID, tenantID uuid.UUID, name string, perms Permission) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" || tenantID == uuid.Nil {
		return nil, ErrInvalidInput
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Role{}).Where("tenant_id = ? AND name = ?", tenantID, name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, invalid(CodeInvalidInput, fmt.Sprintf("A role named %q already exists.", name))
	}

	tier, duty := ClassifyRoleName(name)
	role := &Role{TenantID: tenantID, Name: name, Permissions: perms & PermAll, Tier: tier, Duty: duty}
	if err := s.db.WithContext(ctx).Create(role).Error; err != nil {
		return nil, err
	}

	s.audit.logAudit(ctx, tenantID, actorID, "create_role", "role", role.ID, fmt.Sprintf("Created role: %s (%s)", name, tier))
	return role, nil
}

// GetRole retrieves a role by ID.
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	if id == uuid.Nil {
		return nil, ErrInvalidInput
	}
	var role Role
	err := s.db.WithContext(ctx).First(&role, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// ListRoles retrieves the roles of a tenant.
func (s *Service) ListRoles(ctx context.Context, tenantID uuid.UUID) ([]Role, error) {
	var roles []Role
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("tier DESC").Order("name").Find(&roles).Error; err != nil {
		return nil, err
	}
	return roles, nil
}

// UpdateRolePermissions replaces a role's permission flags.
func (s *Service) UpdateRolePermissions(ctx context.Context, actorID, roleID uuid.UUID, perms Permission) (*Role, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms & PermAll
	if err := s.db.WithContext(ctx).Model(role).Update("permissions", role.Permissions).Error; err != nil {
		return nil, err
	}
	s.invalidateRoleHolders(ctx, roleID)
	s.audit.logAudit(ctx, role.TenantID, actorID, "update_role_permissions", "role", role.ID, fmt.Sprintf("Permissions: %d", role.Permissions))
	return role, nil
}

// UpdateRoleTier reclassifies a role explicitly, overriding ClassifyRoleName.
func (s *Service) UpdateRoleTier(ctx context.Context, actorID, roleID uuid.UUID, tier RoleTier, duty RoleDuty) (*Role, error) {
	if tier < TierStaff || tier > TierAdmin {
		return nil, ErrInvalidInput
	}
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	role.Tier = tier
	role.Duty = duty
	if err := s.db.WithContext(ctx).Model(role).Select("tier", "duty").Updates(role).Error; err != nil {
		return nil, err
	}
	s.invalidateRoleHolders(ctx, roleID)
	s.audit.logAudit(ctx, role.TenantID, actorID, "update_role_tier", "role", role.ID, "Tier: "+tier.String())
	return role, nil
}

// DeleteRole removes a custom role and its assignments. System roles are protected.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID uuid.UUID) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return invalid(CodeSystemRole, fmt.Sprintf("%s is a system role and cannot be deleted.", role.Name))
	}

	holders := s.roleHolders(ctx, roleID)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("role_id = ?", roleID).Delete(&UserRole{}).Error; err != nil {
			return err
		}
		return tx.Delete(role).Error
	})
	if err != nil {
		return err
	}
	s.InvalidateBulkCache(ctx, holders)
	s.audit.logAudit(ctx, role.TenantID, actorID, "delete_role", "role", role.ID, "Deleted role: "+role.Name)
	return nil
}

func (s *Service) roleHolders(ctx context.Context, roleID uuid.UUID) []uuid.UUID {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&UserRole{}).Where("role_id = ?", roleID).Pluck("user_id", &ids).Error; err != nil {
		s.log.Warnw("failed to list role holders", "role_id", roleID, "error", err)
	}
	return ids
}

// invalidateRoleHolders drops cached permissions of everyone holding roleID.
func (s *Service) invalidateRoleHolders(ctx context.Context, roleID uuid.UUID) {
	s.InvalidateBulkCache(ctx, s.roleHolders(ctx, roleID))
}

func (s *Service) sameTenantRole(tx *gorm.DB, tenantID, roleID uuid.UUID) error {
	var role Role
	if err := loadForUpdate(tx, &role, roleID); err != nil {
		return err
	}
	if role.TenantID != tenantID {
		return invalid(CodeInvalidInput, "The role belongs to another organisation.")
	}
	return nil
}
