package qms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UserDirectory resolves a user together with their roles.
type UserDirectory interface {
	GetUserWithRoles(ctx context.Context, userID uuid.UUID) (*User, error)
}

type gormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory returns a UserDirectory backed by the users and roles tables.
func NewGormDirectory(db *gorm.DB) UserDirectory {
	return &gormDirectory{db: db}
}

func (d *gormDirectory) GetUserWithRoles(ctx context.Context, userID uuid.UUID) (*User, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	var u User
	err := d.db.WithContext(ctx).Preload("Roles").First(&u, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AuthorizerConfig wires an Authorizer.
type AuthorizerConfig struct {
	Directory     UserDirectory
	Hierarchy     *HierarchyResolver
	Delegations   *delegationStore
	Cache         *PermissionCache
	PermissionMap PermissionMap
	Logger        *zap.SugaredLogger
	Now           func() time.Time
}

// Authorizer is the single point answering permission questions for a user.
type Authorizer struct {
	directory   UserDirectory
	hierarchy   *HierarchyResolver
	delegations *delegationStore
	cache       *PermissionCache
	perms       PermissionMap
	log         *zap.SugaredLogger
	now         func() time.Time
}

func NewAuthorizer(cfg AuthorizerConfig) *Authorizer {
	if cfg.PermissionMap == nil {
		cfg.PermissionMap = DefaultPermissionMap
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cache == nil {
		cfg.Cache = NewPermissionCache(CacheConfig{Logger: cfg.Logger})
	}
	return &Authorizer{
		directory:   cfg.Directory,
		hierarchy:   cfg.Hierarchy,
		delegations: cfg.Delegations,
		cache:       cfg.Cache,
		perms:       cfg.PermissionMap,
		log:         cfg.Logger,
		now:         cfg.Now,
	}
}

// rolePermissionSet maps every role's flags and adds derived ViewAll grants for
// hierarchy-tier roles.
func rolePermissionSet(pm PermissionMap, roles []Role) PermissionSet {
	set := NewPermissionSet()
	for _, role := range roles {
		set.Add(pm.ToApplicationPermissions(role.Permissions)...)
		if role.Tier.IsHierarchyTier() {
			set.Add(derivedViewAll(role.Permissions)...)
		}
	}
	return set
}

// computeEffective resolves role, derived and delegated permissions from storage.
func (a *Authorizer) computeEffective(ctx context.Context, userID uuid.UUID) ([]string, error) {
	user, err := a.directory.GetUserWithRoles(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return []string{}, nil
	}

	set := rolePermissionSet(a.perms, user.Roles)
	delegated, err := a.delegatedPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	set.Add(delegated...)
	return set.Slice(), nil
}

// delegatedPermissions tolerates a delegation table that is not provisioned yet.
func (a *Authorizer) delegatedPermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if a.delegations == nil {
		return nil, nil
	}
	perms, err := a.delegations.validPermissions(ctx, userID, a.now())
	if errors.Is(err, ErrSchemaNotReady) {
		a.log.Warnw("delegation table not provisioned, ignoring delegated permissions", "user_id", userID)
		return nil, nil
	}
	return perms, err
}

// GetEffectivePermissions returns the union of role permissions, derived ViewAll
// grants and valid delegations. Resolution failures yield an empty set.
func (a *Authorizer) GetEffectivePermissions(ctx context.Context, userID uuid.UUID) PermissionSet {
	perms, err := a.cache.GetOrCreate(ctx, cacheKindPermissions, userID, func(ctx context.Context) ([]string, error) {
		return a.computeEffective(ctx, userID)
	})
	if err != nil {
		a.log.Errorw("resolving effective permissions failed", "user_id", userID, "error", err)
		return NewPermissionSet()
	}
	return NewPermissionSet(perms...)
}

// HasPermission checks a single permission string.
func (a *Authorizer) HasPermission(ctx context.Context, userID uuid.UUID, permission string) bool {
	ok := a.GetEffectivePermissions(ctx, userID).Has(permission)
	recordDecision(ok)
	return ok
}

// HasAnyPermission checks if the user holds at least one of perms.
func (a *Authorizer) HasAnyPermission(ctx context.Context, userID uuid.UUID, perms ...string) bool {
	ok := a.GetEffectivePermissions(ctx, userID).HasAny(perms...)
	recordDecision(ok)
	return ok
}

// HasAllPermissions checks if the user holds every one of perms.
func (a *Authorizer) HasAllPermissions(ctx context.Context, userID uuid.UUID, perms ...string) bool {
	ok := a.GetEffectivePermissions(ctx, userID).HasAll(perms...)
	recordDecision(ok)
	return ok
}

// IsInRole compares case-insensitively against the user's cached role names.
func (a *Authorizer) IsInRole(ctx context.Context, userID uuid.UUID, roleName string) bool {
	names, err := a.cache.GetOrCreate(ctx, cacheKindRoles, userID, func(ctx context.Context) ([]string, error) {
		user, err := a.directory.GetUserWithRoles(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return []string{}, nil
		}
		if err != nil {
			return nil, err
		}
		if !user.IsActive {
			return []string{}, nil
		}
		out := make([]string, 0, len(user.Roles))
		for _, r := range user.Roles {
			out = append(out, strings.ToLower(r.Name))
		}
		return out, nil
	})
	if err != nil {
		a.log.Errorw("resolving roles failed", "user_id", userID, "error", err)
		return false
	}
	want := strings.ToLower(strings.TrimSpace(roleName))
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// EffectiveTier returns the highest tier among the user's roles. Unknown or
// inactive users rank as staff.
func (a *Authorizer) EffectiveTier(ctx context.Context, userID uuid.UUID) RoleTier {
	user, err := a.directory.GetUserWithRoles(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.log.Errorw("resolving tier failed", "user_id", userID, "error", err)
		}
		return TierStaff
	}
	if !user.IsActive {
		return TierStaff
	}
	return highestTier(user.Roles)
}

func isReadAction(action string) bool {
	switch strings.ToLower(action) {
	case "read", "view", "list", "get":
		return true
	}
	return false
}

// CanAccessResource checks "<resourceType>.<action>", and for read actions also
// accepts "<resourceType>.ViewAll".
func (a *Authorizer) CanAccessResource(ctx context.Context, userID uuid.UUID, resourceType string, resourceID uuid.UUID, action string) bool {
	perms := a.GetEffectivePermissions(ctx, userID)
	ok := perms.Has(PermissionName(resourceType, action))
	if !ok && isReadAction(action) {
		ok = perms.Has(PermissionName(resourceType, ActionViewAll))
	}
	recordDecision(ok)
	if !ok {
		a.log.Debugw("resource access denied", "user_id", userID, "resource", resourceType, "resource_id", resourceID, "action", action)
	}
	return ok
}

// CanViewUserData allows self access, Users.ViewAll, or a hierarchy subordinate.
func (a *Authorizer) CanViewUserData(ctx context.Context, userID, targetUserID uuid.UUID) bool {
	if userID == targetUserID {
		return true
	}
	if a.HasPermission(ctx, userID, UsersViewAll) {
		return true
	}
	return a.hierarchy.IsSubordinate(ctx, userID, targetUserID)
}

// CanViewSubordinateData allows self access or a positive hierarchy check.
// Users.ViewAll alone is not enough here.
func (a *Authorizer) CanViewSubordinateData(ctx context.Context, userID, subordinateID uuid.UUID) bool {
	if userID == subordinateID {
		return true
	}
	return a.hierarchy.IsSubordinate(ctx, userID, subordinateID)
}

// delegationRule holds the three delegation invariants.
func delegationRule(delegatorID, subordinateID uuid.UUID, permission string, held PermissionSet, isSubordinate bool) error {
	if delegatorID == subordinateID {
		return invalid(CodeSelfDelegation, "You cannot delegate a permission to yourself.")
	}
	if !held.Has(permission) {
		return denied(CodePermissionNotHeld, fmt.Sprintf("You cannot delegate %s because you do not hold it.", permission))
	}
	if !isSubordinate {
		return invalid(CodeNotSubordinate, "Permissions can only be delegated to your subordinates.")
	}
	return nil
}

// heldForDelegation recomputes the delegator's permissions without the cache.
func (a *Authorizer) heldForDelegation(ctx context.Context, userID uuid.UUID) (PermissionSet, error) {
	perms, err := a.computeEffective(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(perms...), nil
}

func (a *Authorizer) checkDelegation(ctx context.Context, delegatorID, subordinateID uuid.UUID, permission string) error {
	held, err := a.heldForDelegation(ctx, delegatorID)
	if err != nil {
		return err
	}
	isSub, err := a.hierarchy.isSubordinate(ctx, delegatorID, subordinateID)
	if err != nil {
		return err
	}
	return delegationRule(delegatorID, subordinateID, permission, held, isSub)
}

// CanDelegatePermission holds when the delegator currently has the permission,
// the target is a true subordinate, and the target is not the delegator.
func (a *Authorizer) CanDelegatePermission(ctx context.Context, delegatorID, subordinateID uuid.UUID, permission string) bool {
	err := a.checkDelegation(ctx, delegatorID, subordinateID, permission)
	if err != nil && CodeOf(err) == "" {
		a.log.Errorw("delegation check failed", "delegator_id", delegatorID, "subordinate_id", subordinateID, "permission", permission, "error", err)
	}
	return err == nil
}

// Authorize is a guard: it returns an *AuthorizationError when the user lacks permission.
func (a *Authorizer) Authorize(ctx context.Context, userID uuid.UUID, permission string) error {
	if a.HasPermission(ctx, userID, permission) {
		return nil
	}
	a.log.Warnw("authorization denied", "user_id", userID, "permission", permission)
	return &AuthorizationError{
		UserID:     userID,
		Permission: permission,
		Message:    deniedMessage(a.EffectiveTier(ctx, userID), permission),
	}
}

// Invalidate drops the cached permission and role views of a user.
func (a *Authorizer) Invalidate(ctx context.Context, userID uuid.UUID) {
	a.cache.Invalidate(ctx, userID)
}

var resourceDisplayNames = map[string]string{
	ResourceDocuments: "documents",
	ResourceTasks:     "tasks",
	ResourceCapas:     "CAPAs",
	ResourceAudits:    "audits",
	ResourceUsers:     "users",
	ResourceRoles:     "roles",
	ResourceReports:   "reports",
}

// deniedMessage explains a denial in terms of the role model.
func deniedMessage(tier RoleTier, permission string) string {
	resource, action, ok := strings.Cut(permission, ".")
	if !ok {
		return fmt.Sprintf("You do not have the %s permission.", permission)
	}
	name := resourceDisplayNames[resource]
	if name == "" {
		name = strings.ToLower(resource)
	}
	verb := strings.ToLower(action)
	if action == ActionViewAll {
		verb = "view all"
	}
	if tier == TierAuditor && !isReadAction(action) {
		return fmt.Sprintf("Auditors cannot %s %s. This is a read-only role.", verb, name)
	}
	return fmt.Sprintf("Your role does not allow you to %s %s.", verb, name)
}
