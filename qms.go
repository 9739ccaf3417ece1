package qms

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LocalsUserID is the fiber.Ctx local carrying the authenticated user id.
const LocalsUserID = "user_id"

// Config holds the configuration for the QMS service.
type Config struct {
	DB          *gorm.DB
	RedisClient *redis.Client
	CacheTTL    time.Duration
	CacheSize   int
	CachePrefix string
	AutoMigrate bool

	EnableAuditLogging bool
	Logger             *zap.SugaredLogger
	Now                func() time.Time
	Notifier           Notifier

	FollowUpTaskDuration       time.Duration
	ImplementationTaskDuration time.Duration
	PermissionMap              PermissionMap
}

// Service is the entry point of the library. It owns the authorization engine
// and the document, CAPA and task workflows of every tenant.
type Service struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	now       func() time.Time
	audit     *auditTrail
	directory UserDirectory

	Cache       *PermissionCache
	Hierarchy   *HierarchyResolver
	Authz       *Authorizer
	Delegations *DelegationService
	Visibility  *Visibility
	Router      *Router
	Notifier    Notifier

	Documents *DocumentService
	Capas     *CapaService
	Tasks     *TaskService
}

// New initializes a Service. A nil RedisClient keeps the permission cache process-local.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = "qms:"
	}
	if cfg.FollowUpTaskDuration <= 0 {
		cfg.FollowUpTaskDuration = 72 * time.Hour
	}
	if cfg.ImplementationTaskDuration <= 0 {
		cfg.ImplementationTaskDuration = 14 * 24 * time.Hour
	}
	if cfg.PermissionMap == nil {
		cfg.PermissionMap = DefaultPermissionMap
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewGormNotifier(cfg.DB)
	}

	if cfg.AutoMigrate {
		if err := migrate(cfg.DB); err != nil {
			return nil, err
		}
	}

	log := cfg.Logger
	cache := NewPermissionCache(CacheConfig{
		TTL:    cfg.CacheTTL,
		Size:   cfg.CacheSize,
		Prefix: cfg.CachePrefix,
		Redis:  cfg.RedisClient,
		Logger: log,
	})
	directory := NewGormDirectory(cfg.DB)
	hierarchy := NewHierarchyResolver(cfg.DB, log)
	store := newDelegationStore(cfg.DB)
	authz := NewAuthorizer(AuthorizerConfig{
		Directory:     directory,
		Hierarchy:     hierarchy,
		Delegations:   store,
		Cache:         cache,
		PermissionMap: cfg.PermissionMap,
		Logger:        log,
		Now:           cfg.Now,
	})
	audit := &auditTrail{db: cfg.DB, enabled: cfg.EnableAuditLogging, log: log, now: cfg.Now}
	visibility := &Visibility{db: cfg.DB, authz: authz, hierarchy: hierarchy, log: log}
	router := NewRouter(cfg.DB, log)

	wf := &workflow{
		db:         cfg.DB,
		authz:      authz,
		visibility: visibility,
		notifier:   cfg.Notifier,
		audit:      audit,
		log:        log,
		now:        cfg.Now,
	}

	return &Service{
		db:        cfg.DB,
		log:       log,
		now:       cfg.Now,
		audit:     audit,
		directory: directory,

		Cache:     cache,
		Hierarchy: hierarchy,
		Authz:     authz,
		Delegations: &DelegationService{
			db:        cfg.DB,
			store:     store,
			authz:     authz,
			hierarchy: hierarchy,
			audit:     audit,
			perms:     cfg.PermissionMap,
			log:       log,
			now:       cfg.Now,
		},
		Visibility: visibility,
		Router:     router,
		Notifier:   cfg.Notifier,

		Documents: &DocumentService{
			workflow:       wf,
			router:         router,
			followUp:       cfg.FollowUpTaskDuration,
			implementation: cfg.ImplementationTaskDuration,
		},
		Capas: &CapaService{workflow: wf},
		Tasks: &TaskService{workflow: wf},
	}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.SetupJoinTable(&User{}, "Roles", &UserRole{}); err != nil {
		return fmt.Errorf("failed to set up user_roles join table: %w", err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return nil
}

// StartCacheListener subscribes to cache invalidations broadcast by other instances.
func (s *Service) StartCacheListener(ctx context.Context) error {
	return s.Cache.StartInvalidationListener(ctx)
}

// RefreshAllCaches drops every cached permission set on every instance.
func (s *Service) RefreshAllCaches(ctx context.Context, actorID uuid.UUID) {
	s.Cache.InvalidateAll(ctx)
	s.audit.logAudit(ctx, uuid.Nil, actorID, "refresh_caches", "cache", uuid.Nil, "")
}

// GetCacheStats reports the permission cache state.
func (s *Service) GetCacheStats(ctx context.Context) map[string]interface{} {
	return s.Cache.GetCacheStats(ctx)
}

// PermissionMiddleware provides Fiber middleware for permission checking. It
// expects an earlier handler to have stored the caller's id under LocalsUserID.
func (s *Service) PermissionMiddleware(permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals(LocalsUserID).(uuid.UUID)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "user id not found in context")
		}
		if err := s.Authz.Authorize(c.UserContext(), userID, permission); err != nil {
			s.log.Debugw("permission denied", "user_id", userID, "permission", permission)
			return fiber.NewError(fiber.StatusForbidden, err.Error())
		}
		return c.Next()
	}
}
