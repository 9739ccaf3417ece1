package qms

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// auditTrail appends AuditLog rows when audit logging is enabled.
type auditTrail struct {
	db      *gorm.DB
	enabled bool
	log     *zap.SugaredLogger
	now     func() time.Time
}

// logAudit creates an audit log entry. Failures are logged, never returned, so a
// broken audit table cannot block the action being audited.
func (a *auditTrail) logAudit(ctx context.Context, tenantID, actorID uuid.UUID, action, targetType string, targetID uuid.UUID, details string) {
	if a == nil || !a.enabled {
		return
	}
	entry := &AuditLog{
		TenantID:   tenantID,
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		CreatedAt:  a.now(),
	}
	if err := a.db.WithContext(ctx).Create(entry).Error; err != nil {
		a.log.Warnw("failed to record audit log", "action", action, "target_type", targetType, "target_id", targetID, "error", err)
	}
}

// AuditFilter narrows ListAuditLogs. Zero fields are ignored.
type AuditFilter struct {
	TenantID uuid.UUID
	ActorID  uuid.UUID
	TargetID uuid.UUID
	Action   string
	Since    *time.Time
	Limit    int
}

// GetAuditLog retrieves an audit log by ID.
func (s *Service) GetAuditLog(ctx context.Context, id uuid.UUID) (*AuditLog, error) {
	if id == uuid.Nil {
		return nil, ErrInvalidInput
	}

	var entry AuditLog
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListAuditLogs retrieves audit logs, newest first.
func (s *Service) ListAuditLogs(ctx context.Context, f AuditFilter) ([]AuditLog, error) {
	var entries []AuditLog
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if f.TenantID != uuid.Nil {
		query = query.Where("tenant_id = ?", f.TenantID)
	}
	if f.ActorID != uuid.Nil {
		query = query.Where("actor_id = ?", f.ActorID)
	}
	if f.TargetID != uuid.Nil {
		query = query.Where("target_id = ?", f.TargetID)
	}
	if f.Action != "" {
		query = query.Where("action = ?", f.Action)
	}
	if f.Since != nil {
		query = query.Where("created_at >= ?", *f.Since)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
