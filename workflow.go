package qms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// workflow holds the collaborators shared by the document, CAPA and task services.
type workflow struct {
	db         *gorm.DB
	authz      *Authorizer
	visibility *Visibility
	notifier   Notifier
	audit      *auditTrail
	log        *zap.SugaredLogger
	now        func() time.Time
}

// deliver sends collected notifications. Delivery failures are logged only.
func (w *workflow) deliver(ctx context.Context, o outbox) {
	if w.notifier == nil {
		return
	}
	for _, n := range o {
		if err := w.notifier.Notify(ctx, n); err != nil {
			w.log.Warnw("failed to deliver notification", "user_id", n.UserID, "title", n.Title, "error", err)
		}
	}
}

// actor loads an active user with roles. Missing or inactive users are denied.
func (w *workflow) actor(ctx context.Context, userID uuid.UUID) (*User, error) {
	var u User
	err := w.db.WithContext(ctx).Preload("Roles").First(&u, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, denied(CodeInvalidInput, "Unknown user.")
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, denied(CodeInvalidInput, "Your account is deactivated.")
	}
	return &u, nil
}

// loadForUpdate fetches a row by id inside tx, mapping absence to ErrNotFound.
func loadForUpdate(tx *gorm.DB, dest any, id uuid.UUID) error {
	err := tx.First(dest, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// saveVersioned writes every column of model only if the stored LockVersion still
// equals *lock, then bumps it. A lost race surfaces as ErrConcurrentModification.
func saveVersioned(tx *gorm.DB, entity string, model any, lock *int) error {
	prev := *lock
	*lock = prev + 1
	res := tx.Model(model).
		Where("lock_version = ?", prev).
		Select("*").
		Omit("created_at", clause.Associations).
		Updates(model)
	if res.Error != nil {
		*lock = prev
		return fmt.Errorf("failed to update %s: %w", entity, res.Error)
	}
	if res.RowsAffected == 0 {
		*lock = prev
		recordWriteConflict(entity)
		return ErrConcurrentModification
	}
	return nil
}
