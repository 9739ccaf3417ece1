package qms

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Notifier delivers in-app notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

type gormNotifier struct {
	db *gorm.DB
}

// NewGormNotifier stores notifications in the notifications table.
func NewGormNotifier(db *gorm.DB) Notifier {
	return &gormNotifier{db: db}
}

func (g *gormNotifier) Notify(ctx context.Context, n *Notification) error {
	return g.db.WithContext(ctx).Create(n).Error
}

// outbox collects notifications inside a transaction; they are sent once it commits.
type outbox []*Notification

func (o *outbox) add(tenantID, userID uuid.UUID, title, message, link string) {
	*o = append(*o, &Notification{
		TenantID: tenantID,
		UserID:   userID,
		Title:    title,
		Message:  message,
		Link:     link,
	})
}

// ListNotifications returns userID's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool) ([]Notification, error) {
	var out []Notification
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks one of userID's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	var n Notification
	err := s.db.WithContext(ctx).First(&n, "id = ? AND user_id = ?", notificationID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&n).Update("is_read", true).Error
}
