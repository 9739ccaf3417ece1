package qms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskStatus is the state of a QMS task. Overdue is never stored; it is
// derived by EffectiveStatus.
type TaskStatus string

const (
	TaskOpen             TaskStatus = "Open"
	TaskInProgress       TaskStatus = "InProgress"
	TaskAwaitingApproval TaskStatus = "AwaitingApproval"
	TaskCompleted        TaskStatus = "Completed"
	TaskCancelled        TaskStatus = "Cancelled"
	TaskOverdue          TaskStatus = "Overdue"
)

func openTaskStatuses() []TaskStatus {
	return []TaskStatus{TaskOpen, TaskInProgress, TaskAwaitingApproval}
}

// IsOpen reports whether the task still needs work or review.
func (s TaskStatus) IsOpen() bool {
	return s == TaskOpen || s == TaskInProgress || s == TaskAwaitingApproval
}

// EffectiveStatus is Overdue for an open task past its due date, otherwise the stored status.
func (t *QmsTask) EffectiveStatus(now time.Time) TaskStatus {
	if t.Status.IsOpen() && t.DueDate != nil && now.After(*t.DueDate) {
		return TaskOverdue
	}
	return t.Status
}

// TaskInput describes new tasks. One task is created per assignee; with no
// assignees a single task is assigned to OrganizationUnitID.
type TaskInput struct {
	Title              string
	Description        string
	AssigneeIDs        []uuid.UUID
	OrganizationUnitID *uuid.UUID
	DueDate            *time.Time
	DocumentID         *uuid.UUID
	CapaID             *uuid.UUID
	AuditID            *uuid.UUID
	RequiresApproval   bool
}

// TaskChanges is a partial update. Nil fields are left alone.
type TaskChanges struct {
	Title       *string
	Description *string
	DueDate     *time.Time
}

// TaskService runs the task lifecycle.
type TaskService struct {
	*workflow
}

func taskLink(t *QmsTask) string { return "/tasks/" + t.ID.String() }

// isAssignee treats members of the assigned org unit as assignees of a task
// with no individual assignee.
func isAssignee(actor *User, t *QmsTask) bool {
	if t.AssigneeID != nil {
		return *t.AssigneeID == actor.ID
	}
	return t.OrganizationUnitID != nil && sameID(actor.OrganizationUnitID, *t.OrganizationUnitID)
}

func (s *TaskService) get(tx *gorm.DB, id uuid.UUID) (*QmsTask, error) {
	var t QmsTask
	if err := loadForUpdate(tx, &t, id); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TaskService) createCheck(ctx context.Context, actor *User) error {
	switch tier := highestTier(actor.Roles); {
	case tier == TierAuditor:
		return denied(CodeReadOnlyRole, "Auditors cannot create tasks. This is a read-only role.")
	case !tier.AtLeast(TierManager):
		return denied(CodeInsufficientTier, "Only managers can create tasks.")
	}
	return s.authz.Authorize(ctx, actor.ID, TasksCreate)
}

// Create opens tasks for each assignee, or one task for an org unit.
func (s *TaskService) Create(ctx context.Context, actorID uuid.UUID, in TaskInput) ([]QmsTask, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, invalid(CodeInvalidInput, "A task title is required.")
	}
	assignees := NewIDSet(in.AssigneeIDs...).Slice()
	if len(assignees) == 0 && in.OrganizationUnitID == nil {
		return nil, invalid(CodeInvalidInput, "A task needs an assignee or an organisation unit.")
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.createCheck(ctx, actor); err != nil {
		return nil, err
	}

	base := QmsTask{
		TenantID:           actor.TenantID,
		Title:              strings.TrimSpace(in.Title),
		Description:        in.Description,
		Status:             TaskOpen,
		CreatedByID:        actorID,
		OrganizationUnitID: in.OrganizationUnitID,
		DueDate:            in.DueDate,
		DocumentID:         in.DocumentID,
		CapaID:             in.CapaID,
		AuditID:            in.AuditID,
		RequiresApproval:   in.RequiresApproval,
	}

	var tasks []QmsTask
	var box outbox
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.OrganizationUnitID != nil {
			var count int64
			err := tx.Model(&OrganizationUnit{}).Where("id = ? AND tenant_id = ?", *in.OrganizationUnitID, actor.TenantID).Count(&count).Error
			if err != nil {
				return err
			}
			if count == 0 {
				return invalid(CodeInvalidInput, "The organisation unit does not exist.")
			}
		}
		if len(assignees) == 0 {
			tasks = append(tasks, base)
		}
		for _, id := range assignees {
			ok, err := activeTenantUser(tx, actor.TenantID, id)
			if err != nil {
				return err
			}
			if !ok {
				return invalid(CodeInvalidInput, fmt.Sprintf("Assignee %s is not an active member of this organisation.", id))
			}
			t := base
			assignee := id
			t.AssigneeID = &assignee
			tasks = append(tasks, t)
		}
		if err := tx.Create(&tasks).Error; err != nil {
			return err
		}
		for i := range tasks {
			if tasks[i].AssigneeID != nil {
				box.add(actor.TenantID, *tasks[i].AssigneeID, "New task assigned", tasks[i].Title, taskLink(&tasks[i]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, box)
	for i := range tasks {
		recordTransition("task", string(TaskOpen))
		s.audit.logAudit(ctx, actor.TenantID, actorID, "create_task", "task", tasks[i].ID, "Created task: "+tasks[i].Title)
	}
	return tasks, nil
}

// creatorCheck guards edit, cancel and delete: creator only, before completion.
func creatorCheck(actor *User, t *QmsTask) error {
	if actor.TenantID != t.TenantID {
		return ErrNotFound
	}
	if t.CreatedByID != actor.ID {
		return denied(CodeNotCreator, "Only the task's creator can change it.")
	}
	if !t.Status.IsOpen() {
		return invalid(CodeNotEditable, fmt.Sprintf("A task in %s status can no longer be changed.", t.Status))
	}
	return nil
}

// Update edits an open task. Only its creator may edit it.
func (s *TaskService) Update(ctx context.Context, actorID, taskID uuid.UUID, ch TaskChanges) (*QmsTask, error) {
	if ch.Title != nil && strings.TrimSpace(*ch.Title) == "" {
		return nil, invalid(CodeInvalidInput, "A task title is required.")
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var t *QmsTask
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t, err = s.get(tx, taskID); err != nil {
			return err
		}
		if err := creatorCheck(actor, t); err != nil {
			return err
		}
		if ch.Title != nil {
			t.Title = strings.TrimSpace(*ch.Title)
		}
		if ch.Description != nil {
			t.Description = *ch.Description
		}
		if ch.DueDate != nil {
			t.DueDate = ch.DueDate
			t.OverdueNotifiedAt = nil
		}
		return saveVersioned(tx, "task", t, &t.LockVersion)
	})
	if err != nil {
		return nil, err
	}
	s.audit.logAudit(ctx, t.TenantID, actorID, "update_task", "task", t.ID, "Updated task: "+t.Title)
	return t, nil
}

// Delete removes an open task and its activity. Only its creator may delete it.
func (s *TaskService) Delete(ctx context.Context, actorID, taskID uuid.UUID) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}

	var t *QmsTask
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t, err = s.get(tx, taskID); err != nil {
			return err
		}
		if err := creatorCheck(actor, t); err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", t.ID).Delete(&TaskActivity{}).Error; err != nil {
			return err
		}
		res := tx.Where("lock_version = ?", t.LockVersion).Delete(t)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			recordWriteConflict("task")
			return ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.logAudit(ctx, t.TenantID, actorID, "delete_task", "task", t.ID, "Deleted task: "+t.Title)
	return nil
}

// Cancel closes an open task without completing it.
func (s *TaskService) Cancel(ctx context.Context, actorID, taskID uuid.UUID, reason string) (*QmsTask, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var t *QmsTask
	var box outbox
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t, err = s.get(tx, taskID); err != nil {
			return err
		}
		if err := creatorCheck(actor, t); err != nil {
			return err
		}
		t.Status = TaskCancelled
		if t.AssigneeID != nil {
			box.add(t.TenantID, *t.AssigneeID, "Task cancelled", strings.TrimSpace(t.Title+" "+reason), taskLink(t))
		}
		return saveVersioned(tx, "task", t, &t.LockVersion)
	})
	if err != nil {
		return nil, err
	}
	s.deliver(ctx, box)
	recordTransition("task", string(TaskCancelled))
	s.audit.logAudit(ctx, t.TenantID, actorID, "cancel_task", "task", t.ID, reason)
	return t, nil
}

// AddActivity posts a progress note. Only the assignee may post; the first note
// moves an Open task to InProgress.
func (s *TaskService) AddActivity(ctx context.Context, actorID, taskID uuid.UUID, note string, progress int) (*TaskActivity, error) {
	if progress < 0 || progress > 100 {
		return nil, invalid(CodeInvalidInput, "Progress must be between 0 and 100.")
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var act *TaskActivity
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.get(tx, taskID)
		if err != nil {
			return err
		}
		if !isAssignee(actor, t) {
			return denied(CodeNotAssignee, "Only the assignee can post progress on this task.")
		}
		if t.Status != TaskOpen && t.Status != TaskInProgress {
			return badTransition(fmt.Sprintf("Progress cannot be posted on a task in %s status.", t.Status))
		}
		act = &TaskActivity{TaskID: t.ID, AuthorID: actorID, Note: note, Progress: progress}
		if err := tx.Create(act).Error; err != nil {
			return err
		}
		t.Status = TaskInProgress
		t.Progress = progress
		return saveVersioned(tx, "task", t, &t.LockVersion)
	})
	if err != nil {
		return nil, err
	}
	return act, nil
}

// Complete marks the task done, or hands it to review when it requires approval.
func (s *TaskService) Complete(ctx context.Context, actorID, taskID uuid.UUID, note string) (*QmsTask, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var t *QmsTask
	var box outbox
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t, err = s.get(tx, taskID); err != nil {
			return err
		}
		if !isAssignee(actor, t) {
			return denied(CodeNotAssignee, "Only the assignee can complete this task.")
		}
		if t.Status != TaskOpen && t.Status != TaskInProgress {
			return badTransition(fmt.Sprintf("A task in %s status cannot be completed.", t.Status))
		}
		if note != "" {
			if err := tx.Create(&TaskActivity{TaskID: t.ID, AuthorID: actorID, Note: note, Progress: 100}).Error; err != nil {
				return err
			}
		}
		t.Progress = 100
		if t.RequiresApproval {
			t.Status = TaskAwaitingApproval
			box.add(t.TenantID, t.CreatedByID, "Task awaiting approval", t.Title, taskLink(t))
		} else {
			now := s.now()
			t.Status = TaskCompleted
			t.CompletedAt = &now
		}
		return saveVersioned(tx, "task", t, &t.LockVersion)
	})
	if err != nil {
		return nil, err
	}
	s.deliver(ctx, box)
	recordTransition("task", string(t.Status))
	s.audit.logAudit(ctx, t.TenantID, actorID, "complete_task", "task", t.ID, "Status: "+string(t.Status))
	return t, nil
}

// reviewCheck guards completion review: manager tier and above, never the assignee.
func reviewCheck(actor *User, t *QmsTask) error {
	if actor.TenantID != t.TenantID {
		return ErrNotFound
	}
	if t.Status != TaskAwaitingApproval {
		return badTransition("This task is not awaiting approval.")
	}
	if isAssignee(actor, t) {
		return denied(CodeAssigneeCannotApprove, "The assignee cannot approve their own work.")
	}
	if !highestTier(actor.Roles).AtLeast(TierManager) {
		return denied(CodeInsufficientTier, "Only managers can review task completion.")
	}
	return nil
}

// ApproveCompletion accepts a completion awaiting review.
func (s *TaskService) ApproveCompletion(ctx context.Context, actorID, taskID uuid.UUID) (*QmsTask, error) {
	return s.review(ctx, actorID, taskID, true, "")
}

// RejectCompletion sends the task back to InProgress with a reason.
func (s *TaskService) RejectCompletion(ctx context.Context, actorID, taskID uuid.UUID, reason string) (*QmsTask, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, invalid(CodeReasonRequired, "A reason is required to reject a task completion.")
	}
	return s.review(ctx, actorID, taskID, false, strings.TrimSpace(reason))
}

func (s *TaskService) review(ctx context.Context, actorID, taskID uuid.UUID, approve bool, reason string) (*QmsTask, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var t *QmsTask
	var box outbox
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t, err = s.get(tx, taskID); err != nil {
			return err
		}
		if err := reviewCheck(actor, t); err != nil {
			return err
		}
		title := "Task completion approved"
		if approve {
			now := s.now()
			t.Status = TaskCompleted
			t.CompletedAt = &now
			t.ApprovedByID = &actorID
		} else {
			title = "Task completion rejected"
			t.Status = TaskInProgress
			if err := tx.Create(&TaskActivity{TaskID: t.ID, AuthorID: actorID, Note: reason, Progress: t.Progress}).Error; err != nil {
				return err
			}
		}
		if t.AssigneeID != nil {
			box.add(t.TenantID, *t.AssigneeID, title, strings.TrimSpace(t.Title+" "+reason), taskLink(t))
		}
		return saveVersioned(tx, "task", t, &t.LockVersion)
	})
	if err != nil {
		return nil, err
	}
	s.deliver(ctx, box)
	recordTransition("task", string(t.Status))
	s.audit.logAudit(ctx, t.TenantID, actorID, "review_task", "task", t.ID, "Status: "+string(t.Status))
	return t, nil
}

// Get returns a task userID may see, with its effective status.
func (s *TaskService) Get(ctx context.Context, userID, taskID uuid.UUID) (*QmsTask, error) {
	t, err := s.get(s.db.WithContext(ctx), taskID)
	if err != nil {
		return nil, err
	}
	if !s.visibility.CanViewTask(ctx, userID, t) {
		return nil, &AuthorizationError{UserID: userID, Permission: TasksRead, Message: "You do not have access to this task."}
	}
	t.Status = t.EffectiveStatus(s.now())
	return t, nil
}

// Activities returns the progress notes of a task, oldest first.
func (s *TaskService) Activities(ctx context.Context, userID, taskID uuid.UUID) ([]TaskActivity, error) {
	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return nil, err
	}
	var out []TaskActivity
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at").Find(&out).Error
	return out, err
}

// ListVisible returns the tasks userID may see with Overdue derived.
func (s *TaskService) ListVisible(ctx context.Context, userID uuid.UUID) ([]QmsTask, error) {
	tasks, err := s.visibility.ListVisibleTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range tasks {
		tasks[i].Status = tasks[i].EffectiveStatus(now)
	}
	return tasks, nil
}

// NotifyOverdue notifies assignees and creators of open tasks past their due
// date, once per due date. Stored statuses are not changed. It returns the
// number of tasks notified.
func (s *TaskService) NotifyOverdue(ctx context.Context) (int, error) {
	var candidates []QmsTask
	err := s.db.WithContext(ctx).
		Where("status IN ? AND due_date IS NOT NULL AND overdue_notified_at IS NULL", openTaskStatuses()).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	now := s.now()
	notified := 0
	for i := range candidates {
		t := &candidates[i]
		if t.EffectiveStatus(now) != TaskOverdue {
			continue
		}
		res := s.db.WithContext(ctx).Model(&QmsTask{}).
			Where("id = ? AND overdue_notified_at IS NULL", t.ID).
			Update("overdue_notified_at", now)
		if res.Error != nil {
			s.log.Warnw("failed to mark task overdue-notified", "task_id", t.ID, "error", res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}

		var box outbox
		msg := fmt.Sprintf("%q was due %s.", t.Title, t.DueDate.Format(time.RFC1123))
		if t.AssigneeID != nil {
			box.add(t.TenantID, *t.AssigneeID, "Task overdue", msg, taskLink(t))
		}
		if t.AssigneeID == nil || *t.AssigneeID != t.CreatedByID {
			box.add(t.TenantID, t.CreatedByID, "Task overdue", msg, taskLink(t))
		}
		s.deliver(ctx, box)
		notified++
	}
	if notified > 0 {
		s.log.Infow("overdue tasks notified", "count", notified)
	}
	return notified, nil
}
