package qms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DocumentStatus is the state of a controlled document.
type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "Draft"
	DocumentSubmitted DocumentStatus = "Submitted"
	DocumentInReview  DocumentStatus = "InReview"
	DocumentApproved  DocumentStatus = "Approved"
	DocumentRejected  DocumentStatus = "Rejected"
	DocumentArchived  DocumentStatus = "Archived"
)

// IsEditable reports whether content may change. Rejected counts as Draft;
// Reject stores Draft, so Rejected only appears on rows written before that.
func (s DocumentStatus) IsEditable() bool {
	return s == DocumentDraft || s == DocumentRejected
}

// AwaitingApproval reports whether an approver decision is pending.
func (s DocumentStatus) AwaitingApproval() bool {
	return s == DocumentSubmitted || s == DocumentInReview
}

// Approval decisions recorded in DocumentApproval.Decision.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// DocumentInput carries the editable fields of a new document.
type DocumentInput struct {
	Title                   string
	Description             string
	Content                 string
	Category                string
	DocumentTypeID          *uuid.UUID
	TargetDepartmentID      *uuid.UUID
	TargetUserID            *uuid.UUID
	IsTemplate              bool
	AuthorizedDepartmentIDs []uuid.UUID
}

// DocumentChanges is a partial update. Nil fields are left alone.
type DocumentChanges struct {
	Title       *string
	Description *string
	Content     *string
	Category    *string
	ChangeNote  string
}

// DocumentService runs the document state machine.
type DocumentService struct {
	*workflow
	router *Router

	followUp       time.Duration
	implementation time.Duration
}

// canOverrideEdit lists tiers that may edit documents they did not create.
func canOverrideEdit(t RoleTier) bool {
	return t == TierAdmin || t == TierExecutive || t == TierDeputy
}

func (s *DocumentService) get(tx *gorm.DB, id uuid.UUID) (*Document, error) {
	var doc Document
	if err := loadForUpdate(tx, &doc, id); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Get returns a document if userID may see it.
func (s *DocumentService) Get(ctx context.Context, userID, docID uuid.UUID) (*Document, error) {
	doc, err := s.get(s.db.WithContext(ctx), docID)
	if err != nil {
		return nil, err
	}
	if !s.visibility.CanViewDocument(ctx, userID, doc) {
		return nil, &AuthorizationError{UserID: userID, Permission: DocumentsRead, Message: "You do not have access to this document."}
	}
	return doc, nil
}

func (s *DocumentService) tenantUnits(tx *gorm.DB, tenantID uuid.UUID, ids []uuid.UUID) ([]OrganizationUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var units []OrganizationUnit
	if err := tx.Where("tenant_id = ? AND id IN ?", tenantID, ids).Find(&units).Error; err != nil {
		return nil, err
	}
	if len(units) != len(NewIDSet(ids...)) {
		return nil, invalid(CodeInvalidInput, "One or more authorized departments do not exist.")
	}
	return units, nil
}

func appendVersion(tx *gorm.DB, doc *Document, changedBy uuid.UUID, note string) error {
	return tx.Create(&DocumentVersion{
		DocumentID:    doc.ID,
		VersionNumber: doc.VersionNumber,
		Title:         doc.Title,
		Content:       doc.Content,
		ChangedByID:   changedBy,
		ChangeNote:    note,
	}).Error
}

// Create stores a new Draft document owned by actorID.
func (s *DocumentService) Create(ctx context.Context, actorID uuid.UUID, in DocumentInput) (*Document, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, invalid(CodeInvalidInput, "A document title is required.")
	}
	if err := s.authz.Authorize(ctx, actorID, DocumentsCreate); err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		TenantID:           actor.TenantID,
		Title:              strings.TrimSpace(in.Title),
		Description:        in.Description,
		Content:            in.Content,
		Category:           in.Category,
		DocumentTypeID:     in.DocumentTypeID,
		Status:             DocumentDraft,
		CreatedByID:        actorID,
		TargetDepartmentID: in.TargetDepartmentID,
		TargetUserID:       in.TargetUserID,
		IsTemplate:         in.IsTemplate,
		VersionNumber:      1,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		units, err := s.tenantUnits(tx, actor.TenantID, in.AuthorizedDepartmentIDs)
		if err != nil {
			return err
		}
		doc.AuthorizedDepartments = units
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		return appendVersion(tx, doc, actorID, "Created")
	})
	if err != nil {
		return nil, err
	}

	recordTransition("document", string(DocumentDraft))
	s.audit.logAudit(ctx, doc.TenantID, actorID, "create_document", "document", doc.ID, "Created document: "+doc.Title)
	return doc, nil
}

// canUseTemplate checks the template's department allow-list. An empty list is
// unrestricted; admins and executives bypass it.
func canUseTemplate(actor *User, tpl *Document) bool {
	if len(tpl.AuthorizedDepartments) == 0 {
		return true
	}
	if t := highestTier(actor.Roles); t == TierAdmin || t == TierExecutive {
		return true
	}
	if actor.OrganizationUnitID == nil {
		return false
	}
	for _, u := range tpl.AuthorizedDepartments {
		if u.ID == *actor.OrganizationUnitID {
			return true
		}
	}
	return false
}

// CreateFromTemplate clones a template into a fresh Draft. An empty title keeps
// the template's title.
func (s *DocumentService) CreateFromTemplate(ctx context.Context, actorID, templateID uuid.UUID, title string) (*Document, error) {
	if err := s.authz.Authorize(ctx, actorID, DocumentsCreate); err != nil {
		return nil, err
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var tpl Document
	err = s.db.WithContext(ctx).Preload("AuthorizedDepartments").First(&tpl, "id = ?", templateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && tpl.TenantID != actor.TenantID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !tpl.IsTemplate {
		return nil, invalid(CodeInvalidInput, "The selected document is not a template.")
	}
	if !canUseTemplate(actor, &tpl) {
		return nil, denied(CodeTemplateNotAuthorized, "Your department is not authorized to use this template.")
	}

	if strings.TrimSpace(title) == "" {
		title = tpl.Title
	}
	doc := &Document{
		TenantID:         actor.TenantID,
		Title:            strings.TrimSpace(title),
		Description:      tpl.Description,
		Content:          tpl.Content,
		Category:         tpl.Category,
		DocumentTypeID:   tpl.DocumentTypeID,
		Status:           DocumentDraft,
		CreatedByID:      actorID,
		SourceTemplateID: &tpl.ID,
		VersionNumber:    1,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		return appendVersion(tx, doc, actorID, "Created from template "+tpl.Title)
	})
	if err != nil {
		return nil, err
	}

	recordTransition("document", string(DocumentDraft))
	s.audit.logAudit(ctx, doc.TenantID, actorID, "create_document_from_template", "document", doc.ID, "Template: "+tpl.ID.String())
	return doc, nil
}

func (s *DocumentService) editCheck(actor *User, doc *Document) error {
	if doc.TenantID != actor.TenantID {
		return ErrNotFound
	}
	if !doc.Status.IsEditable() {
		return invalid(CodeNotEditable, fmt.Sprintf("A document in %s status cannot be edited.", doc.Status))
	}
	if doc.CreatedByID != actor.ID && !canOverrideEdit(highestTier(actor.Roles)) {
		return denied(CodeNotCreator, "Only the document's creator can edit it.")
	}
	return nil
}

// CanEdit reports whether userID may edit doc in its current state.
func (s *DocumentService) CanEdit(ctx context.Context, userID uuid.UUID, doc *Document) bool {
	actor, err := s.actor(ctx, userID)
	if err != nil {
		return false
	}
	return s.editCheck(actor, doc) == nil
}

// Update applies changes to an editable document, bumps its version and appends
// a history snapshot.
func (s *DocumentService) Update(ctx context.Context, actorID, docID uuid.UUID, ch DocumentChanges) (*Document, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if ch.Title != nil && strings.TrimSpace(*ch.Title) == "" {
		return nil, invalid(CodeInvalidInput, "A document title is required.")
	}

	var doc *Document
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err = s.get(tx, docID)
		if err != nil {
			return err
		}
		if err := s.editCheck(actor, doc); err != nil {
			return err
		}
		if ch.Title != nil {
			doc.Title = strings.TrimSpace(*ch.Title)
		}
		if ch.Description != nil {
			doc.Description = *ch.Description
		}
		if ch.Content != nil {
			doc.Content = *ch.Content
		}
		if ch.Category != nil {
			doc.Category = *ch.Category
		}
		doc.VersionNumber++
		if err := saveVersioned(tx, "document", doc, &doc.LockVersion); err != nil {
			return err
		}
		return appendVersion(tx, doc, actorID, ch.ChangeNote)
	})
	if err != nil {
		return nil, err
	}
	s.audit.logAudit(ctx, doc.TenantID, actorID, "update_document", "document", doc.ID, fmt.Sprintf("Version %d", doc.VersionNumber))
	return doc, nil
}

// Delete soft-deletes a Draft document. Only its creator may delete it.
func (s *DocumentService) Delete(ctx context.Context, actorID, docID uuid.UUID) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}

	var doc *Document
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err = s.get(tx, docID)
		if err != nil {
			return err
		}
		if doc.TenantID != actor.TenantID {
			return ErrNotFound
		}
		if doc.CreatedByID != actorID {
			return denied(CodeNotCreator, "Only the document's creator can delete it.")
		}
		if !doc.Status.IsEditable() {
			return badTransition("Only draft documents can be deleted.")
		}
		res := tx.Where("lock_version = ?", doc.LockVersion).Delete(doc)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			recordWriteConflict("document")
			return ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.logAudit(ctx, doc.TenantID, actorID, "delete_document", "document", doc.ID, "Deleted document: "+doc.Title)
	return nil
}

// routeTo points doc at the approver of d, opens a follow-up task for them and
// queues their notification.
func (s *DocumentService) routeTo(tx *gorm.DB, doc *Document, d RouteDecision, actorID uuid.UUID, box *outbox) error {
	approverID := d.ApproverID
	doc.CurrentApproverID = &approverID
	doc.ApprovalRoute = d.Route
	doc.ApprovalStep = d.Step

	due := s.now().Add(s.followUp)
	task := &QmsTask{
		TenantID:    doc.TenantID,
		Title:       "Review document: " + doc.Title,
		Description: fmt.Sprintf("Document %q is waiting for your approval.", doc.Title),
		Status:      TaskOpen,
		CreatedByID: actorID,
		AssigneeID:  &approverID,
		DueDate:     &due,
		DocumentID:  &doc.ID,
	}
	if err := tx.Create(task).Error; err != nil {
		return fmt.Errorf("failed to create follow-up task: %w", err)
	}
	box.add(doc.TenantID, approverID, "Document awaiting your approval",
		fmt.Sprintf("%q needs your review.", doc.Title), "/documents/"+doc.ID.String())
	return nil
}

// closeFollowUps settles the open review tasks of doc held by approverID.
func (s *DocumentService) closeFollowUps(tx *gorm.DB, doc *Document, approverID uuid.UUID, status TaskStatus) error {
	now := s.now()
	return tx.Model(&QmsTask{}).
		Where("document_id = ? AND assignee_id = ? AND status IN ?", doc.ID, approverID, openTaskStatuses()).
		Updates(map[string]any{
			"status":       status,
			"completed_at": now,
			"lock_version": gorm.Expr("lock_version + 1"),
		}).Error
}

// Submit sends a Draft document into approval.
func (s *DocumentService) Submit(ctx context.Context, actorID, docID uuid.UUID, opts SubmitOptions) (*Document, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var doc *Document
	var box outbox
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err = s.get(tx, docID)
		if err != nil {
			return err
		}
		if doc.TenantID != actor.TenantID {
			return ErrNotFound
		}
		if doc.CreatedByID != actorID {
			return denied(CodeNotCreator, "Only the document's creator can submit it.")
		}
		if !doc.Status.IsEditable() {
			return badTransition(fmt.Sprintf("A document in %s status cannot be submitted.", doc.Status))
		}

		d, err := s.router.FirstStep(tx, doc, actor, opts)
		if err != nil {
			return err
		}
		now := s.now()
		doc.Status = DocumentSubmitted
		doc.SubmittedAt = &now
		doc.RejectionReason = ""
		if err := s.routeTo(tx, doc, d, actorID, &box); err != nil {
			return err
		}
		return saveVersioned(tx, "document", doc, &doc.LockVersion)
	})
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, box)
	recordTransition("document", string(DocumentSubmitted))
	s.audit.logAudit(ctx, doc.TenantID, actorID, "submit_document", "document", doc.ID,
		fmt.Sprintf("Routed via %s to %s", doc.ApprovalRoute, doc.CurrentApproverID))
	s.log.Infow("document submitted", "document_id", doc.ID, "route", doc.ApprovalRoute, "approver_id", doc.CurrentApproverID)
	return doc, nil
}

func (s *DocumentService) approverCheck(doc *Document, actorID uuid.UUID) error {
	if !doc.Status.AwaitingApproval() {
		return badTransition(fmt.Sprintf("A document in %s status is not awaiting approval.", doc.Status))
	}
	if !sameID(doc.CurrentApproverID, actorID) {
		return denied(CodeNotCurrentApprover, "Only the current approver can act on this document.")
	}
	return nil
}

func recordApproval(tx *gorm.DB, doc *Document, approverID uuid.UUID, decision, comment string, at time.Time) error {
	return tx.Create(&DocumentApproval{
		DocumentID: doc.ID,
		ApproverID: approverID,
		Step:       doc.ApprovalStep,
		Route:      doc.ApprovalRoute,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  at,
	}).Error
}

// Approve records the current approver's approval. The document moves on to
// the next approver of its chain, or becomes Approved when none remain.
func (s *DocumentService) Approve(ctx context.Context, actorID, docID uuid.UUID, comment string) (*Document, error) {
	if _, err := s.actor(ctx, actorID); err != nil {
		return nil, err
	}

	var doc *Document
	var box outbox
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		doc, err = s.get(tx, docID)
		if err != nil {
			return err
		}
		if err := s.approverCheck(doc, actorID); err != nil {
			return err
		}
		now := s.now()
		if err := recordApproval(tx, doc, actorID, DecisionApproved, comment, now); err != nil {
			return err
		}
		if err := s.closeFollowUps(tx, doc, actorID, TaskCompleted); err != nil {
			return err
		}

		next, err := s.router.NextStep(tx, doc)
		if err != nil {
			return err
		}
		if !next.Final {
			doc.Status = DocumentInReview
			if err := s.routeTo(tx, doc, next, actorID, &box); err != nil {
				return err
			}
			return saveVersioned(tx, "document", doc, &doc.LockVersion)
		}

		doc.Status = DocumentApproved
		doc.ApprovedAt = &now
		doc.CurrentApproverID = nil
		box.add(doc.TenantID, doc.CreatedByID, "Document approved",
			fmt.Sprintf("%q has been approved.", doc.Title), "/documents/"+doc.ID.String())
		if doc.ApprovalRoute == RouteTender {
			if err := s.implementationTask(tx, doc, actorID, &box); err != nil {
				return err
			}
		}
		return saveVersioned(tx, "document", doc, &doc.LockVersion)
	})
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, box)
	recordTransition("document", string(doc.Status))
	s.audit.logAudit(ctx, doc.TenantID, actorID, "approve_document", "document", doc.ID, "Status: "+string(doc.Status))
	return doc, nil
}

// implementationTask hands an approved tender requisition back to its creator.
func (s *DocumentService) implementationTask(tx *gorm.DB, doc *Document, actorID uuid.UUID, box *outbox) error {
	due := s.now().Add(s.implementation)
	creator := doc.CreatedByID
	task := &QmsTask{
		TenantID:    doc.TenantID,
		Title:       "Implement tender requisition: " + doc.Title,
		Description: "The tender requisition was approved. Proceed with the tender.",
		Status:      TaskOpen,
		CreatedByID: actorID,
		AssigneeID:  &creator,
		DueDate:     &due,
		DocumentID:  &doc.ID,
	}
	if err := tx.Create(task).Error; err != nil {
		return fmt.Errorf("failed to create implementation task: %w", err)
	}
	box.add(doc.TenantID, creator, "Tender requisition ready for implementation",
		fmt.Sprintf("%q is approved; an implementation task was assigned to you.", doc.Title), "/tasks/"+task.ID.String())
	return nil
}

// Reject returns the document to Draft for correction, keeping the reason on
// the document and in its approval history. A reason is required.
func (s *DocumentService) Reject(ctx context.Context, actorID, docID uuid.UUID, reason string) (*Document, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid(CodeReasonRequired, "A reason is required to reject a document.")
	}
	if _, err := s.actor(ctx, actorID); err != nil {
		return nil, err
	}

	var doc *Document
	var box outbox
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		doc, err = s.get(tx, docID)
		if err != nil {
			return err
		}
		if err := s.approverCheck(doc, actorID); err != nil {
			return err
		}
		if err := recordApproval(tx, doc, actorID, DecisionRejected, reason, s.now()); err != nil {
			return err
		}
		if err := s.closeFollowUps(tx, doc, actorID, TaskCompleted); err != nil {
			return err
		}
		doc.Status = DocumentDraft
		doc.RejectionReason = reason
		doc.CurrentApproverID = nil
		doc.ApprovalRoute = RouteNone
		doc.ApprovalStep = 0
		box.add(doc.TenantID, doc.CreatedByID, "Document rejected",
			fmt.Sprintf("%q was rejected: %s", doc.Title, reason), "/documents/"+doc.ID.String())
		return saveVersioned(tx, "document", doc, &doc.LockVersion)
	})
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, box)
	recordTransition("document", string(DocumentRejected))
	s.audit.logAudit(ctx, doc.TenantID, actorID, "reject_document", "document", doc.ID, reason)
	return doc, nil
}

// Archive retires an Approved document. Manager tier and above, or holders of
// Documents.Archive, may archive.
func (s *DocumentService) Archive(ctx context.Context, actorID, docID uuid.UUID, reason string) (*Document, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !highestTier(actor.Roles).AtLeast(TierManager) && !s.authz.HasPermission(ctx, actorID, DocumentsArchive) {
		return nil, &AuthorizationError{
			UserID:     actorID,
			Permission: DocumentsArchive,
			Message:    deniedMessage(highestTier(actor.Roles), DocumentsArchive),
		}
	}

	var doc *Document
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err = s.get(tx, docID)
		if err != nil {
			return err
		}
		if doc.TenantID != actor.TenantID {
			return ErrNotFound
		}
		if doc.Status != DocumentApproved {
			return badTransition("Only approved documents can be archived.")
		}
		now := s.now()
		doc.Status = DocumentArchived
		doc.ArchivedAt = &now
		doc.ArchiveReason = strings.TrimSpace(reason)
		return saveVersioned(tx, "document", doc, &doc.LockVersion)
	})
	if err != nil {
		return nil, err
	}

	recordTransition("document", string(DocumentArchived))
	s.audit.logAudit(ctx, doc.TenantID, actorID, "archive_document", "document", doc.ID, doc.ArchiveReason)
	return doc, nil
}

// History returns the version snapshots of a document, oldest first.
func (s *DocumentService) History(ctx context.Context, userID, docID uuid.UUID) ([]DocumentVersion, error) {
	if _, err := s.Get(ctx, userID, docID); err != nil {
		return nil, err
	}
	var versions []DocumentVersion
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("version_number").Find(&versions).Error
	return versions, err
}

// Approvals returns the approval decisions of a document in the order taken.
func (s *DocumentService) Approvals(ctx context.Context, userID, docID uuid.UUID) ([]DocumentApproval, error) {
	if _, err := s.Get(ctx, userID, docID); err != nil {
		return nil, err
	}
	var out []DocumentApproval
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("decided_at").Order("step").Find(&out).Error
	return out, err
}
