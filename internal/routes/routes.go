package routes

import (
	"errors"
	"time"

	"github.com/bohemiyan/qms"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HeaderUserID carries the caller identity set by the upstream auth proxy.
const HeaderUserID = "X-User-ID"

type handler struct {
	svc *qms.Service
	log *zap.SugaredLogger
}

// Setup mounts the QMS API and the metrics endpoint on app.
func Setup(app *fiber.App, svc *qms.Service, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &handler{svc: svc, log: log}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1", identity)
	api.Get("/me/permissions", h.myPermissions)
	api.Get("/users/:id/permissions", svc.PermissionMiddleware(qms.UsersRead), h.userPermissions)

	api.Get("/delegations", h.myDelegations)
	api.Get("/delegations/received", h.receivedDelegations)
	api.Post("/delegations", h.delegate)
	api.Delete("/delegations/:id", h.revoke)

	api.Get("/documents", h.listDocuments)
	api.Post("/documents", svc.PermissionMiddleware(qms.DocumentsCreate), h.createDocument)
	api.Get("/documents/:id", h.getDocument)
	api.Post("/documents/:id/submit", h.submitDocument)
	api.Post("/documents/:id/approve", h.approveDocument)
	api.Post("/documents/:id/reject", h.rejectDocument)
	api.Post("/documents/:id/archive", h.archiveDocument)

	api.Get("/capas", h.listCapas)
	api.Post("/capas", h.createCapa)
	api.Post("/capas/:id/advance", h.advanceCapa)

	api.Get("/tasks", h.listTasks)
	api.Post("/tasks", h.createTask)
	api.Post("/tasks/:id/activities", h.addActivity)
	api.Post("/tasks/:id/complete", h.completeTask)

	api.Get("/notifications", h.notifications)
	api.Post("/notifications/:id/read", h.markRead)

	api.Get("/audit-logs", svc.PermissionMiddleware(qms.RolesManage), h.auditLogs)
}

// identity resolves the caller from HeaderUserID.
func identity(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Get(HeaderUserID))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "missing or malformed "+HeaderUserID)
	}
	c.Locals(qms.LocalsUserID, id)
	return c.Next()
}

func currentUser(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(qms.LocalsUserID).(uuid.UUID)
	return id
}

func pathID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "malformed id")
	}
	return id, nil
}

// fail maps library errors onto HTTP responses.
func (h *handler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var authErr *qms.AuthorizationError
	switch {
	case errors.As(err, &authErr), errors.Is(err, qms.ErrPermissionDenied):
		status = fiber.StatusForbidden
	case errors.Is(err, qms.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, qms.ErrConcurrentModification):
		status = fiber.StatusConflict
	case errors.Is(err, qms.ErrInvalidInput), errors.Is(err, qms.ErrInvalidTransition):
		status = fiber.StatusUnprocessableEntity
	case errors.Is(err, qms.ErrSchemaNotReady):
		status = fiber.StatusServiceUnavailable
	}
	if status == fiber.StatusInternalServerError {
		h.log.Errorw("request failed", "path", c.Path(), "error", err)
		return c.Status(status).JSON(fiber.Map{"success": false, "message": "internal error"})
	}

	body := fiber.Map{"success": false, "message": err.Error()}
	var ve *qms.ValidationError
	if errors.As(err, &ve) {
		body["code"] = ve.Code
		body["message"] = ve.Message
	}
	return c.Status(status).JSON(body)
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{"success": true, "data": data})
}

func (h *handler) myPermissions(c *fiber.Ctx) error {
	userID := currentUser(c)
	return ok(c, fiber.Map{
		"permissions": h.svc.Authz.GetEffectivePermissions(c.UserContext(), userID).Slice(),
		"tier":        h.svc.Authz.EffectiveTier(c.UserContext(), userID).String(),
	})
}

func (h *handler) userPermissions(c *fiber.Ctx) error {
	target, err := pathID(c)
	if err != nil {
		return err
	}
	if !h.svc.Authz.CanViewUserData(c.UserContext(), currentUser(c), target) {
		return h.fail(c, qms.ErrPermissionDenied)
	}
	return ok(c, h.svc.Authz.GetEffectivePermissions(c.UserContext(), target).Slice())
}

type delegateRequest struct {
	SubordinateID    uuid.UUID `json:"subordinate_id"`
	Permission       string    `json:"permission"`
	ExpiresAfterDays *int      `json:"expires_after_days"`
}

func (h *handler) delegate(c *fiber.Ctx) error {
	var req delegateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	d, err := h.svc.Delegations.Delegate(c.UserContext(), currentUser(c), req.SubordinateID, req.Permission, req.ExpiresAfterDays)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": d})
}

func (h *handler) revoke(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delegations.Revoke(c.UserContext(), currentUser(c), id); err != nil {
		return h.fail(c, err)
	}
	return ok(c, nil)
}

func (h *handler) myDelegations(c *fiber.Ctx) error {
	out, err := h.svc.Delegations.GetMyDelegations(c.UserContext(), currentUser(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, out)
}

func (h *handler) receivedDelegations(c *fiber.Ctx) error {
	out, err := h.svc.Delegations.GetReceivedDelegations(c.UserContext(), currentUser(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, out)
}

func (h *handler) listDocuments(c *fiber.Ctx) error {
	docs, err := h.svc.Visibility.ListVisibleDocuments(c.UserContext(), currentUser(c), qms.DocumentStatus(c.Query("status")))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, docs)
}

type documentRequest struct {
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Content            string     `json:"content"`
	Category           string     `json:"category"`
	DocumentTypeID     *uuid.UUID `json:"document_type_id"`
	TargetDepartmentID *uuid.UUID `json:"target_department_id"`
	TargetUserID       *uuid.UUID `json:"target_user_id"`
	IsTemplate         bool       `json:"is_template"`
}

func (h *handler) createDocument(c *fiber.Ctx) error {
	var req documentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	doc, err := h.svc.Documents.Create(c.UserContext(), currentUser(c), qms.DocumentInput{
		Title:              req.Title,
		Description:        req.Description,
		Content:            req.Content,
		Category:           req.Category,
		DocumentTypeID:     req.DocumentTypeID,
		TargetDepartmentID: req.TargetDepartmentID,
		TargetUserID:       req.TargetUserID,
		IsTemplate:         req.IsTemplate,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": doc})
}

func (h *handler) getDocument(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Documents.Get(c.UserContext(), currentUser(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, doc)
}

type submitRequest struct {
	ApproverID           *uuid.UUID `json:"approver_id"`
	ApproverDepartmentID *uuid.UUID `json:"approver_department_id"`
}

func (h *handler) submitDocument(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req submitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed body")
		}
	}
	doc, err := h.svc.Documents.Submit(c.UserContext(), currentUser(c), id, qms.SubmitOptions{
		ApproverID:           req.ApproverID,
		ApproverDepartmentID: req.ApproverDepartmentID,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, doc)
}

type decisionRequest struct {
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (h *handler) decision(c *fiber.Ctx) (uuid.UUID, decisionRequest, error) {
	var req decisionRequest
	id, err := pathID(c)
	if err != nil {
		return id, req, err
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return id, req, fiber.NewError(fiber.StatusBadRequest, "malformed body")
		}
	}
	return id, req, nil
}

func (h *handler) approveDocument(c *fiber.Ctx) error {
	id, req, err := h.decision(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Documents.Approve(c.UserContext(), currentUser(c), id, req.Comment)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, doc)
}

func (h *handler) rejectDocument(c *fiber.Ctx) error {
	id, req, err := h.decision(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Documents.Reject(c.UserContext(), currentUser(c), id, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, doc)
}

func (h *handler) archiveDocument(c *fiber.Ctx) error {
	id, req, err := h.decision(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Documents.Archive(c.UserContext(), currentUser(c), id, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, doc)
}

func (h *handler) listCapas(c *fiber.Ctx) error {
	out, err := h.svc.Capas.List(c.UserContext(), currentUser(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, out)
}

type capaRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	RootCause   string `json:"root_cause"`
}

func (h *handler) createCapa(c *fiber.Ctx) error {
	var req capaRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	capa, err := h.svc.Capas.Create(c.UserContext(), currentUser(c), qms.CapaInput{
		Title:       req.Title,
		Description: req.Description,
		RootCause:   req.RootCause,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": capa})
}

func (h *handler) advanceCapa(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	capa, err := h.svc.Capas.Advance(c.UserContext(), currentUser(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, capa)
}

func (h *handler) listTasks(c *fiber.Ctx) error {
	out, err := h.svc.Tasks.ListVisible(c.UserContext(), currentUser(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, out)
}

type taskRequest struct {
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AssigneeIDs        []uuid.UUID `json:"assignee_ids"`
	OrganizationUnitID *uuid.UUID  `json:"organization_unit_id"`
	DueDate            *time.Time  `json:"due_date"`
	RequiresApproval   bool        `json:"requires_approval"`
}

func (h *handler) createTask(c *fiber.Ctx) error {
	var req taskRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	tasks, err := h.svc.Tasks.Create(c.UserContext(), currentUser(c), qms.TaskInput{
		Title:              req.Title,
		Description:        req.Description,
		AssigneeIDs:        req.AssigneeIDs,
		OrganizationUnitID: req.OrganizationUnitID,
		DueDate:            req.DueDate,
		RequiresApproval:   req.RequiresApproval,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": tasks})
}

type activityRequest struct {
	Note     string `json:"note"`
	Progress int    `json:"progress"`
}

func (h *handler) addActivity(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req activityRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	act, err := h.svc.Tasks.AddActivity(c.UserContext(), currentUser(c), id, req.Note, req.Progress)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": act})
}

func (h *handler) completeTask(c *fiber.Ctx) error {
	id, req, err := h.decision(c)
	if err != nil {
		return err
	}
	task, err := h.svc.Tasks.Complete(c.UserContext(), currentUser(c), id, req.Comment)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, task)
}

func (h *handler) notifications(c *fiber.Ctx) error {
	out, err := h.svc.ListNotifications(c.UserContext(), currentUser(c), c.QueryBool("unread"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, out)
}

func (h *handler) markRead(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.MarkRead(c.UserContext(), currentUser(c), id); err != nil {
		return h.fail(c, err)
	}
	return ok(c, nil)
}

func (h *handler) auditLogs(c *fiber.Ctx) error {
	actor, err := h.svc.GetUserWithRoles(c.UserContext(), currentUser(c))
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.svc.ListAuditLogs(c.UserContext(), qms.AuditFilter{
		TenantID: actor.TenantID,
		Limit:    c.QueryInt("limit", 100),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, out)
}
