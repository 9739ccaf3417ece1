package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bohemiyan/qms"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	t     *testing.T
	app   *fiber.App
	svc   *qms.Service
	roles map[string]uuid.UUID
	tid   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	log := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)).Sugar()
	svc, err := qms.New(qms.Config{DB: db, AutoMigrate: true, EnableAuditLogging: true, Logger: log})
	require.NoError(t, err)

	tenant, roles, err := svc.CreateTenant(t.Context(), "Acme")
	require.NoError(t, err)
	env := &testEnv{t: t, svc: svc, tid: tenant.ID, roles: map[string]uuid.UUID{}}
	for _, r := range roles {
		env.roles[r.Name] = r.ID
	}

	env.app = fiber.New()
	Setup(env.app, svc, log)
	return env
}

func (e *testEnv) user(name, role string, manager *qms.User) *qms.User {
	e.t.Helper()
	in := qms.UserInput{
		TenantID: e.tid,
		Email:    name + "@acme.test",
		FullName: name,
		RoleIDs:  []uuid.UUID{e.roles[role]},
	}
	if manager != nil {
		in.ManagerID = &manager.ID
	}
	u, err := e.svc.CreateUser(e.t.Context(), uuid.Nil, in)
	require.NoError(e.t, err)
	return u
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(method, path string, as *qms.User, body any) (int, envelope) {
	e.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != nil {
		req.Header.Set(HeaderUserID, as.ID.String())
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	_ = json.Unmarshal(raw, &env)
	return resp.StatusCode, env
}

func TestRequestsNeedIdentity(t *testing.T) {
	e := newTestEnv(t)
	status, _ := e.do(http.MethodGet, "/api/v1/me/permissions", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/permissions", nil)
	req.Header.Set(HeaderUserID, "not-a-uuid")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	resp, err := e.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMyPermissions(t *testing.T) {
	e := newTestEnv(t)
	staff := e.user("staff", qms.RoleStaff, nil)

	status, env := e.do(http.MethodGet, "/api/v1/me/permissions", staff, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, env.Success)

	var data struct {
		Permissions []string `json:"permissions"`
		Tier        string   `json:"tier"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "staff", data.Tier)
	assert.Contains(t, data.Permissions, qms.DocumentsCreate)
	assert.NotContains(t, data.Permissions, qms.DocumentsViewAll)
}

func TestDocumentEndpoints(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.user("mgr", qms.RoleDepartmentManager, nil)
	staff := e.user("staff", qms.RoleStaff, mgr)
	auditor := e.user("auditor", qms.RoleAuditor, nil)

	status, _ := e.do(http.MethodPost, "/api/v1/documents", auditor, fiber.Map{"title": "nope"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, env := e.do(http.MethodPost, "/api/v1/documents", staff, fiber.Map{"title": " "})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, string(qms.CodeInvalidInput), env.Code)
	assert.False(t, env.Success)

	status, env = e.do(http.MethodPost, "/api/v1/documents", staff, fiber.Map{"title": "Calibration SOP", "content": "v1"})
	require.Equal(t, fiber.StatusCreated, status)
	var doc qms.Document
	require.NoError(t, json.Unmarshal(env.Data, &doc))
	assert.Equal(t, "Calibration SOP", doc.Title)
	assert.Equal(t, qms.DocumentDraft, doc.Status)

	status, _ = e.do(http.MethodGet, "/api/v1/documents/"+doc.ID.String(), auditor, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	status, _ = e.do(http.MethodGet, "/api/v1/documents/"+uuid.NewString(), staff, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	status, _ = e.do(http.MethodGet, "/api/v1/documents/garbage", staff, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, env = e.do(http.MethodPost, "/api/v1/documents/"+doc.ID.String()+"/submit", staff, nil)
	require.Equal(t, fiber.StatusOK, status, env.Message)

	status, env = e.do(http.MethodPost, "/api/v1/documents/"+doc.ID.String()+"/reject", mgr, fiber.Map{})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, string(qms.CodeReasonRequired), env.Code)

	status, env = e.do(http.MethodPost, "/api/v1/documents/"+doc.ID.String()+"/approve", staff, fiber.Map{"comment": "self"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, string(qms.CodeNotCurrentApprover), env.Code)

	status, env = e.do(http.MethodPost, "/api/v1/documents/"+doc.ID.String()+"/approve", mgr, fiber.Map{"comment": "fine"})
	require.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &doc))
	assert.Equal(t, qms.DocumentApproved, doc.Status)

	status, env = e.do(http.MethodGet, "/api/v1/documents?status=Approved", staff, nil)
	require.Equal(t, fiber.StatusOK, status)
	var docs []qms.Document
	require.NoError(t, json.Unmarshal(env.Data, &docs))
	require.Len(t, docs, 1)

	status, _ = e.do(http.MethodPost, "/api/v1/documents/"+doc.ID.String()+"/archive", mgr, fiber.Map{"reason": "superseded"})
	assert.Equal(t, fiber.StatusOK, status)

	status, env = e.do(http.MethodGet, "/api/v1/notifications?unread=true", staff, nil)
	require.Equal(t, fiber.StatusOK, status)
	var inbox []qms.Notification
	require.NoError(t, json.Unmarshal(env.Data, &inbox))
	require.NotEmpty(t, inbox)
	status, _ = e.do(http.MethodPost, "/api/v1/notifications/"+inbox[0].ID.String()+"/read", staff, nil)
	assert.Equal(t, fiber.StatusOK, status)
	status, _ = e.do(http.MethodPost, "/api/v1/notifications/"+inbox[0].ID.String()+"/read", mgr, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestSubmitWithoutApproverIsUnprocessable(t *testing.T) {
	e := newTestEnv(t)
	staff := e.user("loner", qms.RoleStaff, nil)
	doc, err := e.svc.Documents.Create(t.Context(), staff.ID, qms.DocumentInput{Title: "Orphan"})
	require.NoError(t, err)

	status, env := e.do(http.MethodPost, "/api/v1/documents/"+doc.ID.String()+"/submit", staff, fiber.Map{})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, string(qms.CodeNoApprover), env.Code)
}

func TestDelegationEndpoints(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.user("mgr", qms.RoleDepartmentManager, nil)
	staff := e.user("staff", qms.RoleStaff, mgr)
	peer := e.user("peer", qms.RoleStaff, nil)

	status, env := e.do(http.MethodPost, "/api/v1/delegations", mgr, fiber.Map{
		"subordinate_id": peer.ID, "permission": qms.DocumentsApprove,
	})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, string(qms.CodeNotSubordinate), env.Code)

	status, env = e.do(http.MethodPost, "/api/v1/delegations", mgr, fiber.Map{
		"subordinate_id": staff.ID, "permission": qms.DocumentsApprove, "expires_after_days": 7,
	})
	require.Equal(t, fiber.StatusCreated, status, env.Message)
	var d qms.UserPermissionDelegation
	require.NoError(t, json.Unmarshal(env.Data, &d))

	status, env = e.do(http.MethodGet, "/api/v1/delegations/received", staff, nil)
	require.Equal(t, fiber.StatusOK, status)
	var received []qms.UserPermissionDelegation
	require.NoError(t, json.Unmarshal(env.Data, &received))
	require.Len(t, received, 1)

	status, _ = e.do(http.MethodGet, "/api/v1/users/"+staff.ID.String()+"/permissions", mgr, nil)
	assert.Equal(t, fiber.StatusOK, status)
	status, _ = e.do(http.MethodGet, "/api/v1/users/"+mgr.ID.String()+"/permissions", staff, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = e.do(http.MethodDelete, "/api/v1/delegations/"+d.ID.String(), staff, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	status, _ = e.do(http.MethodDelete, "/api/v1/delegations/"+d.ID.String(), mgr, nil)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestTaskAndCapaEndpoints(t *testing.T) {
	e := newTestEnv(t)
	mgr := e.user("mgr", qms.RoleDepartmentManager, nil)
	staff := e.user("staff", qms.RoleStaff, mgr)

	status, env := e.do(http.MethodPost, "/api/v1/tasks", staff, fiber.Map{"title": "x", "assignee_ids": []uuid.UUID{mgr.ID}})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, string(qms.CodeInsufficientTier), env.Code)

	status, env = e.do(http.MethodPost, "/api/v1/tasks", mgr, fiber.Map{
		"title": "Sort bins", "assignee_ids": []uuid.UUID{staff.ID}, "requires_approval": true,
	})
	require.Equal(t, fiber.StatusCreated, status, env.Message)
	var tasks []qms.QmsTask
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	require.Len(t, tasks, 1)
	taskPath := "/api/v1/tasks/" + tasks[0].ID.String()

	status, env = e.do(http.MethodPost, taskPath+"/activities", staff, fiber.Map{"note": "half", "progress": 150})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, string(qms.CodeInvalidInput), env.Code)
	status, _ = e.do(http.MethodPost, taskPath+"/activities", staff, fiber.Map{"note": "half", "progress": 50})
	assert.Equal(t, fiber.StatusCreated, status)

	status, env = e.do(http.MethodPost, taskPath+"/complete", staff, fiber.Map{"comment": "done"})
	require.Equal(t, fiber.StatusOK, status)
	var task qms.QmsTask
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Equal(t, qms.TaskAwaitingApproval, task.Status)

	status, env = e.do(http.MethodGet, "/api/v1/tasks", mgr, nil)
	require.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	assert.Len(t, tasks, 1)

	status, env = e.do(http.MethodPost, "/api/v1/capas", staff, fiber.Map{"title": "x"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, string(qms.CodeInsufficientTier), env.Code)

	status, env = e.do(http.MethodPost, "/api/v1/capas", mgr, fiber.Map{"title": "Scrap", "root_cause": "tooling"})
	require.Equal(t, fiber.StatusCreated, status)
	var capa qms.Capa
	require.NoError(t, json.Unmarshal(env.Data, &capa))

	status, env = e.do(http.MethodPost, "/api/v1/capas/"+capa.ID.String()+"/advance", mgr, nil)
	require.Equal(t, fiber.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &capa))
	assert.Equal(t, qms.CapaUnderInvestigation, capa.Status)

	status, env = e.do(http.MethodGet, "/api/v1/capas", mgr, nil)
	require.Equal(t, fiber.StatusOK, status)
	var capas []qms.Capa
	require.NoError(t, json.Unmarshal(env.Data, &capas))
	assert.Len(t, capas, 1)
}

func TestAuditLogsAreAdminOnly(t *testing.T) {
	e := newTestEnv(t)
	staff := e.user("staff", qms.RoleStaff, nil)
	admin := e.user("admin", qms.RoleSystemAdmin, nil)

	status, _ := e.do(http.MethodGet, "/api/v1/audit-logs", staff, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, env := e.do(http.MethodGet, "/api/v1/audit-logs?limit=5", admin, nil)
	require.Equal(t, fiber.StatusOK, status)
	var logs []qms.AuditLog
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	assert.NotEmpty(t, logs)
	assert.LessOrEqual(t, len(logs), 5)
}
