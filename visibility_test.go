package qms

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docIDs(docs []Document) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func TestManagerSeesSubordinatesButNotPeers(t *testing.T) {
	f := newFixture(t)
	quality := f.unit("Quality")
	ops := f.unit("Operations")

	// lead is a manager only structurally; a Staff role earns no ViewAll.
	lead := f.user("lead", []string{RoleStaff}, inUnit(quality))
	a := f.user("a", []string{RoleStaff}, withManager(lead), inUnit(quality))
	b := f.user("b", []string{RoleStaff}, withManager(lead), inUnit(quality))
	a2 := f.user("a2", []string{RoleStaff}, withManager(a), inUnit(quality))
	c := f.user("c", []string{RoleStaff}, inUnit(ops))

	assert.ElementsMatch(t, []uuid.UUID{lead.ID, a.ID, b.ID, a2.ID}, f.svc.Hierarchy.GetVisibleUserIDs(f.ctx, lead.ID).Slice())

	docA := f.draft(a, DocumentInput{Title: "A"})
	docA2 := f.draft(a2, DocumentInput{Title: "A2"})
	docC := f.draft(c, DocumentInput{Title: "C"})
	docCTargeted := f.draft(c, DocumentInput{Title: "C to quality", TargetDepartmentID: &quality.ID})
	docCToLead := f.draft(c, DocumentInput{Title: "C to lead", TargetUserID: &lead.ID})
	tpl := f.draft(c, DocumentInput{Title: "C template", IsTemplate: true})
	own := f.draft(lead, DocumentInput{Title: "own"})

	visible, err := f.svc.Visibility.ListVisibleDocuments(f.ctx, lead.ID, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{docA.ID, docA2.ID, docCTargeted.ID, docCToLead.ID, tpl.ID, own.ID}, docIDs(visible))

	assert.False(t, f.svc.Visibility.CanViewDocument(f.ctx, lead.ID, docC))
	assert.True(t, f.svc.Visibility.CanViewDocument(f.ctx, lead.ID, docA2))
	_, err = f.svc.Documents.Get(f.ctx, lead.ID, docC.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// A subordinate does not see upwards.
	visible, err = f.svc.Visibility.ListVisibleDocuments(f.ctx, a2.ID, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{docA2.ID, docCTargeted.ID, tpl.ID}, docIDs(visible))
}

func TestViewAllScopesTenantWide(t *testing.T) {
	f := newFixture(t)
	mgr := f.user("mgr", []string{RoleDepartmentManager})
	c := f.user("c", []string{RoleStaff})
	docC := f.draft(c, DocumentInput{Title: "C"})

	other, roles := f.newTenant("Other")
	outsider := f.userIn(other, roles, "outsider", []string{RoleStaff})
	foreign := f.draft(outsider, DocumentInput{Title: "foreign"})

	visible, err := f.svc.Visibility.ListVisibleDocuments(f.ctx, mgr.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{docC.ID}, docIDs(visible))
	assert.False(t, f.svc.Visibility.CanViewDocument(f.ctx, mgr.ID, foreign))

	scope := f.svc.Visibility.DocumentScope(f.ctx, mgr.ID)
	assert.True(t, scope.All)
	assert.Equal(t, f.tenant.ID, scope.TenantID)
}

func TestDelegatedViewAllWidensScope(t *testing.T) {
	f := newFixture(t)
	tmd := f.user("tmd", []string{RoleTMD})
	lead := f.user("lead", []string{RoleStaff}, withManager(tmd))
	c := f.user("c", []string{RoleStaff})
	docC := f.draft(c, DocumentInput{Title: "C"})

	assert.False(t, f.svc.Visibility.CanViewDocument(f.ctx, lead.ID, docC))
	_, err := f.svc.Delegations.Delegate(f.ctx, tmd.ID, lead.ID, DocumentsViewAll, nil)
	require.NoError(t, err)
	assert.True(t, f.svc.Visibility.CanViewDocument(f.ctx, lead.ID, docC))
}

func TestListVisibleDocumentsFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	mgr := f.user("mgr", []string{RoleDepartmentManager})
	staff := f.user("staff", []string{RoleStaff}, withManager(mgr))
	d1 := f.draft(staff, DocumentInput{Title: "one"})
	f.draft(staff, DocumentInput{Title: "two"})

	_, err := f.svc.Documents.Submit(f.ctx, staff.ID, d1.ID, SubmitOptions{})
	require.NoError(t, err)

	submitted, err := f.svc.Visibility.ListVisibleDocuments(f.ctx, staff.ID, DocumentSubmitted)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{d1.ID}, docIDs(submitted))
}

func TestTaskVisibility(t *testing.T) {
	f := newFixture(t)
	quality := f.unit("Quality")
	tmd := f.user("tmd", []string{RoleTMD})
	mgr := f.user("mgr", []string{RoleDepartmentManager}, withManager(tmd))
	lead := f.user("lead", []string{RoleStaff}, withManager(mgr), inUnit(quality))
	report := f.user("report", []string{RoleStaff}, withManager(lead))
	peer := f.user("peer", []string{RoleStaff})

	toReport, err := f.svc.Tasks.Create(f.ctx, mgr.ID, TaskInput{Title: "report task", AssigneeIDs: []uuid.UUID{report.ID}})
	require.NoError(t, err)
	toPeer, err := f.svc.Tasks.Create(f.ctx, mgr.ID, TaskInput{Title: "peer task", AssigneeIDs: []uuid.UUID{peer.ID}})
	require.NoError(t, err)
	toUnit, err := f.svc.Tasks.Create(f.ctx, mgr.ID, TaskInput{Title: "unit task", OrganizationUnitID: &quality.ID})
	require.NoError(t, err)

	tasks, err := f.svc.Tasks.ListVisible(f.ctx, lead.ID)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{toReport[0].ID, toUnit[0].ID}, ids)

	assert.False(t, f.svc.Visibility.CanViewTask(f.ctx, lead.ID, &toPeer[0]))
	assert.True(t, f.svc.Visibility.CanViewTask(f.ctx, peer.ID, &toPeer[0]))
	assert.True(t, f.svc.Visibility.CanViewTask(f.ctx, mgr.ID, &toPeer[0]))
}

func TestInactiveUserSeesNothing(t *testing.T) {
	f := newFixture(t)
	u := f.user("u", []string{RoleStaff})
	doc := f.draft(u, DocumentInput{Title: "mine"})
	require.NoError(t, f.svc.DeactivateUser(f.ctx, uuid.Nil, u.ID))

	assert.False(t, f.svc.Visibility.CanViewDocument(f.ctx, u.ID, doc))
	visible, err := f.svc.Visibility.ListVisibleDocuments(f.ctx, u.ID, "")
	require.NoError(t, err)
	assert.Empty(t, visible)
}
