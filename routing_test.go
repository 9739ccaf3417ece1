package qms

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTenderRequisition(t *testing.T) {
	tests := []struct {
		category, typeName, title string
		want                      bool
	}{
		{"Tender", "", "", true},
		{"procurement-tender", "", "", true},
		{"", "Tender Requisition", "", true},
		{"", "", "Tender Requisition for pumps", true},
		{"", "", "tender_requisition #4", true},
		{"", "", "Tender notes", false},
		{"Procedure", "SOP", "Calibration", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTenderRequisition(tt.category, tt.typeName, tt.title), "%+v", tt)
	}
}

func TestTenderRoutesFinanceThenExecutiveThenApproves(t *testing.T) {
	f := newFixture(t)
	mgr := f.user("mgr", []string{RoleDepartmentManager})
	finance := f.user("finance", []string{RoleFinanceOfficer})
	tmd := f.user("tmd", []string{RoleTMD})
	f.user("deputy", []string{RoleDeputyTMD})
	creator := f.user("creator", []string{RoleStaff}, withManager(mgr))

	doc := f.draft(creator, DocumentInput{Title: "Pumps", Category: "Tender"})
	assert.True(t, f.svc.Router.IsTender(f.ctx, doc))

	doc, err := f.svc.Documents.Submit(f.ctx, creator.ID, doc.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, DocumentSubmitted, doc.Status)
	assert.Equal(t, RouteTender, doc.ApprovalRoute)
	assert.Equal(t, finance.ID, *doc.CurrentApproverID)

	_, err = f.svc.Documents.Approve(f.ctx, tmd.ID, doc.ID, "")
	requireCode(t, err, CodeNotCurrentApprover)

	doc, err = f.svc.Documents.Approve(f.ctx, finance.ID, doc.ID, "budget ok")
	require.NoError(t, err)
	assert.Equal(t, DocumentInReview, doc.Status)
	assert.Equal(t, tmd.ID, *doc.CurrentApproverID)
	assert.Equal(t, 2, doc.ApprovalStep)

	_, err = f.svc.Documents.Approve(f.ctx, finance.ID, doc.ID, "")
	requireCode(t, err, CodeNotCurrentApprover)

	doc, err = f.svc.Documents.Approve(f.ctx, tmd.ID, doc.ID, "go ahead")
	require.NoError(t, err)
	assert.Equal(t, DocumentApproved, doc.Status)
	assert.Nil(t, doc.CurrentApproverID)
	require.NotNil(t, doc.ApprovedAt)

	approvals, err := f.svc.Documents.Approvals(f.ctx, creator.ID, doc.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, finance.ID, approvals[0].ApproverID)
	assert.Equal(t, tmd.ID, approvals[1].ApproverID)

	var impl []QmsTask
	require.NoError(t, f.db.Where("document_id = ? AND assignee_id = ?", doc.ID, creator.ID).Find(&impl).Error)
	require.Len(t, impl, 1)
	assert.Equal(t, TaskOpen, impl[0].Status)
	assert.Contains(t, impl[0].Title, "Implement tender requisition")

	assert.Contains(t, f.notificationTitles(creator.ID), "Document approved")
	assert.Contains(t, f.notificationTitles(creator.ID), "Tender requisition ready for implementation")
}

func TestTenderWithoutFinanceFails(t *testing.T) {
	f := newFixture(t)
	f.user("tmd", []string{RoleTMD})
	creator := f.user("creator", []string{RoleStaff})
	doc := f.draft(creator, DocumentInput{Title: "Tender Requisition: cranes"})

	_, err := f.svc.Documents.Submit(f.ctx, creator.ID, doc.ID, SubmitOptions{})
	requireCode(t, err, CodeNoApprover)

	got, err := f.svc.Documents.Get(f.ctx, creator.ID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentDraft, got.Status)
	assert.Nil(t, got.CurrentApproverID)
}

func TestSubmitterManagerThenExecutiveFallback(t *testing.T) {
	f := newFixture(t)
	m := f.user("m", []string{RoleDepartmentManager})
	withMgr := f.user("with-manager", []string{RoleStaff}, withManager(m))
	orphan := f.user("orphan", []string{RoleStaff})

	doc := f.draft(withMgr, DocumentInput{Title: "SOP"})
	doc, err := f.svc.Documents.Submit(f.ctx, withMgr.ID, doc.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteManager, doc.ApprovalRoute)
	assert.Equal(t, m.ID, *doc.CurrentApproverID)

	// No manager and no executive in the tenant.
	orphanDoc := f.draft(orphan, DocumentInput{Title: "WI"})
	_, err = f.svc.Documents.Submit(f.ctx, orphan.ID, orphanDoc.ID, SubmitOptions{})
	requireCode(t, err, CodeNoApprover)

	deputy := f.user("deputy", []string{RoleDeputyTMD})
	orphanDoc, err = f.svc.Documents.Submit(f.ctx, orphan.ID, orphanDoc.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteExecutiveFallback, orphanDoc.ApprovalRoute)
	assert.Equal(t, deputy.ID, *orphanDoc.CurrentApproverID)

	// An executive outranks a deputy.
	tmd := f.user("tmd", []string{RoleTMD})
	second := f.draft(orphan, DocumentInput{Title: "WI 2"})
	second, err = f.svc.Documents.Submit(f.ctx, orphan.ID, second.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, tmd.ID, *second.CurrentApproverID)

	// A single approval finalises a manager route.
	doc, err = f.svc.Documents.Approve(f.ctx, m.ID, doc.ID, "")
	require.NoError(t, err)
	assert.Equal(t, DocumentApproved, doc.Status)
}

func TestInactiveManagerFallsBackToExecutive(t *testing.T) {
	f := newFixture(t)
	tmd := f.user("tmd", []string{RoleTMD})
	m := f.user("m", []string{RoleDepartmentManager})
	staff := f.user("staff", []string{RoleStaff}, withManager(m))
	require.NoError(t, f.svc.DeactivateUser(f.ctx, uuid.Nil, m.ID))

	doc := f.draft(staff, DocumentInput{Title: "SOP"})
	doc, err := f.svc.Documents.Submit(f.ctx, staff.ID, doc.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, tmd.ID, *doc.CurrentApproverID)
}

func TestExecutiveFallbackExcludesSubmitter(t *testing.T) {
	f := newFixture(t)
	tmd := f.user("tmd", []string{RoleTMD})
	doc := f.draft(tmd, DocumentInput{Title: "Policy"})

	_, err := f.svc.Documents.Submit(f.ctx, tmd.ID, doc.ID, SubmitOptions{})
	requireCode(t, err, CodeNoApprover)
}

func TestConfiguredChainRoutesInOrder(t *testing.T) {
	f := newFixture(t)
	first := f.user("first", []string{RoleStaff})
	second := f.user("second", []string{RoleStaff})
	third := f.user("third", []string{RoleStaff})
	author := f.user("author", []string{RoleStaff})
	require.NoError(t, f.svc.DeactivateUser(f.ctx, uuid.Nil, first.ID))

	dt := &DocumentType{TenantID: f.tenant.ID, Name: "Procedure"}
	require.NoError(t, f.db.Create(dt).Error)
	require.NoError(t, f.db.Create(&[]DocumentTypeApprover{
		{DocumentTypeID: dt.ID, ApprovalOrder: 1, ApproverID: first.ID, IsRequired: false},
		{DocumentTypeID: dt.ID, ApprovalOrder: 2, ApproverID: second.ID, IsRequired: true},
		{DocumentTypeID: dt.ID, ApprovalOrder: 3, ApproverID: third.ID, IsRequired: true},
	}).Error)

	doc := f.draft(author, DocumentInput{Title: "Cleaning", DocumentTypeID: &dt.ID})
	doc, err := f.svc.Documents.Submit(f.ctx, author.ID, doc.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteConfigured, doc.ApprovalRoute)
	assert.Equal(t, second.ID, *doc.CurrentApproverID)
	assert.Equal(t, 2, doc.ApprovalStep)

	doc, err = f.svc.Documents.Approve(f.ctx, second.ID, doc.ID, "")
	require.NoError(t, err)
	assert.Equal(t, DocumentInReview, doc.Status)
	assert.Equal(t, third.ID, *doc.CurrentApproverID)

	doc, err = f.svc.Documents.Approve(f.ctx, third.ID, doc.ID, "")
	require.NoError(t, err)
	assert.Equal(t, DocumentApproved, doc.Status)
}

func TestConfiguredChainWithUnavailableRequiredApprover(t *testing.T) {
	f := newFixture(t)
	gone := f.user("gone", []string{RoleStaff})
	author := f.user("author", []string{RoleStaff})
	require.NoError(t, f.svc.DeactivateUser(f.ctx, uuid.Nil, gone.ID))

	dt := &DocumentType{TenantID: f.tenant.ID, Name: "Form"}
	require.NoError(t, f.db.Create(dt).Error)
	require.NoError(t, f.db.Create(&DocumentTypeApprover{DocumentTypeID: dt.ID, ApprovalOrder: 1, ApproverID: gone.ID, IsRequired: true}).Error)

	doc := f.draft(author, DocumentInput{Title: "Intake", DocumentTypeID: &dt.ID})
	_, err := f.svc.Documents.Submit(f.ctx, author.ID, doc.ID, SubmitOptions{})
	requireCode(t, err, CodeNoApprover)
}

func TestTenderTypeOverridesConfiguredChain(t *testing.T) {
	f := newFixture(t)
	finance := f.user("finance", []string{RoleFinanceOfficer})
	other := f.user("other", []string{RoleStaff})
	author := f.user("author", []string{RoleStaff})

	dt := &DocumentType{TenantID: f.tenant.ID, Name: "Tender Requisition"}
	require.NoError(t, f.db.Create(dt).Error)
	require.NoError(t, f.db.Create(&DocumentTypeApprover{DocumentTypeID: dt.ID, ApprovalOrder: 1, ApproverID: other.ID, IsRequired: true}).Error)

	doc := f.draft(author, DocumentInput{Title: "Valves", DocumentTypeID: &dt.ID})
	doc, err := f.svc.Documents.Submit(f.ctx, author.ID, doc.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, RouteTender, doc.ApprovalRoute)
	assert.Equal(t, finance.ID, *doc.CurrentApproverID)
}

func TestExplicitAndDepartmentApprovers(t *testing.T) {
	f := newFixture(t)
	quality := f.unit("Quality")
	head := f.user("head", []string{RoleDepartmentManager}, inUnit(quality))
	f.user("member", []string{RoleStaff}, inUnit(quality))
	reviewer := f.user("reviewer", []string{RoleStaff})
	author := f.user("author", []string{RoleStaff})

	doc := f.draft(author, DocumentInput{Title: "explicit"})
	_, err := f.svc.Documents.Submit(f.ctx, author.ID, doc.ID, SubmitOptions{ApproverID: &author.ID})
	requireCode(t, err, CodeInvalidInput)

	doc, err = f.svc.Documents.Submit(f.ctx, author.ID, doc.ID, SubmitOptions{ApproverID: &reviewer.ID, ApproverDepartmentID: &quality.ID})
	require.NoError(t, err)
	assert.Equal(t, RouteExplicit, doc.ApprovalRoute)
	assert.Equal(t, reviewer.ID, *doc.CurrentApproverID)

	doc2 := f.draft(author, DocumentInput{Title: "department"})
	doc2, err = f.svc.Documents.Submit(f.ctx, author.ID, doc2.ID, SubmitOptions{ApproverDepartmentID: &quality.ID})
	require.NoError(t, err)
	assert.Equal(t, RouteDepartment, doc2.ApprovalRoute)
	assert.Equal(t, head.ID, *doc2.CurrentApproverID)

	empty := f.unit("Empty")
	doc3 := f.draft(author, DocumentInput{Title: "nobody"})
	_, err = f.svc.Documents.Submit(f.ctx, author.ID, doc3.ID, SubmitOptions{ApproverDepartmentID: &empty.ID})
	requireCode(t, err, CodeNoApprover)
}

func TestConfiguredChainSkipsCreator(t *testing.T) {
	f := newFixture(t)
	author := f.user("author", []string{RoleStaff})
	reviewer := f.user("reviewer", []string{RoleStaff})

	optional := &DocumentType{TenantID: f.tenant.ID, Name: "Checklist"}
	require.NoError(t, f.db.Create(optional).Error)
	require.NoError(t, f.db.Create(&[]DocumentTypeApprover{
		{DocumentTypeID: optional.ID, ApprovalOrder: 1, ApproverID: author.ID, IsRequired: false},
		{DocumentTypeID: optional.ID, ApprovalOrder: 2, ApproverID: reviewer.ID, IsRequired: true},
	}).Error)

	doc := f.draft(author, DocumentInput{Title: "Line clearance", DocumentTypeID: &optional.ID})
	doc, err := f.svc.Documents.Submit(f.ctx, author.ID, doc.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, reviewer.ID, *doc.CurrentApproverID)
	assert.Equal(t, 2, doc.ApprovalStep)
	_, err = f.svc.Documents.Approve(f.ctx, author.ID, doc.ID, "")
	requireCode(t, err, CodeNotCurrentApprover)

	required := &DocumentType{TenantID: f.tenant.ID, Name: "Deviation"}
	require.NoError(t, f.db.Create(required).Error)
	require.NoError(t, f.db.Create(&DocumentTypeApprover{DocumentTypeID: required.ID, ApprovalOrder: 1, ApproverID: author.ID, IsRequired: true}).Error)

	own := f.draft(author, DocumentInput{Title: "Own deviation", DocumentTypeID: &required.ID})
	_, err = f.svc.Documents.Submit(f.ctx, author.ID, own.ID, SubmitOptions{})
	requireCode(t, err, CodeNoApprover)
	got, err := f.svc.Documents.Get(f.ctx, author.ID, own.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentDraft, got.Status)
	assert.Nil(t, got.CurrentApproverID)
}
