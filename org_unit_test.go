package qms

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrgUnitTree(t *testing.T) {
	f := newFixture(t)
	plant, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, "Plant", nil)
	require.NoError(t, err)
	quality, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, "Quality", &plant.ID)
	require.NoError(t, err)
	lab, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, "Lab", &quality.ID)
	require.NoError(t, err)

	below, err := f.svc.DescendantUnitIDs(f.ctx, plant.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{quality.ID, lab.ID}, below.Slice())

	_, err = f.svc.UpdateOrgUnit(f.ctx, uuid.Nil, plant.ID, "Plant", &lab.ID)
	requireCode(t, err, CodeInvalidInput)
	_, err = f.svc.UpdateOrgUnit(f.ctx, uuid.Nil, plant.ID, "Plant", &plant.ID)
	requireCode(t, err, CodeInvalidInput)

	lab, err = f.svc.UpdateOrgUnit(f.ctx, uuid.Nil, lab.ID, "Metrology Lab", &plant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Metrology Lab", lab.Name)
	assert.Equal(t, plant.ID, *lab.ParentID)

	units, err := f.svc.ListOrgUnits(f.ctx, f.tenant.ID)
	require.NoError(t, err)
	var names []string
	for _, u := range units {
		names = append(names, u.Name)
	}
	assert.Equal(t, []string{"Metrology Lab", "Plant", "Quality"}, names)
}

func TestOrgUnitValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, " ", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.CreateOrgUnit(f.ctx, uuid.Nil, uuid.Nil, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	other, _ := f.newTenant("Other")
	foreign, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, other.ID, "Foreign", nil)
	require.NoError(t, err)
	_, err = f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, "Child", &foreign.ID)
	requireCode(t, err, CodeInvalidInput)

	_, err = f.svc.GetOrgUnit(f.ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteOrgUnitReparentsChildrenAndMembers(t *testing.T) {
	f := newFixture(t)
	plant := f.unit("Plant")
	quality, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, "Quality", &plant.ID)
	require.NoError(t, err)
	lab, err := f.svc.CreateOrgUnit(f.ctx, uuid.Nil, f.tenant.ID, "Lab", &quality.ID)
	require.NoError(t, err)
	member := f.user("member", []string{RoleStaff}, inUnit(quality))

	require.NoError(t, f.svc.DeleteOrgUnit(f.ctx, uuid.Nil, quality.ID))

	_, err = f.svc.GetOrgUnit(f.ctx, quality.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	lab, err = f.svc.GetOrgUnit(f.ctx, lab.ID)
	require.NoError(t, err)
	assert.Equal(t, plant.ID, *lab.ParentID)

	member, err = f.svc.GetUserWithRoles(f.ctx, member.ID)
	require.NoError(t, err)
	assert.Nil(t, member.OrganizationUnitID)

	logs, err := f.svc.ListAuditLogs(f.ctx, AuditFilter{TargetID: quality.ID, Action: "delete_org_unit"})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
