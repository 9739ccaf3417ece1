package qms

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateOrgUnit creates a department or other organisation unit. parentID may be nil.
func (s *Service) CreateOrgUnit(ctx context.Context, actorID, tenantID uuid.UUID, name string, parentID *uuid.UUID) (*OrganizationUnit, error) {
	name = strings.TrimSpace(name)
	if name == "" || tenantID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	if parentID != nil {
		if err := sameTenantUnit(s.db.WithContext(ctx), tenantID, *parentID); err != nil {
			return nil, err
		}
	}

	unit := &OrganizationUnit{TenantID: tenantID, Name: name, ParentID: parentID}
	if err := s.db.WithContext(ctx).Create(unit).Error; err != nil {
		return nil, err
	}

	s.audit.logAudit(ctx, tenantID, actorID, "create_org_unit", "organization_unit", unit.ID, "Created organisation unit: "+name)
	return unit, nil
}

// UpdateOrgUnit renames a unit and moves it under parentID. A parent inside
// the unit's own subtree is rejected.
func (s *Service) UpdateOrgUnit(ctx context.Context, actorID, id uuid.UUID, name string, parentID *uuid.UUID) (*OrganizationUnit, error) {
	name = strings.TrimSpace(name)
	if id == uuid.Nil || name == "" {
		return nil, ErrInvalidInput
	}
	unit, err := s.GetOrgUnit(ctx, id)
	if err != nil {
		return nil, err
	}

	if parentID != nil {
		if err := sameTenantUnit(s.db.WithContext(ctx), unit.TenantID, *parentID); err != nil {
			return nil, err
		}
		below, err := s.DescendantUnitIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		if *parentID == id || below.Has(*parentID) {
			return nil, invalid(CodeInvalidInput, "An organisation unit cannot be placed under itself.")
		}
	}

	unit.Name = name
	unit.ParentID = parentID
	if err := s.db.WithContext(ctx).Model(unit).Select("name", "parent_id").Updates(unit).Error; err != nil {
		return nil, err
	}

	s.audit.logAudit(ctx, unit.TenantID, actorID, "update_org_unit", "organization_unit", unit.ID, "Updated organisation unit: "+name)
	return unit, nil
}

// GetOrgUnit retrieves a unit by ID.
func (s *Service) GetOrgUnit(ctx context.Context, id uuid.UUID) (*OrganizationUnit, error) {
	if id == uuid.Nil {
		return nil, ErrInvalidInput
	}
	var unit OrganizationUnit
	err := s.db.WithContext(ctx).First(&unit, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// DeleteOrgUnit soft-deletes a unit. Child units move up to its parent and
// members keep no unit.
func (s *Service) DeleteOrgUnit(ctx context.Context, actorID, id uuid.UUID) error {
	unit, err := s.GetOrgUnit(ctx, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&OrganizationUnit{}).Where("parent_id = ?", id).Update("parent_id", unit.ParentID).Error; err != nil {
			return err
		}
		if err := tx.Model(&User{}).Where("organization_unit_id = ?", id).Update("organization_unit_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(unit).Error
	})
	if err != nil {
		return err
	}

	s.audit.logAudit(ctx, unit.TenantID, actorID, "delete_org_unit", "organization_unit", id, "Deleted organisation unit: "+unit.Name)
	return nil
}

// ListOrgUnits retrieves the units of a tenant.
func (s *Service) ListOrgUnits(ctx context.Context, tenantID uuid.UUID) ([]OrganizationUnit, error) {
	var units []OrganizationUnit
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("name").Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

// DescendantUnitIDs returns every unit below id, excluding id itself.
func (s *Service) DescendantUnitIDs(ctx context.Context, id uuid.UUID) (IDSet, error) {
	out := NewIDSet()
	visited := NewIDSet(id)
	frontier := []uuid.UUID{id}
	for len(frontier) > 0 {
		var children []uuid.UUID
		if err := s.db.WithContext(ctx).Model(&OrganizationUnit{}).
			Where("parent_id IN ?", frontier).Pluck("id", &children).Error; err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, c := range children {
			if visited.Has(c) {
				continue
			}
			visited.Add(c)
			out.Add(c)
			frontier = append(frontier, c)
		}
	}
	return out, nil
}
