package qms

import (
	"sort"
)

// Permission is a bitmask of atomic capabilities held by a role.
type Permission uint64

const (
	PermDocumentRead Permission = 1 << iota
	PermDocumentCreate
	PermDocumentEdit
	PermDocumentDelete
	PermDocumentApprove
	PermDocumentArchive
	PermDocumentViewAll
	PermTaskRead
	PermTaskCreate
	PermTaskEdit
	PermTaskDelete
	PermTaskAssign
	PermTaskViewAll
	PermCapaRead
	PermCapaCreate
	PermCapaEdit
	PermCapaDelete
	PermCapaViewAll
	PermAuditRead
	PermAuditCreate
	PermAuditEdit
	PermAuditViewAll
	PermUserRead
	PermUserCreate
	PermUserEdit
	PermUserViewAll
	PermRoleManage
	PermReportView

	permSentinel
)

// PermAll is every defined flag.
const PermAll = permSentinel - 1

// Has reports whether every bit of p is set.
func (m Permission) Has(p Permission) bool { return p != 0 && m&p == p }

// HasAny reports whether at least one bit of p is set.
func (m Permission) HasAny(p Permission) bool { return m&p != 0 }

// Resource names used in the dotted permission vocabulary.
const (
	ResourceDocuments = "Documents"
	ResourceTasks     = "Tasks"
	ResourceCapas     = "Capas"
	ResourceAudits    = "Audits"
	ResourceUsers     = "Users"
	ResourceRoles     = "Roles"
	ResourceReports   = "Reports"
)

// Actions used in the dotted permission vocabulary.
const (
	ActionRead    = "Read"
	ActionCreate  = "Create"
	ActionEdit    = "Edit"
	ActionDelete  = "Delete"
	ActionApprove = "Approve"
	ActionArchive = "Archive"
	ActionAssign  = "Assign"
	ActionManage  = "Manage"
	ActionView    = "View"
	ActionViewAll = "ViewAll"
)

// PermissionName builds the "Resource.Action" string callers check against.
func PermissionName(resource, action string) string {
	return resource + "." + action
}

// Application permission strings.
var (
	DocumentsRead    = PermissionName(ResourceDocuments, ActionRead)
	DocumentsCreate  = PermissionName(ResourceDocuments, ActionCreate)
	DocumentsEdit    = PermissionName(ResourceDocuments, ActionEdit)
	DocumentsDelete  = PermissionName(ResourceDocuments, ActionDelete)
	DocumentsApprove = PermissionName(ResourceDocuments, ActionApprove)
	DocumentsArchive = PermissionName(ResourceDocuments, ActionArchive)
	DocumentsViewAll = PermissionName(ResourceDocuments, ActionViewAll)
	TasksRead        = PermissionName(ResourceTasks, ActionRead)
	TasksCreate      = PermissionName(ResourceTasks, ActionCreate)
	TasksEdit        = PermissionName(ResourceTasks, ActionEdit)
	TasksDelete      = PermissionName(ResourceTasks, ActionDelete)
	TasksAssign      = PermissionName(ResourceTasks, ActionAssign)
	TasksViewAll     = PermissionName(ResourceTasks, ActionViewAll)
	CapasRead        = PermissionName(ResourceCapas, ActionRead)
	CapasCreate      = PermissionName(ResourceCapas, ActionCreate)
	CapasEdit        = PermissionName(ResourceCapas, ActionEdit)
	CapasDelete      = PermissionName(ResourceCapas, ActionDelete)
	CapasViewAll     = PermissionName(ResourceCapas, ActionViewAll)
	AuditsRead       = PermissionName(ResourceAudits, ActionRead)
	AuditsCreate     = PermissionName(ResourceAudits, ActionCreate)
	AuditsEdit       = PermissionName(ResourceAudits, ActionEdit)
	AuditsViewAll    = PermissionName(ResourceAudits, ActionViewAll)
	UsersRead        = PermissionName(ResourceUsers, ActionRead)
	UsersCreate      = PermissionName(ResourceUsers, ActionCreate)
	UsersEdit        = PermissionName(ResourceUsers, ActionEdit)
	UsersViewAll     = PermissionName(ResourceUsers, ActionViewAll)
	RolesManage      = PermissionName(ResourceRoles, ActionManage)
	ReportsView      = PermissionName(ResourceReports, ActionView)
)

// PermissionMap translates raw flags into application permission strings.
// A flag may expand to several strings; flags without an entry map to nothing.
type PermissionMap map[Permission][]string

// DefaultPermissionMap is the stock flag table.
var DefaultPermissionMap = PermissionMap{
	PermDocumentRead:    {DocumentsRead},
	PermDocumentCreate:  {DocumentsCreate},
	PermDocumentEdit:    {DocumentsEdit},
	PermDocumentDelete:  {DocumentsDelete},
	PermDocumentApprove: {DocumentsApprove},
	PermDocumentArchive: {DocumentsArchive},
	PermDocumentViewAll: {DocumentsViewAll},
	PermTaskRead:        {TasksRead},
	PermTaskCreate:      {TasksCreate},
	PermTaskEdit:        {TasksEdit},
	PermTaskDelete:      {TasksDelete},
	PermTaskAssign:      {TasksAssign},
	PermTaskViewAll:     {TasksViewAll},
	PermCapaRead:        {CapasRead},
	PermCapaCreate:      {CapasCreate},
	PermCapaEdit:        {CapasEdit},
	PermCapaDelete:      {CapasDelete},
	PermCapaViewAll:     {CapasViewAll},
	PermAuditRead:       {AuditsRead},
	PermAuditCreate:     {AuditsCreate},
	PermAuditEdit:       {AuditsEdit},
	PermAuditViewAll:    {AuditsViewAll},
	PermUserRead:        {UsersRead},
	PermUserCreate:      {UsersCreate},
	PermUserEdit:        {UsersEdit},
	PermUserViewAll:     {UsersViewAll},
	PermRoleManage:      {RolesManage},
	PermReportView:      {ReportsView},
}

// ToApplicationPermissions expands flags into sorted, de-duplicated permission strings.
func (pm PermissionMap) ToApplicationPermissions(flags Permission) []string {
	set := NewPermissionSet()
	for bit := Permission(1); bit != 0 && bit <= flags; bit <<= 1 {
		if flags&bit == 0 {
			continue
		}
		set.Add(pm[bit]...)
	}
	return set.Slice()
}

// FlagsFor is the reverse lookup: the flags whose strings are all contained in perms.
func (pm PermissionMap) FlagsFor(perms []string) Permission {
	want := NewPermissionSet(perms...)
	var flags Permission
	for flag, names := range pm {
		if len(names) > 0 && want.HasAll(names...) {
			flags |= flag
		}
	}
	return flags
}

// Vocabulary returns every permission string the map can produce, plus the
// derived ViewAll strings.
func (pm PermissionMap) Vocabulary() PermissionSet {
	set := NewPermissionSet(ViewAllForHierarchyRoles(true, true, true, true, true)...)
	for _, names := range pm {
		set.Add(names...)
	}
	return set
}

// ViewAllForHierarchyRoles emits the implicit <Resource>.ViewAll grants a
// hierarchy role earns for each base read flag it holds.
func ViewAllForHierarchyRoles(hasDocRead, hasTaskRead, hasAuditRead, hasCapaRead, hasUserRead bool) []string {
	var out []string
	if hasDocRead {
		out = append(out, DocumentsViewAll)
	}
	if hasTaskRead {
		out = append(out, TasksViewAll)
	}
	if hasAuditRead {
		out = append(out, AuditsViewAll)
	}
	if hasCapaRead {
		out = append(out, CapasViewAll)
	}
	if hasUserRead {
		out = append(out, UsersViewAll)
	}
	return out
}

// derivedViewAll applies ViewAllForHierarchyRoles to a role's flags.
func derivedViewAll(flags Permission) []string {
	return ViewAllForHierarchyRoles(
		flags.Has(PermDocumentRead),
		flags.Has(PermTaskRead),
		flags.Has(PermAuditRead),
		flags.Has(PermCapaRead),
		flags.Has(PermUserRead),
	)
}

// PermissionSet is a set of application permission strings.
type PermissionSet map[string]struct{}

func NewPermissionSet(perms ...string) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

func (s PermissionSet) Add(perms ...string) {
	for _, p := range perms {
		if p != "" {
			s[p] = struct{}{}
		}
	}
}

func (s PermissionSet) Remove(p string) { delete(s, p) }

func (s PermissionSet) Has(p string) bool {
	_, ok := s[p]
	return ok
}

func (s PermissionSet) HasAny(perms ...string) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

func (s PermissionSet) HasAll(perms ...string) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Slice returns the members in sorted order.
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
