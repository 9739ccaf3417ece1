package qms

import "strings"

// RoleTier is the privilege tier of a role. It is assigned once when the role is
// created so authorization never has to pattern-match role names.
type RoleTier int

const (
	TierStaff RoleTier = iota
	TierAuditor
	TierManager
	TierDeputy
	TierExecutive
	TierAdmin
)

var tierNames = map[RoleTier]string{
	TierStaff:     "staff",
	TierAuditor:   "auditor",
	TierManager:   "manager",
	TierDeputy:    "deputy",
	TierExecutive: "executive",
	TierAdmin:     "admin",
}

func (t RoleTier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return "unknown"
}

// IsHierarchyTier reports whether roles of this tier earn derived ViewAll grants.
func (t RoleTier) IsHierarchyTier() bool {
	return t == TierManager || t == TierDeputy || t == TierExecutive
}

// AtLeast reports whether t ranks at or above other. Auditor ranks above staff
// only for ordering; it never grants write access.
func (t RoleTier) AtLeast(other RoleTier) bool { return t >= other }

// RoleDuty marks functional responsibilities that routing cares about.
type RoleDuty string

const (
	DutyNone    RoleDuty = ""
	DutyFinance RoleDuty = "finance"
)

var executiveNames = map[string]struct{}{
	"tmd":                   {},
	"top managing director": {},
	"topmanagingdirector":   {},
	"country manager":       {},
}

var adminNames = map[string]struct{}{
	"system admin":         {},
	"systemadmin":          {},
	"system administrator": {},
	"admin":                {},
	"administrator":        {},
}

// ClassifyRoleName maps a seeded role name onto a tier and duty. Matching is
// case-insensitive; "Deputy" matches as a substring.
func ClassifyRoleName(name string) (RoleTier, RoleDuty) {
	n := strings.ToLower(strings.TrimSpace(name))
	duty := DutyNone
	if strings.Contains(n, "finance") {
		duty = DutyFinance
	}

	if _, ok := adminNames[n]; ok {
		return TierAdmin, duty
	}
	if _, ok := executiveNames[n]; ok {
		return TierExecutive, duty
	}
	switch {
	case strings.Contains(n, "deputy"):
		return TierDeputy, duty
	case strings.Contains(n, "manager"):
		return TierManager, duty
	case strings.Contains(n, "auditor"):
		return TierAuditor, duty
	}
	return TierStaff, duty
}

// highestTier returns the top tier among roles, TierStaff when there are none.
func highestTier(roles []Role) RoleTier {
	tier := TierStaff
	for _, r := range roles {
		if r.Tier > tier {
			tier = r.Tier
		}
	}
	return tier
}
