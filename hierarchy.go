package qms

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IDSet is a set of user or unit ids.
type IDSet map[uuid.UUID]struct{}

func NewIDSet(ids ...uuid.UUID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s IDSet) Add(id uuid.UUID) { s[id] = struct{}{} }

func (s IDSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the ids in a stable order.
func (s IDSet) Slice() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// HierarchyResolver answers structural questions over the manager-pointer graph.
// Every walk tracks visited ids, so malformed (cyclic) data still terminates.
type HierarchyResolver struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewHierarchyResolver(db *gorm.DB, log *zap.SugaredLogger) *HierarchyResolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HierarchyResolver{db: db, log: log}
}

// directReports fetches the ids of users whose manager is one of managerIDs.
func (h *HierarchyResolver) directReports(ctx context.Context, managerIDs []uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if len(managerIDs) == 0 {
		return ids, nil
	}
	err := h.db.WithContext(ctx).Model(&User{}).
		Where("manager_id IN ?", managerIDs).
		Pluck("id", &ids).Error
	return ids, err
}

// SubordinateIDs returns the direct reports of managerID, or the full transitive
// closure when recursive is set. The manager itself is never included.
func (h *HierarchyResolver) SubordinateIDs(ctx context.Context, managerID uuid.UUID, recursive bool) (IDSet, error) {
	result := NewIDSet()
	if managerID == uuid.Nil {
		return result, ErrInvalidInput
	}

	visited := NewIDSet(managerID)
	frontier := []uuid.UUID{managerID}
	for len(frontier) > 0 {
		reports, err := h.directReports(ctx, frontier)
		if err != nil {
			return NewIDSet(), err
		}
		next := make([]uuid.UUID, 0, len(reports))
		for _, id := range reports {
			if visited.Has(id) {
				continue
			}
			visited.Add(id)
			result.Add(id)
			next = append(next, id)
		}
		if !recursive {
			break
		}
		frontier = next
	}
	return result, nil
}

// GetSubordinateIDs is the fail-soft form of SubordinateIDs: lookup failures are
// logged and yield an empty set.
func (h *HierarchyResolver) GetSubordinateIDs(ctx context.Context, managerID uuid.UUID, recursive bool) IDSet {
	ids, err := h.SubordinateIDs(ctx, managerID, recursive)
	if err != nil {
		h.log.Errorw("subordinate lookup failed", "manager_id", managerID, "recursive", recursive, "error", err)
		return NewIDSet()
	}
	return ids
}

// isSubordinate checks the direct set first, then the transitive closure.
func (h *HierarchyResolver) isSubordinate(ctx context.Context, managerID, targetID uuid.UUID) (bool, error) {
	if managerID == uuid.Nil || targetID == uuid.Nil || managerID == targetID {
		return false, nil
	}
	direct, err := h.SubordinateIDs(ctx, managerID, false)
	if err != nil {
		return false, err
	}
	if direct.Has(targetID) {
		return true, nil
	}
	all, err := h.SubordinateIDs(ctx, managerID, true)
	if err != nil {
		return false, err
	}
	return all.Has(targetID), nil
}

// IsSubordinate reports whether targetID reports to managerID directly or
// transitively. Missing users and lookup failures yield false.
func (h *HierarchyResolver) IsSubordinate(ctx context.Context, managerID, targetID uuid.UUID) bool {
	ok, err := h.isSubordinate(ctx, managerID, targetID)
	if err != nil {
		h.log.Errorw("subordinate check failed", "manager_id", managerID, "target_id", targetID, "error", err)
		return false
	}
	return ok
}

// ManagerChain walks ManagerID pointers upward and returns the ancestors of
// userID, nearest first. A cycle ends the walk with the chain collected so far.
func (h *HierarchyResolver) ManagerChain(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	chain := []uuid.UUID{}
	visited := NewIDSet(userID)
	current := userID
	for {
		var u User
		err := h.db.WithContext(ctx).Select("id", "manager_id").First(&u, "id = ?", current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chain, nil
		}
		if err != nil {
			return chain, err
		}
		if u.ManagerID == nil {
			return chain, nil
		}
		if visited.Has(*u.ManagerID) {
			h.log.Warnw("manager cycle detected", "user_id", userID, "at", *u.ManagerID)
			return chain, nil
		}
		visited.Add(*u.ManagerID)
		chain = append(chain, *u.ManagerID)
		current = *u.ManagerID
	}
}

// GetManagerChain is the fail-soft form of ManagerChain.
func (h *HierarchyResolver) GetManagerChain(ctx context.Context, userID uuid.UUID) []uuid.UUID {
	chain, err := h.ManagerChain(ctx, userID)
	if err != nil {
		h.log.Errorw("manager chain lookup failed", "user_id", userID, "error", err)
	}
	return chain
}

// IsManager is structural: a user with at least one direct report.
func (h *HierarchyResolver) IsManager(ctx context.Context, userID uuid.UUID) bool {
	var count int64
	err := h.db.WithContext(ctx).Model(&User{}).Where("manager_id = ?", userID).Count(&count).Error
	if err != nil {
		h.log.Errorw("manager check failed", "user_id", userID, "error", err)
		return false
	}
	return count > 0
}

// GetVisibleUserIDs is the default "who can I see": the user plus, for managers,
// every recursive subordinate.
func (h *HierarchyResolver) GetVisibleUserIDs(ctx context.Context, userID uuid.UUID) IDSet {
	visible := NewIDSet(userID)
	if !h.IsManager(ctx, userID) {
		return visible
	}
	for id := range h.GetSubordinateIDs(ctx, userID, true) {
		visible.Add(id)
	}
	return visible
}

// wouldCreateCycle reports whether pointing userID at managerID closes a loop.
func (h *HierarchyResolver) wouldCreateCycle(ctx context.Context, userID, managerID uuid.UUID) (bool, error) {
	if userID == managerID {
		return true, nil
	}
	chain, err := h.ManagerChain(ctx, managerID)
	if err != nil {
		return false, err
	}
	for _, id := range chain {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}
