package push

import "github.com/saiset-co/sai-offline/types"

// DefaultShownLimit caps how many visible notifications a surface keeps.
// Pages that never click or dismiss would otherwise grow it forever.
const DefaultShownLimit = 256

// shownSet holds visible notifications in display order and evicts the
// oldest once full. Callers serialize access.
type shownSet struct {
	limit int
	items map[string]*types.Notification
	order []string
}

func newShownSet(limit int) *shownSet {
	if limit <= 0 {
		limit = DefaultShownLimit
	}
	return &shownSet{limit: limit, items: make(map[string]*types.Notification)}
}

// add returns the ids evicted to make room.
func (s *shownSet) add(n *types.Notification) []string {
	if _, exists := s.items[n.ID]; exists {
		s.items[n.ID] = n
		return nil
	}

	s.items[n.ID] = n
	s.order = append(s.order, n.ID)

	var evicted []string
	for len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
		evicted = append(evicted, oldest)
	}
	return evicted
}

func (s *shownSet) remove(id string) bool {
	if _, exists := s.items[id]; !exists {
		return false
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *shownSet) get(id string) (*types.Notification, bool) {
	n, ok := s.items[id]
	return n, ok
}

func (s *shownSet) list() []*types.Notification {
	list := make([]*types.Notification, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.items[id])
	}
	return list
}
