package relay

import (
	"container/list"
	"sync"
)

// DefaultSeenCapacity bounds the dedup set of one relay.
const DefaultSeenCapacity = 100

// SeenSet remembers recently handled command ids. It is bounded and evicts
// in insertion order. It only saves store round-trips; the claim decides.
type SeenSet struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	index map[string]*list.Element
}

// NewSeenSet creates a set holding at most capacity ids.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenSet{
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether id is in the set.
func (s *SeenSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Add inserts id and reports whether it was new. Re-adding does not
// refresh its position.
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = s.order.PushBack(id)
	for s.order.Len() > s.cap {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
	return true
}

// Remove forgets id so a later delivery is attempted again.
func (s *SeenSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[id]; ok {
		s.order.Remove(el)
		delete(s.index, id)
	}
}

// Len returns the number of remembered ids.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
