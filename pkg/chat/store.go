package chat

import (
	"sort"
	"sync"
)

// Store is the canonical, order-preserving message list per conversation.
// Every mutation builds a fresh slice, so slices handed out by Read stay
// valid for concurrent readers; no two entries ever share an id.
type Store struct {
	mu     sync.RWMutex
	byConv map[string][]Message
}

func NewStore() *Store {
	return &Store{byConv: map[string][]Message{}}
}

// Read returns the current snapshot for a conversation. The returned slice
// is never mutated in place; callers may hold on to it safely.
func (s *Store) Read(convID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byConv[convID]
}

func (s *Store) Len(convID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConv[convID])
}

// Get returns the message with the given id, if present.
func (s *Store) Get(convID, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byConv[convID] {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Append adds messages at the end. A message whose id already exists replaces
// the existing entry in place instead, preserving id uniqueness.
func (s *Store) Append(convID string, msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byConv[convID]
	next := make([]Message, len(cur), len(cur)+len(msgs))
	copy(next, cur)
	for _, m := range msgs {
		if i := indexByID(next, m.ID); i >= 0 {
			next[i] = m
			continue
		}
		next = append(next, m)
	}
	s.byConv[convID] = next
}

// Replace overwrites the entry whose id matches the given id. The replacement
// may carry a different id (placeholder promotion); if that new id already
// exists elsewhere, the existing entry takes the incoming content and the old
// one is removed, so uniqueness holds and a late confirmation is never lost.
func (s *Store) Replace(convID, id string, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byConv[convID]
	i := indexByID(cur, id)
	if i < 0 {
		return false
	}
	next := make([]Message, len(cur))
	copy(next, cur)
	if j := indexByID(cur, m.ID); m.ID != id && j >= 0 {
		next[j] = m
		next = append(next[:i], next[i+1:]...)
	} else {
		next[i] = m
	}
	s.byConv[convID] = next
	return true
}

// InsertAfter splices a message immediately after the entry with afterID,
// appending at the end when afterID is absent. An id collision replaces the
// existing entry instead.
func (s *Store) InsertAfter(convID, afterID string, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byConv[convID]
	if i := indexByID(cur, m.ID); i >= 0 {
		next := make([]Message, len(cur))
		copy(next, cur)
		next[i] = m
		s.byConv[convID] = next
		return
	}
	at := len(cur)
	if i := indexByID(cur, afterID); i >= 0 {
		at = i + 1
	}
	next := make([]Message, 0, len(cur)+1)
	next = append(next, cur[:at]...)
	next = append(next, m)
	next = append(next, cur[at:]...)
	s.byConv[convID] = next
}

// RemoveWhere drops every message matching the predicate and reports how
// many were removed.
func (s *Store) RemoveWhere(convID string, pred func(Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byConv[convID]
	next := make([]Message, 0, len(cur))
	removed := 0
	for _, m := range cur {
		if pred(m) {
			removed++
			continue
		}
		next = append(next, m)
	}
	if removed > 0 {
		s.byConv[convID] = next
	}
	return removed
}

// MergeByID unions incoming messages into the conversation keyed by id.
// On collision the newer message (by creation time, incoming on ties) wins.
// The merged list is re-sorted by timestamp; equal timestamps keep their
// relative order.
func (s *Store) MergeByID(convID string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byConv[convID]
	next := make([]Message, len(cur), len(cur)+len(msgs))
	copy(next, cur)
	for _, m := range msgs {
		if i := indexByID(next, m.ID); i >= 0 {
			if !m.CreatedAt.Before(next[i].CreatedAt) {
				next[i] = m
			}
			continue
		}
		next = append(next, m)
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].CreatedAt.Before(next[j].CreatedAt)
	})
	s.byConv[convID] = next
}

// Drop forgets a conversation entirely.
func (s *Store) Drop(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, convID)
}

func indexByID(msgs []Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
