// Package store holds the ordered, duplicate-free message sequence for one
// conversation and the Reconciler that owns every mutation of it. Merging
// follows one identity rule everywhere: a message is identified by its
// server id when present, by its client temp id otherwise, and no two
// entries may ever share a resolved identity.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/voxhall/chatsync/pkg/model"
)

// entry wraps a stored message with bookkeeping the UI never sees.
type entry struct {
	msg model.Message

	// seq is the insertion order, the tie-break for equal timestamps.
	seq uint64

	// deliveryNotified guards the one-time delivered notice on SAVED.
	deliveryNotified bool
}

// Store is the ordered conversation sequence. Ordering is by effective
// timestamp with insertion order breaking ties; a stable re-sort happens
// only when an entry's effective timestamp actually changes.
type Store struct {
	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
	byTemp  map[string]*entry
	nextSeq uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*entry),
		byTemp: make(map[string]*entry),
	}
}

// Snapshot returns a copy of the ordered messages for the UI.
func (s *Store) Snapshot() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}

	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Get returns the message for an identity key (server id or temp id).
func (s *Store) Get(key string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e := s.lookup(key); e != nil {
		return e.msg, true
	}

	return model.Message{}, false
}

// Clear discards all entries. Called when the conversation closes.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.byID = make(map[string]*entry)
	s.byTemp = make(map[string]*entry)
}

// lookup finds an entry by server id first, then temp id. Lock held.
func (s *Store) lookup(key string) *entry {
	if e, ok := s.byID[key]; ok {
		return e
	}
	if e, ok := s.byTemp[key]; ok {
		return e
	}

	return nil
}

// insert appends a new entry and restores order. Lock held.
func (s *Store) insert(msg model.Message) *entry {
	s.nextSeq++
	e := &entry{msg: msg, seq: s.nextSeq}
	s.entries = append(s.entries, e)

	if msg.ID != "" {
		s.byID[msg.ID] = e
	}
	if msg.TempID != "" {
		s.byTemp[msg.TempID] = e
	}

	s.resort()

	return e
}

// assignID indexes an entry under its freshly assigned server id. Lock held.
func (s *Store) assignID(e *entry, id string) {
	e.msg.ID = id
	s.byID[id] = e
}

// remove drops an entry (used when two optimistic/remote entries turn out
// to be the same message and must be merged into one). Lock held.
func (s *Store) remove(victim *entry) {
	for i, e := range s.entries {
		if e == victim {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}

	if victim.msg.ID != "" && s.byID[victim.msg.ID] == victim {
		delete(s.byID, victim.msg.ID)
	}
	if victim.msg.TempID != "" && s.byTemp[victim.msg.TempID] == victim {
		delete(s.byTemp, victim.msg.TempID)
	}
}

// setCreatedAt updates an entry's effective timestamp and re-sorts only if
// it actually changed, so unrelated equal-timestamp entries never reorder.
func (s *Store) setCreatedAt(e *entry, t time.Time) {
	if t.IsZero() || t.Equal(e.msg.CreatedAt) {
		return
	}

	e.msg.CreatedAt = t
	s.resort()
}

// resort restores timestamp order. The comparison includes the insertion
// sequence, so the sort is total and stable by construction.
func (s *Store) resort() {
	sort.Slice(s.entries, func(i, j int) bool {
		a, b := s.entries[i], s.entries[j]
		ta, tb := a.msg.EffectiveTime(), b.msg.EffectiveTime()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}

		return a.seq < b.seq
	})
}
