package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SealFunc links ev to the previous event's digest. Stores call it after
// assigning the id and before persisting.
type SealFunc func(prev []byte, ev *Event) error

// Store persists audit events. Append must serialise id assignment per
// partition and join the caller's transaction when ctx carries one.
type Store interface {
	Append(ctx context.Context, ev Event, seal SealFunc) (Event, error)
	Search(ctx context.Context, f Filter, page, size int) (Page, error)
	Stats(ctx context.Context, start *time.Time, end time.Time) (Stats, error)
	After(ctx context.Context, afterID int64, limit int) ([]Event, error)
}

// MemoryStore keeps events in process. The append lock is the partition's
// single monotonic counter.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, ev Event, seal SealFunc) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev []byte
	ev.ID = 1
	if n := len(s.events); n > 0 {
		prev = s.events[n-1].Hash
		ev.ID = s.events[n-1].ID + 1
	}
	if seal != nil {
		if err := seal(prev, &ev); err != nil {
			return Event{}, err
		}
	}
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *MemoryStore) Search(_ context.Context, f Filter, page, size int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if f.Matches(s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}
	out := Page{Total: len(matched), Page: page, Size: size, Items: []Event{}}
	start := (page - 1) * size
	if start >= len(matched) {
		return out, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	out.Items = append(out.Items, matched[start:end]...)
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, start *time.Time, end time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Stats{Start: start, End: end, ByAction: map[Action]int{}, ByModule: map[Module]int{}}
	for _, ev := range s.events {
		if start != nil && ev.OccurredAt.Before(*start) {
			continue
		}
		if !ev.OccurredAt.Before(end) {
			continue
		}
		out.Total++
		out.ByAction[ev.Action]++
		out.ByModule[ev.Module]++
	}
	return out, nil
}

func (s *MemoryStore) After(_ context.Context, afterID int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].ID > afterID })
	var out []Event
	for ; i < len(s.events) && len(out) < limit; i++ {
		out = append(out, s.events[i])
	}
	return out, nil
}

// Tamper overwrites the description of event id. Test and drill use only.
func (s *MemoryStore) Tamper(id int64, description string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Description = description
			return true
		}
	}
	return false
}
