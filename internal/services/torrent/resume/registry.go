package resume

import (
	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
)

// activeSet is the set of tracked torrents plus a round-robin cursor.
//
// Membership is a map; traversal order is an explicit key slice kept next to
// it, so the cursor is a plain index that survives inserts and removals. When
// the set is non-empty the cursor always points at a live entry.
type activeSet struct {
	order    []domain.TorrentID
	index    map[domain.TorrentID]int
	torrents map[domain.TorrentID]ports.Torrent
	cursor   int
}

func newActiveSet() *activeSet {
	return &activeSet{
		index:    make(map[domain.TorrentID]int),
		torrents: make(map[domain.TorrentID]ports.Torrent),
	}
}

func (s *activeSet) Len() int {
	return len(s.order)
}

func (s *activeSet) Contains(id domain.TorrentID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *activeSet) Get(id domain.TorrentID) (ports.Torrent, bool) {
	t, ok := s.torrents[id]
	return t, ok
}

// Add inserts t at the end of the traversal order. It reports false when t is
// already tracked; the stored handle is refreshed in that case.
func (s *activeSet) Add(t ports.Torrent) bool {
	id := t.ID()
	if _, ok := s.index[id]; ok {
		s.torrents[id] = t
		return false
	}
	atEnd := s.cursor >= len(s.order)
	s.index[id] = len(s.order)
	s.order = append(s.order, id)
	s.torrents[id] = t
	if atEnd {
		s.cursor = 0
	}
	return true
}

// Remove erases id. If the cursor was on id it moves to the following entry,
// wrapping to the start when id was last.
func (s *activeSet) Remove(id domain.TorrentID) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	copy(s.order[i:], s.order[i+1:])
	s.order[len(s.order)-1] = ""
	s.order = s.order[:len(s.order)-1]
	delete(s.index, id)
	delete(s.torrents, id)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}

	if i < s.cursor {
		s.cursor--
	}
	if s.cursor >= len(s.order) {
		s.cursor = 0
	}
	return true
}

// Current returns the torrent under the cursor.
func (s *activeSet) Current() (ports.Torrent, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	if s.cursor >= len(s.order) {
		s.cursor = 0
	}
	return s.torrents[s.order[s.cursor]], true
}

// Advance moves the cursor one step forward, wrapping at the end.
func (s *activeSet) Advance() {
	if len(s.order) == 0 {
		s.cursor = 0
		return
	}
	s.cursor++
	if s.cursor >= len(s.order) {
		s.cursor = 0
	}
}

func (s *activeSet) Cursor() int {
	return s.cursor
}

// Each calls fn for every tracked torrent in traversal order.
func (s *activeSet) Each(fn func(ports.Torrent)) {
	for _, id := range s.order {
		fn(s.torrents[id])
	}
}
