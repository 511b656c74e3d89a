package fleet

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

// DefaultMaxPoints is the per-miner history retention cap.
const DefaultMaxPoints = 5000

// Store owns the two fleet maps: id -> latest Snapshot and id -> bounded
// history ring. All access is serialized; readers get copies, never
// store-owned state.
type Store struct {
	mu        sync.RWMutex
	maxPoints int
	snaps     map[string]*Snapshot
	history   map[string]*deque.Deque[HistoryPoint]

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func NewStore(maxPoints int) *Store {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Store{
		maxPoints: maxPoints,
		snaps:     map[string]*Snapshot{},
		history:   map[string]*deque.Deque[HistoryPoint]{},
		subs:      map[int64]chan struct{}{},
	}
}

func (s *Store) MaxPoints() int { return s.maxPoints }

// UpsertSnapshot replaces any existing snapshot for the id wholesale.
// Metrics missing from the new snapshot are lost. Empty ids are a no-op.
func (s *Store) UpsertSnapshot(snap Snapshot) {
	if strings.TrimSpace(snap.ID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(snap)
	s.notifyLocked()
}

// AppendHistory pushes a point onto the tail of the miner's ring, evicting
// from the head once the retention cap is reached. The ring never grows
// past maxPoints regardless of how long an agent keeps pushing.
func (s *Store) AppendHistory(id string, p HistoryPoint) {
	if strings.TrimSpace(id) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(id, p)
}

// Ingest applies the snapshot replace and the history append as one unit,
// so two batches carrying the same miner id never interleave the pair.
func (s *Store) Ingest(snap Snapshot, p HistoryPoint) {
	if strings.TrimSpace(snap.ID) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(snap)
	s.appendLocked(snap.ID, p)
	s.notifyLocked()
}

func (s *Store) upsertLocked(snap Snapshot) {
	cp := snap
	cp.Metrics = snap.Metrics.Clone()
	s.snaps[cp.ID] = &cp
}

func (s *Store) appendLocked(id string, p HistoryPoint) {
	h := s.history[id]
	if h == nil {
		h = deque.New[HistoryPoint](s.maxPoints, s.maxPoints)
		s.history[id] = h
	}
	if h.Len() >= s.maxPoints {
		h.PopFront()
	}
	cp := p
	cp.Metrics = p.Metrics.Clone()
	h.PushBack(cp)
}

// ListSnapshots returns a copy of every stored snapshot, one per miner id,
// in unspecified order.
func (s *Store) ListSnapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		cp := *snap
		cp.Metrics = snap.Metrics.Clone()
		out = append(out, cp)
	}
	return out
}

// GetHistory returns the trailing limit points for the miner in arrival
// order. limit <= 0 means all retained points.
func (s *Store) GetHistory(id string, limit int) []HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[id]
	if h == nil || h.Len() == 0 {
		return nil
	}
	n := h.Len()
	start := 0
	if limit > 0 && limit < n {
		start = n - limit
	}
	out := make([]HistoryPoint, 0, n-start)
	for i := start; i < n; i++ {
		p := h.At(i)
		p.Metrics = p.Metrics.Clone()
		out = append(out, p)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// Clear wipes all snapshots and history. Operational hook only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = map[string]*Snapshot{}
	s.history = map[string]*deque.Deque[HistoryPoint]{}
	s.notifyLocked()
}

// Subscribe emits a signal (coalesced) when the store changes.
func (s *Store) Subscribe(ctx context.Context) <-chan struct{} {
	id := s.subID.Add(1)
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Store) notifyLocked() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// drop (coalesce)
		}
	}
}
