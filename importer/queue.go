package importer

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "import_queue_depth",
	Help: "Number of distinct title ids with pending import work",
})

var ignoreSetGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "import_ignore_set_size",
	Help: "Number of title ids the catalog has confirmed do not exist",
})

// Queue holds pending import work, at most one pending group per title id.
// Concurrent pushes for the same id merge into the existing group instead of
// duplicating it. Ids the catalog has definitively 404'd live in the ignore
// set and are rejected on push. The seen set scopes one worker epoch and
// keeps relation expansion from re-enqueueing ids already handled in the
// current pass.
type Queue struct {
	lk      sync.Mutex
	pending map[uint32][]Item
	ignored map[uint32]struct{}
	seen    map[uint32]struct{}
}

func NewQueue() *Queue {
	return &Queue{
		pending: make(map[uint32][]Item),
		ignored: make(map[uint32]struct{}),
		seen:    make(map[uint32]struct{}),
	}
}

// Push adds work for an item's title id, merging with any group already
// pending for that id. Returns false if the id is in the ignore set.
func (q *Queue) Push(it Item) bool {
	q.lk.Lock()
	defer q.lk.Unlock()

	if _, ok := q.ignored[it.AnimeID]; ok {
		slog.Debug("rejecting push for ignored id", "anime", it.AnimeID)
		return false
	}

	group := q.pending[it.AnimeID]
	for i, have := range group {
		if !sameWork(have, it) {
			continue
		}
		// newer user status / relation info wins, retry count is preserved
		it.Retries = have.Retries
		group[i] = it
		q.pending[it.AnimeID] = group
		return true
	}

	q.pending[it.AnimeID] = append(group, it)
	queueDepthGauge.Set(float64(len(q.pending)))
	return true
}

// sameWork reports whether two items describe the same unit of work and
// should merge rather than accumulate.
func sameWork(a, b Item) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindUser:
		return a.UserID == b.UserID
	case KindRelation:
		return a.RelatedID == b.RelatedID && a.Relation == b.Relation
	default:
		return true
	}
}

// Drain atomically removes and returns up to max pending id-groups. No
// ordering is guaranteed across ids.
func (q *Queue) Drain(max int) map[uint32][]Item {
	q.lk.Lock()
	defer q.lk.Unlock()

	out := make(map[uint32][]Item)
	for id, group := range q.pending {
		if len(out) >= max {
			break
		}
		out[id] = group
		delete(q.pending, id)
	}

	queueDepthGauge.Set(float64(len(q.pending)))
	return out
}

// Ignore records that the catalog confirmed the id does not exist. Any
// pending work for the id is discarded.
func (q *Queue) Ignore(id uint32) {
	q.lk.Lock()
	defer q.lk.Unlock()

	q.ignored[id] = struct{}{}
	delete(q.pending, id)
	queueDepthGauge.Set(float64(len(q.pending)))
	ignoreSetGauge.Set(float64(len(q.ignored)))
}

// Ignored reports whether an id is in the ignore set.
func (q *Queue) Ignored(id uint32) bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	_, ok := q.ignored[id]
	return ok
}

// MarkSeen records an id as handled in the current epoch.
func (q *Queue) MarkSeen(id uint32) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.seen[id] = struct{}{}
}

// Seen reports whether an id was already handled in the current epoch.
func (q *Queue) Seen(id uint32) bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	_, ok := q.seen[id]
	return ok
}

// ResetSeen starts a new epoch.
func (q *Queue) ResetSeen() {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.seen = make(map[uint32]struct{})
}

// Stats is a point-in-time snapshot of queue state for the debug endpoint.
type Stats struct {
	Depth   int      `json:"depth"`
	Pending []uint32 `json:"pending"`
	Ignored []uint32 `json:"ignored"`
}

func (q *Queue) Stats() Stats {
	q.lk.Lock()
	defer q.lk.Unlock()

	st := Stats{Depth: len(q.pending)}
	for id := range q.pending {
		st.Pending = append(st.Pending, id)
	}
	for id := range q.ignored {
		st.Ignored = append(st.Ignored, id)
	}
	return st
}
