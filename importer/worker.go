package importer

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/whyrusleeping/anisync/anilist"
)

var tracer = otel.Tracer("importer")

var batchDurHist = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "import_batch_duration",
	Help:    "A histogram of import batch processing durations",
	Buckets: prometheus.ExponentialBuckets(1, 2, 15),
})

var rateLimitRemainingGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "catalog_rate_limit_remaining",
})

var droppedItemsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "import_items_dropped",
	Help: "Items dropped after exceeding the retry ceiling",
})

var ignoredIDsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "import_ids_ignored",
	Help: "Ids the catalog confirmed do not exist",
})

// Catalog is the batched metadata provider the worker fetches from.
type Catalog interface {
	FetchBatch(ctx context.Context, ids []uint32) (*anilist.Result, error)
}

// Store is the narrow persistence contract the worker writes through. All
// operations are upserts so re-processing after a crash is safe.
type Store interface {
	UpsertAnimes(ctx context.Context, media []*anilist.Media) error
	GetUpdatedTimes(ctx context.Context, ids []uint32) (map[uint32]time.Time, error)
	UpsertRelations(ctx context.Context, edges []Edge) error
	UpsertUserLinks(ctx context.Context, links []UserLink) error
}

// Relation types that cause further queueing. Everything else is recorded
// if present but does not trigger a fetch of the related title, which keeps
// expansion bounded to the main continuity of a franchise.
var expandRelations = map[string]bool{
	anilist.RelationSequel:    true,
	anilist.RelationPrequel:   true,
	anilist.RelationSideStory: true,
}

// Worker drives the reconciliation loop: it drains the queue in catalog-
// sized batches, fetches metadata, persists results, and re-queues or drops
// failures. A single worker owns all catalog calls so the provider's global
// rate limit never has to be coordinated across goroutines.
type Worker struct {
	queue   *Queue
	catalog Catalog
	store   Store

	// StaleAfter is how old a local record may be before it gets re-fetched.
	StaleAfter time.Duration
	// IdleSleep is how long to wait when the queue is empty.
	IdleSleep time.Duration

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time

	// consecutive failed cycles, drives the backoff between retries
	failures int
}

func NewWorker(q *Queue, catalog Catalog, store Store) *Worker {
	return &Worker{
		queue:      q,
		catalog:    catalog,
		store:      store,
		StaleAfter: time.Hour,
		IdleSleep:  10 * time.Second,
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

func (w *Worker) Queue() *Queue {
	return w.queue
}

// Run processes batches until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("starting import queue worker")
	for {
		if ctx.Err() != nil {
			return
		}
		if n := w.ProcessOnce(ctx); n == 0 {
			w.sleep(ctx, w.IdleSleep)
		}
	}
}

// ProcessOnce runs a single drain-fetch-persist-expand epoch and returns
// the number of id groups it handled.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	batch := w.queue.Drain(anilist.MaxPerQuery)
	if len(batch) == 0 {
		return 0
	}

	ctx, span := tracer.Start(ctx, "processBatch")
	defer span.End()

	start := time.Now()
	defer func() {
		batchDurHist.Observe(float64(time.Since(start).Milliseconds()))
	}()

	w.queue.ResetSeen()

	ids := make([]uint32, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
		w.queue.MarkSeen(id)
	}
	total := len(ids)

	updated, err := w.store.GetUpdatedTimes(ctx, ids)
	if err != nil {
		slog.Error("failed to check local freshness, retrying batch", "error", err)
		w.requeueAll(batch)
		w.failureBackoff(ctx)
		return total
	}

	now := w.now()
	var fetchIDs []uint32
	for _, id := range ids {
		if ts, ok := updated[id]; ok && now.Sub(ts) < w.StaleAfter {
			// fresh enough: link writes don't need a catalog round trip
			w.applyLinks(ctx, batch[id])
			delete(batch, id)
			continue
		}
		fetchIDs = append(fetchIDs, id)
	}

	if len(fetchIDs) == 0 {
		w.failures = 0
		return total
	}

	res, err := w.catalog.FetchBatch(ctx, fetchIDs)
	if err != nil {
		slog.Error("catalog batch failed, retrying", "ids", len(fetchIDs), "error", err)
		w.requeueAll(batch)
		if res != nil && res.RateLimit.RetryAfter > 0 {
			w.backoff(ctx, res.RateLimit.RetryAfter)
		} else {
			w.failureBackoff(ctx)
		}
		return total
	}

	if res.RateLimit.Remaining >= 0 {
		rateLimitRemainingGauge.Set(float64(res.RateLimit.Remaining))
	}

	if res.RateLimit.RetryAfter > 0 {
		// re-queue before sleeping so a crash mid-backoff loses nothing;
		// a rate limit is not a failure of any individual item
		slog.Warn("catalog rate limit hit", "retry_after", res.RateLimit.RetryAfter)
		for _, group := range batch {
			for _, it := range group {
				w.queue.Push(it)
			}
		}
		w.backoff(ctx, res.RateLimit.RetryAfter)
		return total
	}

	notFound := make(map[uint32]bool, len(res.NotFound))
	for _, id := range res.NotFound {
		slog.Warn("catalog reports id does not exist, ignoring", "anime", id)
		ignoredIDsCounter.Inc()
		w.queue.Ignore(id)
		notFound[id] = true
	}

	imported := make(map[uint32]*anilist.Media)
	var media []*anilist.Media
	for i, id := range fetchIDs {
		m := res.Media[i]
		if m == nil {
			if notFound[id] {
				continue
			}
			// absent from the response but not 404'd, try again later
			w.requeueGroup(batch[id])
			continue
		}
		if m.IDMal == 0 {
			m.IDMal = id
		}
		imported[id] = m
		media = append(media, m)
	}

	if len(media) > 0 {
		if err := w.store.UpsertAnimes(ctx, media); err != nil {
			slog.Error("failed to upsert titles, retrying", "count", len(media), "error", err)
			for id := range imported {
				w.requeueGroup(batch[id])
			}
			w.failureBackoff(ctx)
			return total
		}
		slog.Info("imported titles from catalog", "count", len(media))
	}

	w.failures = 0

	for id, m := range imported {
		w.applyLinks(ctx, batch[id])
		w.persistEdges(ctx, m)
	}

	w.expand(ctx, imported)

	return total
}

// applyLinks writes the user-list and relation-edge work attached to an
// id whose title record is now present and fresh.
func (w *Worker) applyLinks(ctx context.Context, group []Item) {
	var links []UserLink
	var edges []Edge
	for _, it := range group {
		switch it.Kind {
		case KindUser:
			links = append(links, UserLink{
				UserID:   it.UserID,
				AnimeID:  it.AnimeID,
				Status:   it.WatchStatus,
				Priority: it.Priority,
			})
		case KindRelation:
			edges = append(edges, Edge{
				AnimeID:   it.RelatedID,
				RelatedID: it.AnimeID,
				Relation:  it.Relation,
			})
		}
	}

	if len(links) > 0 {
		if err := w.store.UpsertUserLinks(ctx, links); err != nil {
			slog.Error("failed to write user links", "error", err)
		}
	}
	if len(edges) > 0 {
		if err := w.store.UpsertRelations(ctx, edges); err != nil {
			slog.Error("failed to write relation edges", "error", err)
		}
	}
}

// persistEdges records every relation edge the catalog returned for a
// freshly imported title, whether or not the type is one we expand.
func (w *Worker) persistEdges(ctx context.Context, m *anilist.Media) {
	if m.Relations == nil {
		return
	}

	var edges []Edge
	for _, e := range m.Relations.Edges {
		if e.Node.IDMal == 0 {
			continue
		}
		edges = append(edges, Edge{
			AnimeID:   m.IDMal,
			RelatedID: e.Node.IDMal,
			Relation:  e.RelationType,
		})
	}

	if len(edges) > 0 {
		if err := w.store.UpsertRelations(ctx, edges); err != nil {
			slog.Error("failed to write relation edges", "anime", m.IDMal, "error", err)
		}
	}
}

// expand walks the relation edges of freshly imported titles and enqueues
// follow-up work for related ids that are stale or absent locally. Ids
// already handled this epoch are skipped, which bounds the walk to one hop
// per cycle even for large franchise graphs.
func (w *Worker) expand(ctx context.Context, imported map[uint32]*anilist.Media) {
	type candidate struct {
		related  uint32
		base     uint32
		relation string
	}

	var cands []candidate
	var candIDs []uint32
	for id, m := range imported {
		if m.Relations == nil {
			continue
		}
		for _, e := range m.Relations.Edges {
			rid := e.Node.IDMal
			if rid == 0 || !expandRelations[e.RelationType] {
				continue
			}
			if w.queue.Ignored(rid) || w.queue.Seen(rid) {
				continue
			}
			w.queue.MarkSeen(rid)
			cands = append(cands, candidate{related: rid, base: id, relation: e.RelationType})
			candIDs = append(candIDs, rid)
		}
	}

	if len(cands) == 0 {
		return
	}

	updated, err := w.store.GetUpdatedTimes(ctx, candIDs)
	if err != nil {
		// enqueue everything, the freshness check re-runs at processing time
		slog.Error("failed to check freshness of related titles", "error", err)
		updated = nil
	}

	now := w.now()
	for _, c := range cands {
		if ts, ok := updated[c.related]; ok && now.Sub(ts) < w.StaleAfter {
			continue
		}
		w.queue.Push(Item{
			Kind:      KindRelation,
			AnimeID:   c.related,
			RelatedID: c.base,
			Relation:  c.relation,
		})
	}
}

func (w *Worker) requeueGroup(group []Item) {
	for _, it := range group {
		it.Retries++
		if it.Retries > MaxRetries {
			slog.Warn("dropping import item, retry ceiling exceeded",
				"anime", it.AnimeID, "kind", it.Kind, "retries", it.Retries)
			droppedItemsCounter.Inc()
			continue
		}
		w.queue.Push(it)
	}
}

func (w *Worker) requeueAll(batch map[uint32][]Item) {
	for _, group := range batch {
		w.requeueGroup(group)
	}
}

// failureBackoff sleeps between failed cycles so a transient catalog or DB
// outage does not burn the per-item retry budget back-to-back.
func (w *Worker) failureBackoff(ctx context.Context) {
	w.failures++
	d := delayForFailureCount(w.failures)
	slog.Warn("backing off after failed batch", "failures", w.failures, "delay", d)
	w.sleep(ctx, d)
}

func delayForFailureCount(n int) time.Duration {
	if n < 5 {
		return (time.Second * 5) + (time.Second * 2 * time.Duration(n))
	}

	return time.Second * 30
}

func (w *Worker) backoff(ctx context.Context, secs int) {
	d := time.Duration(secs) * time.Second
	slog.Info("sleeping for provider backoff", "duration", d)
	w.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
