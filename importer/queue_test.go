package importer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestQueuePushDrain(t *testing.T) {
	q := NewQueue()

	if !q.Push(Item{Kind: KindAnime, AnimeID: 5}) {
		t.Fatal("push should succeed for a fresh id")
	}

	batch := q.Drain(10)
	if len(batch) != 1 {
		t.Fatalf("expected 1 group, got %d", len(batch))
	}
	if len(batch[5]) != 1 || batch[5][0].Kind != KindAnime {
		t.Fatalf("unexpected group contents: %v", batch[5])
	}

	if len(q.Drain(10)) != 0 {
		t.Fatal("drain should have emptied the queue")
	}
}

func TestQueueMergeSameWork(t *testing.T) {
	q := NewQueue()

	q.Push(Item{Kind: KindUser, AnimeID: 1, UserID: "u1", WatchStatus: "watching", Retries: 3})
	q.Push(Item{Kind: KindUser, AnimeID: 1, UserID: "u1", WatchStatus: "completed"})
	q.Push(Item{Kind: KindUser, AnimeID: 1, UserID: "u2", WatchStatus: "watching"})

	batch := q.Drain(10)
	group := batch[1]
	if len(group) != 2 {
		t.Fatalf("expected 2 items after merge, got %d", len(group))
	}

	var u1 Item
	for _, it := range group {
		if it.UserID == "u1" {
			u1 = it
		}
	}
	if u1.WatchStatus != "completed" {
		t.Fatalf("merge should keep the newer status, got %q", u1.WatchStatus)
	}
	if u1.Retries != 3 {
		t.Fatalf("merge should preserve the retry count, got %d", u1.Retries)
	}
}

func TestQueueMergeRelations(t *testing.T) {
	q := NewQueue()

	q.Push(Item{Kind: KindRelation, AnimeID: 10, RelatedID: 20, Relation: "SEQUEL"})
	q.Push(Item{Kind: KindRelation, AnimeID: 10, RelatedID: 20, Relation: "SEQUEL"})
	q.Push(Item{Kind: KindRelation, AnimeID: 10, RelatedID: 20, Relation: "PREQUEL"})
	q.Push(Item{Kind: KindRelation, AnimeID: 10, RelatedID: 30, Relation: "SEQUEL"})

	batch := q.Drain(10)
	if len(batch[10]) != 3 {
		t.Fatalf("expected 3 distinct relation items, got %d", len(batch[10]))
	}
}

func TestQueueIgnore(t *testing.T) {
	q := NewQueue()

	q.Push(Item{Kind: KindAnime, AnimeID: 7})
	q.Ignore(7)

	if !q.Ignored(7) {
		t.Fatal("id should be in the ignore set")
	}
	if q.Push(Item{Kind: KindAnime, AnimeID: 7}) {
		t.Fatal("push for an ignored id should be rejected")
	}
	if len(q.Drain(10)) != 0 {
		t.Fatal("ignoring an id should discard its pending work")
	}
}

func TestQueueIgnoreUpdatesDepthGauge(t *testing.T) {
	q := NewQueue()
	q.Push(Item{Kind: KindAnime, AnimeID: 1})
	q.Push(Item{Kind: KindAnime, AnimeID: 2})

	q.Ignore(1)

	if got := testutil.ToFloat64(queueDepthGauge); got != 1 {
		t.Fatalf("depth gauge should track the discarded group, got %v", got)
	}
}

func TestQueueDrainBound(t *testing.T) {
	q := NewQueue()
	for i := uint32(1); i <= 50; i++ {
		q.Push(Item{Kind: KindAnime, AnimeID: i})
	}

	batch := q.Drain(35)
	if len(batch) != 35 {
		t.Fatalf("expected 35 groups, got %d", len(batch))
	}

	rest := q.Drain(35)
	if len(rest) != 15 {
		t.Fatalf("expected 15 remaining groups, got %d", len(rest))
	}
}

func TestQueueSeenEpoch(t *testing.T) {
	q := NewQueue()

	q.MarkSeen(3)
	if !q.Seen(3) {
		t.Fatal("id should be marked seen")
	}

	q.ResetSeen()
	if q.Seen(3) {
		t.Fatal("reset should clear the seen set")
	}
}

func TestQueueStats(t *testing.T) {
	q := NewQueue()
	q.Push(Item{Kind: KindAnime, AnimeID: 1})
	q.Push(Item{Kind: KindAnime, AnimeID: 2})
	q.Ignore(9)

	st := q.Stats()
	if st.Depth != 2 {
		t.Fatalf("expected depth 2, got %d", st.Depth)
	}
	if len(st.Pending) != 2 || len(st.Ignored) != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestQueueConcurrentPushDrain(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			for i := uint32(0); i < 100; i++ {
				q.Push(Item{Kind: KindAnime, AnimeID: base*1000 + i})
			}
		}(uint32(g))
	}

	done := make(chan struct{})
	var drained int
	go func() {
		defer close(done)
		for {
			batch := q.Drain(35)
			drained += len(batch)
			if drained >= 800 {
				return
			}
		}
	}()

	wg.Wait()
	<-done

	if drained != 800 {
		t.Fatalf("expected to drain 800 groups, got %d", drained)
	}
}
