package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/whyrusleeping/anisync/importer"
)

const revalidateInterval = 5 * time.Minute

// runBackgroundSweep periodically re-queues anime that users are tracking
// but whose catalog records have gone stale, so airing status and relation
// data keep converging without any user action.
func (s *Server) runBackgroundSweep(ctx context.Context) {
	tick := time.NewTicker(revalidateInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		ids, err := s.backend.staleUserAnimeIDs(ctx, s.worker.StaleAfter)
		if err != nil {
			slog.Error("stale record sweep failed", "err", err)
			continue
		}

		for _, id := range ids {
			s.queue.Push(importer.Item{
				Kind:    importer.KindAnime,
				AnimeID: id,
			})
		}

		if len(ids) > 0 {
			slog.Info("queued stale records for refresh", "count", len(ids))
		}
	}
}
