package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/whyrusleeping/anisync/importer"
	"github.com/whyrusleeping/anisync/mal"
)

// List sync states surfaced to the web client.
const (
	ListStatusImporting = "importing"
	ListStatusUpdating  = "updating"
	ListStatusImported  = "imported"
)

// diffUserList compares the provider's view of a user's list against what
// we hold locally and returns the work needed to converge: entries missing
// locally and entries whose watch status drifted.
func diffUserList(userID string, entries []mal.ListEntry, local []AnimeUser) []importer.Item {
	have := make(map[uint32]AnimeUser, len(local))
	for _, l := range local {
		have[l.AnimeID] = l
	}

	var out []importer.Item
	for _, e := range entries {
		if cur, ok := have[e.ID]; ok && cur.Status == e.WatchStatus {
			continue
		}
		out = append(out, importer.Item{
			Kind:        importer.KindUser,
			AnimeID:     e.ID,
			UserID:      userID,
			WatchStatus: e.WatchStatus,
		})
	}
	return out
}

// syncUserList reconciles a user's provider list into the queue and
// reports how far along the import is.
func (s *Server) syncUserList(ctx context.Context, user *User) (string, error) {
	entries, err := s.mal.UserList(ctx, user.MalAccessToken)
	if err != nil {
		return "", fmt.Errorf("fetching provider list: %w", err)
	}

	local, err := s.backend.getUserLinks(ctx, user.ID)
	if err != nil {
		return "", err
	}

	items := diffUserList(user.ID, entries, local)
	for _, it := range items {
		s.queue.Push(it)
	}

	if len(items) > 0 {
		slog.Info("queued list sync work", "user", user.ID, "items", len(items))
	}

	switch {
	case len(local) == 0 && len(entries) > 0:
		return ListStatusImporting, nil
	case len(items) > 0:
		return ListStatusUpdating, nil
	default:
		return ListStatusImported, nil
	}
}
