package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/whyrusleeping/anisync/anilist"
	"github.com/whyrusleeping/anisync/importer"
)

// PostgresBackend implements importer.Store plus the handful of queries the
// API handlers need. Batched writes go through raw pgx, everything else
// through gorm.
type PostgresBackend struct {
	db  *gorm.DB
	pgx *pgxpool.Pool

	// updated_at per title, saves a round trip on freshness checks
	freshCache *lru.TwoQueueCache[uint32, time.Time]
}

func NewPostgresBackend(db *gorm.DB, pool *pgxpool.Pool) (*PostgresBackend, error) {
	fc, err := lru.New2Q[uint32, time.Time](1_000_000)
	if err != nil {
		return nil, err
	}

	return &PostgresBackend{
		db:         db,
		pgx:        pool,
		freshCache: fc,
	}, nil
}

func (b *PostgresBackend) UpsertAnimes(ctx context.Context, media []*anilist.Media) error {
	if len(media) == 0 {
		return nil
	}

	now := time.Now()

	var sb strings.Builder
	sb.WriteString("INSERT INTO animes (id, romaji_title, english_title, status, picture, season, season_year, created_at, updated_at) VALUES ")
	args := make([]any, 0, len(media)*9)
	for i, m := range media {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, int64(m.IDMal), m.Title.Romaji, m.Title.English, m.Status,
			m.CoverImage.Large, m.Season, m.SeasonYear, now, now)
	}
	sb.WriteString(" ON CONFLICT (id) DO UPDATE SET romaji_title = EXCLUDED.romaji_title, english_title = EXCLUDED.english_title, status = EXCLUDED.status, picture = EXCLUDED.picture, season = EXCLUDED.season, season_year = EXCLUDED.season_year, updated_at = EXCLUDED.updated_at")

	if _, err := b.pgx.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upserting animes: %w", err)
	}

	for _, m := range media {
		b.freshCache.Add(m.IDMal, now)
	}

	return nil
}

func (b *PostgresBackend) GetUpdatedTimes(ctx context.Context, ids []uint32) (map[uint32]time.Time, error) {
	out := make(map[uint32]time.Time, len(ids))

	var misses []int64
	for _, id := range ids {
		if ts, ok := b.freshCache.Get(id); ok {
			out[id] = ts
			continue
		}
		misses = append(misses, int64(id))
	}

	if len(misses) == 0 {
		return out, nil
	}

	rows, err := b.pgx.Query(ctx, "SELECT id, updated_at FROM animes WHERE id = ANY($1)", misses)
	if err != nil {
		return nil, fmt.Errorf("querying updated times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[uint32(id)] = ts
		b.freshCache.Add(uint32(id), ts)
	}

	return out, rows.Err()
}

func (b *PostgresBackend) UpsertRelations(ctx context.Context, edges []importer.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	rows := make([]AnimeRelation, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, AnimeRelation{
			AnimeID:    e.AnimeID,
			RelationID: e.RelatedID,
			Relation:   e.Relation,
		})
	}

	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "anime_id"}, {Name: "relation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"relation"}),
	}).CreateInBatches(rows, 200).Error
}

func (b *PostgresBackend) UpsertUserLinks(ctx context.Context, links []importer.UserLink) error {
	if len(links) == 0 {
		return nil
	}

	rows := make([]AnimeUser, 0, len(links))
	for _, l := range links {
		rows = append(rows, AnimeUser{
			UserID:        l.UserID,
			AnimeID:       l.AnimeID,
			Status:        l.Status,
			WatchPriority: l.Priority,
		})
	}

	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "anime_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "watch_priority", "updated_at"}),
	}).CreateInBatches(rows, 200).Error
}

func (b *PostgresBackend) findUserByMalID(ctx context.Context, malID int) (*User, error) {
	var u User
	if err := b.db.WithContext(ctx).First(&u, "mal_id = ?", malID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (b *PostgresBackend) getUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := b.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

const sessionLifetime = 30 * 24 * time.Hour

func (b *PostgresBackend) createSession(ctx context.Context, userID string) (*Session, error) {
	s := &Session{
		ID:        randomToken(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(sessionLifetime),
	}

	if err := b.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return s, nil
}

func (b *PostgresBackend) getUserBySession(ctx context.Context, token string) (*User, error) {
	var s Session
	if err := b.db.WithContext(ctx).First(&s, "id = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if time.Now().After(s.ExpiresAt) {
		return nil, nil
	}

	var u User
	if err := b.db.WithContext(ctx).First(&u, "id = ?", s.UserID).Error; err != nil {
		return nil, err
	}

	return &u, nil
}

// userListAnime is a title joined with the requesting user's list entry.
type userListAnime struct {
	ID            uint32    `json:"id"`
	RomajiTitle   string    `json:"romaji_title"`
	EnglishTitle  string    `json:"english_title"`
	Status        string    `json:"status"`
	Picture       string    `json:"picture"`
	Season        string    `json:"season"`
	SeasonYear    int       `json:"season_year"`
	UpdatedAt     time.Time `json:"updated_at"`
	WatchStatus   string    `json:"watch_status"`
	WatchPriority int       `json:"watch_priority"`
}

func (b *PostgresBackend) getUserList(ctx context.Context, userID string) ([]userListAnime, error) {
	var out []userListAnime
	q := `SELECT animes.*, anime_users.status AS watch_status, anime_users.watch_priority
	FROM animes
	INNER JOIN anime_users ON anime_users.anime_id = animes.id
	WHERE anime_users.user_id = ?
	ORDER BY anime_users.watch_priority`
	if err := b.db.WithContext(ctx).Raw(q, userID).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (b *PostgresBackend) getUserLinks(ctx context.Context, userID string) ([]AnimeUser, error) {
	var out []AnimeUser
	if err := b.db.WithContext(ctx).Find(&out, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (b *PostgresBackend) getAnime(ctx context.Context, id uint32) (*Anime, error) {
	var a Anime
	if err := b.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// relatedAnime is a relation edge joined with the related title's record.
type relatedAnime struct {
	ID          uint32    `json:"id"`
	RomajiTitle string    `json:"romaji_title"`
	Status      string    `json:"status"`
	Picture     string    `json:"picture"`
	Season      string    `json:"season"`
	SeasonYear  int       `json:"season_year"`
	UpdatedAt   time.Time `json:"updated_at"`
	Relation    string    `json:"relation"`
}

func (b *PostgresBackend) getAnimeRelations(ctx context.Context, id uint32) ([]relatedAnime, error) {
	var out []relatedAnime
	q := `SELECT animes.*, anime_relations.relation
	FROM anime_relations
	INNER JOIN animes ON animes.id = anime_relations.relation_id
	WHERE anime_relations.anime_id = ?`
	if err := b.db.WithContext(ctx).Raw(q, id).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (b *PostgresBackend) updateWatchOrder(ctx context.Context, userID string, order []uint32) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for prio, animeID := range order {
			if err := tx.Model(&AnimeUser{}).
				Where("user_id = ? AND anime_id = ?", userID, animeID).
				Update("watch_priority", prio).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// staleUserAnimeIDs returns titles referenced by any user list whose local
// record is older than the given age.
func (b *PostgresBackend) staleUserAnimeIDs(ctx context.Context, olderThan time.Duration) ([]uint32, error) {
	cutoff := time.Now().Add(-olderThan)

	rows, err := b.pgx.Query(ctx,
		`SELECT DISTINCT anime_users.anime_id
		FROM anime_users
		INNER JOIN animes ON animes.id = anime_users.anime_id
		WHERE animes.updated_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint32(id))
	}

	return out, rows.Err()
}
