package importer

// ItemKind discriminates the kinds of pending import work.
type ItemKind string

const (
	// KindAnime imports or refreshes metadata for a title.
	KindAnime ItemKind = "anime"
	// KindUser imports a title (if needed) and links it to a user's list.
	KindUser ItemKind = "user"
	// KindRelation imports a title (if needed) and records a relation edge
	// from RelatedID to AnimeID.
	KindRelation ItemKind = "relation"
)

// MaxRetries is the ceiling on how many times an item may be re-queued
// before it gets dropped. Guarantees the queue eventually drains even for
// ids the catalog never returns.
const MaxRetries = 5

// Item is a single unit of pending work keyed by AnimeID.
type Item struct {
	Kind    ItemKind
	AnimeID uint32

	// KindUser fields
	UserID      string
	WatchStatus string
	Priority    int

	// KindRelation fields. The edge recorded is RelatedID -Relation-> AnimeID.
	RelatedID uint32
	Relation  string

	Retries int
}

// Edge is a relation row to persist: AnimeID -Relation-> RelatedID.
type Edge struct {
	AnimeID   uint32
	RelatedID uint32
	Relation  string
}

// UserLink is a user list membership row to persist.
type UserLink struct {
	UserID   string
	AnimeID  uint32
	Status   string
	Priority int
}
