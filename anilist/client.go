// Package anilist is the batched client for the AniList GraphQL catalog.
//
// AniList has no "id IN (...)" batch primitive, so a batch of up to
// MaxPerQuery ids is synthesized as one request with an aliased Media
// sub-query per id (anime1, anime2, ...). Results come back keyed by alias
// and are mapped to positions in the requested id slice.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultEndpoint = "https://graphql.anilist.co"

// MaxPerQuery is the hard cap on ids per batched catalog call.
const MaxPerQuery = 35

const mediaSelection = `
anime{}: Media(idMal: $anime{}, type: ANIME) {
    status
    idMal
    title {
      romaji
      english
    }
    season
    seasonYear
    coverImage {
      large
    }
    relations {
      edges {
        relationType(version: 2)
        node {
          idMal
        }
      }
    }
  }
`

// Relation types returned by relationType(version: 2).
const (
	RelationSequel      = "SEQUEL"
	RelationPrequel     = "PREQUEL"
	RelationSideStory   = "SIDE_STORY"
	RelationParent      = "PARENT"
	RelationSummary     = "SUMMARY"
	RelationAlternative = "ALTERNATIVE"
	RelationSpinOff     = "SPIN_OFF"
	RelationAdaptation  = "ADAPTATION"
	RelationCharacter   = "CHARACTER"
	RelationOther       = "OTHER"
)

type Title struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
}

type CoverImage struct {
	Large string `json:"large"`
}

type RelationNode struct {
	IDMal uint32 `json:"idMal"`
}

type RelationEdge struct {
	RelationType string       `json:"relationType"`
	Node         RelationNode `json:"node"`
}

type Relations struct {
	Edges []RelationEdge `json:"edges"`
}

// Media is one title as returned by the catalog.
type Media struct {
	IDMal      uint32     `json:"idMal"`
	Status     string     `json:"status"`
	Title      Title      `json:"title"`
	Season     string     `json:"season"`
	SeasonYear int        `json:"seasonYear"`
	CoverImage CoverImage `json:"coverImage"`
	Relations  *Relations `json:"relations"`
}

// RateLimit carries the provider's rate-limit headers. Missing or
// malformed headers parse as -1 (unknown).
type RateLimit struct {
	Remaining  int
	Limit      int
	Reset      int
	RetryAfter int
}

// Result is the outcome of one batched catalog call.
//
// Media is positional: Media[i] corresponds to the i'th requested id and is
// nil when the response had no entry for it. An id absent from the response
// is not necessarily gone for good; ids the provider explicitly 404'd are
// listed in NotFound.
type Result struct {
	Media     []*Media
	NotFound  []uint32
	RateLimit RateLimit
}

type gqlError struct {
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Locations []struct {
		Line   int `json:"line"`
		Column int `json:"column"`
	} `json:"locations"`
	Path []json.RawMessage `json:"path"`
}

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []gqlError                 `json:"errors"`
}

type Client struct {
	http     *http.Client
	endpoint string
}

func NewClient() *Client {
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		endpoint: DefaultEndpoint,
	}
}

// NewClientWithEndpoint is used by tests to point at a stub server.
func NewClientWithEndpoint(endpoint string) *Client {
	c := NewClient()
	c.endpoint = endpoint
	return c
}

// BuildQuery synthesizes the aliased batch query and its variables for up
// to MaxPerQuery ids. Extra ids are truncated.
func BuildQuery(ids []uint32) (string, map[string]any) {
	if len(ids) > MaxPerQuery {
		slog.Error("too many ids in catalog batch, truncating", "count", len(ids))
		ids = ids[:MaxPerQuery]
	}

	var sb strings.Builder
	sb.WriteString("query media(")
	vars := make(map[string]any, len(ids))
	for i, id := range ids {
		name := "anime" + strconv.Itoa(i+1)
		sb.WriteString("$" + name + ": Int,")
		vars[name] = id
	}
	sb.WriteString(") {")
	for i := range ids {
		sb.WriteString(strings.ReplaceAll(mediaSelection, "{}", strconv.Itoa(i+1)))
	}
	sb.WriteString("}")

	return sb.String(), vars
}

// FetchBatch runs one batched query for the given ids.
//
// A non-nil error means the whole call failed (transport or body parse) and
// every item in the batch should be retried; the returned Result still
// carries whatever rate-limit headers were readable so the caller can back
// off. With a nil error, per-id outcomes are in Result.
func (c *Client) FetchBatch(ctx context.Context, ids []uint32) (*Result, error) {
	query, vars := BuildQuery(ids)

	body, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": vars,
	})
	if err != nil {
		return &Result{RateLimit: unknownRateLimit()}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &Result{RateLimit: unknownRateLimit()}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Result{RateLimit: unknownRateLimit()}, fmt.Errorf("anilist request failed: %w", err)
	}
	defer resp.Body.Close()

	res := &Result{
		Media: make([]*Media, len(ids)),
		RateLimit: RateLimit{
			Remaining:  headerInt(resp, "X-RateLimit-Remaining", -1),
			Limit:      headerInt(resp, "X-RateLimit-Limit", -1),
			Reset:      headerInt(resp, "X-RateLimit-Reset", -1),
			RetryAfter: headerInt(resp, "Retry-After", -1),
		},
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("reading anilist response: %w", err)
	}

	var decoded gqlResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		slog.Error("failed to parse anilist response", "status", resp.StatusCode, "body", string(raw))
		return res, fmt.Errorf("parsing anilist response: %w", err)
	}

	for i := range ids {
		alias := "anime" + strconv.Itoa(i+1)
		entry, ok := decoded.Data[alias]
		if !ok || string(entry) == "null" {
			continue
		}
		var m Media
		if err := json.Unmarshal(entry, &m); err != nil {
			slog.Warn("failed to decode media entry", "alias", alias, "error", err)
			continue
		}
		res.Media[i] = &m
	}

	res.NotFound = notFoundIDs(decoded.Errors, ids)

	return res, nil
}

// notFoundIDs maps 404 errors back to the requested ids they refer to.
// The error path carries the sub-query alias ("anime7"), which identifies
// the position directly. Older provider payloads only carried a source
// line, in which case the position is inferred from the uniform line count
// of the generated sub-queries.
func notFoundIDs(errs []gqlError, ids []uint32) []uint32 {
	var out []uint32
	for _, e := range errs {
		if e.Status != 404 {
			continue
		}

		if id, ok := idFromPath(e.Path, ids); ok {
			out = append(out, id)
			continue
		}

		linesPer := strings.Count(mediaSelection, "\n")
		for _, loc := range e.Locations {
			idx := loc.Line / linesPer
			if idx >= 0 && idx < len(ids) {
				out = append(out, ids[idx])
			}
		}
	}
	return out
}

func idFromPath(path []json.RawMessage, ids []uint32) (uint32, bool) {
	for _, seg := range path {
		var alias string
		if err := json.Unmarshal(seg, &alias); err != nil {
			continue
		}
		if !strings.HasPrefix(alias, "anime") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(alias, "anime"))
		if err != nil || n < 1 || n > len(ids) {
			continue
		}
		return ids[n-1], true
	}
	return 0, false
}

func headerInt(resp *http.Response, key string, def int) int {
	v := resp.Header.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func unknownRateLimit() RateLimit {
	return RateLimit{Remaining: -1, Limit: -1, Reset: -1, RetryAfter: -1}
}
