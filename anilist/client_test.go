package anilist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuildQuery(t *testing.T) {
	q, vars := BuildQuery([]uint32{5, 30230, 9})

	if !strings.HasPrefix(q, "query media(") {
		t.Fatalf("unexpected query prefix: %q", q[:20])
	}
	for _, want := range []string{
		"$anime1: Int,", "$anime2: Int,", "$anime3: Int,",
		"anime1: Media(idMal: $anime1, type: ANIME)",
		"anime3: Media(idMal: $anime3, type: ANIME)",
		"relationType(version: 2)",
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("query missing %q", want)
		}
	}

	if len(vars) != 3 {
		t.Fatalf("expected 3 variables, got %d", len(vars))
	}
	if vars["anime2"] != uint32(30230) {
		t.Fatalf("unexpected variable value: %v", vars["anime2"])
	}
}

func TestBuildQueryTruncates(t *testing.T) {
	ids := make([]uint32, MaxPerQuery+10)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}

	_, vars := BuildQuery(ids)
	if len(vars) != MaxPerQuery {
		t.Fatalf("expected %d variables after truncation, got %d", MaxPerQuery, len(vars))
	}
}

func TestFetchBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string            `json:"query"`
			Variables map[string]uint32 `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %s", err)
		}
		if req.Variables["anime1"] != 21 || req.Variables["anime2"] != 35 {
			t.Errorf("unexpected variables: %v", req.Variables)
		}

		w.Header().Set("X-RateLimit-Remaining", "87")
		w.Header().Set("X-RateLimit-Limit", "90")
		fmt.Fprint(w, `{
			"data": {
				"anime1": {
					"idMal": 21,
					"status": "RELEASING",
					"title": {"romaji": "One Piece", "english": "One Piece"},
					"relations": {"edges": [
						{"relationType": "ADAPTATION", "node": {"idMal": 13}}
					]}
				},
				"anime2": null
			}
		}`)
	}))
	defer srv.Close()

	c := NewClientWithEndpoint(srv.URL)
	res, err := c.FetchBatch(context.Background(), []uint32{21, 35})
	if err != nil {
		t.Fatalf("fetch failed: %s", err)
	}

	if res.RateLimit.Remaining != 87 || res.RateLimit.Limit != 90 {
		t.Fatalf("unexpected rate limit: %+v", res.RateLimit)
	}
	if res.RateLimit.Reset != -1 || res.RateLimit.RetryAfter != -1 {
		t.Fatalf("missing headers should parse as -1, got %+v", res.RateLimit)
	}

	if len(res.Media) != 2 {
		t.Fatalf("expected positional media of len 2, got %d", len(res.Media))
	}
	m := res.Media[0]
	if m == nil || m.IDMal != 21 || m.Status != "RELEASING" || m.Title.Romaji != "One Piece" {
		t.Fatalf("unexpected media: %+v", m)
	}
	if len(m.Relations.Edges) != 1 || m.Relations.Edges[0].Node.IDMal != 13 {
		t.Fatalf("unexpected relations: %+v", m.Relations)
	}
	if res.Media[1] != nil {
		t.Fatal("null entry should map to nil media")
	}
	if len(res.NotFound) != 0 {
		t.Fatalf("no 404s expected, got %v", res.NotFound)
	}
}

func TestFetchBatchNotFoundByPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"data": {"anime1": null, "anime2": null},
			"errors": [
				{"message": "Not Found.", "status": 404, "path": ["anime2"]}
			]
		}`)
	}))
	defer srv.Close()

	c := NewClientWithEndpoint(srv.URL)
	res, err := c.FetchBatch(context.Background(), []uint32{21, 99999})
	if err != nil {
		t.Fatalf("fetch failed: %s", err)
	}

	if len(res.NotFound) != 1 || res.NotFound[0] != 99999 {
		t.Fatalf("expected id 99999 not found, got %v", res.NotFound)
	}
}

func TestFetchBatchNotFoundByLine(t *testing.T) {
	// older payloads give a source location instead of a path, the line
	// maps to a sub-query by the uniform selection size
	linesPer := strings.Count(mediaSelection, "\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"data": {"anime1": null, "anime2": null},
			"errors": [
				{"message": "Not Found.", "status": 404, "locations": [{"line": %d, "column": 3}]}
			]
		}`, linesPer+2)
	}))
	defer srv.Close()

	c := NewClientWithEndpoint(srv.URL)
	res, err := c.FetchBatch(context.Background(), []uint32{21, 99999})
	if err != nil {
		t.Fatalf("fetch failed: %s", err)
	}

	if len(res.NotFound) != 1 || res.NotFound[0] != 99999 {
		t.Fatalf("expected id 99999 not found, got %v", res.NotFound)
	}
}

func TestFetchBatchParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "Too Many Requests")
	}))
	defer srv.Close()

	c := NewClientWithEndpoint(srv.URL)
	res, err := c.FetchBatch(context.Background(), []uint32{21})
	if err == nil {
		t.Fatal("expected an error for an unparseable body")
	}
	if res == nil || res.RateLimit.RetryAfter != 60 {
		t.Fatalf("rate limit headers should survive a parse failure, got %+v", res)
	}
}
