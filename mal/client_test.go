package mal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestUserListPaging(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("unexpected auth header: %q", got)
		}

		if r.URL.Query().Get("offset") == "" {
			fmt.Fprintf(w, `{
				"data": [
					{"node": {"id": 21, "title": "One Piece", "status": "currently_airing",
						"main_picture": {"large": "https://img/21l.jpg", "medium": "https://img/21m.jpg"}},
					 "list_status": {"status": "watching", "score": 9}}
				],
				"paging": {"next": "%s/users/@me/animelist?offset=1000"}
			}`, srv.URL)
			return
		}

		fmt.Fprint(w, `{
			"data": [
				{"node": {"id": 30, "title": "Neon Genesis Evangelion", "status": "finished_airing"},
				 "list_status": {"status": "completed", "score": 10}}
			],
			"paging": {}
		}`)
	}))
	defer srv.Close()

	c := NewClient("cid", "secret", "http://localhost/cb")
	c.SetBases(srv.URL, srv.URL)

	list, err := c.UserList(context.Background(), "tok123")
	if err != nil {
		t.Fatalf("user list failed: %s", err)
	}

	if len(list) != 2 {
		t.Fatalf("expected 2 entries across pages, got %d", len(list))
	}
	first := list[0]
	if first.ID != 21 || first.WatchStatus != "watching" || first.Picture != "https://img/21l.jpg" {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	if list[1].AiringStatus != "finished_airing" || list[1].Score != 10 {
		t.Fatalf("unexpected second entry: %+v", list[1])
	}
}

func TestUserListErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("cid", "secret", "http://localhost/cb")
	c.SetBases(srv.URL, srv.URL)

	if _, err := c.UserList(context.Background(), "expired"); err == nil {
		t.Fatal("expected an error for a 401 response")
	}
}

func TestUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/@me" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id": 4422, "name": "whyrusleeping", "picture": "https://img/me.jpg"}`)
	}))
	defer srv.Close()

	c := NewClient("cid", "secret", "http://localhost/cb")
	c.SetBases(srv.URL, srv.URL)

	acc, err := c.User(context.Background(), "tok")
	if err != nil {
		t.Fatalf("user lookup failed: %s", err)
	}
	if acc.ID != 4422 || acc.Name != "whyrusleeping" {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestAuthCodeURL(t *testing.T) {
	c := NewClient("cid", "secret", "http://localhost/cb")

	u, err := url.Parse(c.AuthCodeURL("st4te", "v3rifier"))
	if err != nil {
		t.Fatalf("bad auth url: %s", err)
	}

	q := u.Query()
	if q.Get("client_id") != "cid" || q.Get("state") != "st4te" {
		t.Fatalf("unexpected query: %v", q)
	}
	if q.Get("code_challenge") != "v3rifier" || q.Get("code_challenge_method") != "plain" {
		t.Fatalf("plain PKCE should reuse the verifier as challenge: %v", q)
	}
}

func TestExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			t.Errorf("unexpected content type: %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %s", err)
		}
		if r.Form.Get("code") != "c0de" || r.Form.Get("code_verifier") != "v3rifier" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		if r.Form.Get("grant_type") != "authorization_code" {
			t.Errorf("unexpected grant type: %q", r.Form.Get("grant_type"))
		}

		fmt.Fprint(w, `{"access_token": "at", "refresh_token": "rt", "expires_in": 3600}`)
	}))
	defer srv.Close()

	c := NewClient("cid", "secret", "http://localhost/cb")
	c.SetBases(srv.URL, srv.URL)

	tok, err := c.Exchange(context.Background(), "c0de", "v3rifier")
	if err != nil {
		t.Fatalf("exchange failed: %s", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.ExpiresIn != 3600 {
		t.Fatalf("unexpected token: %+v", tok)
	}
}
