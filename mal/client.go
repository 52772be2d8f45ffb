// Package mal is the client for the MyAnimeList list provider: the user's
// personal watch-list, account info, and the OAuth2 code exchange.
package mal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultAPIBase  = "https://api.myanimelist.net/v2"
	DefaultAuthBase = "https://myanimelist.net/v1/oauth2"
)

// maxListPages caps paging so a pathological account can't hold the sync
// loop forever. 10 pages at 1000 entries covers any real list.
const maxListPages = 10

type Client struct {
	http *retryablehttp.Client

	apiBase  string
	authBase string

	clientID     string
	clientSecret string
	redirectURL  string
}

func NewClient(clientID, clientSecret, redirectURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	return &Client{
		http:         rc,
		apiBase:      DefaultAPIBase,
		authBase:     DefaultAuthBase,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
	}
}

// SetBases points the client at stub servers. Tests only.
func (c *Client) SetBases(api, auth string) {
	c.apiBase = api
	c.authBase = auth
}

// ListEntry is one title on a user's watch-list.
type ListEntry struct {
	ID           uint32
	Title        string
	Picture      string
	AiringStatus string
	WatchStatus  string
	Score        int
}

type listResponse struct {
	Data []struct {
		Node struct {
			ID          uint32 `json:"id"`
			Title       string `json:"title"`
			MainPicture struct {
				Large  string `json:"large"`
				Medium string `json:"medium"`
			} `json:"main_picture"`
			Status string `json:"status"`
		} `json:"node"`
		ListStatus struct {
			Status string `json:"status"`
			Score  int    `json:"score"`
		} `json:"list_status"`
	} `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// UserList fetches the authenticated user's full watch-list, following
// paging up to maxListPages.
func (c *Client) UserList(ctx context.Context, accessToken string) ([]ListEntry, error) {
	next := c.apiBase + "/users/@me/animelist?fields=list_status,node.status&limit=1000&nsfw=1"

	var out []ListEntry
	for page := 0; next != "" && page < maxListPages; page++ {
		var decoded listResponse
		if err := c.getJSON(ctx, next, accessToken, &decoded); err != nil {
			return nil, fmt.Errorf("fetching user list: %w", err)
		}

		for _, item := range decoded.Data {
			out = append(out, ListEntry{
				ID:           item.Node.ID,
				Title:        item.Node.Title,
				Picture:      item.Node.MainPicture.Large,
				AiringStatus: item.Node.Status,
				WatchStatus:  item.ListStatus.Status,
				Score:        item.ListStatus.Score,
			})
		}

		next = decoded.Paging.Next
	}

	return out, nil
}

// Account is the provider's view of the authenticated user.
type Account struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (c *Client) User(ctx context.Context, accessToken string) (*Account, error) {
	var acc Account
	if err := c.getJSON(ctx, c.apiBase+"/users/@me", accessToken, &acc); err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return &acc, nil
}

func (c *Client) getJSON(ctx context.Context, u, accessToken string, into any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}

	return json.NewDecoder(resp.Body).Decode(into)
}

// AuthCodeURL builds the authorization redirect. MAL uses the "plain" PKCE
// method, so the verifier doubles as the challenge.
func (c *Client) AuthCodeURL(state, verifier string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.clientID},
		"state":                 {state},
		"code_challenge":        {verifier},
		"code_challenge_method": {"plain"},
		"redirect_uri":          {c.redirectURL},
	}
	return c.authBase + "/authorize?" + q.Encode()
}

// Token is the provider's OAuth2 token response.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*Token, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {c.redirectURL},
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", c.authBase+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	return &tok, nil
}
