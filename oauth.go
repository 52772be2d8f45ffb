package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// randomToken returns 32 bytes of entropy hex encoded. Also used as the
// PKCE verifier, 64 characters sits inside the allowed 43..128 range.
func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func oauthCookie(name, val string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    val,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int((10 * time.Minute).Seconds()),
	}
}

func (s *Server) handleMalRedirect(e echo.Context) error {
	state := randomToken()
	verifier := randomToken()

	e.SetCookie(oauthCookie("mal_state", state))
	e.SetCookie(oauthCookie("mal_verifier", verifier))

	return e.Redirect(http.StatusFound, s.mal.AuthCodeURL(state, verifier))
}

func (s *Server) handleMalCallback(e echo.Context) error {
	ctx := e.Request().Context()

	stateCook, err := e.Cookie("mal_state")
	if err != nil || stateCook.Value == "" || stateCook.Value != e.QueryParam("state") {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "state mismatch",
		})
	}

	verifierCook, err := e.Cookie("mal_verifier")
	if err != nil || verifierCook.Value == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "missing verifier",
		})
	}

	tok, err := s.mal.Exchange(ctx, e.QueryParam("code"), verifierCook.Value)
	if err != nil {
		return err
	}

	acct, err := s.mal.User(ctx, tok.AccessToken)
	if err != nil {
		return err
	}

	u, err := s.backend.findUserByMalID(ctx, acct.ID)
	if err != nil {
		return err
	}

	if u == nil {
		u = &User{
			ID:    uuid.New().String(),
			MalID: acct.ID,
		}
	}

	u.Name = acct.Name
	u.Picture = acct.Picture
	u.MalAccessToken = tok.AccessToken
	u.MalRefreshToken = tok.RefreshToken

	if err := s.backend.db.WithContext(ctx).Save(u).Error; err != nil {
		return err
	}

	sess, err := s.backend.createSession(ctx, u.ID)
	if err != nil {
		return err
	}

	e.SetCookie(&http.Cookie{
		Name:     "token",
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Expires:  sess.ExpiresAt,
	})

	// Kick off the first list import so the user has data by the time
	// the frontend reloads.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.syncUserList(ctx, u); err != nil {
			log.Warnf("initial list sync for %s failed: %s", u.ID, err)
		}
	}()

	return e.HTML(200, `<html><body><script>window.close()</script>Logged in, you can close this window.</body></html>`)
}
