package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/whyrusleeping/anisync/importer"
	"gorm.io/gorm"
)

func (s *Server) runApiServer(listen string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORS())

	e.GET("/debug", s.handleGetDebugInfo)
	e.GET("/oauth/mal/redirect", s.handleMalRedirect)
	e.GET("/oauth/mal/callback", s.handleMalCallback)

	api := e.Group("/api/v1")
	api.Use(s.requireSession)
	api.GET("/auth/me", s.handleGetMe)
	api.GET("/anime", s.handleGetAnimeList)
	api.GET("/anime/:id", s.handleGetAnime)
	api.GET("/anime/:id/import", s.handleImportAnime)
	api.POST("/order", s.handleUpdateOrder)

	return e.Start(listen)
}

// sessionStore resolves a session token to its user. A nil user with a nil
// error means the token is unknown or the session expired.
type sessionStore interface {
	getUserBySession(ctx context.Context, token string) (*User, error)
}

// requireSession resolves the session cookie into a user and stashes it
// on the request context for the handlers below.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		cook, err := e.Cookie("token")
		if err != nil || cook.Value == "" {
			return e.JSON(http.StatusUnauthorized, map[string]any{
				"error": "not logged in",
			})
		}

		u, err := s.sessions.getUserBySession(e.Request().Context(), cook.Value)
		if err != nil || u == nil {
			return e.JSON(http.StatusUnauthorized, map[string]any{
				"error": "invalid session",
			})
		}

		e.Set("user", u)
		return next(e)
	}
}

func (s *Server) currentUser(e echo.Context) *User {
	return e.Get("user").(*User)
}

func (s *Server) handleGetDebugInfo(e echo.Context) error {
	return e.JSON(200, s.queue.Stats())
}

func (s *Server) handleGetMe(e echo.Context) error {
	u := s.currentUser(e)
	return e.JSON(200, map[string]any{
		"id":      u.ID,
		"name":    u.Name,
		"picture": u.Picture,
	})
}

func (s *Server) handleGetAnimeList(e echo.Context) error {
	ctx := e.Request().Context()
	u := s.currentUser(e)

	status, err := s.syncUserList(ctx, u)
	if err != nil {
		// Serve whatever we have locally, the provider may just be down.
		log.Warnf("list sync failed for %s: %s", u.ID, err)
		status = ListStatusImported
	}

	list, err := s.backend.getUserList(ctx, u.ID)
	if err != nil {
		return err
	}

	return e.JSON(200, map[string]any{
		"status": status,
		"anime":  list,
	})
}

func (s *Server) handleGetAnime(e echo.Context) error {
	ctx := e.Request().Context()

	var id uint32
	if err := echo.PathParamsBinder(e).Uint32("id", &id).BindError(); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "invalid anime id",
		})
	}

	anime, err := s.backend.getAnime(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return e.JSON(http.StatusNotFound, map[string]any{
				"error": "unknown anime",
			})
		}
		return err
	}

	related, err := s.backend.getAnimeRelations(ctx, id)
	if err != nil {
		return err
	}

	return e.JSON(200, map[string]any{
		"anime":   anime,
		"related": related,
	})
}

// handleImportAnime lets a user force an anime into the import queue,
// mostly useful for entries the catalog did not know about at first pass.
func (s *Server) handleImportAnime(e echo.Context) error {
	var id uint32
	if err := echo.PathParamsBinder(e).Uint32("id", &id).BindError(); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "invalid anime id",
		})
	}

	ok := s.queue.Push(importer.Item{
		Kind:    importer.KindAnime,
		AnimeID: id,
	})

	return e.JSON(200, map[string]any{
		"queued":   ok,
		"rejected": !ok,
	})
}

func (s *Server) handleUpdateOrder(e echo.Context) error {
	ctx := e.Request().Context()
	u := s.currentUser(e)

	var body struct {
		Order []uint32 `json:"order"`
	}
	if err := e.Bind(&body); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{
			"error": "invalid body",
		})
	}

	if err := s.backend.updateWatchOrder(ctx, u.ID, body.Order); err != nil {
		return err
	}

	return e.JSON(200, map[string]any{
		"success": true,
	})
}
