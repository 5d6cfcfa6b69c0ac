package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/reconly/reconly/internal/feed"
	"github.com/reconly/reconly/internal/store"
)

// FeedRunner is the slice of the engine the HTTP layer triggers runs
// through.
type FeedRunner interface {
	RunFeed(ctx context.Context, feedID string, opts feed.Options) (feed.RunSummary, error)
}

type FeedsHandler struct {
	Store    *store.Store
	Runner   FeedRunner
	BaseOpts feed.Options // populated from config; per-request fields overlaid
}

func (h *FeedsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("/feeds", h.list)
	g.GET("/feeds/:id", h.get)
	g.GET("/feeds/:id/runs", h.listRuns)
	g.POST("/feeds/:id/run", h.run)
	g.GET("/runs/:id", h.getRun)
	g.GET("/runs/:id/digests", h.runDigests)
	g.GET("/digests/search", h.searchDigests)
}

func (h *FeedsHandler) list(c echo.Context) error {
	feeds, err := h.Store.ListFeeds(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, feeds)
}

func (h *FeedsHandler) get(c echo.Context) error {
	f, err := h.Store.GetFeed(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "feed not found")
	}
	return c.JSON(http.StatusOK, f)
}

func (h *FeedsHandler) listRuns(c echo.Context) error {
	runs, err := h.Store.ListFeedRuns(c.Request().Context(), c.Param("id"), 20)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

type runRequest struct {
	DryRun   bool   `json:"dry_run"`
	Language string `json:"language"`
}

func (h *FeedsHandler) run(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	opts := h.BaseOpts
	opts.Trigger = "manual"
	opts.DryRun = req.DryRun
	if req.Language != "" {
		opts.Language = req.Language
	}

	sum, err := h.Runner.RunFeed(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		switch {
		case errors.Is(err, feed.ErrFeedNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, feed.ErrNoSources):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *FeedsHandler) getRun(c echo.Context) error {
	run, err := h.Store.GetFeedRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (h *FeedsHandler) runDigests(c echo.Context) error {
	digests, err := h.Store.ListDigestsByRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, digests)
}

func (h *FeedsHandler) searchDigests(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing query parameter q")
	}
	digests, err := h.Store.SearchDigests(c.Request().Context(), q, 20)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, digests)
}
