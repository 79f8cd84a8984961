// Package node exposes an embedded chain over HTTP so other trialguard
// instances can anchor against it with the remote client.
package node

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/platform/ledger"
	"github.com/trialguard/trialguard/internal/platform/ledger/chain"
)

type Handler struct {
	chain *chain.Chain
}

func NewHandler(c *chain.Chain) *Handler {
	return &Handler{chain: c}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/entries", h.Submit)
	g.GET("/entries/:hash", h.Lookup)
	g.GET("/tx/:id", h.Transaction)
	g.GET("/tip", h.Tip)
	g.GET("/verify", h.Verify)
}

func (h *Handler) Submit(c echo.Context) error {
	var e ledger.Entry
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.chain.Submit(c.Request().Context(), e)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, rec)
}

func (h *Handler) Lookup(c echo.Context) error {
	rec, err := h.chain.Lookup(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Transaction(c echo.Context) error {
	rec, err := h.chain.Transaction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Tip(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tip":     h.chain.Tip(),
		"pending": h.chain.PendingCount(),
	})
}

func (h *Handler) Verify(c echo.Context) error {
	if err := h.chain.Verify(); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"status": "corrupt", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidEntry):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
