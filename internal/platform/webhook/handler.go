package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/platform/auth"
	"github.com/trialguard/trialguard/pkg/pagination"
)

type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts endpoint management; only sponsors and regulators
// may subscribe to integrity events.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", auth.RequireRole(auth.RoleSponsor, auth.RoleRegulator))
	g.POST("", h.Register)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/pause", h.Pause)
	g.POST("/:id/resume", h.Resume)
	g.GET("/:id/deliveries", h.Deliveries)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.manager.Register(c.Request().Context(), req.URL, req.Secret, auth.UserIDFromContext(c.Request().Context()), req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	eps, total, err := h.manager.store.ListEndpoints(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(eps, total, p.Limit, p.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.manager.store.GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.manager.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Pause(c echo.Context) error {
	return h.setStatus(c, StatusPaused)
}

func (h *Handler) Resume(c echo.Context) error {
	return h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c echo.Context, status string) error {
	ep, err := h.manager.SetStatus(c.Request().Context(), c.Param("id"), status)
	if err != nil {
		return toHTTPError(err)
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) Deliveries(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.manager.store.ListDeliveries(c.Request().Context(), c.Param("id"), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func toHTTPError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
