package anchoring

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/platform/auth"
	"github.com/trialguard/trialguard/pkg/apperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/anchors")
	g.POST("", h.CreateAnchor, auth.RequireRole(auth.RoleHospital, auth.RoleSponsor))
	g.GET("/:hash", h.GetAnchor, auth.RequireRole(auth.RoleHospital, auth.RoleSponsor, auth.RoleRegulator))
}

type anchorRequest struct {
	ContentHash string   `json:"content_hash"`
	Metadata    Metadata `json:"metadata"`
}

type anchorFailure struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Receipt *Receipt `json:"receipt"`
}

// CreateAnchor answers 202 with the pending receipt. An exhausted retry budget
// answers 503 with the recorded unavailable receipt so the caller can retry
// the same hash later.
func (h *Handler) CreateAnchor(c echo.Context) error {
	var req anchorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Anchor(c.Request().Context(), req.ContentHash, req.Metadata)
	if err != nil {
		if errors.Is(err, apperr.ErrAnchorUnavailable) && r != nil {
			return c.JSON(http.StatusServiceUnavailable, anchorFailure{
				Error:   string(apperr.KindAnchorUnavailable),
				Message: err.Error(),
				Receipt: r,
			})
		}
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, r)
}

func (h *Handler) GetAnchor(c echo.Context) error {
	r, err := h.svc.Verify(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}
