package hashing

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/platform/auth"
	"github.com/trialguard/trialguard/pkg/apperr"
)

type Handler struct {
	hasher *Hasher
}

func NewHandler(hasher *Hasher) *Handler {
	return &Handler{hasher: hasher}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/hashes", auth.RequireRole(auth.RoleHospital, auth.RoleSponsor, auth.RoleRegulator))
	g.POST("", h.ComputeHash)
}

type hashResponse struct {
	ContentHash string `json:"content_hash"`
	Version     string `json:"version"`
}

func (h *Handler) ComputeHash(c echo.Context) error {
	var p Payload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	digest, err := h.hasher.CanonicalHash(p)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, hashResponse{ContentHash: digest, Version: h.hasher.Version()})
}
