package scoring

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/platform/auth"
	"github.com/trialguard/trialguard/pkg/apperr"
)

type Handler struct {
	scorer *Scorer
}

func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/scoring", auth.RequireRole(auth.RoleHospital, auth.RoleSponsor, auth.RoleRegulator))
	g.POST("/batches", h.ScoreBatch)
	g.GET("/config", h.GetConfig)
}

type scoreBatchRequest struct {
	HospitalID  string            `json:"hospital_id"`
	PatientData []json.RawMessage `json:"patient_data"`
}

func (h *Handler) ScoreBatch(c echo.Context) error {
	var req scoreBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.scorer.ScoreRaw(req.HospitalID, req.PatientData)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, h.scorer.Config())
}
