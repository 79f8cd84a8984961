package review

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/domain/scoring"
	"github.com/trialguard/trialguard/internal/platform/auth"
	"github.com/trialguard/trialguard/pkg/apperr"
	"github.com/trialguard/trialguard/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the submission workflow. Role checks for transitions
// happen in the service; the group only requires a known role.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/submissions", auth.RequireRole(auth.RoleHospital, auth.RoleSponsor, auth.RoleRegulator))
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.GET("/:id/history", h.History)
	g.POST("/:id/records", h.AddRecords)
	g.PUT("/:id/target", h.SetTarget)
	g.POST("/:id/submit", h.Submit)
	g.POST("/:id/reanchor", h.Reanchor)
	g.POST("/:id/flag", h.Flag)
	g.POST("/:id/approve", h.Approve)
	g.POST("/:id/reject", h.Reject)
}

// actorFor picks the first preferred role the caller holds, falling back to
// their primary role, so a user holding several roles acts under the one the
// operation needs.
func actorFor(c echo.Context, preferred ...string) Actor {
	ctx := c.Request().Context()
	roles := auth.RolesFromContext(ctx)
	role := auth.PrimaryRole(roles)
	for _, p := range preferred {
		if containsRole(roles, p) {
			role = p
			break
		}
	}
	return Actor{ID: auth.UserIDFromContext(ctx), Role: role}
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid submission id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := h.svc.Create(c.Request().Context(), actorFor(c, RoleHospital, RoleSponsor), in)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ListFilter{
		State:      State(c.QueryParam("state")),
		TrialID:    c.QueryParam("trial_id"),
		HospitalID: c.QueryParam("hospital_id"),
	}
	items, total, err := h.svc.List(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) History(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	trail, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": trail, "total": len(trail)})
}

type addRecordsRequest struct {
	Records []scoring.PatientRecord `json:"records"`
}

func (h *Handler) AddRecords(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req addRecordsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.AddRecords(c.Request().Context(), actorFor(c, RoleHospital, RoleSponsor), id, req.Records)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type setTargetRequest struct {
	TargetSampleSize int `json:"target_sample_size"`
}

func (h *Handler) SetTarget(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req setTargetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.SetTargetSampleSize(c.Request().Context(), actorFor(c, RoleHospital, RoleSponsor), id, req.TargetSampleSize)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sub, err := h.svc.Submit(c.Request().Context(), actorFor(c, RoleHospital, RoleSponsor), id)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, sub)
}

func (h *Handler) Reanchor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sub, err := h.svc.Reanchor(c.Request().Context(), actorFor(c, RoleHospital, RoleSponsor, RoleRegulator), id)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, sub)
}

func (h *Handler) Flag(c echo.Context) error {
	return h.decide(c, h.svc.Flag)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.decide(c, h.svc.Approve)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.decide(c, h.svc.Reject)
}

type decideFunc func(ctx context.Context, actor Actor, id uuid.UUID, d Decision) (*Submission, error)

func (h *Handler) decide(c echo.Context, fn decideFunc) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var d Decision
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub, err := fn(c.Request().Context(), actorFor(c, RoleRegulator), id, d)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, sub)
}
