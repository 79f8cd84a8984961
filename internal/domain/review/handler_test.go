package review

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/platform/auth"
)

func request(method, body, user string, roles ...string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithIdentity(req.Context(), user, roles, ""))
}

func call(t *testing.T, e *echo.Echo, fn echo.HandlerFunc, req *http.Request, id string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return rec, fn(c)
}

func TestHandler_Workflow(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	rec, err := call(t, e, h.Create, request(http.MethodPost,
		`{"trial_id":"TRIAL-9","hospital_id":"HOSP-9","target_sample_size":2}`, "nurse", auth.RoleHospital), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var sub Submission
	json.Unmarshal(rec.Body.Bytes(), &sub)

	records := `{"records":[
		{"patient_id":"A","side_effect_severity":"Mild","overall_health_status":"Stable","symptom_improvement_score":4},
		{"patient_id":"B","side_effect_severity":"None","overall_health_status":"Improved","symptom_improvement_score":6}]}`
	rec, err = call(t, e, h.AddRecords, request(http.MethodPost, records, "nurse", auth.RoleHospital), sub.ID.String())
	if err != nil {
		t.Fatalf("AddRecords: %v", err)
	}
	var added AddRecordsResult
	json.Unmarshal(rec.Body.Bytes(), &added)
	if added.Submission.State != StateReady {
		t.Fatalf("expected ready, got %s", added.Submission.State)
	}

	rec, err = call(t, e, h.Submit, request(http.MethodPost, "", "nurse", auth.RoleHospital), sub.ID.String())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var submitted Submission
	json.Unmarshal(rec.Body.Bytes(), &submitted)

	decision := fmt.Sprintf(`{"expected_version":%d}`, submitted.Version)
	_, err = call(t, e, h.Approve, request(http.MethodPost, decision, "nurse", auth.RoleHospital), sub.ID.String())
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for hospital approval, got %v", err)
	}
	_, err = call(t, e, h.Approve, request(http.MethodPost, decision, "fda", auth.RoleRegulator), sub.ID.String())
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 before confirmation, got %v", err)
	}

	f.seal(t)
	rec, err = call(t, e, h.Approve, request(http.MethodPost, decision, "fda", auth.RoleHospital, auth.RoleRegulator), sub.ID.String())
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	var approved Submission
	json.Unmarshal(rec.Body.Bytes(), &approved)
	if approved.State != StateApproved {
		t.Errorf("expected approved, got %s", approved.State)
	}

	rec, err = call(t, e, h.Get, request(http.MethodGet, "", "fda", auth.RoleRegulator), sub.ID.String())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var view struct {
		State        State        `json:"state"`
		Verification Verification `json:"verification"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.State != StateApproved || view.Verification != Verified {
		t.Errorf("unexpected view %+v", view)
	}

	rec, err = call(t, e, h.History, request(http.MethodGet, "", "fda", auth.RoleRegulator), sub.ID.String())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var hist struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &hist)
	if hist.Total != 3 {
		t.Errorf("expected 3 history entries, got %d", hist.Total)
	}
}

func TestHandler_BadID(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	_, err := call(t, echo.New(), h.Get, request(http.MethodGet, "", "u", auth.RoleRegulator), "not-a-uuid")
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListPaginates(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	for i := 0; i < 3; i++ {
		f.readySubmission(t, batch(1, 0))
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions?state=ready_for_submission&limit=2", nil)
	rec := httptest.NewRecorder()
	if err := h.List(echo.New().NewContext(req, rec)); err != nil {
		t.Fatalf("List: %v", err)
	}
	var page struct {
		Data    []Submission `json:"data"`
		Total   int          `json:"total"`
		HasMore bool         `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
}
