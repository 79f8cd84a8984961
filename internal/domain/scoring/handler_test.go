package scoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()
	return NewHandler(newTestScorer(t)), echo.New()
}

func TestHandler_ScoreBatch(t *testing.T) {
	h, e := newTestHandler(t)
	body := `{"hospital_id":"H-1","patient_data":[
		{"patient_id":"P-1","side_effect_severity":"Severe","overall_health_status":"Improved","symptom_improvement_score":9},
		{"patient_id":"P-2","side_effect_severity":"None","overall_health_status":"Stable","symptom_improvement_score":3}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ScoreBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Summary.AnomalyCount != 1 || res.Summary.AnomalyPercentage != 50 {
		t.Errorf("unexpected summary: %+v", res.Summary)
	}
	if len(res.Verdicts) != 2 {
		t.Errorf("expected 2 verdicts, got %d", len(res.Verdicts))
	}
}

func TestHandler_ScoreBatch_Empty(t *testing.T) {
	h, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"hospital_id":"H-1","patient_data":[]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ScoreBatch(c)
	if err == nil {
		t.Fatal("expected error for empty batch")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", httpErr.Code)
	}
}

func TestHandler_GetConfig(t *testing.T) {
	h, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetConfig(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"model_threshold":0.5`) {
		t.Errorf("expected threshold in body, got %s", rec.Body.String())
	}
}
