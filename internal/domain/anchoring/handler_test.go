package anchoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/platform/ledger"
)

func TestHandler_CreateAndGetAnchor(t *testing.T) {
	e := echo.New()
	svc, _ := newTestService(newScriptedLedger())
	h := NewHandler(svc)

	body := `{"content_hash":"` + testHash(40) + `","metadata":{"trial_id":"t-1","hospital_id":"h-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/anchors", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateAnchor(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var created Receipt
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Status != StatusPending || created.Metadata.TrialID != "t-1" {
		t.Errorf("unexpected receipt %+v", created)
	}

	rec = httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("hash")
	c.SetParamValues(testHash(40))
	if err := h.GetAnchor(c); err != nil {
		t.Fatalf("GetAnchor: %v", err)
	}
	var got Receipt
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.TransactionID != created.TransactionID {
		t.Errorf("expected %q, got %q", created.TransactionID, got.TransactionID)
	}
}

func TestHandler_GetAnchorNotFound(t *testing.T) {
	e := echo.New()
	svc, _ := newTestService(newScriptedLedger())
	h := NewHandler(svc)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("hash")
	c.SetParamValues(testHash(41))
	err := h.GetAnchor(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_CreateAnchorUnavailable(t *testing.T) {
	e := echo.New()
	l := newScriptedLedger()
	l.failures = []error{ledger.ErrUnavailable, ledger.ErrUnavailable, ledger.ErrUnavailable}
	svc, _ := newTestService(l)
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content_hash":"`+testHash(42)+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateAnchor(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body anchorFailure
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != "anchor_unavailable" || body.Receipt == nil || body.Receipt.Status != StatusUnavailable {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestHandler_CreateAnchorInvalidHash(t *testing.T) {
	e := echo.New()
	svc, _ := newTestService(newScriptedLedger())
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content_hash":"xyz"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.CreateAnchor(e.NewContext(req, httptest.NewRecorder()))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_PendingReceiptShowsNullConfirmedAt(t *testing.T) {
	e := echo.New()
	svc, _ := newTestService(newScriptedLedger())
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content_hash":"`+testHash(46)+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateAnchor(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	v, ok := raw["confirmed_at"]
	if !ok || string(v) != "null" {
		t.Errorf("expected confirmed_at null, got %q (present=%v)", v, ok)
	}
}
