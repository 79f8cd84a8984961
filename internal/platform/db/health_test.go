package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		pinger     fakePinger
		wantStatus int
		wantBody   string
	}{
		{"healthy", fakePinger{}, http.StatusOK, "healthy"},
		{"unhealthy", fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := HealthHandler(tt.pinger)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			var body map[string]interface{}
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["status"] != tt.wantBody {
				t.Errorf("expected status %q, got %v", tt.wantBody, body["status"])
			}
			if _, ok := body["pool"]; ok {
				t.Error("did not expect pool stats for a non-pool pinger")
			}
		})
	}
}

func TestConnFromContext_NoTx(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil querier without a transaction")
	}
}
