package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/trialguard/trialguard/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	RequestID()(func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return nil
	})(c)
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsFinalStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/x", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "reg-1", []string{auth.RoleRegulator}, ""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-123")

	err := Logger(logger)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "submission not found")
	})(c)
	if err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 written, got %d", rec.Code)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"] != float64(404) || line["request_id"] != "req-123" || line["user_id"] != "reg-1" {
		t.Errorf("unexpected log line %v", line)
	}
	if line["level"] != "warn" {
		t.Errorf("expected warn level, got %v", line["level"])
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic("test panic")
	})(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	wantErr := errors.New("handler error")
	err := Recovery(zerolog.Nop())(func(c echo.Context) error { return wantErr })(c)
	if err != wantErr {
		t.Errorf("expected handler error to pass through, got %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	SecurityHeaders()(func(c echo.Context) error { return nil })(c)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 1 << 20},
		{"512", 512},
		{"512K", 512 << 10},
		{"1M", 1 << 20},
		{"64MB", 64 << 20},
		{"2g", 2 << 30},
		{"abc", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMatchUploadPath(t *testing.T) {
	if !matchUploadPath("/api/v1/submissions/*/records", "/api/v1/submissions/abc/records") {
		t.Error("expected wildcard segment to match")
	}
	if matchUploadPath("/api/v1/submissions/*/records", "/api/v1/submissions/abc/submit") {
		t.Error("expected different last segment not to match")
	}
	if matchUploadPath("/api/v1/hashes", "/api/v1/hashes/extra") {
		t.Error("expected segment count mismatch not to match")
	}
}

func TestBodyLimit(t *testing.T) {
	mw := BodyLimit("16", "64", "/api/v1/scoring/batches")
	read := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}
	tests := []struct {
		name     string
		path     string
		body     string
		unknown  bool
		wantCode int
	}{
		{"small body", "/api/v1/anchors", "0123456789", false, 0},
		{"over default", "/api/v1/anchors", strings.Repeat("x", 32), false, http.StatusRequestEntityTooLarge},
		{"upload path allows more", "/api/v1/scoring/batches", strings.Repeat("x", 32), false, 0},
		{"over upload limit", "/api/v1/scoring/batches", strings.Repeat("x", 100), false, http.StatusRequestEntityTooLarge},
		{"enforced while reading", "/api/v1/anchors", strings.Repeat("x", 32), true, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			if tt.unknown {
				req.ContentLength = -1
			}
			c := e.NewContext(req, httptest.NewRecorder())
			err := mw(read)(c)
			if tt.wantCode == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != tt.wantCode {
				t.Errorf("expected %d, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestRateLimit_PerUser(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	call := func(user string) (*httptest.ResponseRecorder, error) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), user, nil, ""))
		rec := httptest.NewRecorder()
		return rec, mw(func(c echo.Context) error { return nil })(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		if _, err := call("site-1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	rec, err := call("site-1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if _, err := call("site-2"); err != nil {
		t.Errorf("expected other user to have its own bucket, got %v", err)
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	b := newTokenBucket(10, 1)
	now := time.Now()
	if ok, _ := b.take(now); !ok {
		t.Fatal("expected first token")
	}
	if ok, retry := b.take(now); ok || retry < 1 {
		t.Errorf("expected empty bucket, got ok=%v retry=%d", ok, retry)
	}
	if ok, _ := b.take(now.Add(200 * time.Millisecond)); !ok {
		t.Error("expected token after refill")
	}
	zero := newTokenBucket(0, 0)
	if ok, retry := zero.take(now); ok || retry != 1 {
		t.Errorf("expected retry 1 for zero rate, got ok=%v retry=%d", ok, retry)
	}
}
