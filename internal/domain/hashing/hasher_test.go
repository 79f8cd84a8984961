package hashing

import (
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/trialguard/trialguard/internal/domain/scoring"
	"github.com/trialguard/trialguard/pkg/apperr"
)

func samplePayload() Payload {
	return Payload{
		TrialID:    "T-100",
		HospitalID: "H-7",
		Records: []scoring.PatientRecord{
			{PatientID: "P-2", SideEffectSeverity: scoring.SeverityMild, OverallHealthStatus: scoring.HealthStable, SymptomImprovementScore: 4, ObservationFlags: []string{"rash", "nausea"}},
			{PatientID: "P-1", SideEffectSeverity: scoring.SeveritySevere, OverallHealthStatus: scoring.HealthImproved, SymptomImprovementScore: 8.5},
		},
	}
}

func mustHasher(t *testing.T, alg Algorithm) *Hasher {
	t.Helper()
	h, err := NewHasher(alg)
	if err != nil {
		t.Fatalf("NewHasher(%q): %v", alg, err)
	}
	return h
}

func TestCanonicalHash_Format(t *testing.T) {
	for _, alg := range []Algorithm{SHA256, SHA3_256, BLAKE2b256} {
		t.Run(string(alg), func(t *testing.T) {
			digest, err := mustHasher(t, alg).CanonicalHash(samplePayload())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !IsContentHash(digest) {
				t.Errorf("expected 64 lowercase hex chars, got %q", digest)
			}
		})
	}
}

func TestCanonicalHash_AlgorithmsDiffer(t *testing.T) {
	a, _ := mustHasher(t, SHA256).CanonicalHash(samplePayload())
	b, _ := mustHasher(t, SHA3_256).CanonicalHash(samplePayload())
	c, _ := mustHasher(t, BLAKE2b256).CanonicalHash(samplePayload())
	if a == b || b == c || a == c {
		t.Error("expected different digests per algorithm")
	}
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h := mustHasher(t, SHA256)
	p1 := samplePayload()
	p2 := samplePayload()
	p2.Records[0], p2.Records[1] = p2.Records[1], p2.Records[0]
	p2.Records[1].ObservationFlags = []string{"Nausea", "rash", " rash"}

	d1, err := h.CanonicalHash(p1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2, err := h.CanonicalHash(p2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d1 != d2 {
		t.Errorf("expected equal digests for reordered payload, got %s vs %s", d1, d2)
	}
}

func TestCanonicalHash_NumericFormatting(t *testing.T) {
	h := mustHasher(t, SHA256)
	p1 := samplePayload()
	p2 := samplePayload()
	p1.Records[1].SymptomImprovementScore = 8
	p2.Records[1].SymptomImprovementScore = 8.0
	d1, _ := h.CanonicalHash(p1)
	d2, _ := h.CanonicalHash(p2)
	if d1 != d2 {
		t.Error("expected 8 and 8.0 to hash equally")
	}
}

func TestCanonicalHash_ContentChangeChangesHash(t *testing.T) {
	h := mustHasher(t, SHA256)
	base, _ := h.CanonicalHash(samplePayload())
	tests := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"severity", func(p *Payload) { p.Records[0].SideEffectSeverity = scoring.SeverityModerate }},
		{"score", func(p *Payload) { p.Records[1].SymptomImprovementScore = 8.4 }},
		{"flag added", func(p *Payload) { p.Records[0].ObservationFlags = append(p.Records[0].ObservationFlags, "fever") }},
		{"impossible", func(p *Payload) { p.Records[1].HasImpossibleObservation = true }},
		{"hospital", func(p *Payload) { p.HospitalID = "H-8" }},
		{"record dropped", func(p *Payload) { p.Records = p.Records[:1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePayload()
			tt.mutate(&p)
			d, err := h.CanonicalHash(p)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d == base {
				t.Error("expected digest to change")
			}
		})
	}
}

func TestCanonicalHash_InvalidInput(t *testing.T) {
	h := mustHasher(t, SHA256)
	tests := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"missing trial", func(p *Payload) { p.TrialID = "" }},
		{"missing patient id", func(p *Payload) { p.Records[0].PatientID = " " }},
		{"NaN score", func(p *Payload) { p.Records[0].SymptomImprovementScore = math.NaN() }},
		{"infinite score", func(p *Payload) { p.Records[0].SymptomImprovementScore = math.Inf(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePayload()
			tt.mutate(&p)
			_, err := h.CanonicalHash(p)
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Errorf("expected InvalidInput, got %v", err)
			}
		})
	}
}

func TestNewHasher_Unsupported(t *testing.T) {
	if _, err := NewHasher("md5"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestHasher_Version(t *testing.T) {
	if v := mustHasher(t, "").Version(); v != "canon-v1/sha256" {
		t.Errorf("expected default sha256 version, got %q", v)
	}
}

func TestDigest_Stable(t *testing.T) {
	h := mustHasher(t, SHA256)
	v := map[string]any{"b": 1, "a": []int{1, 2}}
	d1, err := h.Digest(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2, _ := h.Digest(map[string]any{"a": []int{1, 2}, "b": 1})
	if d1 != d2 {
		t.Error("expected map key order not to matter")
	}
	if _, err := h.Digest(math.NaN()); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected InvalidInput for NaN, got %v", err)
	}
}

func TestIsContentHash(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{strings.Repeat("a", 64), true},
		{strings.Repeat("A", 64), false},
		{strings.Repeat("a", 63), false},
		{strings.Repeat("g", 64), false},
	}
	for _, tt := range tests {
		if got := IsContentHash(tt.in); got != tt.want {
			t.Errorf("IsContentHash(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandler_ComputeHash(t *testing.T) {
	h := NewHandler(mustHasher(t, SHA256))
	e := echo.New()
	body := `{"trial_id":"T-1","hospital_id":"H-1","records":[{"patient_id":"P-1","side_effect_severity":"Mild","overall_health_status":"Stable","symptom_improvement_score":3}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ComputeHash(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"version":"canon-v1/sha256"`) {
		t.Errorf("expected version in body, got %s", rec.Body.String())
	}
}

func TestHandler_ComputeHash_MissingTrial(t *testing.T) {
	h := NewHandler(mustHasher(t, SHA256))
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"hospital_id":"H-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ComputeHash(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", httpErr.Code)
	}
}
