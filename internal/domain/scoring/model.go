package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

type Severity string

const (
	SeverityNone     Severity = "None"
	SeverityMild     Severity = "Mild"
	SeverityModerate Severity = "Moderate"
	SeveritySevere   Severity = "Severe"
)

// Ordinal returns 0 for None up to 3 for Severe, or -1 when unknown.
func (s Severity) Ordinal() int {
	switch s {
	case SeverityNone:
		return 0
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	default:
		return -1
	}
}

type HealthStatus string

const (
	HealthWorsened HealthStatus = "Worsened"
	HealthStable   HealthStatus = "Stable"
	HealthImproved HealthStatus = "Improved"
)

func (h HealthStatus) Valid() bool {
	return h == HealthWorsened || h == HealthStable || h == HealthImproved
}

// PatientRecord is one patient's observations within a hospital batch.
type PatientRecord struct {
	PatientID                string       `json:"patient_id"`
	SideEffectSeverity       Severity     `json:"side_effect_severity"`
	OverallHealthStatus      HealthStatus `json:"overall_health_status"`
	SymptomImprovementScore  float64      `json:"symptom_improvement_score"`
	ObservationFlags         []string     `json:"observation_flags,omitempty"`
	HasImpossibleObservation bool         `json:"has_impossible_observation"`
}

// Validate reports the first problem that prevents the record from being scored.
func (r PatientRecord) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return fmt.Errorf("patient_id is required")
	}
	if r.SideEffectSeverity.Ordinal() < 0 {
		return fmt.Errorf("invalid side_effect_severity: %q", r.SideEffectSeverity)
	}
	if !r.OverallHealthStatus.Valid() {
		return fmt.Errorf("invalid overall_health_status: %q", r.OverallHealthStatus)
	}
	score := r.SymptomImprovementScore
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 10 {
		return fmt.Errorf("symptom_improvement_score must be between 0 and 10, got %v", score)
	}
	return nil
}

// Flags returns the observation flags as a normalized, sorted set.
func (r PatientRecord) Flags() []string {
	return NormalizeFlags(r.ObservationFlags)
}

// NormalizeFlags lowercases and trims flags, drops empties and duplicates,
// and sorts the result.
func NormalizeFlags(flags []string) []string {
	seen := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// PatientVerdict is the scoring outcome for a single record.
type PatientVerdict struct {
	PatientID        string   `json:"patient_id"`
	RuleScore        float64  `json:"rule_score"`
	TriggeredRules   []RuleID `json:"triggered_rules"`
	ModelProbability float64  `json:"model_probability"`
	CombinedScore    float64  `json:"combined_score"`
	IsAnomaly        bool     `json:"is_anomaly"`
}

type RiskLabel string

const (
	RiskLow      RiskLabel = "Low"
	RiskModerate RiskLabel = "Moderate"
	RiskHigh     RiskLabel = "High"
)

type SeverityDistribution struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

func (d SeverityDistribution) Total() int {
	return d.Low + d.Medium + d.High
}

type RuleCount struct {
	Rule  RuleID `json:"rule"`
	Count int    `json:"count"`
}

// PartialFailure identifies a record that could not be scored.
type PartialFailure struct {
	Index     int    `json:"index"`
	PatientID string `json:"patient_id,omitempty"`
	Reason    string `json:"reason"`
}

// HospitalBatchSummary aggregates verdicts for one hospital batch.
type HospitalBatchSummary struct {
	HospitalID           string               `json:"hospital_id"`
	TotalPatients        int                  `json:"total_patients"`
	AnomalyCount         int                  `json:"anomaly_count"`
	AnomalyPercentage    float64              `json:"anomaly_percentage"`
	SeverityDistribution SeverityDistribution `json:"severity_distribution"`
	RiskLabel            RiskLabel            `json:"risk_label"`
	MostCommonRules      []RuleCount          `json:"most_common_rules"`
	PartialFailures      []PartialFailure     `json:"partial_failures"`
}

// BatchResult is returned by the scorer: the summary plus one verdict per
// scored record, in input order.
type BatchResult struct {
	Summary  HospitalBatchSummary `json:"summary"`
	Verdicts []PatientVerdict     `json:"verdicts"`
}

// Partial reports whether some records were skipped.
func (b *BatchResult) Partial() bool {
	return len(b.Summary.PartialFailures) > 0
}
