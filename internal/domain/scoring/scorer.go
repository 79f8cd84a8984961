package scoring

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/trialguard/trialguard/pkg/apperr"
)

// SeverityPolicy buckets anomalous verdicts by rule score: below MediumFrom
// is low, above HighAbove is high, anything between is medium.
type SeverityPolicy struct {
	MediumFrom float64 `json:"medium_from"`
	HighAbove  float64 `json:"high_above"`
}

func (p SeverityPolicy) bucket(score float64) string {
	switch {
	case score > p.HighAbove:
		return "high"
	case score >= p.MediumFrom:
		return "medium"
	default:
		return "low"
	}
}

type Config struct {
	Rules          RuleConfig     `json:"rules"`
	Model          ModelWeights   `json:"model"`
	ModelThreshold float64        `json:"model_threshold"`
	RiskHighAbove  float64        `json:"risk_high_above"`
	RiskModAbove   float64        `json:"risk_moderate_above"`
	Severity       SeverityPolicy `json:"severity"`
	TopRules       int            `json:"top_rules"`
}

func DefaultConfig() Config {
	return Config{
		Rules:          DefaultRuleConfig(),
		Model:          DefaultModelWeights(),
		ModelThreshold: 0.5,
		RiskHighAbove:  20,
		RiskModAbove:   10,
		Severity:       SeverityPolicy{MediumFrom: 0.5, HighAbove: 0.8},
		TopRules:       3,
	}
}

// Scorer evaluates hospital batches. It holds no mutable state and is safe
// for concurrent use.
type Scorer struct {
	cfg       Config
	rules     []Rule
	validator *RecordValidator
}

func NewScorer(cfg Config) (*Scorer, error) {
	v, err := NewRecordValidator()
	if err != nil {
		return nil, err
	}
	if cfg.TopRules <= 0 {
		cfg.TopRules = 3
	}
	return &Scorer{cfg: cfg, rules: cfg.Rules.Rules(), validator: v}, nil
}

func (s *Scorer) Config() Config { return s.cfg }

// Score evaluates a typed batch. Records that fail validation are listed as
// partial failures; the batch fails with InvalidInput when it is empty, has
// duplicate patient ids, or no record is scorable.
func (s *Scorer) Score(hospitalID string, records []PatientRecord) (*BatchResult, error) {
	if len(records) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "batch is empty")
	}
	var valid []PatientRecord
	var failures []PartialFailure
	for i, r := range records {
		if err := r.Validate(); err != nil {
			failures = append(failures, PartialFailure{Index: i, PatientID: r.PatientID, Reason: err.Error()})
			continue
		}
		valid = append(valid, r)
	}
	return s.evaluate(hospitalID, valid, failures)
}

// ScoreRaw validates every raw JSON record against the record schema before
// scoring. Malformed records become partial failures.
func (s *Scorer) ScoreRaw(hospitalID string, raw []json.RawMessage) (*BatchResult, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "batch is empty")
	}
	var valid []PatientRecord
	var failures []PartialFailure
	for i, msg := range raw {
		rec, err := s.validator.Decode(msg)
		if err == nil {
			err = rec.Validate()
		}
		if err != nil {
			failures = append(failures, PartialFailure{Index: i, PatientID: peekPatientID(msg), Reason: err.Error()})
			continue
		}
		valid = append(valid, rec)
	}
	return s.evaluate(hospitalID, valid, failures)
}

func (s *Scorer) evaluate(hospitalID string, records []PatientRecord, failures []PartialFailure) (*BatchResult, error) {
	if strings.TrimSpace(hospitalID) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "hospital_id is required")
	}
	if len(records) == 0 {
		reasons := make([]string, 0, len(failures))
		for _, f := range failures {
			reasons = append(reasons, f.Reason)
		}
		return nil, apperr.New(apperr.KindInvalidInput, "no scorable records: %s", strings.Join(reasons, "; "))
	}
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.PatientID]; dup {
			return nil, apperr.New(apperr.KindInvalidInput, "duplicate patient_id %q", r.PatientID)
		}
		seen[r.PatientID] = struct{}{}
	}

	verdicts := make([]PatientVerdict, 0, len(records))
	for _, r := range records {
		verdicts = append(verdicts, s.verdict(r))
	}
	if failures == nil {
		failures = []PartialFailure{}
	}
	return &BatchResult{
		Summary:  s.summarize(hospitalID, verdicts, failures),
		Verdicts: verdicts,
	}, nil
}

func (s *Scorer) verdict(r PatientRecord) PatientVerdict {
	fired, ruleScore := evaluateRules(s.rules, r)
	p := s.cfg.Model.Probability(r)
	ruleFired := len(fired) > 0
	modelFired := p > s.cfg.ModelThreshold
	return PatientVerdict{
		PatientID:        r.PatientID,
		RuleScore:        ruleScore,
		TriggeredRules:   fired,
		ModelProbability: p,
		CombinedScore:    combine(ruleScore, p, ruleFired, modelFired),
		IsAnomaly:        ruleFired || modelFired,
	}
}

func (s *Scorer) summarize(hospitalID string, verdicts []PatientVerdict, failures []PartialFailure) HospitalBatchSummary {
	sum := HospitalBatchSummary{
		HospitalID:      hospitalID,
		TotalPatients:   len(verdicts),
		PartialFailures: failures,
	}
	counts := map[RuleID]int{}
	for _, v := range verdicts {
		for _, id := range v.TriggeredRules {
			counts[id]++
		}
		if !v.IsAnomaly {
			continue
		}
		sum.AnomalyCount++
		switch s.cfg.Severity.bucket(v.RuleScore) {
		case "high":
			sum.SeverityDistribution.High++
		case "medium":
			sum.SeverityDistribution.Medium++
		default:
			sum.SeverityDistribution.Low++
		}
	}
	pct := float64(sum.AnomalyCount) / float64(sum.TotalPatients) * 100
	sum.AnomalyPercentage = math.Round(pct*10) / 10
	sum.RiskLabel = s.riskLabel(sum.AnomalyPercentage)
	sum.MostCommonRules = topRules(counts, s.cfg.TopRules)
	return sum
}

func (s *Scorer) riskLabel(pct float64) RiskLabel {
	switch {
	case pct > s.cfg.RiskHighAbove:
		return RiskHigh
	case pct > s.cfg.RiskModAbove:
		return RiskModerate
	default:
		return RiskLow
	}
}

// topRules orders by count descending, then rule id ascending.
func topRules(counts map[RuleID]int, n int) []RuleCount {
	out := make([]RuleCount, 0, len(counts))
	for id, c := range counts {
		out = append(out, RuleCount{Rule: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Rule < out[j].Rule
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
