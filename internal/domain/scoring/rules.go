package scoring

type RuleID string

const (
	RuleSeverityOutcomeMismatch RuleID = "severity_outcome_mismatch"
	RuleImpossibleObservation   RuleID = "impossible_observation"
	RuleSymptomKeywordMismatch  RuleID = "symptom_keyword_mismatch"
)

// Rule is a single inconsistency check with a fixed confidence.
type Rule struct {
	ID         RuleID
	Confidence float64
	Match      func(PatientRecord) bool
}

// RuleConfig holds the confidences and limits used to build the rule set.
// The keyword rule fires when the flag count exceeds KeywordFlagLimit and
// the improvement score exceeds ImprovementLimit.
type RuleConfig struct {
	SeverityOutcomeMismatch float64 `json:"severity_outcome_mismatch"`
	ImpossibleObservation   float64 `json:"impossible_observation"`
	SymptomKeywordMismatch  float64 `json:"symptom_keyword_mismatch"`
	KeywordFlagLimit        int     `json:"keyword_flag_limit"`
	ImprovementLimit        float64 `json:"improvement_limit"`
}

func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		SeverityOutcomeMismatch: 0.9,
		ImpossibleObservation:   0.95,
		SymptomKeywordMismatch:  0.7,
		KeywordFlagLimit:        5,
		ImprovementLimit:        7,
	}
}

// Rules builds the rule set. Order here is the order rules are reported in
// a verdict.
func (c RuleConfig) Rules() []Rule {
	return []Rule{
		{
			ID:         RuleSeverityOutcomeMismatch,
			Confidence: c.SeverityOutcomeMismatch,
			Match: func(r PatientRecord) bool {
				return r.SideEffectSeverity == SeveritySevere && r.OverallHealthStatus == HealthImproved
			},
		},
		{
			ID:         RuleImpossibleObservation,
			Confidence: c.ImpossibleObservation,
			Match: func(r PatientRecord) bool {
				return r.HasImpossibleObservation
			},
		},
		{
			ID:         RuleSymptomKeywordMismatch,
			Confidence: c.SymptomKeywordMismatch,
			Match: func(r PatientRecord) bool {
				return len(r.Flags()) > c.KeywordFlagLimit && r.SymptomImprovementScore > c.ImprovementLimit
			},
		},
	}
}

// evaluateRules returns the ids of fired rules and the highest confidence
// among them (0 when none fired).
func evaluateRules(rules []Rule, r PatientRecord) ([]RuleID, float64) {
	fired := []RuleID{}
	var score float64
	for _, rule := range rules {
		if !rule.Match(r) {
			continue
		}
		fired = append(fired, rule.ID)
		if rule.Confidence > score {
			score = rule.Confidence
		}
	}
	return fired, score
}
