package scoring

import "math"

// ModelWeights parameterize the logistic companion model. The model only
// looks at record fields, so the same record always gets the same
// probability. SeverityImprovement multiplies the severity ordinal when the
// patient is reported improved; KeywordDensity multiplies the flag count
// scaled by improvement score / 10.
type ModelWeights struct {
	Bias                  float64 `json:"bias"`
	SeverityImprovement   float64 `json:"severity_improvement"`
	ImpossibleObservation float64 `json:"impossible_observation"`
	KeywordDensity        float64 `json:"keyword_density"`
}

func DefaultModelWeights() ModelWeights {
	return ModelWeights{
		Bias:                  -4.0,
		SeverityImprovement:   0.9,
		ImpossibleObservation: 4.5,
		KeywordDensity:        0.6,
	}
}

// Probability returns the calibrated anomaly probability for r, rounded to
// four decimals.
func (w ModelWeights) Probability(r PatientRecord) float64 {
	z := w.Bias
	if r.OverallHealthStatus == HealthImproved {
		z += w.SeverityImprovement * float64(r.SideEffectSeverity.Ordinal())
	}
	if r.HasImpossibleObservation {
		z += w.ImpossibleObservation
	}
	z += w.KeywordDensity * float64(len(r.Flags())) * (r.SymptomImprovementScore / 10)

	p := 1 / (1 + math.Exp(-z))
	return math.Round(p*1e4) / 1e4
}

// combine merges the rule score and model probability. When both signals
// agree the result is their noisy-OR, otherwise the stronger one.
func combine(ruleScore, probability float64, ruleFired, modelFired bool) float64 {
	if ruleFired && modelFired {
		c := 1 - (1-ruleScore)*(1-probability)
		return math.Round(c*1e4) / 1e4
	}
	return math.Max(ruleScore, probability)
}
