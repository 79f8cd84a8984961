package scoring

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const patientRecordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "PatientRecord",
  "type": "object",
  "required": ["patient_id", "side_effect_severity", "overall_health_status", "symptom_improvement_score"],
  "properties": {
    "patient_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "side_effect_severity": {"enum": ["None", "Mild", "Moderate", "Severe"]},
    "overall_health_status": {"enum": ["Worsened", "Stable", "Improved"]},
    "symptom_improvement_score": {"type": "number", "minimum": 0, "maximum": 10},
    "observation_flags": {"type": "array", "items": {"type": "string"}},
    "has_impossible_observation": {"type": "boolean"}
  }
}`

// RecordValidator checks raw JSON records against the patient record schema
// before they are decoded.
type RecordValidator struct {
	schema *gojsonschema.Schema
}

func NewRecordValidator() (*RecordValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(patientRecordSchema))
	if err != nil {
		return nil, fmt.Errorf("compile patient record schema: %w", err)
	}
	return &RecordValidator{schema: schema}, nil
}

// Decode validates raw and decodes it into a PatientRecord.
func (v *RecordValidator) Decode(raw json.RawMessage) (PatientRecord, error) {
	var rec PatientRecord
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return rec, fmt.Errorf("malformed record: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return rec, fmt.Errorf("schema violation: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// peekPatientID pulls patient_id out of a record that failed validation so
// the failure can still be attributed.
func peekPatientID(raw json.RawMessage) string {
	var head struct {
		PatientID any `json:"patient_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if s, ok := head.PatientID.(string); ok {
		return s
	}
	return ""
}
