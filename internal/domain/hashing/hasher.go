// Package hashing computes deterministic content hashes of submission
// payloads. Two payloads with the same meaning always hash the same,
// regardless of record order, flag order or duplicate flags.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/trialguard/trialguard/internal/domain/scoring"
	"github.com/trialguard/trialguard/pkg/apperr"
)

type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// CanonicalVersion labels the canonical encoding. It changes whenever the
// encoding changes so old hashes stay attributable.
const CanonicalVersion = "canon-v1"

// Payload is the content that gets hashed for a submission.
type Payload struct {
	TrialID    string                  `json:"trial_id"`
	HospitalID string                  `json:"hospital_id"`
	Records    []scoring.PatientRecord `json:"records"`
}

type canonicalRecord struct {
	PatientID   string   `json:"patient_id"`
	Severity    string   `json:"side_effect_severity"`
	Status      string   `json:"overall_health_status"`
	Improvement string   `json:"symptom_improvement_score"`
	Flags       []string `json:"observation_flags"`
	Impossible  bool     `json:"has_impossible_observation"`
}

type canonicalPayload struct {
	Version    string            `json:"v"`
	TrialID    string            `json:"trial_id"`
	HospitalID string            `json:"hospital_id"`
	Records    []canonicalRecord `json:"records"`
}

type Hasher struct {
	alg     Algorithm
	newHash func() hash.Hash
}

func NewHasher(alg Algorithm) (*Hasher, error) {
	h := &Hasher{alg: alg}
	switch alg {
	case SHA256, "":
		h.alg = SHA256
		h.newHash = sha256.New
	case SHA3_256:
		h.newHash = sha3.New256
	case BLAKE2b256:
		h.newHash = func() hash.Hash {
			d, _ := blake2b.New256(nil)
			return d
		}
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	return h, nil
}

func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Version identifies both the canonical encoding and the digest algorithm,
// e.g. "canon-v1/sha256".
func (h *Hasher) Version() string {
	return CanonicalVersion + "/" + string(h.alg)
}

// CanonicalHash returns the lowercase hex digest of the canonical form of p.
func (h *Hasher) CanonicalHash(p Payload) (string, error) {
	data, err := Canonicalize(p)
	if err != nil {
		return "", err
	}
	return h.sum(data), nil
}

// Digest hashes the JSON encoding of v. Struct fields encode in declaration
// order and map keys sorted, so the digest is stable for a given type.
func (h *Hasher) Digest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidInput, err, "value is not serializable")
	}
	return h.sum(data), nil
}

func (h *Hasher) sum(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// Canonicalize returns the canonical byte encoding of p.
func Canonicalize(p Payload) ([]byte, error) {
	trial := strings.TrimSpace(p.TrialID)
	hospital := strings.TrimSpace(p.HospitalID)
	if trial == "" || hospital == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "trial_id and hospital_id are required")
	}

	type keyed struct {
		rec canonicalRecord
		enc []byte
	}
	records := make([]keyed, 0, len(p.Records))
	for i, r := range p.Records {
		cr, err := canonicalizeRecord(r)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "record %d", i)
		}
		enc, err := json.Marshal(cr)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "record %d is not serializable", i)
		}
		records = append(records, keyed{rec: cr, enc: enc})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].rec.PatientID != records[j].rec.PatientID {
			return records[i].rec.PatientID < records[j].rec.PatientID
		}
		return bytes.Compare(records[i].enc, records[j].enc) < 0
	})

	out := canonicalPayload{
		Version:    CanonicalVersion,
		TrialID:    trial,
		HospitalID: hospital,
		Records:    make([]canonicalRecord, len(records)),
	}
	for i, k := range records {
		out.Records[i] = k.rec
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, err, "payload is not serializable")
	}
	return data, nil
}

func canonicalizeRecord(r scoring.PatientRecord) (canonicalRecord, error) {
	id := strings.TrimSpace(r.PatientID)
	if id == "" {
		return canonicalRecord{}, fmt.Errorf("patient_id is required")
	}
	score := r.SymptomImprovementScore
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return canonicalRecord{}, fmt.Errorf("symptom_improvement_score must be finite")
	}
	if score == 0 {
		// collapse -0 and 0
		score = 0
	}
	return canonicalRecord{
		PatientID:   id,
		Severity:    strings.TrimSpace(string(r.SideEffectSeverity)),
		Status:      strings.TrimSpace(string(r.OverallHealthStatus)),
		Improvement: strconv.FormatFloat(score, 'f', -1, 64),
		Flags:       scoring.NormalizeFlags(r.ObservationFlags),
		Impossible:  r.HasImpossibleObservation,
	}, nil
}

// IsContentHash reports whether s looks like a digest produced by a Hasher:
// 64 lowercase hex characters.
func IsContentHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
