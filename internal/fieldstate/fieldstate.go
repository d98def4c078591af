package fieldstate

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies where a field value came from, ordered by authority.
type Source string

const (
	SourceUserProvided Source = "user_provided"
	SourceAIInferred   Source = "ai_inferred"
	SourceLookupTable  Source = "lookup_table"
	SourceDefault      Source = "default"
)

var sourceAuthority = map[Source]int{
	SourceUserProvided: 4,
	SourceAIInferred:   3,
	SourceLookupTable:  2,
	SourceDefault:      1,
}

// Authority returns the source's rank; higher wins. Unknown sources rank 0.
func (s Source) Authority() int {
	return sourceAuthority[s]
}

// Valid reports whether the source is one of the known values.
func (s Source) Valid() bool {
	_, ok := sourceAuthority[s]
	return ok
}

// Status classifies a field's readiness.
type Status string

const (
	StatusMissing       Status = "missing"
	StatusLowConfidence Status = "low_confidence"
	StatusConfirmed     Status = "confirmed"
)

// confirmThreshold is the confidence at which a populated field is
// considered confirmed rather than low confidence.
const confirmThreshold = 0.8

// State is the tracked value, confidence, source, and status for one field.
type State struct {
	Name          string    `json:"name"`
	Value         string    `json:"value"`
	Confidence    float64   `json:"confidence"`
	Source        Source    `json:"source"`
	Status        Status    `json:"status"`
	UpdatedByNode string    `json:"updated_by_node,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// Validate rejects malformed field states before they reach a checkpoint.
func (s State) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("field state: name is empty")
	}
	if !s.Source.Valid() {
		return fmt.Errorf("field state %q: unknown source %q", s.Name, s.Source)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("field state %q: confidence %v out of range", s.Name, s.Confidence)
	}
	switch s.Status {
	case StatusMissing, StatusLowConfidence, StatusConfirmed:
	default:
		return fmt.Errorf("field state %q: unknown status %q", s.Name, s.Status)
	}
	return nil
}

// ValidateMap validates every entry of a field state map and checks that map
// keys agree with the embedded names.
func ValidateMap(states map[string]State) error {
	for key, state := range states {
		if state.Name != key {
			return fmt.Errorf("field state map: key %q does not match name %q", key, state.Name)
		}
		if err := state.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func statusFor(value string, confidence float64) Status {
	if strings.TrimSpace(value) == "" {
		return StatusMissing
	}
	if confidence >= confirmThreshold {
		return StatusConfirmed
	}
	return StatusLowConfidence
}
