package fieldstate

import (
	"math"
	"strings"
	"time"
)

// Weights controls completion scoring and publish readiness.
type Weights struct {
	RequiredFields []string
	// OptionalFields declares the non-required fields that participate in
	// completion scoring. Fields proposed outside the declared universe are
	// tracked and published but never scored.
	OptionalFields      []string
	RequiredFieldWeight float64
	OptionalFieldWeight float64
	CompletionThreshold float64
}

// Tracker maintains the field state map for one run and applies the
// authority merge rule on every update.
type Tracker struct {
	states map[string]State
	// adjustments maps a tool family to a confidence multiplier taken from
	// the calibration snapshot pinned at run start.
	adjustments map[string]float64
}

// NewTracker builds a tracker over an existing state map. The map is copied;
// callers keep ownership of their argument.
func NewTracker(states map[string]State) *Tracker {
	copied := make(map[string]State, len(states))
	for name, state := range states {
		copied[name] = state
	}
	return &Tracker{states: copied}
}

// SetAdjustments installs per-tool-family confidence multipliers. Passing
// nil clears them. Adjustments apply to subsequent updates only; already
// recorded states are not rescored.
func (t *Tracker) SetAdjustments(adjustments map[string]float64) {
	if len(adjustments) == 0 {
		t.adjustments = nil
		return
	}
	copied := make(map[string]float64, len(adjustments))
	for family, weight := range adjustments {
		copied[family] = weight
	}
	t.adjustments = copied
}

// Update requests an update with no calibration adjustment.
type Update struct {
	Name          string
	Value         string
	Confidence    float64
	Source        Source
	ToolFamily    string
	UpdatedByNode string
}

// Apply merges one update under the authority rule. The returned bool
// reports whether the update was applied; rejected downgrades are no-ops
// the caller is expected to log.
func (t *Tracker) Apply(update Update, now time.Time) (State, bool) {
	name := strings.ToLower(strings.TrimSpace(update.Name))
	if name == "" || !update.Source.Valid() {
		return State{}, false
	}

	confidence := update.Confidence
	if factor, ok := t.adjustments[update.ToolFamily]; ok && update.Source != SourceUserProvided {
		confidence = clamp01(confidence * factor)
	}
	confidence = clamp01(confidence)

	current, exists := t.states[name]
	if exists {
		switch {
		case current.Source == SourceUserProvided && update.Source != SourceUserProvided:
			return current, false
		case update.Source.Authority() < current.Source.Authority():
			return current, false
		case update.Source.Authority() == current.Source.Authority() && confidence < current.Confidence:
			return current, false
		}
	}

	next := State{
		Name:          name,
		Value:         update.Value,
		Confidence:    confidence,
		Source:        update.Source,
		Status:        statusFor(update.Value, confidence),
		UpdatedByNode: update.UpdatedByNode,
		UpdatedAt:     now.UTC(),
	}
	t.states[name] = next
	return next, true
}

// Get returns the tracked state for a field.
func (t *Tracker) Get(name string) (State, bool) {
	state, ok := t.states[strings.ToLower(strings.TrimSpace(name))]
	return state, ok
}

// Snapshot returns a copy of the current field state map.
func (t *Tracker) Snapshot() map[string]State {
	copied := make(map[string]State, len(t.states))
	for name, state := range t.states {
		copied[name] = state
	}
	return copied
}

// CompletionScore computes the weighted aggregate over the declared field
// universe (required plus declared optional fields), in [0,1]. Universe
// fields contribute their weight whether or not they are tracked yet, so
// the denominator is fixed for a given Weights: an update that does not
// lower any per-field confidence can never lower the score, and fields
// proposed outside the universe leave it untouched.
func (t *Tracker) CompletionScore(weights Weights) float64 {
	requiredWeight := weights.RequiredFieldWeight
	if requiredWeight <= 0 {
		requiredWeight = 1
	}
	optionalWeight := weights.OptionalFieldWeight
	if optionalWeight <= 0 {
		optionalWeight = 1
	}

	seen := make(map[string]struct{}, len(weights.RequiredFields)+len(weights.OptionalFields))
	var total, achieved float64
	score := func(raw string, weight float64) {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		total += weight

		state, ok := t.states[name]
		if !ok || state.Status == StatusMissing {
			return
		}
		achieved += weight * state.Confidence
	}
	for _, name := range weights.RequiredFields {
		score(name, requiredWeight)
	}
	for _, name := range weights.OptionalFields {
		score(name, optionalWeight)
	}
	if total == 0 {
		return 0
	}
	return clamp01(achieved / total)
}

// ReadyToPublish reports whether every required field is present and the
// completion score meets the configured threshold.
func (t *Tracker) ReadyToPublish(weights Weights) bool {
	for _, name := range weights.RequiredFields {
		state, ok := t.Get(name)
		if !ok || state.Status == StatusMissing {
			return false
		}
	}
	threshold := weights.CompletionThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return t.CompletionScore(weights) >= threshold
}

// CanonicalFields returns the confirmed and low-confidence field values as a
// plain name-to-value map for the review and publish workflow.
func (t *Tracker) CanonicalFields() map[string]string {
	canonical := make(map[string]string, len(t.states))
	for name, state := range t.states {
		if state.Status == StatusMissing {
			continue
		}
		canonical[name] = state.Value
	}
	return canonical
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
