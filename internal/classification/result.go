package classification

import "encoding/json"

// Label is the closed set of verdicts a backend can report.
type Label string

const (
	LabelFake    Label = "FAKE"
	LabelReal    Label = "REAL"
	LabelUnknown Label = "UNKNOWN"
)

// Definite reports whether the label can take part in a vote.
func (l Label) Definite() bool {
	return l == LabelFake || l == LabelReal
}

// Result is the backend-agnostic outcome of classifying one image with one model.
type Result struct {
	SourceModel string  `json:"source_model"`
	Label       Label   `json:"label"`
	Confidence  float64 `json:"confidence"`
	// ConfidenceReported is false when the backend gave no confidence at all.
	ConfidenceReported bool            `json:"-"`
	RawPayload         json.RawMessage `json:"raw,omitempty"`
}

// NewResult builds a Result with the confidence clamped into [0,1].
func NewResult(source string, label Label, confidence float64, raw json.RawMessage) Result {
	return Result{
		SourceModel:        source,
		Label:              label,
		Confidence:         Clamp(confidence),
		ConfidenceReported: true,
		RawPayload:         raw,
	}
}

// IsFake is derived from the label.
func (r Result) IsFake() bool {
	return r.Label == LabelFake
}

// VoteCounts summarizes how members voted.
type VoteCounts struct {
	Fake  int `json:"fake"`
	Total int `json:"total"`
}

// Decision is the ensemble verdict over the local member results.
type Decision struct {
	Label         Label      `json:"label"`
	Confidence    float64    `json:"confidence"`
	MemberResults []Result   `json:"member_results"`
	VoteCounts    VoteCounts `json:"vote_counts"`
}

// IsFake is derived from the label.
func (d Decision) IsFake() bool {
	return d.Label == LabelFake
}

// Clamp bounds v into [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
