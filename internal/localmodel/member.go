package localmodel

import (
	"context"
	"encoding/json"
	"errors"
	"image"
)

// ErrModelUnavailable marks a member that was configured but could not be loaded.
var ErrModelUnavailable = errors.New("model unavailable")

// Input is one decoded image plus the bytes it was decoded from.
type Input struct {
	Image image.Image
	Data  []byte
}

// Prediction is what a member model reports for one image.
// Confidence is nil when the model does not report one.
type Prediction struct {
	Label      string
	Confidence *float64
	Raw        json.RawMessage
}

// Member is a single local classifier.
type Member interface {
	Name() string
	Infer(ctx context.Context, in Input) (Prediction, error)
}

func confidence(v float64) *float64 {
	return &v
}
