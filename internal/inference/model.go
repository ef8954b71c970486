// Package inference hosts the serialized spoof classifier and runs it on
// preprocessed tensors.
package inference

import (
	"context"

	"github.com/example/spoof-detector/internal/imageprocessor"
)

// Output is a row-major float32 array produced by a model.
type Output struct {
	Shape []int64
	Data  []float32
}

// Model runs a single synchronous inference call.
type Model interface {
	Predict(ctx context.Context, input *imageprocessor.Tensor) (*Output, error)
}
