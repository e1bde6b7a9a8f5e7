package encoder

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// Latent is the encoder's output representation consumed by all decoders.
// Low is nil unless the backbone exposes intermediate features; when present
// it holds an earlier, higher-resolution feature map.
type Latent struct {
	High *ts.Tensor
	Low  *ts.Tensor
}

// Device returns the device the latent lives on.
func (l *Latent) Device() gotch.Device {
	return l.High.MustDevice()
}

// Free drops the underlying tensors.
func (l *Latent) Free() {
	if l.High != nil {
		l.High.MustDrop()
		l.High = nil
	}
	if l.Low != nil {
		l.Low.MustDrop()
		l.Low = nil
	}
}

// Encoder maps a normalized image tensor (Bx3xHxW, values in [-1, 1]) to a
// latent representation.
type Encoder interface {
	Forward(x *ts.Tensor, train bool) *Latent
}
