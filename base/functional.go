package base

import (
	"strconv"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

// SpatialSize returns the trailing (h, w) of a tensor's shape.
func SpatialSize(x *ts.Tensor) []int64 {
	size := x.MustSize()
	return size[len(size)-2:]
}

// UpsampleNearestTo resizes x to the given (h, w) with nearest interpolation.
func UpsampleNearestTo(x *ts.Tensor, size []int64) *ts.Tensor {
	return x.MustUpsampleNearest2d(size, nil, nil, false)
}

// UpsampleBilinearTo resizes x to the given (h, w) with bilinear
// interpolation.
func UpsampleBilinearTo(x *ts.Tensor, size []int64, alignCorners bool) *ts.Tensor {
	return x.MustUpsampleBilinear2d(size, alignCorners, nil, nil, false)
}

// FloatOn creates a 1-element float tensor on the given device, for
// broadcast arithmetic against feature maps.
func FloatOn(v float64, device gotch.Device) *ts.Tensor {
	return ts.MustOfSlice([]float32{float32(v)}).MustTo(device, true)
}

// OneMinus computes (1 - m) on m's device.
func OneMinus(m *ts.Tensor) *ts.Tensor {
	one := FloatOn(1.0, m.MustDevice())
	return one.MustSub(m, true)
}

// Normalize rescales t into [0, 1] by its own min and max. The scaling is
// per call: outputs of different calls are not on a comparable scale.
func Normalize(t *ts.Tensor) *ts.Tensor {
	min := t.MustMin(false)
	max := t.MustMax(false)
	rng := max.MustSub(min, true)
	shifted := t.MustSub(min, false)
	min.MustDrop()
	out := shifted.MustDiv(rng, true)
	rng.MustDrop()

	return out
}

// MixNoise blends block-structured multiplicative noise into x where mask is
// 1 and leaves x untouched where mask is 0. res is the noise grid resolution
// before nearest upsampling (small values give large blocks), weight the
// blend factor:
//
//	noised = x*(1-weight) + x*noise*weight
func MixNoise(x, mask *ts.Tensor, res []int64, weight float64) *ts.Tensor {
	size := x.MustSize()
	device := x.MustDevice()

	grid := ts.MustRand([]int64{size[0], size[1], res[0], res[1]}, gotch.Float, device)
	noise := grid.MustUpsampleNearest2d(size[len(size)-2:], nil, nil, true)

	w := FloatOn(weight, device)
	wNoise := noise.MustMul(w, true)
	w.MustDrop()
	jitter := x.MustMul(wNoise, false)
	wNoise.MustDrop()

	keepW := FloatOn(1.0-weight, device)
	scaled := x.MustMul(keepW, false)
	keepW.MustDrop()
	noised := scaled.MustAdd(jitter, true)
	jitter.MustDrop()

	inv := OneMinus(mask)
	kept := x.MustMul(inv, false)
	inv.MustDrop()
	replaced := noised.MustMul(mask, true)
	out := kept.MustAdd(replaced, true)
	replaced.MustDrop()

	return out
}
