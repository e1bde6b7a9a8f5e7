package base

import (
	"log"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

const spadeHidden = 128

// SPADE is spatially-adaptive normalization: a parameter-free norm whose
// per-pixel, per-channel affine parameters are computed from a conditioning
// tensor. The conditioning tensor is nearest-resized to the input's
// resolution inside the block, so callers can pass it at any size.
type SPADE struct {
	paramFreeNorm string
	normWs        *ts.Tensor
	normBs        *ts.Tensor
	mlpShared     *nn.Conv2D
	mlpGamma      *nn.Conv2D
	mlpBeta       *nn.Conv2D
	momentum      float64
	eps           float64
}

// NewSPADE creates a SPADE norm over normNC channels conditioned on condNC
// channels. paramFreeNorm selects the inner norm ("instance" or "batch").
func NewSPADE(p *nn.Path, normNC, condNC, ksize int64, paramFreeNorm string, ini nn.Init) *SPADE {
	switch paramFreeNorm {
	case "instance", "batch":
	default:
		log.Fatalf("Unsupported spade param-free norm: %v\n", paramFreeNorm)
	}

	pw := ksize / 2
	conv := func(sub string, cIn, cOut int64) *nn.Conv2D {
		config := nn.DefaultConv2DConfig()
		config.Padding = []int64{pw, pw}
		if ini != nil {
			config.WsInit = ini
		}
		return nn.NewConv2D(p.Sub(sub), cIn, cOut, ksize, config)
	}

	pfn := p.Sub("param_free_norm")

	return &SPADE{
		paramFreeNorm: paramFreeNorm,
		normWs:        pfn.OnesNoTrain("weight", []int64{normNC}),
		normBs:        pfn.ZerosNoTrain("bias", []int64{normNC}),
		mlpShared:     conv("mlp_shared", condNC, spadeHidden),
		mlpGamma:      conv("mlp_gamma", spadeHidden, normNC),
		mlpBeta:       conv("mlp_beta", spadeHidden, normNC),
		momentum:      0.1,
		eps:           1e-5,
	}
}

// Forward normalizes x and applies the conditioning-derived affine:
// out = norm(x) * (1 + gamma(cond)) + beta(cond).
func (s *SPADE) Forward(x, cond *ts.Tensor, train bool) *ts.Tensor {
	var normalized *ts.Tensor
	switch s.paramFreeNorm {
	case "batch":
		normalized = x.MustBatchNorm(s.normWs, s.normBs, ts.NewTensor(), ts.NewTensor(), true, s.momentum, s.eps, false, false)
	default:
		normalized = x.MustInstanceNorm(s.normWs, s.normBs, ts.NewTensor(), ts.NewTensor(), true, s.momentum, s.eps, false, false)
	}

	seg := UpsampleNearestTo(cond, SpatialSize(x))
	shared := s.mlpShared.ForwardT(seg, train)
	seg.MustDrop()
	actv := shared.MustRelu(true)
	gamma := s.mlpGamma.ForwardT(actv, train)
	beta := s.mlpBeta.ForwardT(actv, train)
	actv.MustDrop()

	scaled := normalized.MustMul(gamma, false)
	gamma.MustDrop()
	affine := normalized.MustAdd(scaled, true)
	scaled.MustDrop()
	out := affine.MustAdd(beta, true)
	beta.MustDrop()

	return out
}

// SPADEResnetBlock is a residual block whose norms are SPADE-conditioned.
// When fin != fout the skip path goes through a learned 1x1 conv, itself
// SPADE-normalized.
type SPADEResnetBlock struct {
	learnedShortcut bool
	conv0           *nn.Conv2D
	conv1           *nn.Conv2D
	convS           *nn.Conv2D
	norm0           *SPADE
	norm1           *SPADE
	normS           *SPADE
}

// NewSPADEResnetBlock creates a block mapping fin channels to fout channels
// conditioned on condNC channels.
func NewSPADEResnetBlock(p *nn.Path, fin, fout, condNC, ksize int64, paramFreeNorm string, ini nn.Init) *SPADEResnetBlock {
	fmiddle := fin
	if fout < fin {
		fmiddle = fout
	}

	conv := func(sub string, cIn, cOut, k, pad int64, bias bool) *nn.Conv2D {
		config := nn.DefaultConv2DConfig()
		config.Padding = []int64{pad, pad}
		config.Bias = bias
		if ini != nil {
			config.WsInit = ini
		}
		return nn.NewConv2D(p.Sub(sub), cIn, cOut, k, config)
	}

	b := &SPADEResnetBlock{
		learnedShortcut: fin != fout,
		conv0:           conv("conv_0", fin, fmiddle, 3, 1, true),
		conv1:           conv("conv_1", fmiddle, fout, 3, 1, true),
		norm0:           NewSPADE(p.Sub("norm_0"), fin, condNC, ksize, paramFreeNorm, ini),
		norm1:           NewSPADE(p.Sub("norm_1"), fmiddle, condNC, ksize, paramFreeNorm, ini),
	}
	if b.learnedShortcut {
		b.convS = conv("conv_s", fin, fout, 1, 0, false)
		b.normS = NewSPADE(p.Sub("norm_s"), fin, condNC, ksize, paramFreeNorm, ini)
	}

	return b
}

// Forward runs the block. x and cond are left intact.
func (b *SPADEResnetBlock) Forward(x, cond *ts.Tensor, train bool) *ts.Tensor {
	var xs *ts.Tensor
	if b.learnedShortcut {
		ns := b.normS.Forward(x, cond, train)
		xs = b.convS.ForwardT(ns, train)
		ns.MustDrop()
	} else {
		xs = x.MustDetach(false)
	}

	n0 := b.norm0.Forward(x, cond, train)
	a0 := n0.MustLeakyRelu(true)
	dx := b.conv0.ForwardT(a0, train)
	a0.MustDrop()

	n1 := b.norm1.Forward(dx, cond, train)
	dx.MustDrop()
	a1 := n1.MustLeakyRelu(true)
	dx = b.conv1.ForwardT(a1, train)
	a1.MustDrop()

	out := xs.MustAdd(dx, true)
	dx.MustDrop()

	return out
}
