package encoder

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/base"
	"github.com/sugarme/omnigan/config"
)

// BaseEncoder is the generic convolutional encoder: a 7x7 stem, n_downsample
// stride-2 convolutions doubling channels, then residual blocks. It exposes
// no intermediate features.
type BaseEncoder struct {
	stem      *base.Conv2dBlock
	downs     []*base.Conv2dBlock
	res       *base.ResBlocks
	outputDim int64
}

// NewBaseEncoder creates a BaseEncoder from the encoder options. ini may be
// nil to keep default weight initialization.
func NewBaseEncoder(p *nn.Path, opts *config.Opts, ini nn.Init) *BaseEncoder {
	eo := opts.Gen.Encoder
	o := base.ConvBlockOpts{Norm: eo.Norm, Activ: eo.Activ, PadType: eo.PadType, Init: ini}

	dim := eo.Dim
	stem := base.NewConv2dBlock(p.Sub("stem"), 3, dim, 7, 1, 3, o)

	var downs []*base.Conv2dBlock
	for i := int64(0); i < eo.NDownsample; i++ {
		downs = append(downs, base.NewConv2dBlock(p.Sub("down").Sub(itoa(i)), dim, dim*2, 4, 2, 1, o))
		dim *= 2
	}

	res := base.NewResBlocks(p.Sub("res"), eo.NRes, dim, o)

	return &BaseEncoder{stem: stem, downs: downs, res: res, outputDim: dim}
}

// OutputDim returns the channel width of the latent.
func (e *BaseEncoder) OutputDim() int64 {
	return e.outputDim
}

// Forward implements Encoder for BaseEncoder.
func (e *BaseEncoder) Forward(x *ts.Tensor, train bool) *Latent {
	y := e.stem.ForwardT(x, train)
	for _, d := range e.downs {
		next := d.ForwardT(y, train)
		y.MustDrop()
		y = next
	}
	out := e.res.ForwardT(y, train)
	y.MustDrop()

	return &Latent{High: out}
}
