package decoder

import (
	"log"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/base"
	"github.com/sugarme/omnigan/encoder"
)

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

// BaseDecoderConfig sizes a BaseDecoder. ProjDim -1 skips the projection;
// LowLevelFeatsDim -1 skips low-level feature fusion.
type BaseDecoderConfig struct {
	InputDim         int64
	ProjDim          int64
	OutputDim        int64
	LowLevelFeatsDim int64
	NUpsample        int64
	NRes             int64
	Norm             string
	Activ            string
	PadType          string
	OutputActiv      string
	Init             nn.Init
}

// BaseDecoder is the generic upsampling decoder: an optional 1x1 projection,
// optional low-level feature fusion, residual blocks, then n_upsample
// (nearest x2 + 5x5 conv halving channels) stages and a 7x7 output conv.
type BaseDecoder struct {
	projConv     *base.Conv2dBlock
	lowLevelConv *base.Conv2dBlock
	mergeConv    *base.Conv2dBlock
	res          *base.ResBlocks
	up2          *base.InterpolateNearest2d
	upConvs      []*base.Conv2dBlock
	outConv      *base.Conv2dBlock
}

// NewBaseDecoder creates a BaseDecoder, failing on impossible channel
// arithmetic.
func NewBaseDecoder(p *nn.Path, c BaseDecoderConfig) (*BaseDecoder, error) {
	o := base.ConvBlockOpts{Norm: c.Norm, Activ: c.Activ, PadType: c.PadType, Init: c.Init}

	dim := c.InputDim
	var projConv *base.Conv2dBlock
	if c.ProjDim > 0 {
		projConv = base.NewConv2dBlock(p.Sub("proj"), c.InputDim, c.ProjDim, 1, 1, 0, o)
		dim = c.ProjDim
	}

	var lowLevelConv, mergeConv *base.Conv2dBlock
	if c.LowLevelFeatsDim > 0 {
		lowLevelConv = base.NewConv2dBlock(p.Sub("low_level"), c.LowLevelFeatsDim, dim, 3, 1, 1, o)
		mergeConv = base.NewConv2dBlock(p.Sub("merge"), dim*2, dim, 1, 1, 0, o)
	}

	res := base.NewResBlocks(p.Sub("res"), c.NRes, dim, o)

	var upConvs []*base.Conv2dBlock
	for i := int64(0); i < c.NUpsample; i++ {
		if dim%2 != 0 || dim < 2 {
			return nil, errors.Errorf(
				"decoder upsampling stage %d: channel width %d cannot be halved", i, dim)
		}
		upConvs = append(upConvs, base.NewConv2dBlock(p.Sub("up").Sub(itoa(i)), dim, dim/2, 5, 1, 2, o))
		dim /= 2
	}

	oOut := base.ConvBlockOpts{Norm: "none", Activ: c.OutputActiv, PadType: c.PadType, Init: c.Init}
	outConv := base.NewConv2dBlock(p.Sub("out"), dim, c.OutputDim, 7, 1, 3, oOut)

	return &BaseDecoder{
		projConv:     projConv,
		lowLevelConv: lowLevelConv,
		mergeConv:    mergeConv,
		res:          res,
		up2:          &base.InterpolateNearest2d{ScaleFactor: 2},
		upConvs:      upConvs,
		outConv:      outConv,
	}, nil
}

// Forward runs the decoder over a latent. The latent is left intact.
func (d *BaseDecoder) Forward(z *encoder.Latent, train bool) *ts.Tensor {
	var y *ts.Tensor
	if d.projConv != nil {
		y = d.projConv.ForwardT(z.High, train)
	} else {
		y = z.High.MustDetach(false)
	}

	if d.lowLevelConv != nil {
		if z.Low == nil {
			log.Fatalf("decoder configured for low-level features but the latent has none\n")
		}
		low := d.lowLevelConv.ForwardT(z.Low, train)
		lowUp := base.UpsampleBilinearTo(low, base.SpatialSize(y), false)
		low.MustDrop()
		cat := ts.MustCat([]ts.Tensor{*y, *lowUp}, 1)
		y.MustDrop()
		lowUp.MustDrop()
		y = d.mergeConv.ForwardT(cat, train)
		cat.MustDrop()
	}

	r := d.res.ForwardT(y, train)
	y.MustDrop()
	y = r

	for _, up := range d.upConvs {
		u := d.up2.ForwardT(y, train)
		y.MustDrop()
		y = up.ForwardT(u, train)
		u.MustDrop()
	}

	out := d.outConv.ForwardT(y, train)
	y.MustDrop()

	return out
}
