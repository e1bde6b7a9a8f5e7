package decoder

import (
	"log"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/base"
	"github.com/sugarme/omnigan/config"
	"github.com/sugarme/omnigan/encoder"
)

// MaskDecoder maps a latent (and, for the SPADE variant, a conditioning
// tensor) to a single-channel flood-likelihood logit map.
type MaskDecoder interface {
	Forward(z *encoder.Latent, cond *ts.Tensor, train bool) *ts.Tensor
}

// NewMaskDecoder builds the mask decoder variant selected by the
// configuration.
func NewMaskDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) (MaskDecoder, error) {
	if opts.Gen.M.UseSpade {
		return NewMaskSpadeDecoder(p, opts, ini)
	}
	return NewMaskBaseDecoder(p, opts, ini)
}

// MaskBaseDecoder is the non-conditioned variant: a BaseDecoder emitting raw
// single-channel logits.
type MaskBaseDecoder struct {
	dec *BaseDecoder
}

// NewMaskBaseDecoder creates a MaskBaseDecoder.
func NewMaskBaseDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) (*MaskBaseDecoder, error) {
	mo := opts.Gen.M
	high, low := opts.LatentDims()

	lowFeats := int64(-1)
	if mo.UseLowLevelFeats && low > 0 {
		lowFeats = low
	}

	dec, err := NewBaseDecoder(p, BaseDecoderConfig{
		InputDim:         high,
		ProjDim:          mo.ProjDim,
		OutputDim:        mo.OutputDim,
		LowLevelFeatsDim: lowFeats,
		NUpsample:        mo.NUpsample,
		NRes:             mo.NRes,
		Norm:             mo.Norm,
		Activ:            mo.Activ,
		PadType:          mo.PadType,
		OutputActiv:      "none",
		Init:             ini,
	})
	if err != nil {
		return nil, errors.Wrap(err, "mask base decoder")
	}

	return &MaskBaseDecoder{dec: dec}, nil
}

// Forward implements MaskDecoder for MaskBaseDecoder.
func (d *MaskBaseDecoder) Forward(z *encoder.Latent, cond *ts.Tensor, train bool) *ts.Tensor {
	if cond != nil {
		log.Fatalf("mask base decoder takes no conditioning tensor\n")
	}

	return d.dec.Forward(z, train)
}

// MaskSpadeDecoder is the SPADE-conditioned variant: the latent is merged
// (or projected) to the spade latent width, then num_layers SPADE residual
// blocks each halve the channel count and are followed by a x2 nearest
// upsample, terminating in a 1-channel conv with no activation.
type MaskSpadeDecoder struct {
	lowLevelConv *base.Conv2dBlock
	mergeConv    *base.Conv2dBlock
	fcConv       *base.Conv2dBlock
	blocks       []*base.SPADEResnetBlock
	maskConv     *base.Conv2dBlock
}

// NewMaskSpadeDecoder creates a MaskSpadeDecoder. The encoder must be a
// deeplab variant; the base encoder has no configuration mapping onto the
// spade latent width.
func NewMaskSpadeDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) (*MaskSpadeDecoder, error) {
	sp := opts.Gen.M.Spade
	high, low := opts.LatentDims()
	o := base.ConvBlockOpts{Norm: "batch", Activ: "lrelu", PadType: "reflect", Init: ini}

	d := &MaskSpadeDecoder{}

	switch opts.Gen.Encoder.Architecture {
	case config.ArchDeeplabV3:
		d.lowLevelConv = base.NewConv2dBlock(p.Sub("low_level"), low, high, 3, 1, 1, o)
		d.mergeConv = base.NewConv2dBlock(p.Sub("merge"), high*2, sp.LatentDim, 3, 1, 1, o)
	case config.ArchDeeplabV2:
		d.fcConv = base.NewConv2dBlock(p.Sub("fc"), high, sp.LatentDim, 3, 1, 1, o)
	default:
		return nil, errors.Errorf(
			"spade mask decoder does not support encoder architecture %q", opts.Gen.Encoder.Architecture)
	}

	dim := sp.LatentDim
	for i := int64(0); i < sp.NumLayers; i++ {
		if dim%2 != 0 || dim < 2 {
			return nil, errors.Errorf(
				"spade layer %d: channel width %d cannot be halved", i, dim)
		}
		d.blocks = append(d.blocks,
			base.NewSPADEResnetBlock(p.Sub("spade").Sub(itoa(i)), dim, dim/2, sp.CondNC, 3, sp.ParamFreeNorm, ini))
		dim /= 2
	}

	d.maskConv = base.NewConv2dBlock(p.Sub("mask"), dim, 1, 3, 1, 1, base.ConvBlockOpts{Init: ini})

	return d, nil
}

// Forward implements MaskDecoder for MaskSpadeDecoder. Returns raw logits.
func (d *MaskSpadeDecoder) Forward(z *encoder.Latent, cond *ts.Tensor, train bool) *ts.Tensor {
	if cond == nil {
		log.Fatalf("spade mask decoder requires a conditioning tensor\n")
	}

	var y *ts.Tensor
	if d.lowLevelConv != nil {
		if z.Low == nil {
			log.Fatalf("spade mask decoder expects low-level features but the latent has none\n")
		}
		zl := d.lowLevelConv.ForwardT(z.Low, train)
		zlUp := base.UpsampleBilinearTo(zl, base.SpatialSize(z.High), false)
		zl.MustDrop()
		cat := ts.MustCat([]ts.Tensor{*z.High, *zlUp}, 1)
		zlUp.MustDrop()
		y = d.mergeConv.ForwardT(cat, train)
		cat.MustDrop()
	} else {
		y = d.fcConv.ForwardT(z.High, train)
	}

	for _, blk := range d.blocks {
		b := blk.Forward(y, cond, train)
		y.MustDrop()
		size := base.SpatialSize(b)
		y = b.MustUpsampleNearest2d([]int64{size[0] * 2, size[1] * 2}, nil, nil, true)
	}

	logits := d.maskConv.ForwardT(y, train)
	y.MustDrop()

	return logits
}
