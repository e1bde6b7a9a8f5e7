package decoder

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/base"
	"github.com/sugarme/omnigan/config"
	"github.com/sugarme/omnigan/encoder"
)

// DepthDecoder predicts depth from a latent, bilinearly resized to the
// target size. Forward fails until a target size has been configured. The
// second return value is the depth feature map fed into depth-aware
// segmentation, nil when the variant does not produce one.
type DepthDecoder interface {
	Forward(z *encoder.Latent, train bool) (pred, zDepth *ts.Tensor, err error)
	SetTargetSize(h, w int64)
}

// NewDepthDecoder builds the depth decoder variant named by the
// configuration.
func NewDepthDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) (DepthDecoder, error) {
	switch opts.Gen.D.Architecture {
	case config.ArchBase:
		return NewBaseDepthDecoder(p, opts, ini)
	case config.ArchDada:
		return NewDADADepthRegressionDecoder(p, opts, ini), nil
	default:
		return nil, errors.Errorf("unknown depth decoder architecture %q", opts.Gen.D.Architecture)
	}
}

func targetSizeFromOpts(opts *config.Opts) []int64 {
	if opts.Data.TargetSize > 0 {
		return []int64{opts.Data.TargetSize, opts.Data.TargetSize}
	}
	return nil
}

var errNoTargetSize = errors.New(
	"depth decoder target size not set: call SetTargetSize before the forward pass " +
		"so predictions can be interpolated to the depth map's size")

// BaseDepthDecoder is a BaseDecoder regressing a scalar depth map, or
// classifying into linearly spaced depth buckets when configured.
type BaseDepthDecoder struct {
	dec        *BaseDecoder
	targetSize []int64
}

// NewBaseDepthDecoder creates a BaseDepthDecoder.
func NewBaseDepthDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) (*BaseDepthDecoder, error) {
	do := opts.Gen.D
	high, low := opts.LatentDims()

	lowFeats := int64(-1)
	if do.UseLowLevelFeats && low > 0 {
		lowFeats = low
	}

	var nUpsample int64
	if do.UpsampleFeaturemaps {
		nUpsample = 1
	}

	outputDim := int64(1)
	if do.Classify.Enable {
		outputDim = do.Classify.Buckets
	}

	dec, err := NewBaseDecoder(p, BaseDecoderConfig{
		InputDim:         high,
		ProjDim:          do.ProjDim,
		OutputDim:        outputDim,
		LowLevelFeatsDim: lowFeats,
		NUpsample:        nUpsample,
		NRes:             do.NRes,
		Norm:             do.Norm,
		Activ:            do.Activ,
		PadType:          do.PadType,
		OutputActiv:      "none",
		Init:             ini,
	})
	if err != nil {
		return nil, errors.Wrap(err, "base depth decoder")
	}

	return &BaseDepthDecoder{dec: dec, targetSize: targetSizeFromOpts(opts)}, nil
}

// SetTargetSize sets the final interpolation's target size.
func (d *BaseDepthDecoder) SetTargetSize(h, w int64) {
	d.targetSize = []int64{h, w}
}

// Forward implements DepthDecoder for BaseDepthDecoder.
func (d *BaseDepthDecoder) Forward(z *encoder.Latent, train bool) (*ts.Tensor, *ts.Tensor, error) {
	if d.targetSize == nil {
		return nil, nil, errNoTargetSize
	}

	raw := d.dec.Forward(z, train)
	preds := base.UpsampleBilinearTo(raw, d.targetSize, true)
	raw.MustDrop()

	return preds, nil, nil
}

// DADADepthRegressionDecoder is the depth-aware regression variant: a
// 1x1/3x3/1x1 trunk down to 128 channels, a depth head, and an optional 1x1
// projection of the trunk back to the encoder width, consumed by the
// segmentation decoder as a depth-aware feature gate.
type DADADepthRegressionDecoder struct {
	enc1       *base.Conv2dBlock
	enc2       *base.Conv2dBlock
	enc3       *base.Conv2dBlock
	depthHead  *nn.Conv2D
	fuse       *nn.Conv2D
	targetSize []int64
}

// NewDADADepthRegressionDecoder creates a DADADepthRegressionDecoder.
func NewDADADepthRegressionDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) *DADADepthRegressionDecoder {
	high, _ := opts.LatentDims()
	o := base.ConvBlockOpts{Norm: "batch", Activ: "lrelu", Init: ini}

	outputDim := int64(1)
	if opts.Gen.D.Classify.Enable {
		outputDim = opts.Gen.D.Classify.Buckets
	}

	d := &DADADepthRegressionDecoder{
		enc1:       base.NewConv2dBlock(p.Sub("enc1"), high, 512, 1, 1, 0, o),
		enc2:       base.NewConv2dBlock(p.Sub("enc2"), 512, 512, 3, 1, 1, o),
		enc3:       base.NewConv2dBlock(p.Sub("enc3"), 512, 128, 1, 1, 0, o),
		depthHead:  base.Conv2d(p.Sub("depth"), 128, outputDim, 1, 0, 1),
		targetSize: targetSizeFromOpts(opts),
	}
	if opts.Gen.S.UseDada {
		d.fuse = base.Conv2d(p.Sub("fuse"), 128, high, 1, 0, 1)
	}

	return d
}

// SetTargetSize sets the final interpolation's target size.
func (d *DADADepthRegressionDecoder) SetTargetSize(h, w int64) {
	d.targetSize = []int64{h, w}
}

// Forward implements DepthDecoder for DADADepthRegressionDecoder.
func (d *DADADepthRegressionDecoder) Forward(z *encoder.Latent, train bool) (*ts.Tensor, *ts.Tensor, error) {
	if d.targetSize == nil {
		return nil, nil, errNoTargetSize
	}

	e1 := d.enc1.ForwardT(z.High, train)
	e2 := d.enc2.ForwardT(e1, train)
	e1.MustDrop()
	trunk := d.enc3.ForwardT(e2, train)
	e2.MustDrop()

	var zDepth *ts.Tensor
	if d.fuse != nil {
		zDepth = d.fuse.ForwardT(trunk, train)
	}

	raw := d.depthHead.ForwardT(trunk, train)
	trunk.MustDrop()
	preds := base.UpsampleBilinearTo(raw, d.targetSize, true)
	raw.MustDrop()

	return preds, zDepth, nil
}
