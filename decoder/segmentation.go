package decoder

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/base"
	"github.com/sugarme/omnigan/config"
	"github.com/sugarme/omnigan/encoder"
)

// SegDecoder predicts per-pixel class logits at the encoder's native
// resolution; callers upsample as needed. zDepth, when non-nil and the
// decoder is depth-aware, gates the latent before classification.
type SegDecoder interface {
	Forward(z *encoder.Latent, zDepth *ts.Tensor, train bool) *ts.Tensor
}

// NewSegDecoder builds the segmentation decoder variant named by the
// configuration. An unrecognized architecture is a fatal configuration
// error.
func NewSegDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) (SegDecoder, error) {
	switch opts.Gen.S.Architecture {
	case config.ArchDeeplabV2:
		return NewDeepLabV2Decoder(p, opts, ini), nil
	case config.ArchDeeplabV3:
		return NewDeepLabV3Decoder(p, opts, ini), nil
	default:
		return nil, errors.Errorf("unknown segmentation architecture %q", opts.Gen.S.Architecture)
	}
}

// dadaFuse gates the high-level latent with the depth features when
// depth-aware segmentation is on. Always returns an owned tensor.
func dadaFuse(z *encoder.Latent, zDepth *ts.Tensor, useDada bool) *ts.Tensor {
	if useDada && zDepth != nil {
		return z.High.MustMul(zDepth, false)
	}
	return z.High.MustDetach(false)
}

func classifierConv(p *nn.Path, cIn, cOut, ksize, padding, dilation int64, ini nn.Init) *nn.Conv2D {
	cfg := nn.DefaultConv2DConfig()
	cfg.Padding = []int64{padding, padding}
	cfg.Dilation = []int64{dilation, dilation}
	if ini != nil {
		cfg.WsInit = ini
	}

	return nn.NewConv2D(p, cIn, cOut, ksize, cfg)
}

// DeepLabV2Decoder is the multi-dilation classification head of DeepLab v2:
// four parallel dilated 3x3 convolutions over the latent, summed into class
// logits.
type DeepLabV2Decoder struct {
	branches []*nn.Conv2D
	useDada  bool
}

// NewDeepLabV2Decoder creates a DeepLabV2Decoder.
func NewDeepLabV2Decoder(p *nn.Path, opts *config.Opts, ini nn.Init) *DeepLabV2Decoder {
	high, _ := opts.LatentDims()
	rates := []int64{6, 12, 18, 24}

	var branches []*nn.Conv2D
	for i, rate := range rates {
		branches = append(branches,
			classifierConv(p.Sub("aspp").Sub(itoa(int64(i))), high, opts.Gen.S.NumClasses, 3, rate, rate, ini))
	}

	return &DeepLabV2Decoder{branches: branches, useDada: opts.Gen.S.UseDada}
}

// Forward implements SegDecoder for DeepLabV2Decoder.
func (d *DeepLabV2Decoder) Forward(z *encoder.Latent, zDepth *ts.Tensor, train bool) *ts.Tensor {
	zh := dadaFuse(z, zDepth, d.useDada)

	out := d.branches[0].ForwardT(zh, train)
	for _, branch := range d.branches[1:] {
		b := branch.ForwardT(zh, train)
		sum := out.MustAdd(b, true)
		b.MustDrop()
		out = sum
	}
	zh.MustDrop()

	return out
}

// DeepLabV3Decoder is an ASPP head (1x1 + three dilated 3x3 branches + image
// pooling) projected to 256 channels, refined with the backbone's low-level
// features when available, then classified.
type DeepLabV3Decoder struct {
	aspp0    *base.Conv2dBlock
	aspp1    *base.Conv2dBlock
	aspp2    *base.Conv2dBlock
	aspp3    *base.Conv2dBlock
	poolConv *base.Conv2dBlock
	project  *base.Conv2dBlock
	lowProj  *base.Conv2dBlock
	refine1  *base.Conv2dBlock
	refine2  *base.Conv2dBlock
	classify *nn.Conv2D
	useDada  bool
}

// NewDeepLabV3Decoder creates a DeepLabV3Decoder.
func NewDeepLabV3Decoder(p *nn.Path, opts *config.Opts, ini nn.Init) *DeepLabV3Decoder {
	high, low := opts.LatentDims()
	o := base.ConvBlockOpts{Norm: "batch", Activ: "relu", Init: ini}

	d := &DeepLabV3Decoder{
		aspp0:    base.NewConv2dBlock(p.Sub("aspp").Sub("b0"), high, 256, 1, 1, 0, o),
		aspp1:    base.NewDilatedConv2dBlock(p.Sub("aspp").Sub("b1"), high, 256, 3, 1, 6, 6, o),
		aspp2:    base.NewDilatedConv2dBlock(p.Sub("aspp").Sub("b2"), high, 256, 3, 1, 12, 12, o),
		aspp3:    base.NewDilatedConv2dBlock(p.Sub("aspp").Sub("b3"), high, 256, 3, 1, 18, 18, o),
		poolConv: base.NewConv2dBlock(p.Sub("aspp").Sub("pool"), high, 256, 1, 1, 0, o),
		project:  base.NewConv2dBlock(p.Sub("project"), 256*5, 256, 1, 1, 0, o),
		useDada:  opts.Gen.S.UseDada,
	}

	if low > 0 {
		d.lowProj = base.NewConv2dBlock(p.Sub("low_proj"), low, 48, 1, 1, 0, o)
		d.refine1 = base.NewConv2dBlock(p.Sub("refine1"), 256+48, 256, 3, 1, 1, o)
		d.refine2 = base.NewConv2dBlock(p.Sub("refine2"), 256, 256, 3, 1, 1, o)
	}

	d.classify = classifierConv(p.Sub("classify"), 256, opts.Gen.S.NumClasses, 1, 0, 1, ini)

	return d
}

// Forward implements SegDecoder for DeepLabV3Decoder.
func (d *DeepLabV3Decoder) Forward(z *encoder.Latent, zDepth *ts.Tensor, train bool) *ts.Tensor {
	zh := dadaFuse(z, zDepth, d.useDada)
	size := base.SpatialSize(zh)

	b0 := d.aspp0.ForwardT(zh, train)
	b1 := d.aspp1.ForwardT(zh, train)
	b2 := d.aspp2.ForwardT(zh, train)
	b3 := d.aspp3.ForwardT(zh, train)

	pooled := zh.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	pc := d.poolConv.ForwardT(pooled, train)
	pooled.MustDrop()
	pu := base.UpsampleBilinearTo(pc, size, false)
	pc.MustDrop()
	zh.MustDrop()

	cat := ts.MustCat([]ts.Tensor{*b0, *b1, *b2, *b3, *pu}, 1)
	for _, t := range []*ts.Tensor{b0, b1, b2, b3, pu} {
		t.MustDrop()
	}
	y := d.project.ForwardT(cat, train)
	cat.MustDrop()

	if d.lowProj != nil && z.Low != nil {
		lp := d.lowProj.ForwardT(z.Low, train)
		yUp := base.UpsampleBilinearTo(y, base.SpatialSize(lp), false)
		y.MustDrop()
		merged := ts.MustCat([]ts.Tensor{*yUp, *lp}, 1)
		yUp.MustDrop()
		lp.MustDrop()
		r1 := d.refine1.ForwardT(merged, train)
		merged.MustDrop()
		y = d.refine2.ForwardT(r1, train)
		r1.MustDrop()
	}

	logits := d.classify.ForwardT(y, train)
	y.MustDrop()

	return logits
}
