package decoder

import (
	"log"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/base"
	"github.com/sugarme/omnigan/config"
)

// Painter synthesizes image content for masked regions: it maps a latent
// noise tensor (nil when noise-free) and a masked image to a 3-channel image
// of the same spatial shape.
type Painter interface {
	Forward(zPaint, cond *ts.Tensor, train bool) *ts.Tensor
	SetLatentShape(h, w int64)
	LatentHW() (h, w int64)
}

// NoopPainter is the placeholder used when painting is not requested. It
// performs no computation.
type NoopPainter struct{}

// Forward implements Painter for NoopPainter.
func (np *NoopPainter) Forward(zPaint, cond *ts.Tensor, train bool) *ts.Tensor {
	return cond.MustDetach(false)
}

// SetLatentShape implements Painter for NoopPainter.
func (np *NoopPainter) SetLatentShape(h, w int64) {}

// LatentHW implements Painter for NoopPainter.
func (np *NoopPainter) LatentHW() (int64, int64) { return 0, 0 }

// PainterSpadeDecoder is a SPADE generator conditioned on the masked image:
// a head block and two middle blocks at the latent width, then
// spade_n_up - 2 channel-halving blocks, each preceded by a x2 nearest
// upsample (spade_n_up upsamples in total), a final SPADE block whose
// conditioning optionally comes from a learned shortcut of its own input,
// and a 3-channel tanh output conv.
type PainterSpadeDecoder struct {
	zNC      int64
	spadeNUp int64
	noZ      bool
	zH       int64
	zW       int64

	fc            *base.Conv2dBlock
	head0         *base.SPADEResnetBlock
	gMiddle0      *base.SPADEResnetBlock
	gMiddle1      *base.SPADEResnetBlock
	ups           []*base.SPADEResnetBlock
	finalShortcut *nn.SequentialT
	finalSpade    *base.SPADEResnetBlock
	convImg       *nn.Conv2D
}

// NewPainterSpadeDecoder creates a PainterSpadeDecoder.
func NewPainterSpadeDecoder(p *nn.Path, opts *config.Opts, ini nn.Init) *PainterSpadeDecoder {
	po := opts.Gen.P
	latent := po.LatentDim
	const condNC = 3
	const paramFreeNorm = "instance"

	fcIn := latent
	if po.NoZ {
		fcIn = condNC
	}

	d := &PainterSpadeDecoder{
		zNC:      latent,
		spadeNUp: po.SpadeNUp,
		noZ:      po.NoZ,
		fc:       base.NewConv2dBlock(p.Sub("fc"), fcIn, latent, 3, 1, 1, base.ConvBlockOpts{Init: ini}),
		head0:    base.NewSPADEResnetBlock(p.Sub("head_0"), latent, latent, condNC, 3, paramFreeNorm, ini),
		gMiddle0: base.NewSPADEResnetBlock(p.Sub("g_middle_0"), latent, latent, condNC, 3, paramFreeNorm, ini),
		gMiddle1: base.NewSPADEResnetBlock(p.Sub("g_middle_1"), latent, latent, condNC, 3, paramFreeNorm, ini),
	}

	dim := latent
	for i := int64(0); i < po.SpadeNUp-2; i++ {
		d.ups = append(d.ups,
			base.NewSPADEResnetBlock(p.Sub("up").Sub(itoa(i)), dim, dim/2, condNC, 3, paramFreeNorm, ini))
		dim /= 2
	}

	if po.UseFinalShortcut {
		seq := nn.SeqT()
		seq.Add(base.Conv2d(p.Sub("final_shortcut").Sub("conv"), dim, condNC, 1, 0, 1))
		seq.Add(nn.BatchNorm2D(p.Sub("final_shortcut").Sub("bn"), condNC, nn.DefaultBatchNormConfig()))
		seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
			return xs.MustLeakyRelu(false)
		}))
		d.finalShortcut = seq
	}

	d.finalSpade = base.NewSPADEResnetBlock(p.Sub("final_spade"), dim, dim, condNC, 3, paramFreeNorm, ini)
	d.convImg = base.Conv2d(p.Sub("conv_img"), dim, 3, 3, 1, 1)

	return d
}

// SetLatentShape derives the painter's latent resolution from the input
// image resolution: zH = h / 2^spade_n_up, zW likewise.
func (d *PainterSpadeDecoder) SetLatentShape(h, w int64) {
	d.zH = h >> uint(d.spadeNUp)
	d.zW = w >> uint(d.spadeNUp)
}

// LatentHW returns the expected spatial shape of the latent noise tensor.
func (d *PainterSpadeDecoder) LatentHW() (int64, int64) {
	return d.zH, d.zW
}

// Forward implements Painter for PainterSpadeDecoder. zPaint may be nil when
// the painter is configured noise-free: the latent is then a downsampled
// copy of the conditioning image.
func (d *PainterSpadeDecoder) Forward(zPaint, cond *ts.Tensor, train bool) *ts.Tensor {
	var z *ts.Tensor
	if zPaint == nil {
		if !d.noZ {
			log.Fatalf("painter expects a latent noise tensor but got none\n")
		}
		if d.zH == 0 || d.zW == 0 {
			log.Fatalf("painter latent shape not set; call SetLatentShape first\n")
		}
		z = base.UpsampleBilinearTo(cond, []int64{d.zH, d.zW}, false)
	} else {
		z = zPaint.MustDetach(false)
	}

	y := d.fc.ForwardT(z, train)
	z.MustDrop()

	h := d.head0.Forward(y, cond, train)
	y.MustDrop()
	y = h

	for _, blk := range []*base.SPADEResnetBlock{d.gMiddle0, d.gMiddle1} {
		size := base.SpatialSize(y)
		u := y.MustUpsampleNearest2d([]int64{size[0] * 2, size[1] * 2}, nil, nil, true)
		y = blk.Forward(u, cond, train)
		u.MustDrop()
	}

	for _, blk := range d.ups {
		size := base.SpatialSize(y)
		u := y.MustUpsampleNearest2d([]int64{size[0] * 2, size[1] * 2}, nil, nil, true)
		y = blk.Forward(u, cond, train)
		u.MustDrop()
	}

	if d.finalShortcut != nil {
		sc := d.finalShortcut.ForwardT(y, train)
		f := d.finalSpade.Forward(y, sc, train)
		sc.MustDrop()
		y.MustDrop()
		y = f
	} else {
		f := d.finalSpade.Forward(y, cond, train)
		y.MustDrop()
		y = f
	}

	a := y.MustLeakyRelu(true)
	img := d.convImg.ForwardT(a, train)
	a.MustDrop()

	return img.MustTanh(true)
}
