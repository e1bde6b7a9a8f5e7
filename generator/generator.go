// Package generator implements the multi-task generator: a shared encoder,
// task decoders (depth, segmentation, flood mask) and a painter, plus the
// cross-decoder composition operations Mask, Paint, PaintCloudy and
// DepthImage.
package generator

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"k8s.io/klog/v2"

	"github.com/sugarme/omnigan/base"
	"github.com/sugarme/omnigan/config"
	"github.com/sugarme/omnigan/decoder"
	"github.com/sugarme/omnigan/encoder"
)

// OmniGenerator owns the encoder and the task decoders and implements the
// composition logic between them. It is constructed once and then invoked
// forward-pass-only; callers must serialize concurrent use of a single
// instance while its weights can change.
type OmniGenerator struct {
	opts    *config.Opts
	vs      *nn.VarStore
	valVS   *nn.VarStore
	device  gotch.Device
	verbose int

	enc     encoder.Encoder
	depth   decoder.DepthDecoder
	seg     decoder.SegDecoder
	mask    decoder.MaskDecoder
	painter decoder.Painter
}

// New builds the generator from the configuration. Only the decoders whose
// task is requested are constructed. latentShape, when non-nil, is an (h, w)
// hint for the painter's latent resolution; otherwise it derives from
// data.target_size. noInit keeps gotch's default weight initialization
// instead of the configured per-decoder schemes.
func New(opts *config.Opts, device gotch.Device, latentShape []int64, verbose int, noInit bool) (*OmniGenerator, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "generator config")
	}

	vs := nn.NewVarStore(device)
	root := vs.Root()

	g := &OmniGenerator{
		opts:    opts,
		vs:      vs,
		device:  device,
		verbose: verbose,
		painter: &decoder.NoopPainter{},
	}

	initFor := func(initType string, gain float64) (nn.Init, error) {
		if noInit {
			return nil, nil
		}
		return base.InitScheme(initType, gain)
	}

	if opts.HasTask(config.TaskMask) || opts.HasTask(config.TaskDepth) || opts.HasTask(config.TaskSeg) {
		// Only the generic encoder takes the configured init scheme; the
		// deeplab backbones come with their own initialization.
		var encIni nn.Init
		if opts.Gen.Encoder.Architecture == config.ArchBase {
			var err error
			encIni, err = initFor(opts.Gen.Encoder.InitType, opts.Gen.Encoder.InitGain)
			if err != nil {
				return nil, errors.Wrap(err, "encoder")
			}
		}
		enc, err := encoder.NewEncoder(root.Sub("encoder"), opts, encIni)
		if err != nil {
			return nil, err
		}
		g.enc = enc
		g.logAdd("%s encoder", opts.Gen.Encoder.Architecture)
	}

	if opts.HasTask(config.TaskDepth) {
		ini, err := initFor(opts.Gen.D.InitType, opts.Gen.D.InitGain)
		if err != nil {
			return nil, errors.Wrap(err, "depth decoder")
		}
		dd, err := decoder.NewDepthDecoder(root.Sub("depth"), opts, ini)
		if err != nil {
			return nil, err
		}
		g.depth = dd
		g.logAdd("%s depth decoder", opts.Gen.D.Architecture)
	}

	if opts.HasTask(config.TaskSeg) {
		// Segmentation decoders keep their construction-time init, matching
		// the backbone they pair with.
		sd, err := decoder.NewSegDecoder(root.Sub("seg"), opts, nil)
		if err != nil {
			return nil, err
		}
		g.seg = sd
		g.logAdd("%s segmentation decoder", opts.Gen.S.Architecture)
	}

	if opts.HasTask(config.TaskMask) {
		ini, err := initFor(opts.Gen.M.InitType, opts.Gen.M.InitGain)
		if err != nil {
			return nil, errors.Wrap(err, "mask decoder")
		}
		md, err := decoder.NewMaskDecoder(root.Sub("mask"), opts, ini)
		if err != nil {
			return nil, err
		}
		g.mask = md
		if opts.Gen.M.UseSpade {
			g.logAdd("spade mask decoder")
		} else {
			g.logAdd("base mask decoder")
		}
	}

	if opts.HasTask(config.TaskPainter) {
		ini, err := initFor(opts.Gen.P.InitType, opts.Gen.P.InitGain)
		if err != nil {
			return nil, errors.Wrap(err, "painter")
		}
		painter := decoder.NewPainterSpadeDecoder(root.Sub("painter"), opts, ini)
		if latentShape != nil {
			painter.SetLatentShape(latentShape[0], latentShape[1])
		} else if opts.Data.TargetSize > 0 {
			painter.SetLatentShape(opts.Data.TargetSize, opts.Data.TargetSize)
		}
		g.painter = painter
		g.logAdd("spade painter")
	} else {
		g.logAdd("empty painter")
	}

	return g, nil
}

func (g *OmniGenerator) logAdd(format string, args ...interface{}) {
	if g.verbose > 0 {
		klog.Infof("  - Add "+format, args...)
	}
}

// Opts returns the immutable configuration the generator was built from.
func (g *OmniGenerator) Opts() *config.Opts {
	return g.opts
}

// VarStore exposes the parameter tree for external checkpoint loading.
func (g *OmniGenerator) VarStore() *nn.VarStore {
	return g.vs
}

// Device returns the compute device all tensors are moved to.
func (g *OmniGenerator) Device() gotch.Device {
	return g.device
}

// Painter returns the painter component (a NoopPainter when painting was not
// requested).
func (g *OmniGenerator) Painter() decoder.Painter {
	return g.painter
}

// SetTargetSize updates the depth decoder's interpolation target.
func (g *OmniGenerator) SetTargetSize(h, w int64) {
	if g.depth != nil {
		g.depth.SetTargetSize(h, w)
	}
}

// Encode runs the shared encoder over an image tensor.
func (g *OmniGenerator) Encode(x *ts.Tensor, train bool) (*encoder.Latent, error) {
	if g.enc == nil {
		return nil, errors.New("encode: no encoder was built (no m, d or s task requested)")
	}

	return g.enc.Forward(x, train), nil
}

// MakeMaskCond builds the mask decoder's conditioning tensor from a depth
// prediction, segmentation logits and, when the configured channel count
// asks for it, a resized copy of the input image:
//
//	cond = cat(normalize(d), softmax(s), [resize(x)])
//
// All conditioning channels are brought onto the segmentation map's grid:
// the depth decoder interpolates its prediction to the target size, so d
// usually arrives at a higher resolution than s. d and s are detached from
// the computation graph when gen.m.spade.detach is set. The inputs are left
// intact.
func (g *OmniGenerator) MakeMaskCond(d, s, x *ts.Tensor) (*ts.Tensor, error) {
	sp := g.opts.Gen.M.Spade

	dn := d
	sn := s
	ownD := false
	ownS := false
	if sp.Detach {
		dn = d.MustDetach(false)
		sn = s.MustDetach(false)
		ownD = true
		ownS = true
	}

	ds := base.SpatialSize(dn)
	ss := base.SpatialSize(sn)
	if ds[0] != ss[0] || ds[1] != ss[1] {
		r := base.UpsampleBilinearTo(dn, ss, true)
		if ownD {
			dn.MustDrop()
		}
		dn = r
		ownD = true
	}

	depthPart := base.Normalize(dn)
	segPart := sn.MustSoftmax(1, gotch.Float, false)
	if ownD {
		dn.MustDrop()
	}
	if ownS {
		sn.MustDrop()
	}

	parts := []ts.Tensor{*depthPart, *segPart}
	var imgPart *ts.Tensor
	if g.opts.MaskCondIncludesImage() {
		if x == nil {
			depthPart.MustDrop()
			segPart.MustDrop()
			return nil, errors.New("mask conditioning includes the image but none was supplied")
		}
		imgPart = base.UpsampleBilinearTo(x, base.SpatialSize(s), true)
		parts = append(parts, *imgPart)
	}

	cond := ts.MustCat(parts, 1)
	depthPart.MustDrop()
	segPart.MustDrop()
	if imgPart != nil {
		imgPart.MustDrop()
	}

	if nc := cond.MustSize()[1]; nc != sp.CondNC {
		cond.MustDrop()
		return nil, errors.Errorf(
			"conditioning tensor has %d channels, configuration expects %d", nc, sp.CondNC)
	}

	return cond, nil
}

// Mask predicts the flood mask. Exactly one of x (image) and z (latent) must
// be supplied. When the decoder is SPADE-conditioned and no conditioning
// override is given, the depth and segmentation decoders run without
// gradient tracking to build it. Returns raw logits, or probabilities in
// [0, 1] when applySigmoid is set.
func (g *OmniGenerator) Mask(x *ts.Tensor, z *encoder.Latent, cond *ts.Tensor, applySigmoid, train bool) (*ts.Tensor, error) {
	if (x == nil) == (z == nil) {
		return nil, errors.New("mask: exactly one of image and latent must be supplied")
	}
	if g.mask == nil {
		return nil, errors.New("mask: the mask task was not requested")
	}

	ownZ := false
	if z == nil {
		var err error
		z, err = g.Encode(x, train)
		if err != nil {
			return nil, err
		}
		ownZ = true
	}
	freeZ := func() {
		if ownZ {
			z.Free()
		}
	}

	ownCond := false
	if cond == nil && g.opts.Gen.M.UseSpade {
		var condErr error
		ts.NoGrad(func() {
			dPred, zDepth, err := g.depth.Forward(z, false)
			if err != nil {
				condErr = err
				return
			}
			sPred := g.seg.Forward(z, zDepth, false)
			if zDepth != nil {
				zDepth.MustDrop()
			}
			cond, condErr = g.MakeMaskCond(dPred, sPred, x)
			dPred.MustDrop()
			sPred.MustDrop()
		})
		if condErr != nil {
			freeZ()
			return nil, errors.Wrap(condErr, "mask conditioning")
		}
		ownCond = true
	}

	var condDev *ts.Tensor
	if cond != nil {
		// all inputs of the decoder must share a device
		condDev = cond.MustTo(z.Device(), ownCond)
	}

	logits := g.mask.Forward(z, condDev, train)
	if condDev != nil {
		condDev.MustDrop()
	}
	freeZ()

	if !applySigmoid {
		return logits, nil
	}

	return logits.MustSigmoid(true), nil
}

// Seg predicts per-pixel class logits at the encoder's resolution. Exactly
// one of x (image) and z (latent) must be supplied. When depth-aware
// segmentation is configured the depth decoder runs first to produce the
// feature gate.
func (g *OmniGenerator) Seg(x *ts.Tensor, z *encoder.Latent, train bool) (*ts.Tensor, error) {
	if (x == nil) == (z == nil) {
		return nil, errors.New("seg: exactly one of image and latent must be supplied")
	}
	if g.seg == nil {
		return nil, errors.New("seg: the segmentation task was not requested")
	}

	ownZ := false
	if z == nil {
		var err error
		z, err = g.Encode(x, train)
		if err != nil {
			return nil, err
		}
		ownZ = true
	}

	var zDepth *ts.Tensor
	if g.opts.Gen.S.UseDada {
		dPred, zd, err := g.depth.Forward(z, train)
		if err != nil {
			if ownZ {
				z.Free()
			}
			return nil, err
		}
		dPred.MustDrop()
		zDepth = zd
	}

	logits := g.seg.Forward(z, zDepth, train)
	if zDepth != nil {
		zDepth.MustDrop()
	}
	if ownZ {
		z.Free()
	}

	return logits, nil
}

// SamplePainterZ draws the painter's latent noise tensor for a batch, or nil
// when the painter is configured noise-free.
func (g *OmniGenerator) SamplePainterZ(batchSize int64) *ts.Tensor {
	if g.opts.Gen.P.NoZ {
		return nil
	}

	zh, zw := g.painter.LatentHW()

	return ts.MustRandn([]int64{batchSize, g.opts.Gen.P.LatentDim, zh, zw}, gotch.Float, g.device)
}

// Paint synthesizes content for the masked region of x. m has 1 where
// content should be painted. The painter only ever sees x*(1-m). Unless
// pasting is disabled (by configuration or noPaste), the output is
//
//	x*(1-m) + painted*m
//
// so everything outside the mask is exactly the input. Output spatial shape
// equals x's.
func (g *OmniGenerator) Paint(m, x *ts.Tensor, noPaste, train bool) (*ts.Tensor, error) {
	size := x.MustSize()
	if len(size) != 4 {
		return nil, errors.Errorf("paint: want a BxCxHxW image tensor, got shape %v", size)
	}

	zPaint := g.SamplePainterZ(size[0])

	// masks may arrive as integer or boolean tensors
	mDev := m.MustTo(x.MustDevice(), false).MustTotype(gotch.Float, true)
	inv := base.OneMinus(mDev)
	masked := x.MustMul(inv, false)
	inv.MustDrop()

	fake := g.painter.Forward(zPaint, masked, train)
	if zPaint != nil {
		zPaint.MustDrop()
	}

	if !g.opts.Gen.P.PasteOriginalContent || noPaste {
		masked.MustDrop()
		mDev.MustDrop()
		return fake, nil
	}

	pasted := fake.MustMul(mDev, true)
	mDev.MustDrop()
	out := masked.MustAdd(pasted, true)
	pasted.MustDrop()

	return out, nil
}

// PaintCloudy paints with a cloud-noised sky: the sky sub-mask is the argmax
// of the resized segmentation logits equal to skyIdx; block-structured
// multiplicative noise (grid res, blend weight) is mixed into the sky before
// painting with paste disabled, and the painted content is then composited
// into the mask region of the original image.
func (g *OmniGenerator) PaintCloudy(m, x, s *ts.Tensor, skyIdx int64, res []int64, weight float64, train bool) (*ts.Tensor, error) {
	sUp := base.UpsampleBilinearTo(s, base.SpatialSize(x), false)
	am := sUp.MustArgmax(1, true, true)
	skyMask := am.MustEq(ts.IntScalar(skyIdx), true).MustTotype(gotch.Float, true)

	noised := base.MixNoise(x, skyMask, res, weight)
	skyMask.MustDrop()

	fake, err := g.Paint(m, noised, true, train)
	noised.MustDrop()
	if err != nil {
		return nil, err
	}

	mDev := m.MustTo(x.MustDevice(), false).MustTotype(gotch.Float, true)
	inv := base.OneMinus(mDev)
	kept := x.MustMul(inv, false)
	inv.MustDrop()
	pasted := fake.MustMul(mDev, true)
	mDev.MustDrop()
	out := kept.MustAdd(pasted, true)
	pasted.MustDrop()

	return out, nil
}

// DepthImage predicts a displayable depth map. Exactly one of x and z must
// be supplied. Single-channel predictions are returned as-is; multi-bucket
// predictions are reduced by argmax and divided by the maximum of that call,
// so values land in [0, 1] but are not comparable across calls.
func (g *OmniGenerator) DepthImage(x *ts.Tensor, z *encoder.Latent, train bool) (*ts.Tensor, error) {
	if (x == nil) == (z == nil) {
		return nil, errors.New("depth_image: exactly one of image and latent must be supplied")
	}
	if g.depth == nil {
		return nil, errors.New("depth_image: the depth task was not requested")
	}

	ownZ := false
	if z == nil {
		var err error
		z, err = g.Encode(x, train)
		if err != nil {
			return nil, err
		}
		ownZ = true
	}

	logits, zDepth, err := g.depth.Forward(z, train)
	if zDepth != nil {
		zDepth.MustDrop()
	}
	if ownZ {
		z.Free()
	}
	if err != nil {
		return nil, err
	}

	if logits.MustSize()[1] > 1 {
		am := logits.MustArgmax(1, true, true).MustTotype(gotch.Float, true)
		max := am.MustMax(false)
		out := am.MustDiv(max, true)
		max.MustDrop()
		return out, nil
	}

	return logits, nil
}

// LoadValPainter swaps in a separately trained painter for validation. The
// checkpoint path comes from val.val_painter and its configuration from the
// sibling opts.yaml. Best effort: on any failure the previous painter stays
// in place and false is returned.
func (g *OmniGenerator) LoadValPainter() bool {
	ckpt := g.opts.Val.ValPainter
	if ckpt == "" {
		klog.Warning("load_val_painter: val.val_painter is not set, aborting")
		return false
	}

	optsPath := filepath.Join(filepath.Dir(filepath.Dir(ckpt)), "opts.yaml")
	valOpts, err := config.LoadOpts(optsPath)
	if err != nil {
		klog.Errorf("load_val_painter: %v, aborting", err)
		return false
	}

	vs := nn.NewVarStore(g.device)
	painter := decoder.NewPainterSpadeDecoder(vs.Root().Sub("painter"), valOpts, nil)
	if err := vs.Load(ckpt); err != nil {
		klog.Errorf("load_val_painter: loading %q: %v, aborting", ckpt, err)
		return false
	}

	if g.opts.Data.TargetSize > 0 {
		painter.SetLatentShape(g.opts.Data.TargetSize, g.opts.Data.TargetSize)
	}
	g.painter = painter
	g.valVS = vs
	klog.Info("    - Loaded validation-only painter")

	return true
}
