package generator_test

import (
	"testing"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/config"
	"github.com/sugarme/omnigan/generator"
)

// maskOpts is a cheap CPU-testable configuration for the mask path: base
// encoder, base depth and base mask decoders, no painter.
func maskOpts() *config.Opts {
	opts := config.Default()
	opts.Tasks = []string{config.TaskMask, config.TaskDepth}
	opts.Gen.Encoder.Architecture = config.ArchBase
	opts.Gen.Encoder.Dim = 8
	opts.Gen.Encoder.NDownsample = 2
	opts.Gen.Encoder.NRes = 1
	opts.Gen.D.Architecture = config.ArchBase
	opts.Gen.D.ProjDim = 8
	opts.Gen.S.UseDada = false
	opts.Gen.M.UseSpade = false
	opts.Gen.M.NUpsample = 2
	opts.Gen.M.NRes = 1
	opts.Gen.M.ProjDim = 8
	opts.Data.TargetSize = 32

	return opts
}

// painterOpts enables only the painter, with a small latent.
func painterOpts() *config.Opts {
	opts := config.Default()
	opts.Tasks = []string{config.TaskPainter}
	opts.Gen.P.LatentDim = 32
	opts.Gen.P.SpadeNUp = 3

	return opts
}

func randImage(size int64) *ts.Tensor {
	x := ts.MustRand([]int64{1, 3, size, size}, gotch.Float, gotch.CPU)
	return x.MustMul1(ts.FloatScalar(2.0), true).MustAdd1(ts.FloatScalar(-1.0), true)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	opts := config.Default()
	opts.Tasks = []string{config.TaskMask, config.TaskPainter} // spade without d and s

	if _, err := generator.New(opts, gotch.CPU, nil, 0, true); err == nil {
		t.Error("construction must fail when spade conditioning tasks are missing")
	}
}

func TestMaskShapeAndRange(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randImage(32)
	mask, err := g.Mask(x, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}

	size := mask.MustSize()
	want := []int64{1, 1, 32, 32}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	min := mask.MustMin(false).Float64Values()[0]
	max := mask.MustMax(false).Float64Values()[0]
	if min < 0 || max > 1 {
		t.Errorf("sigmoid mask must lie in [0, 1], got [%v, %v]", min, max)
	}

	mask.MustDrop()
	x.MustDrop()
}

func TestMaskExactlyOneInput(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.Mask(nil, nil, nil, true, false); err == nil {
		t.Error("mask with neither image nor latent must fail")
	}

	x := randImage(32)
	z, err := g.Encode(x, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Mask(x, z, nil, true, false); err == nil {
		t.Error("mask with both image and latent must fail")
	}

	z.Free()
	x.MustDrop()
}

func TestMaskDeterministicInEval(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randImage(32)
	m1, err := g.Mask(x, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := g.Mask(x, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}

	diff := m1.MustSub(m2, false).MustAbs(true).MustMax(true)
	if diff.Float64Values()[0] != 0 {
		t.Error("eval-mode mask must be deterministic for a fixed input")
	}

	diff.MustDrop()
	m2.MustDrop()
	m1.MustDrop()
	x.MustDrop()
}

func TestMaskLogitsWithoutSigmoid(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randImage(32)
	logits, err := g.Mask(x, nil, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	sig := logits.MustSigmoid(false)
	probs, err := g.Mask(x, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}

	diff := sig.MustSub(probs, false).MustAbs(true).MustMax(true)
	if diff.Float64Values()[0] > 1e-6 {
		t.Error("probabilities must be the sigmoid of the raw logits")
	}

	diff.MustDrop()
	probs.MustDrop()
	sig.MustDrop()
	logits.MustDrop()
	x.MustDrop()
}

func TestPaintShape(t *testing.T) {
	g, err := generator.New(painterOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	g.Painter().SetLatentShape(32, 32)

	x := randImage(32)
	m := ts.MustOnes([]int64{1, 1, 32, 32}, gotch.Float, gotch.CPU)

	out, err := g.Paint(m, x, false, false)
	if err != nil {
		t.Fatal(err)
	}

	size := out.MustSize()
	want := []int64{1, 3, 32, 32}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	out.MustDrop()
	m.MustDrop()
	x.MustDrop()
}

func TestPaintPasteKeepsUnmaskedPixels(t *testing.T) {
	g, err := generator.New(painterOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	g.Painter().SetLatentShape(32, 32)

	x := randImage(32)
	m := ts.MustZeros([]int64{1, 1, 32, 32}, gotch.Float, gotch.CPU)

	out, err := g.Paint(m, x, false, false)
	if err != nil {
		t.Fatal(err)
	}

	// zero mask: the composite is exactly the input
	diff := x.MustSub(out, false).MustAbs(true).MustMax(true)
	if diff.Float64Values()[0] > 1e-6 {
		t.Error("pixels outside the mask must come from the input unchanged")
	}

	diff.MustDrop()
	out.MustDrop()
	m.MustDrop()
	x.MustDrop()
}

func TestPaintCompositesPartialMask(t *testing.T) {
	g, err := generator.New(painterOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	g.Painter().SetLatentShape(32, 32)

	x := randImage(32)

	// paint the top half, keep the bottom half
	top := ts.MustOnes([]int64{1, 1, 16, 32}, gotch.Float, gotch.CPU)
	bottom := ts.MustZeros([]int64{1, 1, 16, 32}, gotch.Float, gotch.CPU)
	m := ts.MustCat([]ts.Tensor{*top, *bottom}, 2)
	top.MustDrop()
	bottom.MustDrop()

	out, err := g.Paint(m, x, false, false)
	if err != nil {
		t.Fatal(err)
	}

	outBottom := out.MustNarrow(2, 16, 16, false)
	xBottom := x.MustNarrow(2, 16, 16, false)
	keptDiff := xBottom.MustSub(outBottom, true).MustAbs(true).MustMax(true)
	outBottom.MustDrop()
	if keptDiff.Float64Values()[0] != 0 {
		t.Error("pixels outside the mask must come from the input unchanged")
	}
	keptDiff.MustDrop()

	outTop := out.MustNarrow(2, 0, 16, false)
	xTop := x.MustNarrow(2, 0, 16, false)
	paintDiff := xTop.MustSub(outTop, true).MustAbs(true).MustMax(true)
	outTop.MustDrop()
	if paintDiff.Float64Values()[0] == 0 {
		t.Error("pixels inside the mask must be synthesized, not copied")
	}
	paintDiff.MustDrop()

	out.MustDrop()
	m.MustDrop()
	x.MustDrop()
}

func TestPaintAcceptsIntegerMask(t *testing.T) {
	g, err := generator.New(painterOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	g.Painter().SetLatentShape(32, 32)

	x := randImage(32)
	m := ts.MustZeros([]int64{1, 1, 32, 32}, gotch.Int64, gotch.CPU)

	out, err := g.Paint(m, x, false, false)
	if err != nil {
		t.Fatal(err)
	}

	diff := x.MustSub(out, false).MustAbs(true).MustMax(true)
	if diff.Float64Values()[0] > 1e-6 {
		t.Error("an integer 0/1 mask must composite like a float one")
	}

	diff.MustDrop()
	out.MustDrop()
	m.MustDrop()
	x.MustDrop()
}

func TestPaintCloudyShape(t *testing.T) {
	g, err := generator.New(painterOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	g.Painter().SetLatentShape(32, 32)

	x := randImage(32)
	m := ts.MustOnes([]int64{1, 1, 32, 32}, gotch.Float, gotch.CPU)
	s := ts.MustRandn([]int64{1, 5, 8, 8}, gotch.Float, gotch.CPU)

	out, err := g.PaintCloudy(m, x, s, 2, []int64{4, 4}, 0.1, false)
	if err != nil {
		t.Fatal(err)
	}

	size := out.MustSize()
	want := []int64{1, 3, 32, 32}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	out.MustDrop()
	s.MustDrop()
	m.MustDrop()
	x.MustDrop()
}

func TestSamplePainterZ(t *testing.T) {
	g, err := generator.New(painterOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	g.Painter().SetLatentShape(32, 32)

	z := g.SamplePainterZ(2)
	if z == nil {
		t.Fatal("a noise-driven painter must sample a latent")
	}

	size := z.MustSize()
	want := []int64{2, 32, 4, 4}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}
	z.MustDrop()

	opts := painterOpts()
	opts.Gen.P.NoZ = true
	g2, err := generator.New(opts, gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if z := g2.SamplePainterZ(1); z != nil {
		t.Error("a noise-free painter must not sample a latent")
		z.MustDrop()
	}
}

func TestDepthImage(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randImage(32)
	d, err := g.DepthImage(x, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	if c := d.MustSize()[1]; c != 1 {
		t.Errorf("want a single depth channel, got %v", c)
	}
	d.MustDrop()

	// bucketed depth reduces to a normalized argmax map
	opts := maskOpts()
	opts.Gen.D.Classify.Enable = true
	opts.Gen.D.Classify.Buckets = 4
	g2, err := generator.New(opts, gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	d2, err := g2.DepthImage(x, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	if c := d2.MustSize()[1]; c != 1 {
		t.Errorf("want a single channel after argmax, got %v", c)
	}
	min := d2.MustMin(false).Float64Values()[0]
	max := d2.MustMax(false).Float64Values()[0]
	if min < 0 || max > 1 {
		t.Errorf("bucketed depth image must lie in [0, 1], got [%v, %v]", min, max)
	}

	d2.MustDrop()
	x.MustDrop()
}

// spadeOpts enables the SPADE mask decoder on a deeplabv2 encoder, with the
// depth and segmentation decoders sized down for CPU runs.
func spadeOpts() *config.Opts {
	opts := config.Default()
	opts.Tasks = []string{config.TaskMask, config.TaskDepth, config.TaskSeg}
	opts.Gen.Encoder.Architecture = config.ArchDeeplabV2
	opts.Gen.D.Architecture = config.ArchBase
	opts.Gen.D.ProjDim = 8
	opts.Gen.S.Architecture = config.ArchDeeplabV2
	opts.Gen.S.NumClasses = 5
	opts.Gen.S.UseDada = false
	opts.Gen.M.UseSpade = true
	opts.Gen.M.Spade.LatentDim = 8
	opts.Gen.M.Spade.NumLayers = 2
	opts.Gen.M.Spade.CondNC = 9 // 1 + 5 + 3: depth, seg and image channels
	opts.Data.TargetSize = 32

	return opts
}

func TestSpadeMaskEndToEnd(t *testing.T) {
	g, err := generator.New(spadeOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	// depth -> seg -> conditioning -> spade decoder, built internally
	x := randImage(32)
	mask, err := g.Mask(x, nil, nil, true, false)
	if err != nil {
		t.Fatal(err)
	}

	// output stride 8 latent (4x4), 2 spade upsamples
	size := mask.MustSize()
	want := []int64{1, 1, 16, 16}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	min := mask.MustMin(false).Float64Values()[0]
	max := mask.MustMax(false).Float64Values()[0]
	if min < 0 || max > 1 {
		t.Errorf("sigmoid mask must lie in [0, 1], got [%v, %v]", min, max)
	}

	mask.MustDrop()
	x.MustDrop()
}

func TestMakeMaskCondResizesDepth(t *testing.T) {
	g, err := generator.New(spadeOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	// depth at the target size, seg at the latent's resolution
	d := ts.MustRandn([]int64{1, 1, 32, 32}, gotch.Float, gotch.CPU)
	s := ts.MustRandn([]int64{1, 5, 4, 4}, gotch.Float, gotch.CPU)
	x := randImage(32)

	cond, err := g.MakeMaskCond(d, s, x)
	if err != nil {
		t.Fatal(err)
	}

	size := cond.MustSize()
	want := []int64{1, 9, 4, 4}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("conditioning must live on the seg grid: want shape %v, got %v", want, size)
			break
		}
	}

	cond.MustDrop()
	x.MustDrop()
	s.MustDrop()
	d.MustDrop()
}

func TestMakeMaskCondWrongChannels(t *testing.T) {
	g, err := generator.New(spadeOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	// 3 seg classes instead of 5: 1+3+3 != cond_nc
	d := ts.MustRandn([]int64{1, 1, 4, 4}, gotch.Float, gotch.CPU)
	s := ts.MustRandn([]int64{1, 3, 4, 4}, gotch.Float, gotch.CPU)
	x := randImage(32)

	if _, err := g.MakeMaskCond(d, s, x); err == nil {
		t.Error("a conditioning tensor off the configured channel count must be rejected")
	}

	x.MustDrop()
	s.MustDrop()
	d.MustDrop()
}

func TestSegLogitsShape(t *testing.T) {
	opts := maskOpts()
	opts.Tasks = []string{config.TaskDepth, config.TaskSeg}
	opts.Gen.S.Architecture = config.ArchDeeplabV2
	opts.Gen.S.NumClasses = 5

	g, err := generator.New(opts, gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randImage(32)
	s, err := g.Seg(x, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	// logits stay at the encoder's resolution (2 downsamples over 32x32)
	size := s.MustSize()
	want := []int64{1, 5, 8, 8}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	s.MustDrop()
	x.MustDrop()
}

func TestSegNotRequested(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randImage(32)
	if _, err := g.Seg(x, nil, false); err == nil {
		t.Error("seg without the s task must fail")
	}
	x.MustDrop()
}

func TestDepthImageExactlyOneInput(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.DepthImage(nil, nil, false); err == nil {
		t.Error("depth image with neither image nor latent must fail")
	}
}

func TestMakeMaskCondChannels(t *testing.T) {
	opts := maskOpts()
	opts.Gen.S.NumClasses = 5
	opts.Gen.M.Spade.CondNC = 9 // 1 + 5 + 3: includes the image

	g, err := generator.New(opts, gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	d := ts.MustRandn([]int64{1, 1, 8, 8}, gotch.Float, gotch.CPU)
	s := ts.MustRandn([]int64{1, 5, 8, 8}, gotch.Float, gotch.CPU)
	x := randImage(32)

	cond, err := g.MakeMaskCond(d, s, x)
	if err != nil {
		t.Fatal(err)
	}

	size := cond.MustSize()
	want := []int64{1, 9, 8, 8}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	cond.MustDrop()
	x.MustDrop()
	s.MustDrop()
	d.MustDrop()
}

func TestNoPainterPlaceholder(t *testing.T) {
	g, err := generator.New(maskOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	if h, w := g.Painter().LatentHW(); h != 0 || w != 0 {
		t.Error("without the p task the painter must be the no-op placeholder")
	}
}

func TestLoadValPainterFailsSoftly(t *testing.T) {
	g, err := generator.New(painterOpts(), gotch.CPU, nil, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	before := g.Painter()

	if g.LoadValPainter() {
		t.Error("loading with no checkpoint configured must fail")
	}

	g.Opts().Val.ValPainter = "/nonexistent/checkpoints/painter.pt"
	if g.LoadValPainter() {
		t.Error("loading a missing checkpoint must fail")
	}

	if g.Painter() != before {
		t.Error("a failed load must leave the previous painter in place")
	}
}
