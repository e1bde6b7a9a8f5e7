package decoder_test

import (
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/config"
	"github.com/sugarme/omnigan/decoder"
	"github.com/sugarme/omnigan/encoder"
)

// smallBaseOpts is a cheap CPU-testable configuration: base encoder, base
// depth, base mask.
func smallBaseOpts() *config.Opts {
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
	opts.Data.TargetSize = 0

	return opts
}

func smallLatent(opts *config.Opts, h, w int64) *encoder.Latent {
	high, _ := opts.LatentDims()
	return &encoder.Latent{
		High: ts.MustRand([]int64{1, high, h, w}, gotch.Float, gotch.CPU),
	}
}

func TestDepthDecoderNeedsTargetSize(t *testing.T) {
	opts := smallBaseOpts()
	vs := nn.NewVarStore(gotch.CPU)

	dec, err := decoder.NewDepthDecoder(vs.Root().Sub("depth"), opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	z := smallLatent(opts, 8, 8)
	if _, _, err := dec.Forward(z, false); err == nil {
		t.Error("forward without a target size must fail")
	}

	dec.SetTargetSize(32, 32)
	pred, zDepth, err := dec.Forward(z, false)
	if err != nil {
		t.Fatal(err)
	}
	if zDepth != nil {
		t.Error("base depth decoder produces no depth feature map")
		zDepth.MustDrop()
	}

	size := pred.MustSize()
	want := []int64{1, 1, 32, 32}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	pred.MustDrop()
	z.Free()
}

func TestDepthDecoderBuckets(t *testing.T) {
	opts := smallBaseOpts()
	opts.Gen.D.Classify.Enable = true
	opts.Gen.D.Classify.Buckets = 4
	opts.Data.TargetSize = 16
	vs := nn.NewVarStore(gotch.CPU)

	dec, err := decoder.NewDepthDecoder(vs.Root().Sub("depth"), opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	z := smallLatent(opts, 8, 8)
	pred, _, err := dec.Forward(z, false)
	if err != nil {
		t.Fatal(err)
	}

	if c := pred.MustSize()[1]; c != 4 {
		t.Errorf("want 4 bucket channels, got %v", c)
	}

	pred.MustDrop()
	z.Free()
}

func TestSpadeMaskDecoderRejectsBaseEncoder(t *testing.T) {
	opts := smallBaseOpts()
	opts.Gen.M.UseSpade = true
	vs := nn.NewVarStore(gotch.CPU)

	if _, err := decoder.NewMaskSpadeDecoder(vs.Root().Sub("mask"), opts, nil); err == nil {
		t.Error("the base encoder has no mapping onto the spade latent width")
	}
}

func TestMaskBaseDecoderShape(t *testing.T) {
	opts := smallBaseOpts()
	vs := nn.NewVarStore(gotch.CPU)

	dec, err := decoder.NewMaskDecoder(vs.Root().Sub("mask"), opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	z := smallLatent(opts, 8, 8)
	logits := dec.Forward(z, nil, false)

	// 2 upsamples over an 8x8 latent
	size := logits.MustSize()
	want := []int64{1, 1, 32, 32}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	logits.MustDrop()
	z.Free()
}

func TestSpadeMaskDecoderV3Forward(t *testing.T) {
	opts := config.Default() // deeplabv3/resnet: latent 2048 high, 256 low
	opts.Gen.M.Spade.LatentDim = 8
	opts.Gen.M.Spade.NumLayers = 2
	vs := nn.NewVarStore(gotch.CPU)

	dec, err := decoder.NewMaskSpadeDecoder(vs.Root().Sub("mask"), opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	z := &encoder.Latent{
		High: ts.MustRand([]int64{1, 2048, 4, 4}, gotch.Float, gotch.CPU),
		Low:  ts.MustRand([]int64{1, 256, 16, 16}, gotch.Float, gotch.CPU),
	}
	cond := ts.MustRand([]int64{1, opts.Gen.M.Spade.CondNC, 4, 4}, gotch.Float, gotch.CPU)

	logits := dec.Forward(z, cond, false)

	// 2 spade layers, each followed by a x2 upsample
	size := logits.MustSize()
	want := []int64{1, 1, 16, 16}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	logits.MustDrop()
	cond.MustDrop()
	z.Free()
}

func TestSpadeMaskDecoderV2Forward(t *testing.T) {
	opts := config.Default()
	opts.Gen.Encoder.Architecture = config.ArchDeeplabV2
	opts.Gen.M.Spade.LatentDim = 8
	opts.Gen.M.Spade.NumLayers = 2
	vs := nn.NewVarStore(gotch.CPU)

	dec, err := decoder.NewMaskSpadeDecoder(vs.Root().Sub("mask"), opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	// deeplabv2 exposes no low-level features: the fc path must carry alone
	z := &encoder.Latent{
		High: ts.MustRand([]int64{1, 2048, 4, 4}, gotch.Float, gotch.CPU),
	}
	cond := ts.MustRand([]int64{1, opts.Gen.M.Spade.CondNC, 4, 4}, gotch.Float, gotch.CPU)

	logits := dec.Forward(z, cond, false)

	size := logits.MustSize()
	want := []int64{1, 1, 16, 16}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	logits.MustDrop()
	cond.MustDrop()
	z.Free()
}

func TestPainterLatentShape(t *testing.T) {
	opts := config.Default()
	opts.Gen.P.LatentDim = 32
	opts.Gen.P.SpadeNUp = 3
	vs := nn.NewVarStore(gotch.CPU)

	p := decoder.NewPainterSpadeDecoder(vs.Root().Sub("painter"), opts, nil)
	p.SetLatentShape(64, 32)

	h, w := p.LatentHW()
	if h != 8 || w != 4 {
		t.Errorf("want latent 8x4 after 3 upsamples, got %vx%v", h, w)
	}
}

func TestPainterOutputShapeAndRange(t *testing.T) {
	opts := config.Default()
	opts.Gen.P.LatentDim = 32
	opts.Gen.P.SpadeNUp = 3
	vs := nn.NewVarStore(gotch.CPU)

	p := decoder.NewPainterSpadeDecoder(vs.Root().Sub("painter"), opts, nil)
	p.SetLatentShape(32, 32)

	z := ts.MustRandn([]int64{1, 32, 4, 4}, gotch.Float, gotch.CPU)
	cond := ts.MustRand([]int64{1, 3, 32, 32}, gotch.Float, gotch.CPU)

	out := p.Forward(z, cond, false)

	size := out.MustSize()
	want := []int64{1, 3, 32, 32}
	for i := range want {
		if size[i] != want[i] {
			t.Errorf("want shape %v, got %v", want, size)
			break
		}
	}

	min := out.MustMin(false).Float64Values()[0]
	max := out.MustMax(false).Float64Values()[0]
	if min < -1 || max > 1 {
		t.Errorf("tanh output must lie in [-1, 1], got [%v, %v]", min, max)
	}

	out.MustDrop()
	cond.MustDrop()
	z.MustDrop()
}

func TestNoopPainterPassesConditioningThrough(t *testing.T) {
	p := &decoder.NoopPainter{}

	cond := ts.MustRand([]int64{1, 3, 8, 8}, gotch.Float, gotch.CPU)
	out := p.Forward(nil, cond, false)

	diff := cond.MustSub(out, false).MustAbs(true).MustMax(true)
	if diff.Float64Values()[0] != 0 {
		t.Error("the placeholder painter must return its input unchanged")
	}

	diff.MustDrop()
	out.MustDrop()
	cond.MustDrop()
}
