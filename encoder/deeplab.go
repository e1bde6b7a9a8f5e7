package encoder

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/config"
)

// NewV3Backbone builds the deeplabv3 backbone selected by the configuration:
// a dilated ResNet-101 (high 2048, low 256) or a MobileNetV2 (high 320,
// low 24). Both expose the low-level feature map in the latent.
func NewV3Backbone(p *nn.Path, opts *config.Opts) (Encoder, error) {
	switch opts.Gen.DeeplabV3.Backbone {
	case config.BackboneResnet:
		return newV3ResNetEncoder(p), nil
	case config.BackboneMobilenet:
		return NewMobileNetV2Encoder(p), nil
	default:
		return nil, errors.Errorf("unknown deeplabv3 backbone %q", opts.Gen.DeeplabV3.Backbone)
	}
}

func convBnRelu(p *nn.Path, cIn, cOut, ksize, padding, stride, dilation, groups int64) ts.ModuleT {
	cfg := nn.DefaultConv2DConfig()
	cfg.Bias = false
	cfg.Stride = []int64{stride, stride}
	cfg.Padding = []int64{padding, padding}
	cfg.Dilation = []int64{dilation, dilation}
	cfg.Groups = groups

	seq := nn.SeqT()
	seq.Add(nn.NewConv2D(p.Sub("conv"), cIn, cOut, ksize, cfg))
	seq.Add(nn.BatchNorm2D(p.Sub("bn"), cOut, nn.DefaultBatchNormConfig()))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}

// InvertedResidual is MobileNetV2's expand / depthwise / project block with
// a residual add when the stride is 1 and channels match.
type InvertedResidual struct {
	useRes bool
	convs  *nn.SequentialT
}

// NewInvertedResidual creates an InvertedResidual with the given expansion
// ratio and dilation on the depthwise convolution.
func NewInvertedResidual(p *nn.Path, cIn, cOut, stride, expand, dilation int64) *InvertedResidual {
	hidden := cIn * expand

	seq := nn.SeqT()
	if expand != 1 {
		seq.Add(convBnRelu(p.Sub("expand"), cIn, hidden, 1, 0, 1, 1, 1))
	}
	seq.Add(convBnRelu(p.Sub("depthwise"), hidden, hidden, 3, dilation, stride, dilation, hidden))

	projConfig := nn.DefaultConv2DConfig()
	projConfig.Bias = false
	seq.Add(nn.NewConv2D(p.Sub("project").Sub("conv"), hidden, cOut, 1, projConfig))
	seq.Add(nn.BatchNorm2D(p.Sub("project").Sub("bn"), cOut, nn.DefaultBatchNormConfig()))

	return &InvertedResidual{
		useRes: stride == 1 && cIn == cOut,
		convs:  seq,
	}
}

// ForwardT implements ts.ModuleT for InvertedResidual.
func (ir *InvertedResidual) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	y := ir.convs.ForwardT(x, train)
	if !ir.useRes {
		return y
	}
	out := x.MustAdd(y, false)
	y.MustDrop()

	return out
}

// MobileNetV2Encoder is the mobilenet deeplabv3 backbone at output stride 16:
// the last stride-2 stage runs at stride 1 with dilation 2. Low-level
// features are taken after the 24-channel stage.
type MobileNetV2Encoder struct {
	low  *nn.SequentialT
	high *nn.SequentialT
}

// NewMobileNetV2Encoder creates a MobileNetV2Encoder.
func NewMobileNetV2Encoder(p *nn.Path) *MobileNetV2Encoder {
	// t: expansion, c: channels, n: repeats, s: first stride
	plan := []struct{ t, c, n, s, d int64 }{
		{1, 16, 1, 1, 1},
		{6, 24, 2, 2, 1}, // low-level cut after this stage
		{6, 32, 3, 2, 1},
		{6, 64, 4, 2, 1},
		{6, 96, 3, 1, 1},
		{6, 160, 3, 1, 2}, // stride 1 + dilation keeps output stride 16
		{6, 320, 1, 1, 2},
	}

	low := nn.SeqT()
	high := nn.SeqT()
	low.Add(convBnRelu(p.Sub("stem"), 3, 32, 3, 1, 2, 1, 1))

	cIn := int64(32)
	block := int64(0)
	for stage, cfg := range plan {
		seq := low
		if stage >= 2 {
			seq = high
		}
		stride := cfg.s
		for i := int64(0); i < cfg.n; i++ {
			seq.Add(NewInvertedResidual(p.Sub("block").Sub(itoa(block)), cIn, cfg.c, stride, cfg.t, cfg.d))
			cIn = cfg.c
			stride = 1
			block++
		}
	}

	return &MobileNetV2Encoder{low: low, high: high}
}

// Forward implements Encoder for MobileNetV2Encoder.
func (e *MobileNetV2Encoder) Forward(x *ts.Tensor, train bool) *Latent {
	lowFeat := e.low.ForwardT(x, train)
	highFeat := e.high.ForwardT(lowFeat, train)

	return &Latent{High: highFeat, Low: lowFeat}
}

// NewEncoder builds the encoder variant named by the configuration.
func NewEncoder(p *nn.Path, opts *config.Opts, ini nn.Init) (Encoder, error) {
	switch opts.Gen.Encoder.Architecture {
	case config.ArchDeeplabV2:
		return NewDeeplabV2Encoder(p), nil
	case config.ArchDeeplabV3:
		return NewV3Backbone(p, opts)
	case config.ArchBase:
		return NewBaseEncoder(p, opts, ini), nil
	default:
		return nil, errors.Errorf("unknown encoder architecture %q", opts.Gen.Encoder.Architecture)
	}
}
