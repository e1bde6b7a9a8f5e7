package base

import (
	"log"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// ConvBlockOpts selects the padding, normalization and activation applied
// around a Conv2dBlock's convolution. Zero value means zero padding, no norm,
// no activation, bias on, default weight init.
type ConvBlockOpts struct {
	Norm    string // "batch" | "instance" | "none"
	Activ   string // "relu" | "lrelu" | "tanh" | "sigmoid" | "none"
	PadType string // "zero" | "reflect"
	NoBias  bool
	Init    nn.Init // nil keeps gotch's default
}

// Activate applies the named activation, consuming x unless activ is none.
func Activate(x *ts.Tensor, activ string) *ts.Tensor {
	switch activ {
	case "relu":
		return x.MustRelu(true)
	case "lrelu":
		return x.MustLeakyRelu(true)
	case "tanh":
		return x.MustTanh(true)
	case "sigmoid":
		return x.MustSigmoid(true)
	case "", "none":
		return x
	default:
		log.Fatalf("Unsupported activation: %v\n", activ)
		return nil
	}
}

// Conv2dBlock is pad -> conv -> norm -> activation.
type Conv2dBlock struct {
	pad   []int64 // reflection padding; nil means zero padding inside conv
	conv  *nn.Conv2D
	norm  ts.ModuleT // nil means none
	activ string
}

// NewConv2dBlock creates a Conv2dBlock. Unrecognized option strings are
// programmer errors (configuration is validated upstream) and abort.
func NewConv2dBlock(p *nn.Path, cIn, cOut, ksize, stride, padding int64, o ConvBlockOpts) *Conv2dBlock {
	return newConv2dBlock(p, cIn, cOut, ksize, stride, padding, 1, o)
}

// NewDilatedConv2dBlock is NewConv2dBlock with a dilated convolution.
func NewDilatedConv2dBlock(p *nn.Path, cIn, cOut, ksize, stride, padding, dilation int64, o ConvBlockOpts) *Conv2dBlock {
	return newConv2dBlock(p, cIn, cOut, ksize, stride, padding, dilation, o)
}

func newConv2dBlock(p *nn.Path, cIn, cOut, ksize, stride, padding, dilation int64, o ConvBlockOpts) *Conv2dBlock {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Dilation = []int64{dilation, dilation}
	config.Bias = !o.NoBias
	if o.Init != nil {
		config.WsInit = o.Init
	}

	var pad []int64
	switch o.PadType {
	case "reflect":
		pad = []int64{padding, padding, padding, padding}
		config.Padding = []int64{0, 0}
	case "", "zero":
		config.Padding = []int64{padding, padding}
	default:
		log.Fatalf("Unsupported pad type: %v\n", o.PadType)
	}

	conv := nn.NewConv2D(p.Sub("conv"), cIn, cOut, ksize, config)

	var norm ts.ModuleT
	switch o.Norm {
	case "batch":
		norm = nn.BatchNorm2D(p.Sub("norm"), cOut, nn.DefaultBatchNormConfig())
	case "instance":
		norm = NewInstanceNorm2d(p.Sub("norm"), cOut)
	case "", "none":
	default:
		log.Fatalf("Unsupported norm: %v\n", o.Norm)
	}

	switch o.Activ {
	case "relu", "lrelu", "tanh", "sigmoid", "", "none":
	default:
		log.Fatalf("Unsupported activation: %v\n", o.Activ)
	}

	return &Conv2dBlock{pad: pad, conv: conv, norm: norm, activ: o.Activ}
}

// ForwardT implements ts.ModuleT for Conv2dBlock.
func (b *Conv2dBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	var y *ts.Tensor
	if b.pad != nil {
		padded := x.MustReflectionPad2d(b.pad, false)
		y = b.conv.ForwardT(padded, train)
		padded.MustDrop()
	} else {
		y = b.conv.ForwardT(x, train)
	}

	if b.norm != nil {
		n := b.norm.ForwardT(y, train)
		y.MustDrop()
		y = n
	}

	return Activate(y, b.activ)
}

// InstanceNorm2d is instance normalization with a learnable affine.
type InstanceNorm2d struct {
	ws       *ts.Tensor
	bs       *ts.Tensor
	momentum float64
	eps      float64
}

// NewInstanceNorm2d creates an InstanceNorm2d over dim channels.
func NewInstanceNorm2d(p *nn.Path, dim int64) *InstanceNorm2d {
	return &InstanceNorm2d{
		ws:       p.Ones("weight", []int64{dim}),
		bs:       p.Zeros("bias", []int64{dim}),
		momentum: 0.1,
		eps:      1e-5,
	}
}

// ForwardT implements ts.ModuleT for InstanceNorm2d.
func (n *InstanceNorm2d) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustInstanceNorm(n.ws, n.bs, ts.NewTensor(), ts.NewTensor(), true, n.momentum, n.eps, false, false)
}

// ResBlock is two 3x3 Conv2dBlocks with a residual add. The second block
// carries no activation so the sum stays unbounded.
type ResBlock struct {
	conv1 *Conv2dBlock
	conv2 *Conv2dBlock
}

// NewResBlock creates a ResBlock preserving dim channels.
func NewResBlock(p *nn.Path, dim int64, o ConvBlockOpts) *ResBlock {
	o2 := o
	o2.Activ = "none"

	return &ResBlock{
		conv1: NewConv2dBlock(p.Sub("conv1"), dim, dim, 3, 1, 1, o),
		conv2: NewConv2dBlock(p.Sub("conv2"), dim, dim, 3, 1, 1, o2),
	}
}

// ForwardT implements ts.ModuleT for ResBlock.
func (r *ResBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	y1 := r.conv1.ForwardT(x, train)
	y2 := r.conv2.ForwardT(y1, train)
	y1.MustDrop()
	out := x.MustAdd(y2, false)
	y2.MustDrop()

	return out
}

// ResBlocks chains n ResBlocks.
type ResBlocks struct {
	blocks []*ResBlock
}

// NewResBlocks creates n chained ResBlocks (n may be 0).
func NewResBlocks(p *nn.Path, n, dim int64, o ConvBlockOpts) *ResBlocks {
	var blocks []*ResBlock
	for i := int64(0); i < n; i++ {
		blocks = append(blocks, NewResBlock(p.Sub(itoa(i)), dim, o))
	}

	return &ResBlocks{blocks}
}

// ForwardT implements ts.ModuleT for ResBlocks.
func (r *ResBlocks) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	if len(r.blocks) == 0 {
		return x.MustDetach(false)
	}

	y := r.blocks[0].ForwardT(x, train)
	for _, b := range r.blocks[1:] {
		next := b.ForwardT(y, train)
		y.MustDrop()
		y = next
	}

	return y
}

// InterpolateNearest2d upsamples by an integer scale factor.
type InterpolateNearest2d struct {
	ScaleFactor int64
}

// ForwardT implements ts.ModuleT for InterpolateNearest2d.
func (i *InterpolateNearest2d) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	h := size[len(size)-2] * i.ScaleFactor
	w := size[len(size)-1] * i.ScaleFactor

	return x.MustUpsampleNearest2d([]int64{h, w}, nil, nil, false)
}
