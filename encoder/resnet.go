package encoder

import (
	"fmt"
	"strconv"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/base"
)

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

// Bottleneck is the 1-3-1 residual block of deep ResNets (expansion 4), with
// optional dilation on the middle convolution.
type Bottleneck struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Conv3      *nn.Conv2D
	Bn3        *nn.BatchNorm
	Downsample ts.ModuleT
}

const bottleneckExpansion int64 = 4

// NewBottleneck creates a Bottleneck mapping cIn channels to
// planes*expansion channels.
func NewBottleneck(p *nn.Path, cIn, planes, stride, dilation int64) *Bottleneck {
	cOut := planes * bottleneckExpansion

	var downsample ts.ModuleT
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(base.Conv2dNoBias(p.Sub("downsample").Sub("0"), cIn, cOut, 1, 0, stride))
		seq.Add(nn.BatchNorm2D(p.Sub("downsample").Sub("1"), cOut, nn.DefaultBatchNormConfig()))
		downsample = seq
	}

	return &Bottleneck{
		Conv1:      base.Conv2dNoBias(p.Sub("conv1"), cIn, planes, 1, 0, 1),
		Bn1:        nn.BatchNorm2D(p.Sub("bn1"), planes, nn.DefaultBatchNormConfig()),
		Conv2:      base.Conv2dDilated(p.Sub("conv2"), planes, planes, 3, dilation, stride, dilation),
		Bn2:        nn.BatchNorm2D(p.Sub("bn2"), planes, nn.DefaultBatchNormConfig()),
		Conv3:      base.Conv2dNoBias(p.Sub("conv3"), planes, cOut, 1, 0, 1),
		Bn3:        nn.BatchNorm2D(p.Sub("bn3"), cOut, nn.DefaultBatchNormConfig()),
		Downsample: downsample,
	}
}

// ForwardT implements ts.ModuleT for Bottleneck.
func (b *Bottleneck) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := b.Conv1.ForwardT(x, train)
	n1 := b.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	a1 := n1.MustRelu(true)

	c2 := b.Conv2.ForwardT(a1, train)
	a1.MustDrop()
	n2 := b.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	a2 := n2.MustRelu(true)

	c3 := b.Conv3.ForwardT(a2, train)
	a2.MustDrop()
	n3 := b.Bn3.ForwardT(c3, train)
	c3.MustDrop()

	var identity *ts.Tensor
	if b.Downsample != nil {
		identity = b.Downsample.ForwardT(x, train)
	} else {
		identity = x.MustDetach(false)
	}

	sum := identity.MustAdd(n3, true)
	n3.MustDrop()

	return sum.MustRelu(true)
}

// bottleneckLayer stacks cnt Bottlenecks; only the first one strides.
func bottleneckLayer(p *nn.Path, cIn, planes, stride, dilation, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBottleneck(p.Sub("0"), cIn, planes, stride, dilation))
	cOut := planes * bottleneckExpansion
	for blockIndex := int64(1); blockIndex < cnt; blockIndex++ {
		layer.Add(NewBottleneck(p.Sub(fmt.Sprint(blockIndex)), cOut, planes, 1, dilation))
	}

	return layer
}

func resnetStem(p *nn.Path) ts.ModuleT {
	conv1 := base.Conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2)
	bn1 := nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig())
	layer0 := nn.SeqT()
	layer0.Add(conv1)
	layer0.Add(bn1)
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))

	return layer0
}

// ResNetEncoder is a dilated ResNet-101 trunk. Depending on the stride and
// dilation plan it realizes the deeplabv2 encoder (output stride 8, no
// low-level features) or the deeplabv3 resnet backbone (output stride 16,
// low-level features after the first stage).
type ResNetEncoder struct {
	layer0  ts.ModuleT
	layer1  ts.ModuleT
	layer2  ts.ModuleT
	layer3  ts.ModuleT
	layer4  ts.ModuleT
	keepLow bool
}

// NewDeeplabV2Encoder creates the deeplabv2 variant: strides 1 and dilations
// 2/4 in the last two stages, high-level features only (2048 channels).
func NewDeeplabV2Encoder(p *nn.Path) *ResNetEncoder {
	return &ResNetEncoder{
		layer0: resnetStem(p),
		layer1: bottleneckLayer(p.Sub("layer1"), 64, 64, 1, 1, 3),
		layer2: bottleneckLayer(p.Sub("layer2"), 256, 128, 2, 1, 4),
		layer3: bottleneckLayer(p.Sub("layer3"), 512, 256, 1, 2, 23),
		layer4: bottleneckLayer(p.Sub("layer4"), 1024, 512, 1, 4, 3),
	}
}

// newV3ResNetEncoder creates the deeplabv3 resnet backbone: output stride 16,
// low-level features (256 channels) kept after the first stage.
func newV3ResNetEncoder(p *nn.Path) *ResNetEncoder {
	return &ResNetEncoder{
		layer0:  resnetStem(p),
		layer1:  bottleneckLayer(p.Sub("layer1"), 64, 64, 1, 1, 3),
		layer2:  bottleneckLayer(p.Sub("layer2"), 256, 128, 2, 1, 4),
		layer3:  bottleneckLayer(p.Sub("layer3"), 512, 256, 2, 1, 23),
		layer4:  bottleneckLayer(p.Sub("layer4"), 1024, 512, 1, 2, 3),
		keepLow: true,
	}
}

// Forward implements Encoder for ResNetEncoder.
func (e *ResNetEncoder) Forward(x *ts.Tensor, train bool) *Latent {
	x0 := e.layer0.ForwardT(x, train)
	x1 := e.layer1.ForwardT(x0, train)
	x0.MustDrop()
	x2 := e.layer2.ForwardT(x1, train)
	x3 := e.layer3.ForwardT(x2, train)
	x2.MustDrop()
	x4 := e.layer4.ForwardT(x3, train)
	x3.MustDrop()

	if e.keepLow {
		return &Latent{High: x4, Low: x1}
	}
	x1.MustDrop()

	return &Latent{High: x4}
}
