package base

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
)

// InitScheme maps an init_type/init_gain pair from the configuration onto a
// gotch weight initializer. The initializer is threaded into conv configs at
// construction; pre-initialized backbone encoders never go through here.
func InitScheme(initType string, gain float64) (nn.Init, error) {
	switch initType {
	case "normal":
		return nn.NewRandnInit(0.0, gain), nil
	case "xavier":
		return nn.NewGlorotNInit(), nil
	case "", "kaiming":
		return nn.NewKaimingUniformInit(), nil
	default:
		return nil, errors.Errorf("unknown init type %q", initType)
	}
}
