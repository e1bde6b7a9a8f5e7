package main

import (
	"fmt"
	"log"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/omnigan/config"
	"github.com/sugarme/omnigan/generator"
	"github.com/sugarme/omnigan/img"
)

const (
	ImageSize int64 = 640
	SkyIdx    int64 = 9
)

func main() {
	opts := config.Default()
	device := gotch.CPU

	g, err := generator.New(opts, device, nil, 1, false)
	if err != nil {
		log.Fatal(err)
	}

	// stand-in for a real street-level photo
	x := ts.MustRand([]int64{1, 3, ImageSize, ImageSize}, gotch.Float, device)
	x = x.MustMul1(ts.FloatScalar(2.0), true).MustAdd1(ts.FloatScalar(-1.0), true)

	mask, err := g.Mask(x, nil, nil, true, false)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("mask shape: %v\n", mask.MustSize())

	flooded, err := g.Paint(mask, x, false, false)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("flooded shape: %v\n", flooded.MustSize())

	depth, err := g.DepthImage(x, nil, false)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("depth shape: %v\n", depth.MustSize())

	seg, err := g.Seg(x, nil, false)
	if err != nil {
		log.Fatal(err)
	}
	cloudy, err := g.PaintCloudy(mask, x, seg, SkyIdx, []int64{8, 8}, 0.15, false)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("cloudy shape: %v\n", cloudy.MustSize())

	out, err := img.ToImage(flooded)
	if err != nil {
		log.Fatal(err)
	}
	if err := img.WriteImage(out, "flooded.png"); err != nil {
		log.Fatal(err)
	}

	cloudy.MustDrop()
	seg.MustDrop()
	depth.MustDrop()
	flooded.MustDrop()
	mask.MustDrop()
	x.MustDrop()
}
