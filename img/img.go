// Package img converts between image files and the [-1, 1] normalized CHW
// tensors the generator consumes, plus small helpers for visualizing masks.
package img

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"golang.org/x/image/draw"
)

// ReadImage reads an image from file, dispatching the decoder on the file
// extension.
func ReadImage(filename string) (image.Image, error) {
	ext := filepath.Ext(filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext {
	case ".png", ".PNG":
		return png.Decode(f)
	case ".jpg", ".jpeg", ".JPG", ".JPEG":
		return jpeg.Decode(f)
	case ".tiff", ".tif", ".TIFF", ".TIF":
		return tiff.Decode(f)
	default:
		return nil, errors.Errorf("unsupported image format: %v", ext)
	}
}

// WriteImage encodes im as png.
func WriteImage(im image.Image, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return png.Encode(f, im)
}

// ResizeImage resamples im to w x h with Lanczos.
func ResizeImage(im image.Image, w, h int) image.Image {
	return imaging.Resize(im, w, h, imaging.Lanczos)
}

// ToTensor converts an image to a 1x3xHxW float tensor with values in
// [-1, 1] on the CPU device.
func ToTensor(im image.Image) *ts.Tensor {
	bounds := im.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	src := image.NewNRGBA(bounds)
	draw.Copy(src, bounds.Min, im, bounds, draw.Src, nil)

	// pixel byte -> [-1, 1]: v/127.5 - 1
	vals := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.NRGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			i := y*w + x
			vals[i] = float32(c.R)/127.5 - 1
			vals[h*w+i] = float32(c.G)/127.5 - 1
			vals[2*h*w+i] = float32(c.B)/127.5 - 1
		}
	}

	x := ts.MustOfSlice(vals)

	return x.MustView([]int64{1, 3, int64(h), int64(w)}, true)
}

// ToImage converts a 1x3xHxW tensor with values in [-1, 1] back to an image.
// Values outside the range are clamped.
func ToImage(x *ts.Tensor) (image.Image, error) {
	size := x.MustSize()
	if len(size) != 4 || size[0] != 1 || size[1] != 3 {
		return nil, errors.Errorf("want a 1x3xHxW tensor, got shape %v", size)
	}
	h := int(size[2])
	w := int(size[3])

	cpu := x.MustTo(gotch.CPU, false)
	flat := cpu.MustView([]int64{int64(3 * h * w)}, true)
	vals := flat.Float64Values()
	flat.MustDrop()

	toByte := func(v float64) uint8 {
		p := (v + 1) * 127.5
		if p < 0 {
			p = 0
		}
		if p > 255 {
			p = 255
		}
		return uint8(p)
	}

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for xi := 0; xi < w; xi++ {
			i := y*w + xi
			out.SetNRGBA(xi, y, color.NRGBA{
				R: toByte(vals[i]),
				G: toByte(vals[h*w+i]),
				B: toByte(vals[2*h*w+i]),
				A: 255,
			})
		}
	}

	return out, nil
}

// MaskToImage converts a 1x1xHxW probability tensor in [0, 1] to a grayscale
// image.
func MaskToImage(m *ts.Tensor) (image.Image, error) {
	size := m.MustSize()
	if len(size) != 4 || size[0] != 1 || size[1] != 1 {
		return nil, errors.Errorf("want a 1x1xHxW tensor, got shape %v", size)
	}
	h := int(size[2])
	w := int(size[3])

	cpu := m.MustTo(gotch.CPU, false)
	flat := cpu.MustView([]int64{int64(h * w)}, true)
	vals := flat.Float64Values()
	flat.MustDrop()

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for xi := 0; xi < w; xi++ {
			v := vals[y*w+xi]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			out.SetGray(xi, y, color.Gray{Y: uint8(v * 255)})
		}
	}

	return out, nil
}

// OverlayMask draws mask over im with the given opacity (0..255), resizing
// the mask to the image bounds first.
func OverlayMask(im, mask image.Image, opacity uint8) image.Image {
	bounds := im.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	scaled := resize.Resize(uint(w), uint(h), mask, resize.Lanczos3)

	rec := image.Rect(0, 0, w, h)
	dst := image.NewRGBA(rec)
	draw.Copy(dst, image.Point{}, im, bounds, draw.Src, nil)

	alpha := image.NewUniform(color.Alpha{opacity})
	draw.DrawMask(dst, rec, scaled, image.Point{}, alpha, image.Point{}, draw.Over)

	return dst
}
