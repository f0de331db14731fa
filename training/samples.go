package training

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/checkpoints"
	"github.com/tsawler/go-layergan/tensor"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	sampleCellScale = 4  // pixels per activation
	sampleGap       = 1  // pixels between channel tiles
	captionHeight   = 16 // basicfont glyphs are 13 pixels tall
)

// SampleFiles are the paths written for one sample batch.
type SampleFiles struct {
	Tensor string
	PNG    string
}

// SaveSamples writes samples [N, C, H, W] to dir as samples_{iteration}.tensor
// and, when withPNG is set, a preview of the first sample's channels as
// samples_{iteration}.png. dir is created if missing.
func SaveSamples(dir string, iteration int, samples *tensor.Tensor, withPNG bool) (SampleFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SampleFiles{}, errors.Wrap(err, "failed to create sample directory")
	}

	files := SampleFiles{Tensor: filepath.Join(dir, fmt.Sprintf("samples_%d.tensor", iteration))}
	record := checkpoints.TensorRecord{
		Shape: append([]int(nil), samples.Shape...),
		Data:  append([]float64(nil), samples.Data...),
	}
	if err := checkpoints.WriteTensorFile(files.Tensor, record); err != nil {
		return SampleFiles{}, errors.Wrap(err, "failed to save samples")
	}
	if !withPNG {
		return files, nil
	}

	first, err := samples.Slice(0)
	if err != nil {
		return SampleFiles{}, err
	}
	if first, err = tensor.Reshape(first, first.Shape[1:]); err != nil {
		return SampleFiles{}, err
	}
	caption := fmt.Sprintf("iter %d  %v", iteration, first.Shape)
	img, err := RenderSamplePNG(first, caption)
	if err != nil {
		return SampleFiles{}, err
	}
	files.PNG = filepath.Join(dir, fmt.Sprintf("samples_%d.png", iteration))
	if err := savePNG(img, files.PNG); err != nil {
		return SampleFiles{}, errors.Wrap(err, "failed to save sample preview")
	}
	return files, nil
}

// RenderSamplePNG tiles the channels of one sample [C, H, W] in a square
// grid, each channel min-max scaled to grey levels, under a text caption.
func RenderSamplePNG(sample *tensor.Tensor, caption string) (*image.RGBA, error) {
	if sample.Dim() != 3 {
		return nil, errors.Errorf("sample preview needs [C, H, W], got %v", sample.Shape)
	}
	c, h, w := sample.Shape[0], sample.Shape[1], sample.Shape[2]
	cols := int(math.Ceil(math.Sqrt(float64(c))))
	rows := (c + cols - 1) / cols

	tileW, tileH := w*sampleCellScale, h*sampleCellScale
	width := cols*(tileW+sampleGap) + sampleGap
	height := captionHeight + rows*(tileH+sampleGap) + sampleGap
	if minWidth := len(caption)*7 + 4; width < minWidth {
		width = minWidth
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{8, 8, 12, 255}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{230, 230, 230, 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(2, captionHeight-4),
	}
	d.DrawString(caption)

	plane := h * w
	for ch := 0; ch < c; ch++ {
		values := sample.Data[ch*plane : (ch+1)*plane]
		lo, hi := values[0], values[0]
		for _, v := range values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo

		x0 := sampleGap + (ch%cols)*(tileW+sampleGap)
		y0 := captionHeight + sampleGap + (ch/cols)*(tileH+sampleGap)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var grey uint8
				if span > 0 {
					grey = uint8(math.Round(255 * (values[y*w+x] - lo) / span))
				}
				cell := image.Rect(x0+x*sampleCellScale, y0+y*sampleCellScale, x0+(x+1)*sampleCellScale, y0+(y+1)*sampleCellScale)
				draw.Draw(img, cell, image.NewUniform(color.RGBA{grey, grey, grey, 255}), image.Point{}, draw.Src)
			}
		}
	}
	return img, nil
}

func savePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
