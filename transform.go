package docremedy

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // register decoder for downloaded page images
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// transformSettings is the per-page slice of ProcessingConfig the pixel
// stage needs. Factors are small multiplicative adjustments (typical range
// 1.0-1.5): strong enough to wash out translucent watermark overlays, gentle
// enough to keep the underlying text legible. Aggressive mode adds a
// whitening threshold and is reserved for content that tolerates destructive
// processing.
type transformSettings struct {
	Brightness      float64
	Contrast        float64
	Saturation      float64
	SharpenAmount   float64
	Aggressive      bool
	WhitenThreshold uint8
}

func settingsFrom(cfg ProcessingConfig) transformSettings {
	return transformSettings{
		Brightness:      cfg.Brightness,
		Contrast:        cfg.Contrast,
		Saturation:      cfg.Saturation,
		SharpenAmount:   cfg.SharpenAmount,
		Aggressive:      cfg.Aggressive,
		WhitenThreshold: cfg.WhitenThreshold,
	}
}

// enhancedSettings is the capture-path tuning: slightly harder contrast
// because viewer-rendered page images carry denser watermark tiles.
func enhancedSettings(cfg ProcessingConfig) transformSettings {
	s := settingsFrom(cfg)
	s.Contrast *= 1.1
	s.SharpenAmount += 0.2
	return s
}

// loadImage decodes a PNG or JPEG from disk into RGBA.
func loadImage(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return toRGBA(img), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// savePNG writes an image to disk as PNG.
func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// normalizeToPNG re-encodes a downloaded page image as PNG if it is not one
// already, so every image entering the pipeline shares one raster format.
// Returns the (possibly new) path.
func normalizeToPNG(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return path, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".png"
	if err := savePNG(out, img); err != nil {
		return "", err
	}
	if out != path {
		_ = os.Remove(path)
	}
	return out, nil
}

// transformImage applies the watermark-degrading pixel transforms in order:
// brightness/contrast/saturation, optional whitening, then sharpening.
func transformImage(src *image.RGBA, s transformSettings) *image.RGBA {
	out := adjustColors(src, s)
	if s.Aggressive {
		out = whiten(out, s.WhitenThreshold)
	}
	if s.SharpenAmount > 0 {
		out = sharpen(out, s.SharpenAmount)
	}
	return out
}

// adjustColors applies brightness, contrast and saturation in a single pass.
func adjustColors(src *image.RGBA, s transformSettings) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.RGBAAt(x, y)

			r := float64(c.R)
			g := float64(c.G)
			bl := float64(c.B)

			// Brightness: multiplicative lift.
			r *= s.Brightness
			g *= s.Brightness
			bl *= s.Brightness

			// Contrast: scale distance from mid-gray.
			r = (r-128)*s.Contrast + 128
			g = (g-128)*s.Contrast + 128
			bl = (bl-128)*s.Contrast + 128

			// Saturation: scale distance from the pixel's luma.
			if s.Saturation != 1.0 {
				luma := 0.299*r + 0.587*g + 0.114*bl
				r = luma + (r-luma)*s.Saturation
				g = luma + (g-luma)*s.Saturation
				bl = luma + (bl-luma)*s.Saturation
			}

			out.SetRGBA(x, y, color.RGBA{clampByte(r), clampByte(g), clampByte(bl), c.A})
		}
	}
	return out
}

// whiten pushes every near-white pixel to pure white. Destroys light-gray
// watermark residue along with any light page furniture, hence aggressive
// mode only.
func whiten(src *image.RGBA, threshold uint8) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.RGBAAt(x, y)
			if c.R >= threshold && c.G >= threshold && c.B >= threshold {
				out.SetRGBA(x, y, color.RGBA{255, 255, 255, c.A})
			} else {
				out.SetRGBA(x, y, c)
			}
		}
	}
	return out
}

// sharpen applies an unsharp 3x3 convolution scaled by amount (0 disables,
// ~0.5-1.0 is the usable range for scanned text).
func sharpen(src *image.RGBA, amount float64) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)

	center := 1 + 4*amount
	edge := -amount

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if x == b.Min.X || y == b.Min.Y || x == b.Max.X-1 || y == b.Max.Y-1 {
				out.SetRGBA(x, y, src.RGBAAt(x, y))
				continue
			}

			c := src.RGBAAt(x, y)
			up := src.RGBAAt(x, y-1)
			down := src.RGBAAt(x, y+1)
			left := src.RGBAAt(x-1, y)
			right := src.RGBAAt(x+1, y)

			r := float64(c.R)*center + (float64(up.R)+float64(down.R)+float64(left.R)+float64(right.R))*edge
			g := float64(c.G)*center + (float64(up.G)+float64(down.G)+float64(left.G)+float64(right.G))*edge
			bl := float64(c.B)*center + (float64(up.B)+float64(down.B)+float64(left.B)+float64(right.B))*edge

			out.SetRGBA(x, y, color.RGBA{clampByte(r), clampByte(g), clampByte(bl), c.A})
		}
	}
	return out
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
