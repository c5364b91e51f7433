package docremedy

import (
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/alnah/go-docremedy/internal/fileutil"
)

// OverlayBrand draws the brand image centered on page, scaled to the given
// fraction of the page's width/height while preserving aspect ratio, blended
// at the given opacity. Pure function of its inputs: no retries, no side
// effects beyond the returned image. Callers treat failures as non-fatal and
// proceed without branding.
func OverlayBrand(page *image.RGBA, brand image.Image, opacity, scale float64) (*image.RGBA, error) {
	if opacity < 0 || opacity > 1 {
		return nil, fmt.Errorf("%w: %.2f", ErrInvalidOpacity, opacity)
	}
	if scale <= 0 || scale > 1 {
		return nil, fmt.Errorf("%w: scale %.2f", ErrInvalidOpacity, scale)
	}

	pb := page.Bounds()
	bb := brand.Bounds()
	if bb.Dx() == 0 || bb.Dy() == 0 {
		return nil, fmt.Errorf("brand image has zero dimension")
	}

	// Fit the brand into scale*page while preserving aspect ratio.
	maxW := float64(pb.Dx()) * scale
	maxH := float64(pb.Dy()) * scale
	ratio := min(maxW/float64(bb.Dx()), maxH/float64(bb.Dy()))
	w := int(float64(bb.Dx()) * ratio)
	h := int(float64(bb.Dy()) * ratio)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), brand, bb, xdraw.Over, nil)

	out := image.NewRGBA(pb)
	stddraw.Draw(out, pb, page, pb.Min, stddraw.Src)

	offX := pb.Min.X + (pb.Dx()-w)/2
	offY := pb.Min.Y + (pb.Dy()-h)/2
	target := image.Rect(offX, offY, offX+w, offY+h)

	// Alpha-scaled source: multiply the brand's own alpha by the requested
	// opacity, then composite over the page.
	mask := image.NewUniform(color.Alpha16{A: uint16(opacity * 0xFFFF)})
	stddraw.DrawMask(out, target, scaled, image.Point{}, mask, image.Point{}, stddraw.Over)

	return out, nil
}

// brandOverlayForFile loads page and brand images from disk, overlays, and
// writes the result back over the page path.
func brandOverlayForFile(pagePath, brandPath string, opacity, scale float64) error {
	if !fileutil.FileExists(brandPath) {
		return fmt.Errorf("%w: %s", ErrBrandImageMissing, brandPath)
	}

	page, err := loadImage(pagePath)
	if err != nil {
		return err
	}
	brandFile, err := os.Open(brandPath)
	if err != nil {
		return err
	}
	brand, _, err := image.Decode(brandFile)
	_ = brandFile.Close()
	if err != nil {
		return fmt.Errorf("decoding brand image: %w", err)
	}

	out, err := OverlayBrand(page, brand, opacity, scale)
	if err != nil {
		return err
	}
	return savePNG(pagePath, out)
}
