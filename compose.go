package docremedy

import (
	"fmt"
	"os"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// composePDF builds the output PDF from page images one page at a time in
// index order. Appending per page keeps at most one raster on the pdfcpu
// side per call instead of holding every buffer simultaneously; each page's
// intermediate files are deleted immediately after being folded in.
//
// A page whose transform failed contributes its unprocessed raster (via
// PageImage.OutputPath), so the output page count always equals the input's.
func composePDF(pages []PageImage, outPath string, deleteIntermediates bool) error {
	if len(pages) == 0 {
		return fmt.Errorf("%w: no pages to compose", ErrComposeFailed)
	}

	ordered := make([]PageImage, len(pages))
	copy(ordered, pages)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	// Start from a clean slate: ImportImagesFile appends when outPath
	// already exists.
	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrComposeFailed, err)
	}

	for _, p := range ordered {
		src := p.OutputPath()
		if src == "" {
			return fmt.Errorf("%w: page %d has no image", ErrComposeFailed, p.Index)
		}

		// nil import config sizes each output page to its source image's
		// pixel dimensions; no forced uniform page size, no crop.
		if err := api.ImportImagesFile([]string{src}, outPath, nil, nil); err != nil {
			return fmt.Errorf("%w: page %d: %v", ErrComposeFailed, p.Index, err)
		}

		if deleteIntermediates {
			if p.RawPath != "" {
				_ = os.Remove(p.RawPath)
			}
			if p.ProcessedPath != "" && p.ProcessedPath != p.RawPath {
				_ = os.Remove(p.ProcessedPath)
			}
		}
	}

	return nil
}
