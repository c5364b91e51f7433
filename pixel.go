package docremedy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alnah/go-docremedy/internal/fileutil"
)

// PixelPipeline removes watermark content without the remote vendor by
// rasterizing each page and applying image-space transforms, bounded by a
// fixed worker pool and batch submission.
type PixelPipeline struct {
	cfg    ProcessingConfig
	tool   *renderTool
	pool   *pageWorkerPool
	logger *slog.Logger
}

// NewPixelPipeline derives a host-shaped config once and reuses the worker
// pool across every image-processing call within a job.
func NewPixelPipeline(cfg ProcessingConfig, runner CommandRunner, logger *slog.Logger) (*PixelPipeline, error) {
	cfg = cfg.OptimizeForHost()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PixelPipeline{
		cfg:    cfg,
		tool:   newRenderTool(runner),
		pool:   newPageWorkerPool(cfg.WorkerCount, cfg.BatchSize, cfg.BatchPause),
		logger: logger,
	}, nil
}

// Process runs split -> rasterize -> transform -> compose for one PDF and
// writes the result to outPath. The output page count always equals the
// input's: a page whose transform fails is composed from its unprocessed
// raster instead of being dropped. All intermediates live in a per-run temp
// directory removed on every exit path.
func (p *PixelPipeline) Process(ctx context.Context, srcPDF, outPath string) error {
	pageCount, err := p.tool.PageCount(ctx, srcPDF)
	if err != nil {
		return err
	}
	if pageCount < 1 {
		return fmt.Errorf("%w: zero pages", ErrPageCountFailed)
	}

	workDir, cleanup, err := fileutil.TempDir("pixel")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := p.tool.Split(ctx, srcPDF, workDir); err != nil {
		return err
	}

	pages, err := p.rasterize(ctx, workDir, pageCount)
	if err != nil {
		return err
	}

	pages = p.transform(ctx, pages, settingsFrom(p.cfg))

	p.brand(pages)

	if err := composePDF(pages, outPath, true); err != nil {
		return err
	}

	p.logger.Info("pixel pipeline complete",
		"pages", pageCount, "out", outPath, "size", fileutil.FileSize(outPath))
	return nil
}

// rasterize renders every single-page PDF to PNG at the configured DPI
// through the worker pool, with per-page bounded retries. A page that fails
// all retries aborts the run: without a raster there is nothing to compose.
func (p *PixelPipeline) rasterize(ctx context.Context, workDir string, pageCount int) ([]PageImage, error) {
	jobs := make([]pageJob, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		jobs = append(jobs, pageJob{
			Index: i,
			Path:  filepath.Join(workDir, "page_"+strconv.Itoa(i)+".pdf"),
		})
	}

	results, err := p.pool.Process(ctx, jobs, func(ctx context.Context, job pageJob) (string, error) {
		prefix := filepath.Join(workDir, "raster_"+strconv.Itoa(job.Index))
		var lastErr error
		for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
			out, rastErr := p.tool.Rasterize(ctx, job.Path, prefix, p.cfg.DPI)
			if rastErr == nil {
				return out, nil
			}
			lastErr = rastErr
		}
		return "", lastErr
	})
	if err != nil {
		return nil, err
	}

	pages := make([]PageImage, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrRasterizeFailed, r.Index, r.Err)
		}
		pages = append(pages, PageImage{Index: r.Index, RawPath: r.Path})
	}
	return pages, nil
}

// transform applies the pixel transforms through the worker pool. Each unit
// carries its page index; a failed transform leaves ProcessedPath empty so
// composition substitutes the raw raster.
func (p *PixelPipeline) transform(ctx context.Context, pages []PageImage, settings transformSettings) []PageImage {
	jobs := make([]pageJob, len(pages))
	for i, pg := range pages {
		jobs[i] = pageJob{Index: pg.Index, Path: pg.RawPath}
	}

	results, err := p.pool.Process(ctx, jobs, func(ctx context.Context, job pageJob) (string, error) {
		img, loadErr := loadImage(job.Path)
		if loadErr != nil {
			return "", loadErr
		}
		out := transformImage(img, settings)
		outPath := processedPathFor(job.Path)
		if saveErr := savePNG(outPath, out); saveErr != nil {
			return "", saveErr
		}
		return outPath, nil
	})
	if err != nil {
		// Context cancellation: report every page unprocessed.
		p.logger.Warn("transform stage aborted", "error", err)
		return pages
	}

	for i, r := range results {
		if r.Err != nil {
			p.logger.Warn("page transform failed, keeping raw raster",
				"page", r.Index, "error", r.Err)
			continue
		}
		pages[i].ProcessedPath = r.Path
	}
	return pages
}

// brand stamps the branding overlay on every page not already stamped by an
// earlier stage. Overlay failures are non-fatal: the page ships unbranded.
func (p *PixelPipeline) brand(pages []PageImage) {
	if p.cfg.BrandImagePath == "" {
		return
	}
	for i := range pages {
		if pages[i].Branded {
			continue
		}
		err := brandOverlayForFile(pages[i].OutputPath(), p.cfg.BrandImagePath, p.cfg.BrandOpacity, p.cfg.BrandScale)
		if err != nil {
			p.logger.Warn("branding overlay failed", "page", pages[i].Index, "error", err)
			continue
		}
		pages[i].Branded = true
	}
}

// processedPathFor derives the transform output path from a raw raster
// path.
func processedPathFor(rawPath string) string {
	ext := filepath.Ext(rawPath)
	return rawPath[:len(rawPath)-len(ext)] + "_out" + ext
}

// removeIfExists is a best-effort cleanup for intermediates outside the
// per-run temp dir.
func removeIfExists(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
