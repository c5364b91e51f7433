package docremedy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// CommandRunner abstracts external-tool execution to enable testing without
// real subprocesses.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// Compile-time interface check.
var _ CommandRunner = (*ExecRunner)(nil)

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && errors.Is(err, exec.ErrNotFound) {
		return "", "", fmt.Errorf("%w: %s", ErrRenderToolMissing, name)
	}
	return stdout.String(), stderr.String(), err
}

// renderTool wraps the external PDF rendering CLI suite (poppler-style
// pdfinfo/pdftoppm plus qpdf) behind one adapter. All invocations carry the
// caller's context for timeout control.
type renderTool struct {
	runner CommandRunner
}

func newRenderTool(runner CommandRunner) *renderTool {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &renderTool{runner: runner}
}

var pdfinfoPages = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)

// PageCount returns the page count of a PDF. The fast path is one pdfinfo
// invocation. On failure, several independent fallbacks race concurrently
// and the first success wins; the final fallback is an exact pdfcpu count.
func (t *renderTool) PageCount(ctx context.Context, pdfPath string) (int, error) {
	if n, err := t.pageCountPdfinfo(ctx, pdfPath); err == nil {
		return n, nil
	}

	type countRes struct {
		n   int
		err error
	}

	fallbacks := []func(context.Context, string) (int, error){
		t.pageCountQpdf,
		t.pageCountMutool,
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan countRes, len(fallbacks))
	for _, fb := range fallbacks {
		fb := fb
		go func() {
			n, err := fb(raceCtx, pdfPath)
			ch <- countRes{n: n, err: err}
		}()
	}

	for range fallbacks {
		r := <-ch
		if r.err == nil && r.n > 0 {
			return r.n, nil
		}
	}

	// Exact library-based count as the last resort.
	n, err := api.PageCountFile(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPageCountFailed, err)
	}
	return n, nil
}

func (t *renderTool) pageCountPdfinfo(ctx context.Context, pdfPath string) (int, error) {
	stdout, stderr, err := t.runner.Run(ctx, "pdfinfo", pdfPath)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %s: %w", strings.TrimSpace(stderr), err)
	}
	m := pdfinfoPages.FindStringSubmatch(stdout)
	if m == nil {
		return 0, fmt.Errorf("pdfinfo: no Pages line in output")
	}
	return strconv.Atoi(m[1])
}

func (t *renderTool) pageCountQpdf(ctx context.Context, pdfPath string) (int, error) {
	stdout, stderr, err := t.runner.Run(ctx, "qpdf", "--show-npages", pdfPath)
	if err != nil {
		return 0, fmt.Errorf("qpdf: %s: %w", strings.TrimSpace(stderr), err)
	}
	return strconv.Atoi(strings.TrimSpace(stdout))
}

func (t *renderTool) pageCountMutool(ctx context.Context, pdfPath string) (int, error) {
	stdout, stderr, err := t.runner.Run(ctx, "mutool", "info", pdfPath)
	if err != nil {
		return 0, fmt.Errorf("mutool: %s: %w", strings.TrimSpace(stderr), err)
	}
	m := pdfinfoPages.FindStringSubmatch(stdout)
	if m == nil {
		return 0, fmt.Errorf("mutool: no Pages line in output")
	}
	return strconv.Atoi(m[1])
}

// Split writes one single-page PDF per page of src into outDir, named
// page_%d.pdf with 1-based numbering, in a single tool invocation. Falls
// back to pdfcpu when qpdf is unavailable.
func (t *renderTool) Split(ctx context.Context, src, outDir string) error {
	pattern := filepath.Join(outDir, "page_%d.pdf")
	_, stderr, err := t.runner.Run(ctx, "qpdf", "--split-pages=1", src, pattern)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRenderToolMissing) {
		if splitErr := t.splitPdfcpu(src, outDir); splitErr != nil {
			return fmt.Errorf("%w: %v", ErrSplitFailed, splitErr)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrSplitFailed, strings.TrimSpace(stderr), err)
}

// splitPdfcpu splits via the pdfcpu library and renames its
// <basename>_<n>.pdf outputs to the page_<n>.pdf convention the rest of the
// pipeline expects.
func (t *renderTool) splitPdfcpu(src, outDir string) error {
	if err := api.SplitFile(src, outDir, 1, nil); err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	matches, err := filepath.Glob(filepath.Join(outDir, base+"_*.pdf"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		numPart := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), base+"_"), ".pdf")
		if _, convErr := strconv.Atoi(numPart); convErr != nil {
			continue
		}
		if renameErr := os.Rename(m, filepath.Join(outDir, "page_"+numPart+".pdf")); renameErr != nil {
			return renameErr
		}
	}
	return nil
}

// Rasterize renders a single-page PDF to a PNG at the given DPI. outPrefix
// is the output path without extension; the tool appends ".png".
func (t *renderTool) Rasterize(ctx context.Context, pdfPath, outPrefix string, dpi int) (string, error) {
	_, stderr, err := t.runner.Run(ctx, "pdftoppm",
		"-png", "-singlefile",
		"-r", strconv.Itoa(dpi),
		pdfPath, outPrefix)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrRasterizeFailed, strings.TrimSpace(stderr), err)
	}
	return outPrefix + ".png", nil
}
