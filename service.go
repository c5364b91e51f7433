package docremedy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is the terminal outcome of a full pipeline run for one document.
type Result struct {
	Success  bool
	FilePath string
	MimeType string
	Size     int64
	// Remediated is false for passthrough (non-PDF) documents.
	Remediated bool
	// Stage and Err describe the failure when !Success.
	Stage    string
	Err      error
	Attempts []AcquisitionAttempt
}

// Deps are the external collaborators a Service needs. Provider is
// required; the rest are optional and disable their strategy when nil or
// empty.
type Deps struct {
	Provider      Provider
	SessionCookie string
	Keys          *KeyPool
	Vendor        VendorConfig
	Capture       CaptureConfig
}

// Service orchestrates acquisition and remediation for one document at a
// time per call; calls for different documents may run concurrently, with
// browser capture serialized through the shared queue.
type Service struct {
	cfg          serviceConfig
	orchestrator *Orchestrator
	remote       *RemediationClient
	pixel        *PixelPipeline
	capture      *CaptureAcquirer
	queue        *ProcessingQueue
}

// New creates a Service. Use options to customize behavior (e.g.
// WithHTTPTimeout, WithProcessingConfig).
func New(deps Deps, opts ...Option) (*Service, error) {
	s := &Service{
		cfg: serviceConfig{
			httpTimeout:  defaultHTTPTimeout,
			retryDelay:   defaultRetryDelay,
			maxTransient: defaultMaxTransient,
			processing:   DefaultProcessingConfig(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.logger == nil {
		s.cfg.logger = slog.Default()
	}

	httpClient := &http.Client{Timeout: s.cfg.httpTimeout}

	// Typed nils must not become non-nil interfaces downstream, so the
	// interface variables stay nil unless a strategy is configured.
	var cookie cookieFetcher
	if deps.SessionCookie != "" && s.cfg.exportURL != "" {
		cookie = newCookieDownloader(httpClient, deps.SessionCookie, s.cfg.exportURL, s.cfg.httpTimeout)
	}

	var captureRun captureRunner
	var capture *CaptureAcquirer
	var queue *ProcessingQueue
	if deps.Capture.ViewerURL != "" {
		capture = NewCaptureAcquirer(deps.Capture, s.cfg.processing, httpClient, s.cfg.logger)
		captureRun = capture
		queue = NewProcessingQueue()
	}

	pixel, err := NewPixelPipeline(s.cfg.processing, nil, s.cfg.logger)
	if err != nil {
		return nil, err
	}

	s.orchestrator = NewOrchestrator(deps.Provider, cookie, queue, captureRun, s.cfg.logger)
	s.capture = capture
	s.queue = queue
	s.pixel = pixel

	if deps.Keys != nil && deps.Vendor.CreateURL != "" {
		s.remote = NewRemediationClient(httpClient, deps.Keys, deps.Vendor, s.cfg.logger)
	}

	return s, nil
}

// Process acquires the referenced document and produces a remediated copy
// ready for redistribution. PDFs go through remote remediation first,
// falling back to the local pixel pipeline; other file types pass through
// untouched. Every failure is a structured Result, so batch callers can
// skip-and-continue.
func (s *Service) Process(ctx context.Context, ref DocumentReference) Result {
	start := time.Now()
	log := s.cfg.logger.With("fileId", ref.FileID(), "jobId", uuid.NewString())

	acq := s.orchestrator.Acquire(ctx, ref)
	if !acq.Success {
		return Result{
			Stage:    "acquire",
			Err:      acq.Err,
			Attempts: acq.Attempts,
		}
	}
	log.Info("document acquired",
		"strategy", acq.LastStrategy, "mime", acq.MimeType, "size", acq.Size)

	// Capture output is already remediated page-by-page.
	if acq.LastStrategy == StrategyCapture {
		return Result{
			Success:    true,
			FilePath:   acq.FilePath,
			MimeType:   acq.MimeType,
			Size:       acq.Size,
			Remediated: true,
			Attempts:   acq.Attempts,
		}
	}

	// Passthrough for anything that is not a PDF.
	if !isPDFMime(acq.MimeType) {
		return Result{
			Success:  true,
			FilePath: acq.FilePath,
			MimeType: acq.MimeType,
			Size:     acq.Size,
			Attempts: acq.Attempts,
		}
	}

	outPath := remediatedPathFor(acq.FilePath)
	if err := s.remediate(ctx, log, acq.FilePath, outPath); err != nil {
		removeIfExists(outPath)
		return Result{
			Stage:    "remediate",
			Err:      err,
			Attempts: acq.Attempts,
		}
	}

	// The acquired original is an intermediate once the remediated copy
	// exists.
	removeIfExists(acq.FilePath)

	info, err := os.Stat(outPath)
	if err != nil {
		return Result{Stage: "remediate", Err: err, Attempts: acq.Attempts}
	}

	log.Info("document remediated", "out", outPath, "size", info.Size(), "took", time.Since(start))
	return Result{
		Success:    true,
		FilePath:   outPath,
		MimeType:   "application/pdf",
		Size:       info.Size(),
		Remediated: true,
		Attempts:   acq.Attempts,
	}
}

// remediate tries the remote vendor first and falls back to the local pixel
// pipeline on any remote failure, including key-pool exhaustion and
// stuck-retry exhaustion.
func (s *Service) remediate(ctx context.Context, log *slog.Logger, srcPath, outPath string) error {
	if s.remote != nil {
		err := s.remote.Remediate(ctx, srcPath, outPath)
		if err == nil {
			return nil
		}
		log.Warn("remote remediation failed, falling back to pixel pipeline", "error", err)
	}
	return s.pixel.Process(ctx, srcPath, outPath)
}

// Close releases the shared browser.
func (s *Service) Close() error {
	if s.capture != nil {
		return s.capture.Close()
	}
	return nil
}

func isPDFMime(mime string) bool {
	return strings.Contains(strings.ToLower(mime), "pdf")
}

// remediatedPathFor places the output next to the acquired file.
func remediatedPathFor(srcPath string) string {
	dir := filepath.Dir(srcPath)
	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	return filepath.Join(dir, fmt.Sprintf("%s_clean.pdf", base))
}
