package docremedy

import (
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strings"
	"time"
)

// Strategy identifies one acquisition strategy in the fallback chain.
type Strategy string

const (
	StrategyProbe   Strategy = "probe"
	StrategyDirect  Strategy = "direct"
	StrategyCookie  Strategy = "cookie"
	StrategyCapture Strategy = "capture"
)

// Outcome classifies the result of a single acquisition attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeNotFound         Outcome = "not_found"
	OutcomePermissionDenied Outcome = "permission_denied"
	OutcomeInvalidContent   Outcome = "invalid_content"
	OutcomeTimeout          Outcome = "timeout"
)

// DocumentReference identifies a remote document by provider file ID.
// Immutable once created.
type DocumentReference struct {
	fileID string
}

// NewDocumentReference builds a reference from an opaque ID or a provider
// URL containing one. Returns ErrEmptyReference when nothing resolvable is
// supplied.
func NewDocumentReference(idOrURL string) (DocumentReference, error) {
	s := strings.TrimSpace(idOrURL)
	if s == "" {
		return DocumentReference{}, ErrEmptyReference
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		id := extractFileID(s)
		if id == "" {
			return DocumentReference{}, fmt.Errorf("%w: no file id in %q", ErrEmptyReference, idOrURL)
		}
		return DocumentReference{fileID: id}, nil
	}
	return DocumentReference{fileID: s}, nil
}

// FileID returns the provider file ID.
func (r DocumentReference) FileID() string { return r.fileID }

// extractFileID pulls a file ID out of common provider URL shapes:
// /file/d/<id>/..., /document/d/<id>/..., and ?id=<id>.
func extractFileID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "d" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return u.Query().Get("id")
}

// AcquisitionAttempt records one strategy execution for diagnostics.
type AcquisitionAttempt struct {
	Strategy Strategy
	Outcome  Outcome
	FilePath string
	MimeType string
	RawSize  int64
	Err      error
}

// AcquisitionResult is the terminal result of the orchestrator. Failure is a
// structured value, not a panic: batch callers skip-and-continue on it.
type AcquisitionResult struct {
	Success  bool
	FilePath string
	MimeType string
	Size     int64
	// Attempts is the ordered trail of strategies tried.
	Attempts []AcquisitionAttempt
	// LastStrategy and Err describe the terminal failure when !Success.
	LastStrategy Strategy
	Err          error
}

// FileMetadata is the provider's view of a stored file.
type FileMetadata struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	Parents  []string
}

// PageImage is one rasterized page travelling through the pixel pipeline.
// Index is 1-based and stable; composition is always by Index order no
// matter which worker finished first.
type PageImage struct {
	Index         int
	RawPath       string
	ProcessedPath string
	// Branded is set by whichever stage stamped the branding overlay, so a
	// later stage never stamps the same page twice.
	Branded bool
}

// OutputPath returns the processed path, falling back to the raw raster when
// the transform for this page failed.
func (p PageImage) OutputPath() string {
	if p.ProcessedPath != "" {
		return p.ProcessedPath
	}
	return p.RawPath
}

// Worker pool sizing bounds.
const (
	MinWorkers = 1
	MaxWorkers = 6
)

// ProcessingConfig tunes the local pixel pipeline. Supplied per job and
// never mutated mid-job; OptimizeForHost derives a host-shaped copy once at
// startup.
type ProcessingConfig struct {
	DPI               int           `yaml:"dpi"`
	BatchSize         int           `yaml:"batchSize"`
	WorkerCount       int           `yaml:"workerCount"`
	BatchPause        time.Duration `yaml:"batchPause"`
	MaxRetries        int           `yaml:"maxRetries"`
	Brightness        float64       `yaml:"brightness"`
	Contrast          float64       `yaml:"contrast"`
	Saturation        float64       `yaml:"saturation"`
	SharpenAmount     float64       `yaml:"sharpenAmount"`
	Aggressive        bool          `yaml:"aggressive"`
	WhitenThreshold   uint8         `yaml:"whitenThreshold"`
	BrandImagePath    string        `yaml:"brandImagePath"`
	BrandOpacity      float64       `yaml:"brandOpacity"`
	BrandScale        float64       `yaml:"brandScale"`
	BackgroundOpacity float64       `yaml:"backgroundOpacity"`
}

// DefaultProcessingConfig returns conservative tuning: strong enough to
// degrade watermark visibility, gentle enough to keep text legible.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		DPI:               150,
		BatchSize:         4,
		WorkerCount:       0, // 0 = derive from host
		BatchPause:        250 * time.Millisecond,
		MaxRetries:        2,
		Brightness:        1.08,
		Contrast:          1.25,
		Saturation:        1.05,
		SharpenAmount:     0.6,
		Aggressive:        false,
		WhitenThreshold:   200,
		BrandOpacity:      0.85,
		BrandScale:        0.82,
		BackgroundOpacity: 1.0,
	}
}

// Validate checks tuning bounds.
func (c ProcessingConfig) Validate() error {
	if c.DPI < 36 || c.DPI > 600 {
		return fmt.Errorf("%w: %d (must be between 36 and 600)", ErrInvalidDPI, c.DPI)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidBatch, c.BatchSize)
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.WorkerCount)
	}
	if c.BrandOpacity < 0 || c.BrandOpacity > 1 {
		return fmt.Errorf("%w: %.2f (must be between 0 and 1)", ErrInvalidOpacity, c.BrandOpacity)
	}
	if c.BrandScale <= 0 || c.BrandScale > 1 {
		return fmt.Errorf("%w: brand scale %.2f", ErrInvalidOpacity, c.BrandScale)
	}
	return nil
}

// OptimizeForHost derives worker count and batch size from the host CPU
// budget. Run once at startup; the result is treated as immutable for the
// rest of the job.
func (c ProcessingConfig) OptimizeForHost() ProcessingConfig {
	out := c
	if out.WorkerCount == 0 {
		out.WorkerCount = ResolveWorkerCount(0)
	}
	if out.BatchSize < out.WorkerCount {
		out.BatchSize = out.WorkerCount
	}
	return out
}

// ResolveWorkerCount determines the pixel-pipeline worker count.
// Priority: explicit workers > GOMAXPROCS-1 (adjusted by automaxprocs in
// containers), clamped to [MinWorkers, MaxWorkers].
func ResolveWorkerCount(workers int) int {
	if workers > 0 {
		return workers
	}
	n := runtime.GOMAXPROCS(0) - 1
	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

// Option configures a Service.
type Option func(*Service)

// serviceConfig holds internal configuration for Service.
type serviceConfig struct {
	httpTimeout   time.Duration
	retryDelay    time.Duration
	maxTransient  int
	logger        *slog.Logger
	processing    ProcessingConfig
	exportURL     string
	brandOnOutput bool
}

// Defaults for service tuning.
const (
	defaultHTTPTimeout  = 90 * time.Second
	defaultRetryDelay   = 2 * time.Second
	defaultMaxTransient = 2
)

// WithHTTPTimeout sets the per-request timeout for provider and vendor
// calls. Panics if d <= 0 (programmer error, similar to time.NewTicker).
func WithHTTPTimeout(d time.Duration) Option {
	if d <= 0 {
		panic("docremedy: WithHTTPTimeout duration must be positive")
	}
	return func(s *Service) {
		s.cfg.httpTimeout = d
	}
}

// WithLogger sets the structured logger used by the pipeline.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.cfg.logger = l
	}
}

// WithProcessingConfig sets the pixel-pipeline tuning for this service.
func WithProcessingConfig(c ProcessingConfig) Option {
	return func(s *Service) {
		s.cfg.processing = c
	}
}

// WithExportURL sets the cookie-session export endpoint template. The
// template must contain %s, replaced with the file ID.
func WithExportURL(tmpl string) Option {
	return func(s *Service) {
		s.cfg.exportURL = tmpl
	}
}
