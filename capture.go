package docremedy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/alnah/go-docremedy/internal/fileutil"
)

// CaptureConfig tunes the browser-capture acquirer.
type CaptureConfig struct {
	// ViewerURL must contain one %s for the file ID.
	ViewerURL string `yaml:"viewerURL"`
	// ProfileDir is the persistent automation profile, reused across jobs
	// to retain login state. Only ever touched while the ProcessingQueue's
	// busy flag is held.
	ProfileDir string `yaml:"profileDir"`
	// PageParam is the query parameter carrying the page number on
	// page-image requests.
	PageParam string `yaml:"pageParam"`
	// BurstSize paging key-presses are issued per burst; discovery stops
	// after StableBursts consecutive bursts without page-count growth, or
	// MaxBursts total.
	BurstSize    int `yaml:"burstSize"`
	MaxBursts    int `yaml:"maxBursts"`
	StableBursts int `yaml:"stableBursts"`

	NavTimeout      time.Duration `yaml:"navTimeout"`
	BurstPause      time.Duration `yaml:"burstPause"`
	DownloadBatch   int           `yaml:"downloadBatch"`
	DownloadRetries int           `yaml:"downloadRetries"`
	DownloadPause   time.Duration `yaml:"downloadPause"`
}

// DefaultCaptureConfig returns the production tuning.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		PageParam:       "page",
		BurstSize:       8,
		MaxBursts:       60,
		StableBursts:    3,
		NavTimeout:      45 * time.Second,
		BurstPause:      700 * time.Millisecond,
		DownloadBatch:   4,
		DownloadRetries: 2,
		DownloadPause:   400 * time.Millisecond,
	}
}

// withDefaults fills zero tuning knobs from DefaultCaptureConfig so a caller
// setting only ViewerURL still gets a working acquirer. DownloadRetries and
// DownloadPause keep an explicit zero, only negatives are clamped.
func (c CaptureConfig) withDefaults() CaptureConfig {
	d := DefaultCaptureConfig()
	if c.PageParam == "" {
		c.PageParam = d.PageParam
	}
	if c.BurstSize <= 0 {
		c.BurstSize = d.BurstSize
	}
	if c.MaxBursts <= 0 {
		c.MaxBursts = d.MaxBursts
	}
	if c.StableBursts <= 0 {
		c.StableBursts = d.StableBursts
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = d.NavTimeout
	}
	if c.BurstPause <= 0 {
		c.BurstPause = d.BurstPause
	}
	if c.DownloadBatch <= 0 {
		c.DownloadBatch = d.DownloadBatch
	}
	if c.DownloadRetries < 0 {
		c.DownloadRetries = 0
	}
	if c.DownloadPause < 0 {
		c.DownloadPause = 0
	}
	return c
}

// sessionCredentials is what the interactive session leaves behind for
// out-of-band page downloads.
type sessionCredentials struct {
	cookieHeader string
	userAgent    string
}

// CaptureAcquirer retrieves page images of a blocked PDF by driving an
// interactive document-viewer session, then reassembles a PDF. The browser
// is launched lazily and reused across jobs; only the viewer page is closed
// between jobs.
type CaptureAcquirer struct {
	cfg    CaptureConfig
	proc   ProcessingConfig
	client *http.Client
	logger *slog.Logger
	pool   *pageWorkerPool

	mu      sync.Mutex
	browser *rod.Browser
}

// NewCaptureAcquirer builds an acquirer. A nil client gets a default one.
func NewCaptureAcquirer(cfg CaptureConfig, proc ProcessingConfig, client *http.Client, logger *slog.Logger) *CaptureAcquirer {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	proc = proc.OptimizeForHost()
	return &CaptureAcquirer{
		cfg:    cfg,
		proc:   proc,
		client: client,
		logger: logger,
		pool:   newPageWorkerPool(proc.WorkerCount, cfg.DownloadBatch, cfg.DownloadPause),
	}
}

// ensureBrowser lazily launches Chromium with the persistent automation
// profile.
func (a *CaptureAcquirer) ensureBrowser() (*rod.Browser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.browser != nil {
		return a.browser, nil
	}

	l := launcher.New()
	if a.cfg.ProfileDir != "" {
		l = l.UserDataDir(a.cfg.ProfileDir)
	}
	if bin := os.Getenv("ROD_BROWSER_BIN"); bin != "" {
		l = l.Bin(bin)
	}
	// NoSandbox required for CI and containerized environments
	if os.Getenv("CI") == "true" || os.Getenv("ROD_BROWSER_BIN") != "" {
		l = l.NoSandbox(true)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}
	a.browser = browser
	return browser, nil
}

// Close shuts the shared browser down.
func (a *CaptureAcquirer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.browser != nil {
		err := a.browser.Close()
		a.browser = nil
		return err
	}
	return nil
}

// Capture runs the full capture flow for one document and returns the
// remediated PDF. Any stage that exhausts its local retries aborts the
// whole capture; missing individual page images do not, the job proceeds
// with the pages it has.
func (a *CaptureAcquirer) Capture(ctx context.Context, fileID string) (*CaptureResult, error) {
	browser, err := a.ensureBrowser()
	if err != nil {
		return nil, err
	}

	pageURLs, creds, err := a.discoverPages(ctx, browser, fileID)
	if err != nil {
		return nil, err
	}
	if len(pageURLs) == 0 {
		return nil, ErrNoPagesFound
	}
	a.logger.Info("viewer session discovered pages", "fileId", fileID, "pages", len(pageURLs))

	workDir, cleanup, err := fileutil.TempDir("capture")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pages, err := a.downloadPages(ctx, pageURLs, creds, workDir)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: every page download failed", ErrNoPagesFound)
	}

	pages = a.remediatePages(ctx, pages)

	outPath := filepath.Join(os.TempDir(), "docremedy-capture-"+sanitizeFileID(fileID)+".pdf")
	if err := composePDF(pages, outPath, true); err != nil {
		return nil, err
	}

	return &CaptureResult{
		FilePath: outPath,
		MimeType: "application/pdf",
		Size:     fileutil.FileSize(outPath),
	}, nil
}

// discoverPages opens the viewer, intercepts page-image requests recording
// the first URL seen per page number, and drives pagination in key-press
// bursts until the discovered-page count stops growing. It then harvests
// the session cookies and user-agent and closes the page, leaving the
// browser running for the next job.
func (a *CaptureAcquirer) discoverPages(ctx context.Context, browser *rod.Browser, fileID string) (map[int]string, *sessionCredentials, error) {
	page, err := browser.Page(proto.TargetCreateTarget{URL: fmt.Sprintf(a.cfg.ViewerURL, fileID)})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}
	defer page.Close()

	var mu sync.Mutex
	pageURLs := make(map[int]string)

	router := page.HijackRequests()
	err = router.Add("*", "", func(h *rod.Hijack) {
		if n, ok := a.pageNumberOf(h.Request.URL()); ok {
			mu.Lock()
			if _, seen := pageURLs[n]; !seen {
				pageURLs[n] = h.Request.URL().String()
			}
			mu.Unlock()
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("installing request hijack: %w", err)
	}
	go router.Run()
	defer func() { _ = router.Stop() }()

	if err := page.Timeout(a.cfg.NavTimeout).WaitLoad(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPageCreate, err)
	}

	// Paging loop: issue key-press bursts, stop when no growth across
	// StableBursts consecutive bursts or the hard cap is reached.
	stable := 0
	lastCount := 0
	for burst := 0; burst < a.cfg.MaxBursts && stable < a.cfg.StableBursts; burst++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		for i := 0; i < a.cfg.BurstSize; i++ {
			if err := page.Keyboard.Press(input.ArrowDown); err != nil {
				a.logger.Debug("paging key-press failed", "error", err)
				break
			}
		}

		select {
		case <-time.After(a.cfg.BurstPause):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		mu.Lock()
		count := len(pageURLs)
		mu.Unlock()

		if count > lastCount {
			stable = 0
			lastCount = count
		} else {
			stable++
		}
	}

	creds, err := a.harvestCredentials(page)
	if err != nil {
		return nil, nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[int]string, len(pageURLs))
	for k, v := range pageURLs {
		out[k] = v
	}
	return out, creds, nil
}

// sanitizeFileID maps a document ID onto a safe filename fragment. IDs come
// from arbitrary reference URLs and must not carry path separators into the
// temp directory.
func sanitizeFileID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if strings.Trim(b.String(), "-.") == "" {
		return uuid.NewString()
	}
	return b.String()
}

// pageNumberOf extracts the page number when a request URL looks like a
// page-image request.
func (a *CaptureAcquirer) pageNumberOf(u *url.URL) (int, bool) {
	param := a.cfg.PageParam
	if param == "" {
		param = "page"
	}
	raw := u.Query().Get(param)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	// Viewers number pages from 0 or 1; normalize to 1-based.
	if n == 0 {
		n = 1
	}
	return n, true
}

// harvestCredentials captures the session's cookies and user-agent for
// out-of-band downloads.
func (a *CaptureAcquirer) harvestCredentials(page *rod.Page) (*sessionCredentials, error) {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("harvesting cookies: %w", err)
	}

	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}

	ua := defaultUserAgent
	if res, err := page.Eval("() => navigator.userAgent"); err == nil {
		if s := res.Value.Str(); s != "" {
			ua = s
		}
	}

	return &sessionCredentials{
		cookieHeader: strings.Join(pairs, "; "),
		userAgent:    ua,
	}, nil
}

// downloadPages fetches every discovered page image out-of-band in small
// concurrent batches with per-page bounded retries. Missing pages are
// logged and skipped, not fatal.
func (a *CaptureAcquirer) downloadPages(ctx context.Context, pageURLs map[int]string, creds *sessionCredentials, workDir string) ([]PageImage, error) {
	indices := make([]int, 0, len(pageURLs))
	for n := range pageURLs {
		indices = append(indices, n)
	}
	sort.Ints(indices)

	jobs := make([]pageJob, 0, len(indices))
	for _, n := range indices {
		jobs = append(jobs, pageJob{Index: n, Path: pageURLs[n]})
	}

	results, err := a.pool.Process(ctx, jobs, func(ctx context.Context, job pageJob) (string, error) {
		dest := filepath.Join(workDir, "page_"+strconv.Itoa(job.Index)+".img")
		var lastErr error
		for attempt := 0; attempt <= a.cfg.DownloadRetries; attempt++ {
			lastErr = a.downloadOne(ctx, job.Path, dest, creds)
			if lastErr == nil {
				// Normalize every image to a common raster format.
				return normalizeToPNG(dest)
			}
		}
		return "", lastErr
	})
	if err != nil {
		return nil, err
	}

	pages := make([]PageImage, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			a.logger.Warn("page image download failed, proceeding without it",
				"page", r.Index, "error", r.Err)
			continue
		}
		pages = append(pages, PageImage{Index: r.Index, RawPath: r.Path})
	}
	return pages, nil
}

func (a *CaptureAcquirer) downloadOne(ctx context.Context, imgURL, dest string, creds *sessionCredentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", creds.cookieHeader)
	req.Header.Set("User-Agent", creds.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("page image returned %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return err
	}
	return out.Close()
}

// remediatePages runs the enhanced watermark transform per page through the
// worker pool, stamping the branding overlay as part of the same pass. A
// page whose processing fails falls back to its raw image.
func (a *CaptureAcquirer) remediatePages(ctx context.Context, pages []PageImage) []PageImage {
	settings := enhancedSettings(a.proc)

	jobs := make([]pageJob, len(pages))
	for i, pg := range pages {
		jobs[i] = pageJob{Index: pg.Index, Path: pg.RawPath}
	}

	results, err := a.pool.Process(ctx, jobs, func(ctx context.Context, job pageJob) (string, error) {
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
		a.logger.Warn("capture remediation aborted", "error", err)
		return pages
	}

	for i, r := range results {
		if r.Err != nil {
			a.logger.Warn("capture page remediation failed, keeping raw image",
				"page", r.Index, "error", r.Err)
			continue
		}
		pages[i].ProcessedPath = r.Path

		if a.proc.BrandImagePath != "" {
			if brandErr := brandOverlayForFile(r.Path, a.proc.BrandImagePath, a.proc.BrandOpacity, a.proc.BrandScale); brandErr == nil {
				pages[i].Branded = true
			} else {
				a.logger.Warn("capture branding failed", "page", r.Index, "error", brandErr)
			}
		}
	}
	return pages
}
