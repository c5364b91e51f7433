package docremedy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alnah/go-docremedy/internal/fileutil"
)

// VendorConfig tunes the remote remediation task client.
type VendorConfig struct {
	CreateURL    string        `yaml:"createURL"`
	StatusURL    string        `yaml:"statusURL"`
	APIKeyHeader string        `yaml:"apiKeyHeader"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// BaseMaxWait is the polling budget for small files; large files earn
	// extra budget per KB so big jobs are not abandoned prematurely.
	BaseMaxWait time.Duration `yaml:"baseMaxWait"`
	// StuckThreshold is how many consecutive polls may report identical
	// nonzero progress before the task is declared stuck.
	StuckThreshold int `yaml:"stuckThreshold"`
	// ExemptProgress lists progress values treated as known benign plateaus
	// and excluded from stuck detection.
	ExemptProgress []int `yaml:"exemptProgress"`
	// MaxAttempts bounds fresh-task retries across key rotations and stuck
	// aborts.
	MaxAttempts int `yaml:"maxAttempts"`
}

// DefaultVendorConfig returns the tuning used in production.
func DefaultVendorConfig() VendorConfig {
	return VendorConfig{
		APIKeyHeader:   "X-API-KEY",
		PollInterval:   3 * time.Second,
		BaseMaxWait:    3 * time.Minute,
		StuckThreshold: 20,
		ExemptProgress: []int{99},
		MaxAttempts:    3,
	}
}

// Large-file tiers for the adaptive polling budget.
const (
	pollTier1Bytes = 10 << 20
	pollTier2Bytes = 50 << 20
	pollTier1PerKB = 25 * time.Millisecond
	pollTier2PerKB = 30 * time.Millisecond
)

// maxWaitFor scales the polling budget with input size. Files under the
// first tier get the baseline; larger files earn per-KB budget at the
// tier's rate.
func (c VendorConfig) maxWaitFor(size int64) time.Duration {
	if size <= pollTier1Bytes {
		return c.BaseMaxWait
	}
	perKB := pollTier1PerKB
	if size > pollTier2Bytes {
		perKB = pollTier2PerKB
	}
	return c.BaseMaxWait + time.Duration(size/1024)*perKB
}

// taskHandle tracks one remote remediation attempt. Discarded, never
// reused, on key rotation or stuck-abort.
type taskHandle struct {
	remoteTaskID string
	apiKeyUsed   string
	state        int
	progress     int
	stuckCounter int
	startedAt    time.Time
}

// taskStatus is the vendor's status payload.
type taskStatus struct {
	State      int    `json:"state"`
	Progress   int    `json:"progress"`
	File       string `json:"file"`
	InputSize  int64  `json:"input_size"`
	OutputSize int64  `json:"output_size"`
	FilePages  int    `json:"file_pages"`
}

// RemediationClient offloads watermark removal to the task-based vendor
// API: create a task, poll it to a terminal state, download the artifact.
// Keys come from a shared KeyPool; credit-exhausted keys are rotated out
// permanently and transparently.
type RemediationClient struct {
	client *http.Client
	keys   *KeyPool
	cfg    VendorConfig
	logger *slog.Logger
}

// NewRemediationClient builds a client. A nil httpClient gets a default
// with the poll interval-scaled timeout; a nil logger gets slog.Default.
func NewRemediationClient(httpClient *http.Client, keys *KeyPool, cfg VendorConfig, logger *slog.Logger) *RemediationClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultVendorConfig().PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultVendorConfig().MaxAttempts
	}
	return &RemediationClient{client: httpClient, keys: keys, cfg: cfg, logger: logger}
}

// Remediate runs the full create/poll/download cycle with bounded retries.
// CreditExhausted rotates the key and retries from scratch; ProgressStuck
// and poll timeouts retry with a fresh task. Terminal vendor failures and
// retry exhaustion surface to the caller, which falls back to the local
// pixel pipeline.
func (c *RemediationClient) Remediate(ctx context.Context, filePath, outPath string) error {
	size := fileutil.FileSize(filePath)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		key, ok := c.keys.Next()
		if !ok {
			return fmt.Errorf("%w: after %d attempts", ErrKeyPoolEmpty, attempt-1)
		}

		handle, err := c.createTask(ctx, filePath, key)
		if err != nil {
			if errors.Is(err, ErrCreditExhausted) {
				// Key is spent for the process lifetime; draw the next one
				// and retry creation from scratch.
				c.keys.Remove(key)
				c.logger.Warn("vendor key exhausted, rotating",
					"attempt", attempt, "keysLeft", c.keys.Len())
				lastErr = err
				continue
			}
			lastErr = err
			continue
		}

		status, err := c.pollStatus(ctx, handle, size)
		if err != nil {
			var fatal *VendorFatalError
			if errors.As(err, &fatal) {
				return err
			}
			if errors.Is(err, ErrProgressStuck) || errors.Is(err, ErrPollTimeout) {
				// The handle is discarded; the retry creates a fresh task
				// with a new task ID.
				c.logger.Warn("vendor task abandoned",
					"taskId", handle.remoteTaskID, "attempt", attempt, "reason", err)
				lastErr = err
				continue
			}
			return err
		}

		if err := c.downloadResult(ctx, status.File, outPath); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("remote remediation failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// createTask uploads the file and registers a remediation task. HTTP 401 or
// a quota/credit/coins response text classifies as ErrCreditExhausted; this
// is the boundary where the vendor's stringly contract is converted into a
// typed error.
func (c *RemediationClient) createTask(ctx context.Context, filePath, apiKey string) (*taskHandle, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateTaskFailed, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("format", "pdf"); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CreateURL, pr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateTaskFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(c.cfg.APIKeyHeader, apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateTaskFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateTaskFailed, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || mentionsCreditExhaustion(string(body)) {
		return nil, fmt.Errorf("%w: status %d", ErrCreditExhausted, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrCreateTaskFailed, resp.StatusCode)
	}

	var created struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.TaskID == "" {
		return nil, fmt.Errorf("%w: malformed create response", ErrCreateTaskFailed)
	}

	return &taskHandle{
		remoteTaskID: created.TaskID,
		apiKeyUsed:   apiKey,
		startedAt:    time.Now(),
	}, nil
}

// mentionsCreditExhaustion classifies the vendor's free-text refusal. The
// vendor has no structured error codes for this; the match happens only
// here at the HTTP boundary.
func mentionsCreditExhaustion(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"quota", "credit", "coins"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// pollStatus polls on a fixed interval until a terminal state. state == 1
// is success; state < 0 is fatal and mapped to a human-readable cause;
// anything else is in-progress. The total wait budget scales with input
// size. Progress frozen at a non-exempt nonzero value past the stuck
// threshold raises ErrProgressStuck instead of waiting out the budget.
func (c *RemediationClient) pollStatus(ctx context.Context, handle *taskHandle, inputSize int64) (*taskStatus, error) {
	maxWait := c.cfg.maxWaitFor(inputSize)
	deadline := time.Now().Add(maxWait)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: waited %s for task %s", ErrPollTimeout, maxWait, handle.remoteTaskID)
		}

		status, err := c.fetchStatus(ctx, handle)
		if err != nil {
			// Transient poll failure: the next tick retries.
			c.logger.Debug("status poll failed", "taskId", handle.remoteTaskID, "error", err)
			continue
		}

		switch {
		case status.State == 1:
			return status, nil
		case status.State < 0:
			return nil, &VendorFatalError{State: status.State, Cause: vendorFatalCause(status.State)}
		}

		if status.Progress == handle.progress && status.Progress > 0 && !c.progressExempt(status.Progress) {
			handle.stuckCounter++
			if handle.stuckCounter >= c.cfg.StuckThreshold {
				return nil, fmt.Errorf("%w: progress %d%% for %d polls", ErrProgressStuck, status.Progress, handle.stuckCounter)
			}
		} else {
			handle.stuckCounter = 0
		}
		handle.state = status.State
		handle.progress = status.Progress
	}
}

// progressExempt reports whether a progress value is a known benign
// plateau.
func (c *RemediationClient) progressExempt(progress int) bool {
	for _, v := range c.cfg.ExemptProgress {
		if v == progress {
			return true
		}
	}
	return false
}

func (c *RemediationClient) fetchStatus(ctx context.Context, handle *taskHandle) (*taskStatus, error) {
	url := strings.TrimRight(c.cfg.StatusURL, "/") + "/" + handle.remoteTaskID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.cfg.APIKeyHeader, handle.apiKeyUsed)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status taskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &status, nil
}

// downloadResult streams the finished artifact to disk, retrying once on
// timeout.
func (c *RemediationClient) downloadResult(ctx context.Context, resultURL, outPath string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.streamTo(ctx, resultURL, outPath); err != nil {
			lastErr = err
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrDownloadFailed, lastErr)
}

func (c *RemediationClient) streamTo(ctx context.Context, url, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result endpoint returned %d", resp.StatusCode)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return err
	}
	return out.Close()
}

// isTimeout reports whether an error chain contains a network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}
