package docremedy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// cookieFetcher abstracts the cookie-session download to enable testing
// without a live endpoint.
type cookieFetcher interface {
	Fetch(ctx context.Context, fileID string) (path string, mime string, size int64, err error)
}

// captureRunner abstracts the browser-capture flow to enable testing
// without a browser.
type captureRunner interface {
	Capture(ctx context.Context, fileID string) (*CaptureResult, error)
}

// Compile-time interface checks.
var (
	_ cookieFetcher = (*cookieDownloader)(nil)
	_ captureRunner = (*CaptureAcquirer)(nil)
)

// Orchestrator produces local file bytes plus a mime type for a
// DocumentReference despite provider-side blocking, trying strategies in a
// fixed order and stopping at first success: metadata probe, direct API
// download, cookie-session download, browser capture.
type Orchestrator struct {
	provider Provider
	cookie   cookieFetcher
	queue    *ProcessingQueue
	capture  captureRunner
	logger   *slog.Logger

	// Transient (non-classified) errors retry the same strategy this many
	// times with a fixed delay before advancing.
	maxTransient int
	retryDelay   time.Duration
}

// NewOrchestrator wires the acquisition chain. queue and capture may be nil
// when browser capture is disabled; the chain then terminates at the cookie
// strategy.
func NewOrchestrator(provider Provider, cookie cookieFetcher, queue *ProcessingQueue, capture captureRunner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:     provider,
		cookie:       cookie,
		queue:        queue,
		capture:      capture,
		logger:       logger,
		maxTransient: defaultMaxTransient,
		retryDelay:   defaultRetryDelay,
	}
}

// Acquire resolves a reference to a local file. Failure is a structured
// result carrying the last strategy and underlying error, never a panic;
// the ordered attempt trail is kept for diagnostics.
func (o *Orchestrator) Acquire(ctx context.Context, ref DocumentReference) AcquisitionResult {
	res := AcquisitionResult{}
	fileID := ref.FileID()

	// Strategy 1: metadata probe. NotFound or PermissionDenied here is
	// terminal for this ref: no strategy can fetch a file the API refuses
	// to describe. A download-blocked signal is not terminal, it routes the
	// chain.
	meta, probeErr := o.provider.GetMetadata(ctx, fileID)
	skipCookie := false
	switch {
	case probeErr == nil:
		res.Attempts = append(res.Attempts, AcquisitionAttempt{Strategy: StrategyProbe, Outcome: OutcomeSuccess})
	case errors.Is(probeErr, ErrDownloadBlocked):
		// Definitive block: direct and cookie strategies cannot succeed.
		skipCookie = true
		res.Attempts = append(res.Attempts, AcquisitionAttempt{Strategy: StrategyProbe, Outcome: OutcomePermissionDenied, Err: probeErr})
	case errors.Is(probeErr, ErrNotFound):
		return o.terminal(res, StrategyProbe, OutcomeNotFound, probeErr)
	case errors.Is(probeErr, ErrPermissionDenied):
		return o.terminal(res, StrategyProbe, OutcomePermissionDenied, probeErr)
	default:
		return o.terminal(res, StrategyProbe, OutcomeTimeout, probeErr)
	}

	// Strategy 2: direct content download.
	attempt, blocked := o.tryDirect(ctx, fileID, meta)
	res.Attempts = append(res.Attempts, attempt)
	if attempt.Outcome == OutcomeSuccess {
		return o.success(res, attempt)
	}
	if blocked {
		// The same definitive block class: skip the cookie strategy and go
		// straight to browser capture.
		skipCookie = true
	}

	// Strategy 3: cookie-session download, unless the definitive block
	// already ruled it out.
	if !skipCookie && o.cookie != nil {
		attempt := o.tryCookie(ctx, fileID)
		res.Attempts = append(res.Attempts, attempt)
		if attempt.Outcome == OutcomeSuccess {
			return o.success(res, attempt)
		}
	}

	// Strategy 4: browser capture, serialized through the queue.
	if o.queue != nil && o.capture != nil {
		attempt := o.tryCapture(ctx, fileID)
		res.Attempts = append(res.Attempts, attempt)
		if attempt.Outcome == OutcomeSuccess {
			return o.success(res, attempt)
		}
		return o.terminal(res, StrategyCapture, attempt.Outcome, attempt.Err)
	}

	last := res.Attempts[len(res.Attempts)-1]
	return o.terminal(res, last.Strategy, last.Outcome, fmt.Errorf("%w: %v", ErrAllStrategies, last.Err))
}

// tryDirect downloads via the provider API with bounded transient retries.
// The second return reports the definitive download-blocked class.
func (o *Orchestrator) tryDirect(ctx context.Context, fileID string, meta *FileMetadata) (AcquisitionAttempt, bool) {
	attempt := AcquisitionAttempt{Strategy: StrategyDirect}

	var lastErr error
	for try := 0; try <= o.maxTransient; try++ {
		body, err := o.provider.Download(ctx, fileID)
		if err == nil {
			path, size, saveErr := saveStream(body)
			if saveErr == nil {
				attempt.Outcome = OutcomeSuccess
				attempt.FilePath = path
				attempt.MimeType = mimeOf(meta)
				attempt.RawSize = size
				return attempt, false
			}
			lastErr = saveErr
		} else {
			switch {
			case errors.Is(err, ErrDownloadBlocked):
				attempt.Outcome = OutcomePermissionDenied
				attempt.Err = err
				return attempt, true
			case errors.Is(err, ErrPermissionDenied):
				attempt.Outcome = OutcomePermissionDenied
				attempt.Err = err
				return attempt, false
			case errors.Is(err, ErrNotFound):
				attempt.Outcome = OutcomeNotFound
				attempt.Err = err
				return attempt, false
			}
			lastErr = err
		}

		// Transient: same strategy, fixed delay.
		if try < o.maxTransient {
			o.logger.Debug("direct download retrying", "fileId", fileID, "try", try+1, "error", lastErr)
			select {
			case <-time.After(o.retryDelay):
			case <-ctx.Done():
				attempt.Outcome = OutcomeTimeout
				attempt.Err = ctx.Err()
				return attempt, false
			}
		}
	}

	attempt.Outcome = OutcomeTimeout
	attempt.Err = lastErr
	return attempt, false
}

// tryCookie downloads via the authenticated-session endpoint with bounded
// transient retries. Classification-definitive outcomes advance the chain
// without retrying.
func (o *Orchestrator) tryCookie(ctx context.Context, fileID string) AcquisitionAttempt {
	attempt := AcquisitionAttempt{Strategy: StrategyCookie}

	var lastErr error
	for try := 0; try <= o.maxTransient; try++ {
		path, mime, size, err := o.cookie.Fetch(ctx, fileID)
		if err == nil {
			attempt.Outcome = OutcomeSuccess
			attempt.FilePath = path
			attempt.MimeType = mime
			attempt.RawSize = size
			return attempt
		}

		switch {
		case errors.Is(err, ErrInvalidContent):
			attempt.Outcome = OutcomeInvalidContent
			attempt.Err = err
			return attempt
		case errors.Is(err, ErrPermissionDenied):
			attempt.Outcome = OutcomePermissionDenied
			attempt.Err = err
			return attempt
		case errors.Is(err, ErrNotFound):
			attempt.Outcome = OutcomeNotFound
			attempt.Err = err
			return attempt
		}
		lastErr = err

		if try < o.maxTransient {
			o.logger.Debug("cookie download retrying", "fileId", fileID, "try", try+1, "error", lastErr)
			select {
			case <-time.After(o.retryDelay):
			case <-ctx.Done():
				attempt.Outcome = OutcomeTimeout
				attempt.Err = ctx.Err()
				return attempt
			}
		}
	}

	attempt.Outcome = OutcomeTimeout
	attempt.Err = lastErr
	return attempt
}

// tryCapture submits the browser-capture flow to the serial queue and waits
// for its terminal result.
func (o *Orchestrator) tryCapture(ctx context.Context, fileID string) AcquisitionAttempt {
	attempt := AcquisitionAttempt{Strategy: StrategyCapture}

	future := o.queue.Submit(fileID, func(taskCtx context.Context) (*CaptureResult, error) {
		return o.capture.Capture(taskCtx, fileID)
	})

	res, err := future.Wait(ctx)
	if err != nil {
		attempt.Err = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			attempt.Outcome = OutcomeTimeout
		} else {
			attempt.Outcome = OutcomeInvalidContent
		}
		return attempt
	}

	attempt.Outcome = OutcomeSuccess
	attempt.FilePath = res.FilePath
	attempt.MimeType = res.MimeType
	attempt.RawSize = res.Size
	return attempt
}

func (o *Orchestrator) success(res AcquisitionResult, attempt AcquisitionAttempt) AcquisitionResult {
	res.Success = true
	res.FilePath = attempt.FilePath
	res.MimeType = attempt.MimeType
	res.Size = attempt.RawSize
	res.LastStrategy = attempt.Strategy
	return res
}

func (o *Orchestrator) terminal(res AcquisitionResult, strategy Strategy, outcome Outcome, err error) AcquisitionResult {
	res.Success = false
	res.LastStrategy = strategy
	res.Err = err
	o.logger.Warn("acquisition failed", "strategy", strategy, "outcome", outcome, "error", err)
	return res
}

// mimeOf returns the probed mime type, defaulting to PDF when the probe was
// blocked from reporting one.
func mimeOf(meta *FileMetadata) string {
	if meta != nil && meta.MimeType != "" {
		return meta.MimeType
	}
	return "application/pdf"
}

// saveStream drains a provider stream into a temp file.
func saveStream(body io.ReadCloser) (string, int64, error) {
	defer body.Close()

	tmp, err := os.CreateTemp("", "docremedy-direct-*.bin")
	if err != nil {
		return "", 0, err
	}
	path := tmp.Name()

	size, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(path)
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, size, nil
}
