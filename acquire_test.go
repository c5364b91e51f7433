package docremedy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider scripts metadata and download outcomes per test.
type fakeProvider struct {
	meta        *FileMetadata
	metaErr     error
	downloadErr error
	content     []byte

	downloadCalls atomic.Int32
}

func (p *fakeProvider) GetMetadata(ctx context.Context, fileID string) (*FileMetadata, error) {
	if p.metaErr != nil {
		return nil, p.metaErr
	}
	return p.meta, nil
}

func (p *fakeProvider) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	p.downloadCalls.Add(1)
	if p.downloadErr != nil {
		return nil, p.downloadErr
	}
	return io.NopCloser(bytes.NewReader(p.content)), nil
}

func (p *fakeProvider) ListChildren(ctx context.Context, folderID string) ([]*FileMetadata, error) {
	return nil, nil
}

func (p *fakeProvider) Upload(ctx context.Context, name, parentID, localPath, mimeType string) (string, error) {
	return "", nil
}

func (p *fakeProvider) Update(ctx context.Context, fileID, localPath, mimeType string) error {
	return nil
}

var _ Provider = (*fakeProvider)(nil)

// fakeCapture counts invocations and produces a scripted capture result.
type fakeCapture struct {
	calls  atomic.Int32
	result *CaptureResult
	err    error
}

func (c *fakeCapture) Capture(ctx context.Context, fileID string) (*CaptureResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

var _ captureRunner = (*fakeCapture)(nil)

// newFastOrchestrator removes the retry delay so transient-retry tests run
// in milliseconds.
func newFastOrchestrator(p Provider, cookie cookieFetcher, q *ProcessingQueue, cap captureRunner) *Orchestrator {
	o := NewOrchestrator(p, cookie, q, cap, testLogger())
	o.retryDelay = time.Millisecond
	return o
}

func mustRef(t *testing.T, id string) DocumentReference {
	t.Helper()
	ref, err := NewDocumentReference(id)
	if err != nil {
		t.Fatal(err)
	}
	return ref
}

func TestOrchestrator_DirectSuccessStopsChain(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		meta:    &FileMetadata{ID: "X", MimeType: "application/pdf"},
		content: []byte("%PDF-1.4 direct"),
	}
	capture := &fakeCapture{}
	o := newFastOrchestrator(provider, nil, NewProcessingQueue(), capture)

	res := o.Acquire(context.Background(), mustRef(t, "X"))
	if !res.Success {
		t.Fatalf("Acquire() failed: %v", res.Err)
	}
	t.Cleanup(func() { _ = os.Remove(res.FilePath) })

	if res.LastStrategy != StrategyDirect {
		t.Errorf("LastStrategy = %s, want direct", res.LastStrategy)
	}
	if res.MimeType != "application/pdf" {
		t.Errorf("MimeType = %q", res.MimeType)
	}
	if capture.calls.Load() != 0 {
		t.Error("capture ran despite a direct success")
	}

	data, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "%PDF-1.4 direct" {
		t.Errorf("saved content = %q", data)
	}
}

func TestOrchestrator_ProbeNotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{metaErr: fmt.Errorf("%w: status 404", ErrNotFound)}
	o := newFastOrchestrator(provider, nil, nil, nil)

	res := o.Acquire(context.Background(), mustRef(t, "gone"))
	if res.Success {
		t.Fatal("Acquire() succeeded for a missing file")
	}
	if res.LastStrategy != StrategyProbe {
		t.Errorf("LastStrategy = %s, want probe (no fallback for not-found)", res.LastStrategy)
	}
	if !errors.Is(res.Err, ErrNotFound) {
		t.Errorf("Err = %v, want ErrNotFound", res.Err)
	}
	if provider.downloadCalls.Load() != 0 {
		t.Error("direct download ran after a terminal probe")
	}
}

func TestOrchestrator_TransientDirectRetries(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		meta:        &FileMetadata{ID: "X"},
		downloadErr: errors.New("connection reset"),
	}
	o := newFastOrchestrator(provider, nil, nil, nil)

	res := o.Acquire(context.Background(), mustRef(t, "X"))
	if res.Success {
		t.Fatal("Acquire() succeeded with a failing provider")
	}
	if got := provider.downloadCalls.Load(); got != int32(defaultMaxTransient+1) {
		t.Errorf("download attempts = %d, want %d", got, defaultMaxTransient+1)
	}
	if !errors.Is(res.Err, ErrAllStrategies) {
		t.Errorf("Err = %v, want ErrAllStrategies", res.Err)
	}
}

// A download-blocked probe means direct and cookie cannot succeed: the chain
// must skip the cookie strategy and go straight to capture.
func TestOrchestrator_BlockedSkipsCookie(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		metaErr:     fmt.Errorf("%w: cannotDownloadFile", ErrDownloadBlocked),
		downloadErr: fmt.Errorf("%w: cannotDownloadFile", ErrDownloadBlocked),
	}

	var cookieCalls atomic.Int32
	cookie := cookieFetcherFunc(func(ctx context.Context, fileID string) (string, string, int64, error) {
		cookieCalls.Add(1)
		return "", "", 0, errors.New("should not run")
	})

	captured := writeCapturePDF(t)
	capture := &fakeCapture{result: &CaptureResult{FilePath: captured, MimeType: "application/pdf", Size: 100}}
	o := newFastOrchestrator(provider, cookie, NewProcessingQueue(), capture)
	o.maxTransient = 0

	res := o.Acquire(context.Background(), mustRef(t, "X"))
	if !res.Success {
		t.Fatalf("Acquire() failed: %v", res.Err)
	}
	if res.LastStrategy != StrategyCapture {
		t.Errorf("LastStrategy = %s, want capture", res.LastStrategy)
	}
	if cookieCalls.Load() != 0 {
		t.Error("cookie strategy ran despite the definitive block")
	}
	if capture.calls.Load() != 1 {
		t.Errorf("capture calls = %d, want 1", capture.calls.Load())
	}
}

// cookieFetcherFunc adapts a function to the cookieFetcher interface.
type cookieFetcherFunc func(ctx context.Context, fileID string) (string, string, int64, error)

func (f cookieFetcherFunc) Fetch(ctx context.Context, fileID string) (string, string, int64, error) {
	return f(ctx, fileID)
}

func writeCapturePDF(t *testing.T) string {
	t.Helper()
	path := t.TempDir() + "/captured.pdf"
	if err := os.WriteFile(path, []byte("%PDF-1.4 captured"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// The full fallback walk: probe succeeds, direct is denied, the cookie
// endpoint returns a disguised error page, and browser capture delivers the
// document through exactly one queue execution.
func TestOrchestrator_FallbackChainEndToEnd(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		meta:        &FileMetadata{ID: "X", MimeType: "application/pdf"},
		downloadErr: fmt.Errorf("%w: status 403", ErrPermissionDenied),
	}

	errorPage := "<html><body>Forbidden</body></html>" + strings.Repeat(" ", 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, errorPage)
	}))
	t.Cleanup(srv.Close)
	cookie := newCookieDownloader(srv.Client(), "session=abc", srv.URL+"/export?id=%s", time.Second)

	captured := writeCapturePDF(t)
	capture := &fakeCapture{result: &CaptureResult{FilePath: captured, MimeType: "application/pdf", Size: 17}}

	queue := NewProcessingQueue()
	o := newFastOrchestrator(provider, cookie, queue, capture)

	res := o.Acquire(context.Background(), mustRef(t, "X"))
	if !res.Success {
		t.Fatalf("Acquire() failed: %v", res.Err)
	}
	if res.FilePath != captured {
		t.Errorf("FilePath = %q, want the capture output", res.FilePath)
	}
	if capture.calls.Load() != 1 {
		t.Errorf("capture executions = %d, want exactly 1", capture.calls.Load())
	}

	wantTrail := []struct {
		strategy Strategy
		outcome  Outcome
	}{
		{StrategyProbe, OutcomeSuccess},
		{StrategyDirect, OutcomePermissionDenied},
		{StrategyCookie, OutcomeInvalidContent},
		{StrategyCapture, OutcomeSuccess},
	}
	if len(res.Attempts) != len(wantTrail) {
		t.Fatalf("attempt trail length = %d, want %d: %+v", len(res.Attempts), len(wantTrail), res.Attempts)
	}
	for i, want := range wantTrail {
		got := res.Attempts[i]
		if got.Strategy != want.strategy || got.Outcome != want.outcome {
			t.Errorf("attempts[%d] = (%s, %s), want (%s, %s)",
				i, got.Strategy, got.Outcome, want.strategy, want.outcome)
		}
	}
}

func TestOrchestrator_CaptureDisabledEndsAtCookie(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		meta:        &FileMetadata{ID: "X"},
		downloadErr: fmt.Errorf("%w: status 403", ErrPermissionDenied),
	}
	cookie := cookieFetcherFunc(func(ctx context.Context, fileID string) (string, string, int64, error) {
		return "", "", 0, fmt.Errorf("%w: status 403", ErrPermissionDenied)
	})

	o := newFastOrchestrator(provider, cookie, nil, nil)

	res := o.Acquire(context.Background(), mustRef(t, "X"))
	if res.Success {
		t.Fatal("Acquire() succeeded with every strategy denied")
	}
	if res.LastStrategy != StrategyCookie {
		t.Errorf("LastStrategy = %s, want cookie (capture disabled)", res.LastStrategy)
	}
	if !errors.Is(res.Err, ErrAllStrategies) {
		t.Errorf("Err = %v, want ErrAllStrategies", res.Err)
	}
}

func TestMimeOf(t *testing.T) {
	t.Parallel()

	if got := mimeOf(nil); got != "application/pdf" {
		t.Errorf("mimeOf(nil) = %q, want the PDF default", got)
	}
	if got := mimeOf(&FileMetadata{MimeType: "image/png"}); got != "image/png" {
		t.Errorf("mimeOf() = %q, want image/png", got)
	}
}
