package docremedy

import "errors"

// Sentinel errors for acquisition.
var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidContent   = errors.New("response body is not the requested document")
	ErrAcquireTimeout   = errors.New("acquisition timed out")
	ErrAllStrategies    = errors.New("all acquisition strategies failed")

	// Browser-capture errors.
	ErrBrowserConnect = errors.New("failed to connect to browser")
	ErrPageCreate     = errors.New("failed to create browser page")
	ErrNoPagesFound   = errors.New("viewer session discovered no pages")
)

// Sentinel errors for remote remediation.
var (
	ErrCreateTaskFailed = errors.New("vendor task creation failed")
	ErrCreditExhausted  = errors.New("api key has no remaining credit")
	ErrProgressStuck    = errors.New("vendor task progress is stuck")
	ErrPollTimeout      = errors.New("vendor task polling timed out")
	ErrDownloadFailed   = errors.New("vendor result download failed")
	ErrKeyPoolEmpty     = errors.New("api key pool is exhausted")
)

// Sentinel errors for local pixel processing.
var (
	ErrRenderToolMissing = errors.New("render tool not found on PATH")
	ErrSplitFailed       = errors.New("page split failed")
	ErrRasterizeFailed   = errors.New("page rasterization failed")
	ErrComposeFailed     = errors.New("output composition failed")
	ErrPageCountFailed   = errors.New("page count failed")
)

// Configuration and input validation errors.
var (
	ErrEmptyReference    = errors.New("document reference cannot be empty")
	ErrInvalidDPI        = errors.New("invalid dpi")
	ErrInvalidBatch      = errors.New("invalid batch size")
	ErrInvalidOpacity    = errors.New("invalid opacity")
	ErrInvalidWorkers    = errors.New("invalid worker count")
	ErrBrandImageMissing = errors.New("brand image file not found")
)

// VendorFatalError is a terminal vendor-side failure carrying the vendor's
// negative state code and its mapped human-readable cause.
type VendorFatalError struct {
	State int
	Cause string
}

func (e *VendorFatalError) Error() string {
	return "vendor task failed: " + e.Cause
}

// vendorFatalCauses maps negative vendor state codes to human-readable causes.
var vendorFatalCauses = map[int]string{
	-1: "invalid or corrupted file",
	-2: "file is password protected",
	-3: "processing error",
	-4: "unsupported file format",
	-5: "file too large",
	-6: "page limit exceeded",
	-7: "task expired",
}

// vendorFatalCause returns the mapped cause for a negative state, or a
// generic one for unknown codes.
func vendorFatalCause(state int) string {
	if c, ok := vendorFatalCauses[state]; ok {
		return c
	}
	return "unknown vendor error"
}
