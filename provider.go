package docremedy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// ErrDownloadBlocked is the provider's definitive "this file can never be
// fetched through the content API" signal, as opposed to a per-request
// permission failure. It makes the orchestrator skip the cookie-session
// strategy too and go straight to browser capture.
var ErrDownloadBlocked = errors.New("provider has disabled download for this file")

// Provider is the storage-provider surface the pipeline consumes. Token
// refresh lives behind the injected HTTP client and is not this package's
// concern.
type Provider interface {
	GetMetadata(ctx context.Context, fileID string) (*FileMetadata, error)
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
	ListChildren(ctx context.Context, folderID string) ([]*FileMetadata, error)
	Upload(ctx context.Context, name, parentID, localPath, mimeType string) (string, error)
	Update(ctx context.Context, fileID, localPath, mimeType string) error
}

// DriveProvider implements Provider on the Drive v3 API.
type DriveProvider struct {
	svc *drive.Service
}

// Compile-time interface check.
var _ Provider = (*DriveProvider)(nil)

// NewDriveProvider wraps an already-authenticated Drive service.
func NewDriveProvider(svc *drive.Service) *DriveProvider {
	return &DriveProvider{svc: svc}
}

const metadataFields = "id, name, mimeType, size, parents, capabilities/canDownload"

// GetMetadata probes a file's mime, size and name. A NotFound or
// PermissionDenied here is terminal for the reference: no retrieval
// strategy can succeed against a file the API refuses to describe.
func (p *DriveProvider) GetMetadata(ctx context.Context, fileID string) (*FileMetadata, error) {
	f, err := p.svc.Files.Get(fileID).
		Fields(metadataFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyProviderError(err)
	}

	meta := &FileMetadata{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Parents:  f.Parents,
	}
	if f.Capabilities != nil && !f.Capabilities.CanDownload {
		return meta, fmt.Errorf("%w: %s", ErrDownloadBlocked, fileID)
	}
	return meta, nil
}

// Download streams the file content via the provider API using the bearer
// credential behind the injected client.
func (p *DriveProvider) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := p.svc.Files.Get(fileID).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return resp.Body, nil
}

// ListChildren returns the non-trashed entries of a folder.
func (p *DriveProvider) ListChildren(ctx context.Context, folderID string) ([]*FileMetadata, error) {
	var out []*FileMetadata
	pageToken := ""
	for {
		call := p.svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", folderID)).
			Fields("nextPageToken, files(id, name, mimeType, size, parents)").
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			PageSize(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			return nil, classifyProviderError(err)
		}
		for _, f := range list.Files {
			out = append(out, &FileMetadata{
				ID:       f.Id,
				Name:     f.Name,
				MimeType: f.MimeType,
				Size:     f.Size,
				Parents:  f.Parents,
			})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// Upload creates a new file under parentID from a local path and returns
// the new file ID.
func (p *DriveProvider) Upload(ctx context.Context, name, parentID, localPath, mimeType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	meta := &drive.File{Name: name, MimeType: mimeType}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}

	created, err := p.svc.Files.Create(meta).
		Media(f, googleapi.ContentType(mimeType)).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", classifyProviderError(err)
	}
	return created.Id, nil
}

// Update replaces the content of an existing file.
func (p *DriveProvider) Update(ctx context.Context, fileID, localPath, mimeType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = p.svc.Files.Update(fileID, &drive.File{}).
		Media(f, googleapi.ContentType(mimeType)).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return classifyProviderError(err)
	}
	return nil
}

// classifyProviderError converts raw API errors into the typed taxonomy at
// the boundary where they originate, so downstream logic switches on kind
// instead of message text.
func classifyProviderError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrAcquireTimeout, err)
		}
		return err
	}

	switch gerr.Code {
	case 404:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case 403:
		for _, e := range gerr.Errors {
			switch e.Reason {
			case "cannotDownloadFile", "cannotDownloadAbusiveFile", "downloadQuotaExceeded":
				return fmt.Errorf("%w: %v", ErrDownloadBlocked, err)
			}
		}
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
