package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/automaxprocs/maxprocs"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	docremedy "github.com/alnah/go-docremedy"
	"github.com/alnah/go-docremedy/internal/fileutil"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	flags, err := parseFlags(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if flags.version {
		fmt.Println("docremedy", Version)
		return
	}

	// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid,
	// in which case Go runtime defaults apply and the program continues
	// safely.
	if flags.verbose {
		_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}))
	} else {
		_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
	}

	logger := newLogger(flags)
	slog.SetDefault(logger)

	if err := run(context.Background(), flags, logger); err != nil {
		logger.Error("docremedy failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(flags *cliFlags) *slog.Logger {
	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	if flags.quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, flags *cliFlags, logger *slog.Logger) error {
	cfg, err := LoadConfig(flags.config)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, flags)

	// A URL-hosted brand image is fetched once up front; the overlay stage
	// works from disk.
	if p := cfg.Processing.BrandImagePath; p != "" && fileutil.IsURL(p) {
		local, cleanup, fetchErr := fetchBrandImage(ctx, p)
		if fetchErr != nil {
			return fmt.Errorf("fetching brand image: %w", fetchErr)
		}
		defer cleanup()
		cfg.Processing.BrandImagePath = local
	}

	driveSvc, err := newDriveService(ctx, cfg.Provider)
	if err != nil {
		return err
	}
	provider := docremedy.NewDriveProvider(driveSvc)

	svc, err := docremedy.New(docremedy.Deps{
		Provider:      provider,
		SessionCookie: cfg.Cookie.Value,
		Keys:          docremedy.NewKeyPool(cfg.VendorKeys),
		Vendor:        cfg.Vendor,
		Capture:       cfg.Capture,
	},
		docremedy.WithLogger(logger),
		docremedy.WithProcessingConfig(cfg.Processing),
		docremedy.WithExportURL(cfg.Cookie.ExportURL),
	)
	if err != nil {
		return err
	}
	defer svc.Close()

	refs := flags.refs
	if flags.folder != "" {
		children, listErr := provider.ListChildren(ctx, flags.folder)
		if listErr != nil {
			return fmt.Errorf("listing folder %s: %w", flags.folder, listErr)
		}
		for _, c := range children {
			refs = append(refs, c.ID)
		}
		logger.Info("folder expanded", "folder", flags.folder, "documents", len(children))
	}

	// Batch mode: process every reference, skip-and-continue on terminal
	// failures, report a summary at the end.
	failed := 0
	for _, raw := range refs {
		ref, refErr := docremedy.NewDocumentReference(raw)
		if refErr != nil {
			logger.Error("skipping invalid reference", "ref", raw, "error", refErr)
			failed++
			continue
		}

		res := svc.Process(ctx, ref)
		if !res.Success {
			logger.Error("processing failed",
				"ref", raw, "stage", res.Stage, "error", res.Err)
			failed++
			continue
		}

		outPath := res.FilePath
		if flags.outDir != "" {
			outPath = filepath.Join(flags.outDir, filepath.Base(res.FilePath))
			if mvErr := os.Rename(res.FilePath, outPath); mvErr != nil {
				logger.Error("moving output failed", "ref", raw, "error", mvErr)
				failed++
				continue
			}
		}

		if flags.update {
			if upErr := provider.Update(ctx, ref.FileID(), outPath, res.MimeType); upErr != nil {
				logger.Error("in-place update failed", "ref", raw, "error", upErr)
				failed++
				continue
			}
			logger.Info("source document updated in place", "ref", raw)
		}

		if cfg.Provider.UploadParent != "" {
			id, upErr := provider.Upload(ctx, filepath.Base(outPath), cfg.Provider.UploadParent, outPath, res.MimeType)
			if upErr != nil {
				logger.Error("upload failed", "ref", raw, "error", upErr)
				failed++
				continue
			}
			logger.Info("uploaded remediated copy", "ref", raw, "newFileId", id)
		}

		fmt.Printf("Created %s (%d bytes)\n", outPath, res.Size)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(refs))
	}
	return nil
}

func applyFlagOverrides(cfg *Config, flags *cliFlags) {
	if flags.workers > 0 {
		cfg.Processing.WorkerCount = flags.workers
	}
	if flags.dpi > 0 {
		cfg.Processing.DPI = flags.dpi
	}
	if flags.brand != "" {
		cfg.Processing.BrandImagePath = flags.brand
	}
}

// fetchBrandImage downloads the brand image to a temp file.
func fetchBrandImage(ctx context.Context, rawURL string) (string, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("brand image endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", nil, err
	}

	ext := strings.TrimPrefix(filepath.Ext(req.URL.Path), ".")
	if ext == "" {
		ext = "png"
	}
	return fileutil.WriteTempFile(body, ext)
}

func newDriveService(ctx context.Context, pc ProviderConfig) (*drive.Service, error) {
	var opts []option.ClientOption
	if pc.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(pc.CredentialsFile))
	}
	opts = append(opts, option.WithScopes(drive.DriveScope))
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}
	return svc, nil
}
