// Package docremedy retrieves documents from a cloud storage provider,
// including files the provider blocks from direct download, and produces
// remediated copies with watermark content removed and a branding overlay
// applied.
//
// # Quick Start
//
// Create a service, process a reference, and close when done:
//
//	svc, err := docremedy.New(docremedy.Deps{
//	    Provider: docremedy.NewDriveProvider(driveService),
//	    Keys:     docremedy.NewKeyPool(keys),
//	    Vendor:   docremedy.DefaultVendorConfig(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	ref, _ := docremedy.NewDocumentReference("1AbCdEf...")
//	res := svc.Process(ctx, ref)
//	if !res.Success {
//	    log.Fatalf("stage %s: %v", res.Stage, res.Err)
//	}
//	fmt.Println(res.FilePath)
//
// # Pipeline
//
// Each document flows through these stages:
//
//  1. Acquisition: metadata probe, direct API download, cookie-session
//     download, then browser capture as the last resort. Strategies run in
//     that fixed order and the chain stops at first success.
//  2. Remediation: the remote task-based vendor API with adaptive polling
//     and key rotation, falling back to the local pixel pipeline
//     (split, rasterize, transform, compose) on any remote failure.
//  3. Branding: a centered overlay at configured opacity, skipped for
//     pages already stamped by the capture path.
//
// Browser-capture acquisitions are serialized system-wide through a
// single-concurrency queue because the persistent automation profile is a
// shared, non-reentrant resource.
//
// # Configuration
//
// Use functional options to customize the service:
//
//	svc, err := docremedy.New(deps,
//	    docremedy.WithHTTPTimeout(2*time.Minute),
//	    docremedy.WithProcessingConfig(cfg),
//	    docremedy.WithLogger(logger),
//	)
package docremedy
