package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	docremedy "github.com/alnah/go-docremedy"
	"github.com/alnah/go-docremedy/internal/fileutil"
	"github.com/alnah/go-docremedy/internal/yamlutil"
)

// Sentinel errors for config operations.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrConfigParse    = errors.New("failed to parse config")
)

// Config holds all configuration for the remediation pipeline.
type Config struct {
	Provider   ProviderConfig             `yaml:"provider"`
	Cookie     CookieConfig               `yaml:"cookie"`
	Vendor     docremedy.VendorConfig     `yaml:"vendor"`
	VendorKeys []string                   `yaml:"vendorKeys"`
	Capture    docremedy.CaptureConfig    `yaml:"capture"`
	Processing docremedy.ProcessingConfig `yaml:"processing"`
}

// ProviderConfig defines the storage-provider credential source.
type ProviderConfig struct {
	CredentialsFile string `yaml:"credentialsFile"`
	// UploadParent is the folder receiving remediated copies; empty
	// disables the upload step.
	UploadParent string `yaml:"uploadParent"`
}

// CookieConfig defines the authenticated-session download endpoint.
type CookieConfig struct {
	Value     string `yaml:"value"`
	ExportURL string `yaml:"exportURL"`
}

// DefaultConfig returns a configuration with every optional strategy
// disabled and default pipeline tuning.
func DefaultConfig() *Config {
	return &Config{
		Vendor:     docremedy.DefaultVendorConfig(),
		Capture:    docremedy.DefaultCaptureConfig(),
		Processing: docremedy.DefaultProcessingConfig(),
	}
}

// LoadConfig loads and validates a YAML config file. Environment variables
// DOCREMEDY_COOKIE and DOCREMEDY_VENDOR_KEYS override the file so secrets
// can stay out of it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, err
		}
		if err := yamlutil.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := resolveCookie(cfg); err != nil {
		return nil, err
	}
	if err := validateBrand(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Processing.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveCookie lets Cookie.Value be either the raw session header or a path
// to a file holding it, so the secret can live outside the config file.
func resolveCookie(cfg *Config) error {
	v := cfg.Cookie.Value
	if v == "" || !fileutil.IsFilePath(v) {
		return nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return fmt.Errorf("reading cookie file %s: %w", v, err)
	}
	cfg.Cookie.Value = strings.TrimSpace(string(data))
	return nil
}

// validateBrand rejects a missing local brand image at startup instead of on
// the first page stamped. URLs are left alone.
func validateBrand(cfg *Config) error {
	p := cfg.Processing.BrandImagePath
	if p == "" || fileutil.IsURL(p) {
		return nil
	}
	if !fileutil.FileExists(p) {
		return fmt.Errorf("brand image not found: %s", p)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("DOCREMEDY_COOKIE"); ok {
		cfg.Cookie.Value = v
	}
	if v, ok := os.LookupEnv("DOCREMEDY_VENDOR_KEYS"); ok {
		cfg.VendorKeys = splitKeys(v)
	}
}

// splitKeys splits a comma-separated key list, dropping empties.
func splitKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
