package docremedy

import (
	"bytes"
	"strings"
)

// DetectedType is the true file type determined from leading bytes.
type DetectedType string

const (
	TypePDF     DetectedType = "pdf"
	TypeJPEG    DetectedType = "jpg"
	TypePNG     DetectedType = "png"
	TypeZip     DetectedType = "zip"
	TypeUnknown DetectedType = "unknown"
)

// Well-known leading byte signatures.
var (
	magicPDF  = []byte("%PDF")
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicPNG  = []byte{0x89, 0x50, 0x4E, 0x47}
	magicZip  = []byte{0x50, 0x4B, 0x03, 0x04}
)

// SniffType determines the true type of a body from its magic bytes,
// overriding whatever Content-Type or filename extension the transport
// declared. Zip covers the zip-based office formats.
func SniffType(body []byte) DetectedType {
	switch {
	case bytes.HasPrefix(body, magicPDF):
		return TypePDF
	case bytes.HasPrefix(body, magicJPEG):
		return TypeJPEG
	case bytes.HasPrefix(body, magicPNG):
		return TypePNG
	case bytes.HasPrefix(body, magicZip):
		return TypeZip
	}
	return TypeUnknown
}

// MimeFor maps a detected type to its canonical mime type.
func MimeFor(t DetectedType) string {
	switch t {
	case TypePDF:
		return "application/pdf"
	case TypeJPEG:
		return "image/jpeg"
	case TypePNG:
		return "image/png"
	case TypeZip:
		return "application/zip"
	}
	return "application/octet-stream"
}

// smallBodyLimit is the size under which an HTTP 200 body is still suspect:
// providers return tiny HTML error pages with a success status.
const smallBodyLimit = 10 * 1024

// errorMarkers are scanned case-insensitively in small bodies.
var errorMarkers = []string{
	"forbidden",
	"access denied",
	"<html",
	"<!doctype",
}

// LooksLikeErrorPage reports whether a small body is a disguised error
// response. Bodies at or over smallBodyLimit are never scanned; a real
// document that small would already have been typed by SniffType.
func LooksLikeErrorPage(body []byte) bool {
	if len(body) >= smallBodyLimit {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
