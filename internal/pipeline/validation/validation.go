// Package validation implements the input validation and sanitization
// layer (C9): request-size limits, header/body injection scanning,
// content-type allow-listing, and multipart file upload checks. Grounded
// on original_source's backend/middleware/validation.py and the
// teacher's infrastructure/middleware package for the http.Handler
// wrapping style.
package validation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/pipelineerr"
)

// Config holds the limits and allow-lists enforced by Middleware.
type Config struct {
	MaxRequestBytes   int64
	MaxUploadBytes    int64
	AllowedFileExts   map[string]bool
	AllowedContentTypes map[string]bool
}

// DefaultConfig returns the document-pipeline's default validation limits.
func DefaultConfig() Config {
	return Config{
		MaxRequestBytes: 50 * 1024 * 1024,
		MaxUploadBytes:  25 * 1024 * 1024,
		AllowedFileExts: map[string]bool{
			".pdf": true, ".docx": true, ".doc": true, ".txt": true,
			".png": true, ".jpg": true, ".jpeg": true, ".svg": true,
		},
		AllowedContentTypes: map[string]bool{
			"application/json":        true,
			"multipart/form-data":     true,
			"application/octet-stream": true,
		},
	}
}

// sqlInjectionPattern matches the most common SQL-injection shapes seen
// in header values and JSON string fields: quote-escapes, comment
// markers, and the classic keyword set.
var sqlInjectionPattern = regexp.MustCompile(`(?i)(\b(union\s+select|drop\s+table|insert\s+into|delete\s+from|exec(\s|\()|xp_cmdshell)\b|--|;--|/\*|\*/|'\s*or\s*'1'\s*=\s*'1)`)

// xssPattern matches the most common script-injection shapes in JSON
// string fields.
var xssPattern = regexp.MustCompile(`(?i)(<script|javascript:|onerror\s*=|onload\s*=|<iframe)`)

var filenameSafe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Middleware wraps h with request-size enforcement, header scanning, and
// content-type allow-listing. Multipart/JSON body scanning happens via
// ScanJSON/ScanMultipart, called explicitly by handlers that need the
// parsed body anyway — wrapping every body read here would force a
// second full buffering pass.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > cfg.MaxRequestBytes {
				writeError(w, pipelineerr.RequestTooLarge(cfg.MaxRequestBytes))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxRequestBytes)

			for _, values := range r.Header {
				for _, v := range values {
					if sqlInjectionPattern.MatchString(v) {
						writeError(w, pipelineerr.SuspiciousInput("header", v))
						return
					}
				}
			}

			if ct := r.Header.Get("Content-Type"); ct != "" && r.ContentLength != 0 {
				base := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
				if base != "" && !cfg.AllowedContentTypes[base] {
					writeError(w, pipelineerr.InvalidContentType(base))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, e *pipelineerr.HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

// ScanJSON decodes body and walks every string value (object keys,
// array elements, nested structures) looking for SQL/XSS injection
// shapes, returning a *pipelineerr.HTTPError naming the dotted field
// path of the first match.
func ScanJSON(body io.Reader) (map[string]any, error) {
	var decoded map[string]any
	dec := json.NewDecoder(body)
	if err := dec.Decode(&decoded); err != nil {
		return nil, pipelineerr.InvalidJSON(err)
	}
	if err := scanValue("", decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func scanValue(path string, v any) error {
	switch val := v.(type) {
	case string:
		if sqlInjectionPattern.MatchString(val) || xssPattern.MatchString(val) {
			return pipelineerr.SuspiciousInput("body", path)
		}
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if err := scanValue(childPath, child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			if err := scanValue(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	}
	return nil
}

// FileCheckResult is the outcome of validating one multipart file part.
type FileCheckResult struct {
	SanitizedName string
	DetectedType  string
}

// CheckFile validates a single multipart file upload: filename presence,
// path-traversal rejection, extension allow-listing, declared size, and
// a MIME sniff of the first 2KiB against the declared Content-Type.
func CheckFile(field, filename, declaredContentType string, size int64, cfg Config, content []byte) (*FileCheckResult, error) {
	if filename == "" {
		return nil, pipelineerr.InvalidFilename(field, "filename is required")
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		return nil, pipelineerr.InvalidFilename(field, "path traversal sequences are not allowed")
	}
	sanitized := filenameSafe.ReplaceAllString(filename, "_")

	ext := strings.ToLower(filepath.Ext(filename))
	if cfg.AllowedFileExts != nil && !cfg.AllowedFileExts[ext] {
		return nil, pipelineerr.InvalidFileType(field, ext)
	}
	if size > cfg.MaxUploadBytes {
		return nil, pipelineerr.FileTooLarge(field, cfg.MaxUploadBytes)
	}

	sniffLen := len(content)
	if sniffLen > 2048 {
		sniffLen = 2048
	}
	detected := http.DetectContentType(content[:sniffLen])
	declaredBase := strings.TrimSpace(strings.SplitN(declaredContentType, ";", 2)[0])
	detectedBase := strings.TrimSpace(strings.SplitN(detected, ";", 2)[0])
	if declaredBase != "" && detectedBase != "application/octet-stream" && declaredBase != detectedBase {
		return nil, pipelineerr.MismatchedFileType(field, declaredBase, detectedBase)
	}

	return &FileCheckResult{SanitizedName: sanitized, DetectedType: detected}, nil
}

// ReadAllCapped reads up to limit bytes from r, returning an HTTPError if
// the body exceeds it — used by handlers that need the full multipart
// part in memory for CheckFile's MIME sniff.
func ReadAllCapped(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	buf, err := io.ReadAll(lr)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.CodeInternal, "failed reading request body", http.StatusInternalServerError, err)
	}
	if int64(len(buf)) > limit {
		return nil, pipelineerr.FileTooLarge("file", limit)
	}
	return buf, nil
}
