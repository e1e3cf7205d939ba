// Package media loads outbound attachments from URLs or local paths and
// classifies them for upload.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrPathNotAllowed is returned when a local path lies outside every allowed
// root. Callers may retry with Relaxed set.
var ErrPathNotAllowed = errors.New("media: path not under an allowed directory")

// DefaultMaxBytes bounds a single attachment.
const DefaultMaxBytes = 20 * 1024 * 1024

// Media is a fully loaded attachment.
type Media struct {
	Data        []byte
	ContentType string
	FileName    string
	Kind        Kind
}

// LoadOptions control a single Load call.
type LoadOptions struct {
	// MaxBytes caps the attachment size. Zero uses the loader default.
	MaxBytes int64

	// Relaxed skips the allowed-roots check for local paths. Traversal and
	// system directories are still rejected.
	Relaxed bool
}

// Loader fetches attachments from http(s) URLs, file:// URLs and local paths.
type Loader struct {
	client     *http.Client
	localRoots []string
	maxBytes   int64
}

// NewLoader creates a loader confined to localRoots for strict loads.
func NewLoader(localRoots []string, maxBytes int64) *Loader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	roots := make([]string, 0, len(localRoots))
	for _, r := range localRoots {
		if r = strings.TrimSpace(r); r == "" {
			continue
		}
		if abs, err := filepath.Abs(r); err == nil {
			roots = append(roots, filepath.Clean(abs))
		}
	}
	return &Loader{
		client:     &http.Client{Timeout: 30 * time.Second},
		localRoots: roots,
		maxBytes:   maxBytes,
	}
}

// Load fetches source and detects its type.
func (l *Loader) Load(ctx context.Context, source string, opts LoadOptions) (*Media, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("media: empty source")
	}
	limit := opts.MaxBytes
	if limit <= 0 {
		limit = l.maxBytes
	}

	var (
		data     []byte
		filename string
		mimeType string
		err      error
	)
	switch {
	case LooksLikeURL(source):
		data, filename, mimeType, err = l.download(ctx, source, limit)
	default:
		p := source
		if strings.HasPrefix(strings.ToLower(p), "file://") {
			u, perr := url.Parse(p)
			if perr != nil {
				return nil, fmt.Errorf("media: parse file url: %w", perr)
			}
			p = u.Path
		}
		data, filename, err = l.readLocal(p, limit, opts.Relaxed)
	}
	if err != nil {
		return nil, err
	}

	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = DetectMimeType(data, filename)
	}
	return &Media{
		Data:        data,
		ContentType: mimeType,
		FileName:    filename,
		Kind:        CategorizeType(mimeType),
	}, nil
}

func (l *Loader) readLocal(p string, limit int64, relaxed bool) ([]byte, string, error) {
	if err := validateFilePath(p); err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, "", fmt.Errorf("media: resolve path: %w", err)
	}
	if !relaxed && !l.underRoot(abs) {
		return nil, "", fmt.Errorf("%w: %s", ErrPathNotAllowed, abs)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, "", fmt.Errorf("media: open: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("media: read: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("media: %s exceeds %d bytes", filepath.Base(abs), limit)
	}
	return data, filepath.Base(abs), nil
}

func (l *Loader) underRoot(abs string) bool {
	for _, root := range l.localRoots {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

func (l *Loader) download(ctx context.Context, rawURL string, limit int64) ([]byte, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("media: build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("media: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("media: download: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("media: read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", "", fmt.Errorf("media: download exceeds %d bytes", limit)
	}
	return data, extractFilename(rawURL, resp), resp.Header.Get("Content-Type"), nil
}

// extractFilename extracts filename from Content-Disposition or the URL path.
func extractFilename(rawURL string, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if parts := strings.Split(cd, "filename="); len(parts) > 1 {
			if name := strings.Trim(parts[1], `"; `); name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "file"
}

// validateFilePath rejects relative traversal and kernel/system trees, which
// are never valid attachment sources even in relaxed mode.
func validateFilePath(p string) error {
	clean := filepath.Clean(p)
	if strings.HasPrefix(clean, "..") {
		return errors.New("media: path traversal not allowed")
	}
	if filepath.IsAbs(clean) {
		for _, s := range []string{"/etc", "/proc", "/sys", "/dev"} {
			if clean == s || strings.HasPrefix(clean, s+"/") {
				return fmt.Errorf("media: access to %s not allowed", s)
			}
		}
	}
	return nil
}
