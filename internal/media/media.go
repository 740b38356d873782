// Package media stores evidence files on disk and serves them over HTTP.
//
// Files are written once under a collision-resistant name and exposed at
// <base>/media/<filename> by the Server in this package.
package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Constants for media store configuration
const (
	// DefaultDirPermissions defines the default permissions for the media directory
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the default permissions for stored evidence files
	DefaultFilePermissions = 0644
	// DefaultExtension is used when the media type yields no usable extension
	DefaultExtension = "bin"
)

// nonDigits matches everything stripped from an identity when building filenames.
var nonDigits = regexp.MustCompile(`[^0-9]`)

// Opts holds configuration options for the media store.
type Opts struct {
	Dir     string // directory evidence files are written to
	BaseURL string // public base URL, e.g. "http://localhost:3000"
}

// Option defines a configuration option for the media store.
type Option func(*Opts)

// WithDir sets the directory evidence files are written to.
func WithDir(dir string) Option {
	return func(o *Opts) {
		o.Dir = dir
	}
}

// WithBaseURL sets the public base URL used when constructing evidence URLs.
func WithBaseURL(base string) Option {
	return func(o *Opts) {
		o.BaseURL = base
	}
}

// Store writes evidence files and computes their public URLs.
type Store struct {
	dir     string
	baseURL string
}

// NewStore creates a media store, ensuring the media directory exists.
func NewStore(opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dir == "" {
		slog.Error("MediaStore directory not set")
		return nil, fmt.Errorf("media directory not set")
	}
	if cfg.BaseURL == "" {
		slog.Error("MediaStore base URL not set")
		return nil, fmt.Errorf("media base URL not set")
	}

	if err := os.MkdirAll(cfg.Dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create media directory", "error", err, "dir", cfg.Dir)
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	slog.Debug("Media directory verified/created", "dir", cfg.Dir)

	return &Store{dir: cfg.Dir, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

// Filename builds a collision-resistant filename from the message timestamp,
// the digits of the sender identity and the media type's extension.
func (s *Store) Filename(identity, mediaType string, now time.Time) string {
	safeID := nonDigits.ReplaceAllString(identity, "")
	return fmt.Sprintf("%d_%s.%s", now.UnixMilli(), safeID, ExtensionFromMediaType(mediaType))
}

// Save writes evidence bytes under the given filename and returns the full
// path of the stored file.
func (s *Store) Save(filename string, data []byte) (string, error) {
	path := filepath.Join(s.dir, filename)
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		slog.Error("MediaStore Save failed", "error", err, "path", path)
		return "", fmt.Errorf("failed to write evidence file %s: %w", filename, err)
	}
	slog.Debug("MediaStore Save succeeded", "path", path, "bytes", len(data))
	return path, nil
}

// URLFor returns the public URL the stored file is retrievable at.
func (s *Store) URLFor(filename string) string {
	return s.baseURL + "/media/" + filename
}

// Dir returns the directory evidence files are written to.
func (s *Store) Dir() string {
	return s.dir
}

// ExtensionFromMediaType derives a file extension from a declared media type,
// e.g. "image/jpeg" -> "jpeg" and "video/mp4; codecs=avc1" -> "mp4".
func ExtensionFromMediaType(mediaType string) string {
	_, sub, found := strings.Cut(mediaType, "/")
	if !found {
		return DefaultExtension
	}
	sub, _, _ = strings.Cut(sub, ";")
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return DefaultExtension
	}
	return sub
}
