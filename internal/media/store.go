// Package media owns the uploaded assets the scheduler references. A media
// ref is an opaque file name under the storage root; jobs hold the ref only,
// never the bytes.
package media

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	logx "postpilot/pkg/logx"
)

var (
	ErrBadFormat = errors.New("media format not allowed")
	ErrTooLarge  = errors.New("media file too large")
	ErrNotFound  = errors.New("media not found")
)

// Config controls the local media store.
type Config struct {
	Root          string
	PublicBaseURL string
	MaxSizeBytes  int64
	Formats       []string // allowed extensions, without dot
}

type Store struct {
	cfg Config
	log logx.Logger
}

func NewStore(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("media root is required")
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []string{"mp4", "mov", "avi"}
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 200 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, log: log}, nil
}

// Save validates and stores the stream under a fresh ref, and returns the ref.
// The original file name only contributes its extension.
func (s *Store) Save(name string, r io.Reader) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !s.allowed(ext) {
		return "", fmt.Errorf("%w: .%s", ErrBadFormat, ext)
	}

	ref := uuid.NewString() + "." + ext
	dst := filepath.Join(s.cfg.Root, ref)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}

	// Copy one byte past the cap so oversize input is detected, not truncated.
	n, err := io.Copy(f, io.LimitReader(r, s.cfg.MaxSizeBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if n > s.cfg.MaxSizeBytes {
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.cfg.MaxSizeBytes)
	}

	s.log.Info("media stored", logx.String("ref", ref), logx.Int64("bytes", n))
	return ref, nil
}

// Path returns the on-disk location for a ref, or ErrNotFound. Refs name
// regular files only; a directory under the root is never a valid ref.
func (s *Store) Path(ref string) (string, error) {
	clean := filepath.Base(ref) // refs never carry directories
	p := filepath.Join(s.cfg.Root, clean)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return p, nil
}

// URL maps a ref to its externally reachable address.
func (s *Store) URL(ref string) (string, error) {
	if _, err := s.Path(ref); err != nil {
		return "", err
	}
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	if base == "" {
		return "", errors.New("media public base URL not configured")
	}
	return base + "/" + url.PathEscape(filepath.Base(ref)), nil
}

// Remove deletes the stored file. Removing an absent ref is a no-op.
func (s *Store) Remove(ref string) error {
	p := filepath.Join(s.cfg.Root, filepath.Base(ref))
	err := os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		s.log.Info("media removed", logx.String("ref", ref))
	}
	return nil
}

func (s *Store) allowed(ext string) bool {
	for _, f := range s.cfg.Formats {
		if strings.EqualFold(strings.TrimPrefix(f, "."), ext) {
			return true
		}
	}
	return false
}
