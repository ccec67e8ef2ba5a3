// Package upload validates and stores uploaded images under collision-free names.
package upload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// URLPrefix is the public path under which stored images are served.
const URLPrefix = "/uploads"

var (
	ErrEmptyFilename        = errors.New("no selected file")
	ErrUnsupportedExtension = errors.New("invalid file format")
)

var allowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
}

// ValidateFilename checks that name is non-empty and carries an allowed image
// extension. It returns the lower-cased extension without the dot.
func ValidateFilename(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyFilename
	}
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return "", ErrUnsupportedExtension
	}
	ext := strings.ToLower(name[dot+1:])
	if !allowedExtensions[ext] {
		return "", ErrUnsupportedExtension
	}
	return ext, nil
}

// SanitizeFilename reduces name to a safe base name made of ASCII letters,
// digits, '.', '_' and '-'. Accented letters lose their marks, whitespace
// and path separators become '_'. The result can never escape the upload
// directory and may be empty.
func SanitizeFilename(name string) string {
	name = norm.NFKD.String(name)
	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}

// StoredFile describes an image written to the upload directory.
type StoredFile struct {
	Name string
	Path string
	Size int64
}

// URL returns the public URL of the stored image.
func (f *StoredFile) URL() string {
	return URLPrefix + "/" + f.Name
}

// Store writes uploads into a single directory.
type Store struct {
	dir      string
	logger   *zap.Logger
	newToken func() string
}

// NewStore creates the upload directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.Named("upload_store"),
		newToken: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}, nil
}

// Dir returns the upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save validates originalName and writes src as <token>_<sanitized name>.
// The file is created exclusively; an existing file is never overwritten.
func (s *Store) Save(src io.Reader, originalName string) (*StoredFile, error) {
	ext, err := ValidateFilename(originalName)
	if err != nil {
		return nil, err
	}

	safe := SanitizeFilename(originalName)
	if !strings.HasSuffix(strings.ToLower(safe), "."+ext) {
		safe = "image." + ext
	}
	name := s.newToken() + "_" + safe
	path := filepath.Join(s.dir, name)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}

	size, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		s.Remove(path)
		if copyErr != nil {
			return nil, fmt.Errorf("write upload: %w", copyErr)
		}
		return nil, fmt.Errorf("close upload: %w", closeErr)
	}

	return &StoredFile{Name: name, Path: path, Size: size}, nil
}

// Remove deletes a stored file. Failures are logged, never returned.
func (s *Store) Remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove upload", zap.String("path", path), zap.Error(err))
	}
}
