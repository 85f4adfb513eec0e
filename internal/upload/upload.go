// Package upload stores user supplied image sets under the data directory.
package upload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

var (
	ErrNotFound  = errors.New("upload not found")
	ErrNoImages  = errors.New("no image files in upload")
	ErrInvalidID = errors.New("invalid upload id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Store writes uploads to <data>/<upload_id>/.
type Store struct {
	layout workspace.Layout
	logger *slog.Logger
}

func NewStore(layout workspace.Layout, logger *slog.Logger) *Store {
	return &Store{layout: layout, logger: logger}
}

// extByType names image parts that arrive without a usable extension.
var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/tiff": ".tif",
	"image/bmp":  ".bmp",
}

// Save writes every image part to a fresh upload directory. A part is kept
// when its stored name has an image extension, so Save and Get agree on the
// count. Repeated file names get a numeric suffix. Nothing is kept when no
// part is an image.
func (s *Store) Save(files []*multipart.FileHeader) (*models.Upload, error) {
	id := uuid.NewString()
	dir := s.layout.UploadDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	up := &models.Upload{ID: id, Files: []string{}}
	taken := make(map[string]bool)
	for _, fh := range files {
		name, ok := imageName(fh)
		if !ok {
			s.logger.Debug("skipping non-image upload part", "upload_id", id, "filename", fh.Filename)
			continue
		}
		name = uniqueName(name, taken)
		if err := writePart(fh, filepath.Join(dir, name)); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		up.Files = append(up.Files, name)
	}

	if len(up.Files) == 0 {
		_ = os.RemoveAll(dir)
		return nil, ErrNoImages
	}
	up.FileCount = len(up.Files)
	return up, nil
}

// imageName returns the base name a part is stored under, or false when the
// part is not an image the engines can read.
func imageName(fh *multipart.FileHeader) (string, bool) {
	name := filepath.Base(filepath.Clean("/" + filepath.FromSlash(fh.Filename)))
	if name == string(filepath.Separator) || name == "." {
		return "", false
	}
	if workspace.IsImage(name) {
		return name, true
	}
	ct, _, _ := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	ext, ok := extByType[ct]
	if !ok || filepath.Ext(name) != "" {
		return "", false
	}
	return name + ext, true
}

// uniqueName appends -1, -2, ... before the extension until name is unused.
// Names compare case-insensitively for case-folding filesystems.
func uniqueName(name string, taken map[string]bool) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 1; taken[strings.ToLower(candidate)]; n++ {
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
	taken[strings.ToLower(candidate)] = true
	return candidate
}

func writePart(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open part %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return dst.Close()
}

// Get returns the images currently stored for id.
func (s *Store) Get(id string) (*models.Upload, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	images, err := workspace.Images(s.layout.UploadDir(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if images == nil {
		images = []string{}
	}
	return &models.Upload{ID: id, Files: images, FileCount: len(images)}, nil
}

// Dir returns the directory holding the upload.
func (s *Store) Dir(id string) string {
	return s.layout.UploadDir(id)
}

// Delete removes an upload. Removing an unknown upload is not an error.
func (s *Store) Delete(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := os.RemoveAll(s.layout.UploadDir(id)); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}
