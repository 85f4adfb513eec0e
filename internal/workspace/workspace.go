// Package workspace maps uploads, datasets and job results onto the host
// filesystem.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kiranshivaraju/reconhub/internal/config"
)

// ErrUnsafePath is returned when a client supplied name escapes its base directory.
var ErrUnsafePath = errors.New("path escapes base directory")

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true, ".bmp": true,
}

// Layout is the on-disk arrangement:
//
//	<data>/<upload_id>/            uploaded images
//	<scenes>/<dataset>/<tier>/     built-in datasets
//	<results>/<job_id>/            engine output and summary
type Layout struct {
	DataDir    string
	ResultsDir string
	ScenesDir  string
}

// NewLayout builds a Layout from configuration.
func NewLayout(cfg config.PathsConfig) Layout {
	return Layout{DataDir: cfg.DataDir, ResultsDir: cfg.ResultsDir, ScenesDir: cfg.ScenesDir}
}

func (l Layout) UploadDir(uploadID string) string {
	return filepath.Join(l.DataDir, uploadID)
}

func (l Layout) DatasetRoot(name string) string {
	return filepath.Join(l.ScenesDir, name)
}

func (l Layout) DatasetDir(name, tier string) string {
	return filepath.Join(l.ScenesDir, name, tier)
}

func (l Layout) JobDir(jobID string) string {
	return filepath.Join(l.ResultsDir, jobID)
}

// Join resolves a client supplied relative name under base, rejecting
// absolute paths and any ".." that would leave base.
func Join(base, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(base, clean), nil
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// Images lists image files directly inside dir, sorted by name.
// A missing directory yields fs.ErrNotExist.
func Images(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && IsImage(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Files lists every regular file under dir as slash separated paths
// relative to dir, sorted.
func Files(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
