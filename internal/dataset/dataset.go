// Package dataset exposes the built-in sample scenes provisioned under the
// scenes directory.
package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

var (
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrUnknownTier    = errors.New("unknown resolution tier")
	ErrNotProvisioned = errors.New("dataset tier is not provisioned")
)

// Names are the seven built-in scenes.
var Names = []string{"bicycle", "bonsai", "counter", "garden", "kitchen", "room", "stump"}

const posesFile = "poses_bounds.npy"

// Image is one file of a dataset tier.
type Image struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Catalog reads dataset availability from disk. The directories are never
// written by the service.
type Catalog struct {
	layout workspace.Layout
}

func NewCatalog(layout workspace.Layout) *Catalog {
	return &Catalog{layout: layout}
}

// List reports every built-in dataset, provisioned or not.
func (c *Catalog) List() []models.Dataset {
	out := make([]models.Dataset, 0, len(Names))
	for _, name := range Names {
		ds := models.Dataset{Name: name}
		if _, err := os.Stat(filepath.Join(c.layout.DatasetRoot(name), posesFile)); err == nil {
			ds.HasPoses = true
		}
		for _, tier := range models.Tiers {
			t := models.DatasetTier{Name: tier}
			if images, err := workspace.Images(c.layout.DatasetDir(name, tier)); err == nil {
				t.ImageCount = len(images)
				t.Available = len(images) > 0
			}
			ds.Available = ds.Available || t.Available
			ds.Tiers = append(ds.Tiers, t)
		}
		out = append(out, ds)
	}
	return out
}

// Resolve validates name and tier and returns the tier directory along with
// its image count. An empty tier selects full resolution.
func (c *Catalog) Resolve(name, tier string) (string, int, error) {
	if !slices.Contains(Names, name) {
		return "", 0, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	if tier == "" {
		tier = models.TierFull
	}
	if !slices.Contains(models.Tiers, tier) {
		return "", 0, fmt.Errorf("%w: %q (expected one of %v)", ErrUnknownTier, tier, models.Tiers)
	}

	dir := c.layout.DatasetDir(name, tier)
	images, err := workspace.Images(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(images) == 0) {
		return "", 0, fmt.Errorf("%w: %s/%s", ErrNotProvisioned, name, tier)
	}
	if err != nil {
		return "", 0, fmt.Errorf("read dataset %s/%s: %w", name, tier, err)
	}
	return dir, len(images), nil
}

// Images lists the image files of one dataset tier.
func (c *Catalog) Images(name, tier string) ([]Image, error) {
	dir, _, err := c.Resolve(name, tier)
	if err != nil {
		return nil, err
	}
	names, err := workspace.Images(dir)
	if err != nil {
		return nil, err
	}
	if tier == "" {
		tier = models.TierFull
	}
	out := make([]Image, 0, len(names))
	for _, n := range names {
		info, err := os.Stat(filepath.Join(dir, n))
		if err != nil {
			continue
		}
		out = append(out, Image{Name: n, Path: name + "/" + tier + "/" + n, Size: info.Size()})
	}
	return out, nil
}
