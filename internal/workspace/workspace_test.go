package workspace_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/reconhub/internal/config"
	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	l := workspace.NewLayout(config.PathsConfig{DataDir: "/data", ResultsDir: "/results", ScenesDir: "/scenes"})
	assert.Equal(t, "/data/u1", l.UploadDir("u1"))
	assert.Equal(t, "/scenes/garden/images_4", l.DatasetDir("garden", "images_4"))
	assert.Equal(t, "/scenes/garden", l.DatasetRoot("garden"))
	assert.Equal(t, "/results/job-1", l.JobDir("job-1"))
}

func TestJoin(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"mesh.ply", "/base/mesh.ply", false},
		{"dense/fused.ply", "/base/dense/fused.ply", false},
		{"a/../mesh.ply", "/base/mesh.ply", false},
		{"../secret", "", true},
		{"a/../../secret", "", true},
		{"/etc/passwd", "", true},
		{"", "", true},
		{".", "", true},
		{"..", "", true},
	}
	for _, tt := range tests {
		got, err := workspace.Join("/base", tt.name)
		if tt.wantErr {
			assert.ErrorIs(t, err, workspace.ErrUnsafePath, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsImage(t *testing.T) {
	assert.True(t, workspace.IsImage("DSC0001.JPG"))
	assert.True(t, workspace.IsImage("frame.png"))
	assert.True(t, workspace.IsImage("scan.tiff"))
	assert.False(t, workspace.IsImage("poses_bounds.npy"))
	assert.False(t, workspace.IsImage("notes"))
}

func TestImagesAndFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.png", "readme.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.jpg"), []byte("x"), 0o644))

	images, err := workspace.Images(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.jpg"}, images)

	files, err := workspace.Files(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.jpg", "readme.txt", "sub/c.jpg"}, files)

	_, err = workspace.Images(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
