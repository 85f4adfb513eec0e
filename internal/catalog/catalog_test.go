package catalog_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/catalog"
	"github.com/kiranshivaraju/reconhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_HasEveryMethod(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	for _, id := range models.AllMethods {
		m, ok := c.Lookup(id)
		require.True(t, ok, "missing %s", id)
		assert.NotEmpty(t, m.Image)
		assert.NotEmpty(t, m.Stages)
		assert.Positive(t, m.Timeout)
	}
	assert.Len(t, c.Methods(), len(models.AllMethods))
}

func TestDefault_GPURequirements(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	gpu := map[models.Method]bool{
		models.MethodMeshroom:          false,
		models.MethodCOLMAP:            false,
		models.MethodOpenMVG:           false,
		models.MethodInstantNGP:        true,
		models.MethodGaussianSplatting: true,
		models.MethodMobileNeRF:        false,
		models.MethodPIFuHD:            true,
	}
	for id, want := range gpu {
		m, _ := c.Lookup(id)
		assert.Equal(t, want, m.GPURequired, string(id))
	}
}

func TestDefault_StepPatternsCompile(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	m, _ := c.Lookup(models.MethodInstantNGP)
	require.NotNil(t, m.Steps)
	match := m.Steps.Regexp().FindStringSubmatch("Training step 1200/35000 loss=0.01")
	require.Len(t, match, 3)
	assert.Equal(t, "1200", match[1])
	assert.Equal(t, "35000", match[2])

	m, _ = c.Lookup(models.MethodGaussianSplatting)
	require.NotNil(t, m.Steps)
	match = m.Steps.Regexp().FindStringSubmatch("Training progress:  45%|████▌     | 13500/30000 [01:02<01:20]")
	require.Len(t, match, 3)
	assert.Equal(t, "13500", match[1])
}

func TestInfo_Availability(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)

	ngp, _ := c.Lookup(models.MethodInstantNGP)
	assert.False(t, ngp.Info(false).Available)
	assert.True(t, ngp.Info(true).Available)

	colmap, _ := c.Lookup(models.MethodCOLMAP)
	info := colmap.Info(false)
	assert.True(t, info.Available)
	assert.Equal(t, "COLMAP", info.Name)
	assert.Equal(t, "traditional", info.Type)
}

func TestLookup_Unknown(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)
	_, ok := c.Lookup("photoshop")
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", `methods: []`, "no methods"},
		{"no image", `methods: [{id: colmap, command: [run]}]`, "image is required"},
		{"no command", `methods: [{id: colmap, image: x}]`, "command is required"},
		{"duplicate", `methods: [{id: colmap, image: x, command: [run]}, {id: colmap, image: y, command: [run]}]`, "defined twice"},
		{"stages out of order", `methods: [{id: colmap, image: x, command: [run], stages: [{marker: a, progress: 50}, {marker: b, progress: 20}]}]`, "must increase"},
		{"bad step pattern", `methods: [{id: colmap, image: x, command: [run], steps: {pattern: "(", from: 10, to: 20}}]`, "steps pattern"},
		{"one capture group", `methods: [{id: colmap, image: x, command: [run], steps: {pattern: "(\\d+)", from: 10, to: 20}}]`, "two capture groups"},
		{"bad yaml", `methods: [`, "parse catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "methods.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
methods:
  - id: colmap
    name: COLMAP
    image: registry.local/colmap:3.9
    command: [colmap-run]
    timeout: 90m
`), 0o644))

	c, err := catalog.Load(path)
	require.NoError(t, err)
	m, ok := c.Lookup(models.MethodCOLMAP)
	require.True(t, ok)
	assert.Equal(t, "registry.local/colmap:3.9", m.Image)
	assert.Equal(t, 90*time.Minute, m.Timeout)
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	c, err := catalog.Load("")
	require.NoError(t, err)
	_, ok := c.Lookup(models.MethodPIFuHD)
	assert.True(t, ok)
}
