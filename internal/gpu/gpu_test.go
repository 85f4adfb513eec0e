package gpu_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/kiranshivaraju/reconhub/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func staticQuery(out string, err error) (gpu.Query, *int) {
	calls := 0
	return func(context.Context) ([]byte, error) {
		calls++
		return []byte(out), err
	}, &calls
}

func TestParseQuery(t *testing.T) {
	devices, err := gpu.ParseQuery([]byte("NVIDIA GeForce RTX 4090, 24564, 550.54.14\nNVIDIA A100-SXM4-80GB, 81920, 550.54.14\n"))
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", devices[0].Name)
	assert.Equal(t, 24564, devices[0].MemoryMB)
	assert.Equal(t, "550.54.14", devices[0].DriverVersion)
	assert.Equal(t, 81920, devices[1].MemoryMB)
}

func TestParseQuery_Empty(t *testing.T) {
	devices, err := gpu.ParseQuery([]byte("\n"))
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestParseQuery_Invalid(t *testing.T) {
	_, err := gpu.ParseQuery([]byte("garbage"))
	assert.Error(t, err)

	_, err = gpu.ParseQuery([]byte("Tesla T4, lots"))
	assert.Error(t, err)
}

func TestDetector_Auto(t *testing.T) {
	query, calls := staticQuery("Tesla T4, 15360, 535.1\n", nil)
	d := gpu.NewDetector("auto", query, quiet)

	st := d.Status(context.Background())
	assert.True(t, st.Available)
	assert.Equal(t, "Tesla T4", st.Name)
	assert.Equal(t, 1, st.Count)

	// Cached.
	d.Status(context.Background())
	assert.Equal(t, 1, *calls)
}

func TestDetector_AutoWithoutDriver(t *testing.T) {
	query, _ := staticQuery("", errors.New("exec: \"nvidia-smi\": executable file not found in $PATH"))
	d := gpu.NewDetector("auto", query, quiet)
	assert.False(t, d.Available(context.Background()))
}

func TestDetector_Off(t *testing.T) {
	query, calls := staticQuery("Tesla T4, 15360, 535.1\n", nil)
	d := gpu.NewDetector("off", query, quiet)
	assert.False(t, d.Available(context.Background()))
	assert.Zero(t, *calls)
}

func TestDetector_On(t *testing.T) {
	query, _ := staticQuery("", errors.New("no driver in this container"))
	d := gpu.NewDetector("on", query, quiet)
	st := d.Status(context.Background())
	assert.True(t, st.Available)
	assert.Zero(t, st.Count)
}
