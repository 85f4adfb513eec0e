// Package gpu reports whether the host can run GPU-only engines.
package gpu

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
)

const defaultTTL = 30 * time.Second

// Query returns the raw output of
// nvidia-smi --query-gpu=name,memory.total,driver_version --format=csv,noheader,nounits.
type Query func(ctx context.Context) ([]byte, error)

// NvidiaSMI runs the nvidia-smi binary.
func NvidiaSMI(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,driver_version",
		"--format=csv,noheader,nounits")

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return out.Bytes(), nil
}

// Detector caches GPU availability. Mode "off" and "on" short-circuit the
// query for availability; "auto" trusts whatever nvidia-smi reports.
type Detector struct {
	mode   string
	query  Query
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	cached models.GPUStatus
	at     time.Time
}

// NewDetector returns a detector for the given mode (auto, on, off).
func NewDetector(mode string, query Query, logger *slog.Logger) *Detector {
	if query == nil {
		query = NvidiaSMI
	}
	return &Detector{mode: mode, query: query, ttl: defaultTTL, logger: logger}
}

// Status returns the current availability snapshot.
func (d *Detector) Status(ctx context.Context) models.GPUStatus {
	if d.mode == "off" {
		return models.GPUStatus{Available: false}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.at.IsZero() && time.Since(d.at) < d.ttl {
		return d.cached
	}

	st := d.detect(ctx)
	d.cached = st
	d.at = time.Now()
	return st
}

// Available is shorthand for Status(ctx).Available.
func (d *Detector) Available(ctx context.Context) bool {
	return d.Status(ctx).Available
}

func (d *Detector) detect(ctx context.Context) models.GPUStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var devices []models.GPUDevice
	out, err := d.query(ctx)
	if err == nil {
		devices, err = ParseQuery(out)
	}
	if err != nil {
		d.logger.Debug("gpu query failed", "mode", d.mode, "error", err)
	}

	st := models.GPUStatus{
		Available: len(devices) > 0 || d.mode == "on",
		Count:     len(devices),
		Devices:   devices,
	}
	if len(devices) > 0 {
		st.Name = devices[0].Name
	}
	return st
}

// ParseQuery parses csv,noheader,nounits output with the columns
// name, memory.total, driver_version.
func ParseQuery(out []byte) ([]models.GPUDevice, error) {
	var devices []models.GPUDevice
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid nvidia-smi output: %s", line)
		}
		dev := models.GPUDevice{Name: strings.TrimSpace(fields[0])}
		mem, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid memory.total %q: %w", fields[1], err)
		}
		dev.MemoryMB = mem
		if len(fields) > 2 {
			dev.DriverVersion = strings.TrimSpace(fields[2])
		}
		devices = append(devices, dev)
	}
	return devices, nil
}
