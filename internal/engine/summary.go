package engine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

// SummaryFile is written by every engine into its output directory.
const SummaryFile = "reconstruction_summary.json"

// Container side of the engine contract.
const (
	ContainerInputDir  = "/data/input"
	ContainerOutputDir = "/data/output"
)

var modelExtensions = []string{".glb", ".obj", ".ply"}

// filesKeyPriority orders the summary "files" map entries when choosing
// the primary output.
var filesKeyPriority = []string{
	"textured_mesh", "mesh", "dense_point_cloud", "point_cloud", "sparse_point_cloud", "model",
}

// Summary is the engine's reconstruction_summary.json.
type Summary struct {
	Method         string            `json:"method"`
	Status         string            `json:"status"`
	Error          string            `json:"error"`
	OutputFile     string            `json:"output_file"`
	Files          map[string]string `json:"files"`
	Points         *float64          `json:"points"`
	Vertices       *float64          `json:"vertices"`
	ProcessingTime *float64          `json:"processing_time"`
	MemoryUsed     *float64          `json:"memory_used"`
}

// ReadSummary loads the summary from dir. A missing file yields (nil, nil).
func ReadSummary(dir string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return &s, nil
}

// Result is what a successful run produced.
type Result struct {
	OutputRef string
	Files     []string
	Metrics   *models.Metrics
}

// CollectResult inspects a finished run's output directory. preferred lists
// the catalog's expected output names in priority order.
func CollectResult(dir string, preferred []string, elapsed time.Duration) (*Result, error) {
	summary, err := ReadSummary(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolFailure, err)
	}
	if summary != nil && strings.EqualFold(summary.Status, "failed") {
		reason := summary.Error
		if reason == "" {
			reason = "engine reported failure"
		}
		return nil, fmt.Errorf("%w: %s", ErrToolFailure, reason)
	}

	files, err := workspace.Files(dir)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}

	output := primaryOutput(summary, preferred, files)
	if output == "" {
		return nil, fmt.Errorf("%w: no mesh or point cloud was produced", ErrToolFailure)
	}

	return &Result{
		OutputRef: output,
		Files:     files,
		Metrics:   metrics(summary, filepath.Join(dir, filepath.FromSlash(output)), elapsed),
	}, nil
}

func primaryOutput(summary *Summary, preferred, files []string) string {
	if summary != nil {
		if f := matchFile(summary.OutputFile, files); f != "" {
			return f
		}
	}
	for _, name := range preferred {
		if f := matchFile(name, files); f != "" {
			return f
		}
	}
	if summary != nil {
		for _, key := range filesKeyPriority {
			if f := matchFile(summary.Files[key], files); f != "" && isModel(f) {
				return f
			}
		}
	}
	for _, f := range files {
		if isModel(f) {
			return f
		}
	}
	return ""
}

// matchFile finds ref among files. ref may be container-absolute, relative,
// or a bare file name.
func matchFile(ref string, files []string) string {
	if ref == "" {
		return ""
	}
	ref = filepath.ToSlash(ref)
	ref = strings.TrimPrefix(ref, ContainerOutputDir+"/")
	ref = strings.TrimPrefix(ref, "./")
	if slices.Contains(files, ref) {
		return ref
	}
	base := path.Base(ref)
	for _, f := range files {
		if path.Base(f) == base {
			return f
		}
	}
	return ""
}

func isModel(name string) bool {
	return slices.Contains(modelExtensions, strings.ToLower(path.Ext(name)))
}

func metrics(summary *Summary, outputPath string, elapsed time.Duration) *models.Metrics {
	m := &models.Metrics{ProcessingTimeSeconds: elapsed.Seconds()}
	if summary != nil {
		switch {
		case summary.Points != nil:
			m.Points = int64(*summary.Points)
		case summary.Vertices != nil:
			m.Points = int64(*summary.Vertices)
		}
		if summary.ProcessingTime != nil && *summary.ProcessingTime > 0 {
			m.ProcessingTimeSeconds = *summary.ProcessingTime
		}
		if summary.MemoryUsed != nil {
			m.MemoryUsedBytes = int64(*summary.MemoryUsed)
		}
	}
	if m.Points == 0 {
		m.Points = CountPoints(outputPath)
	}
	return m
}

// CountPoints reads the vertex count of a PLY header or counts OBJ "v"
// records. Unreadable or other formats yield 0.
func CountPoints(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ply":
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if rest, ok := strings.CutPrefix(line, "element vertex "); ok {
				n, _ := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
				return n
			}
			if line == "end_header" {
				break
			}
		}
	case ".obj":
		var n int64
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "v ") {
				n++
			}
		}
		return n
	}
	return 0
}
