// Package catalog describes the reconstruction engines the service can run:
// their display metadata, GPU requirements, container image and the log
// markers used to estimate progress.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
	"gopkg.in/yaml.v3"
)

//go:embed methods.yaml
var defaultCatalog []byte

// Stage is a recognisable point in an engine's log output.
type Stage struct {
	Marker   string `yaml:"marker"`
	Label    string `yaml:"label"`
	Progress int    `yaml:"progress"`
}

// Steps maps "current/total" counters in training logs onto a progress range.
type Steps struct {
	Pattern string `yaml:"pattern"`
	From    int    `yaml:"from"`
	To      int    `yaml:"to"`

	re *regexp.Regexp
}

// Regexp returns the compiled step pattern.
func (s *Steps) Regexp() *regexp.Regexp {
	return s.re
}

// Method is one engine entry of the catalog.
type Method struct {
	ID               models.Method     `yaml:"id"`
	Name             string            `yaml:"name"`
	Description      string            `yaml:"description"`
	Type             string            `yaml:"type"`
	GPURequired      bool              `yaml:"gpu_required"`
	GPUPreferred     bool              `yaml:"gpu_preferred"`
	MobileCompatible bool              `yaml:"mobile_compatible"`
	EstimatedTime    string            `yaml:"estimated_time"`
	Quality          string            `yaml:"quality"`
	Image            string            `yaml:"image"`
	Command          []string          `yaml:"command"`
	Env              map[string]string `yaml:"env"`
	Timeout          time.Duration     `yaml:"timeout"`
	Outputs          []string          `yaml:"outputs"`
	Stages           []Stage           `yaml:"stages"`
	Steps            *Steps            `yaml:"steps"`
}

// Info converts the entry to its public description.
func (m Method) Info(gpuAvailable bool) models.MethodInfo {
	return models.MethodInfo{
		ID:               m.ID,
		Name:             m.Name,
		Description:      m.Description,
		Type:             m.Type,
		GPURequired:      m.GPURequired,
		MobileCompatible: m.MobileCompatible,
		EstimatedTime:    m.EstimatedTime,
		Quality:          m.Quality,
		Available:        !m.GPURequired || gpuAvailable,
	}
}

// Catalog is an immutable, validated set of engine descriptions.
type Catalog struct {
	methods []Method
	byID    map[models.Method]int
}

type file struct {
	Methods []Method `yaml:"methods"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file, or returns the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Methods) == 0 {
		return nil, fmt.Errorf("catalog defines no methods")
	}

	c := &Catalog{byID: make(map[models.Method]int, len(f.Methods))}
	for i := range f.Methods {
		m := &f.Methods[i]
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("method %q: %w", m.ID, err)
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("method %q defined twice", m.ID)
		}
		c.byID[m.ID] = len(c.methods)
		c.methods = append(c.methods, *m)
	}
	return c, nil
}

func (m *Method) validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Image == "" {
		return fmt.Errorf("image is required")
	}
	if len(m.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	last := 0
	for _, s := range m.Stages {
		if s.Marker == "" {
			return fmt.Errorf("stage %q has no marker", s.Label)
		}
		if s.Progress <= last || s.Progress >= 100 {
			return fmt.Errorf("stage %q progress %d must increase and stay below 100", s.Label, s.Progress)
		}
		last = s.Progress
	}

	if m.Steps != nil {
		re, err := regexp.Compile(m.Steps.Pattern)
		if err != nil {
			return fmt.Errorf("steps pattern: %w", err)
		}
		if re.NumSubexp() < 2 {
			return fmt.Errorf("steps pattern needs two capture groups (current, total)")
		}
		if m.Steps.From < 0 || m.Steps.To >= 100 || m.Steps.From >= m.Steps.To {
			return fmt.Errorf("steps range %d-%d is invalid", m.Steps.From, m.Steps.To)
		}
		m.Steps.re = re
	}
	return nil
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id models.Method) (Method, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Method{}, false
	}
	return c.methods[i], true
}

// Methods returns every entry in catalog order.
func (c *Catalog) Methods() []Method {
	out := make([]Method, len(c.methods))
	copy(out, c.methods)
	return out
}
