// Package loader turns module manifests into running tasks: parse,
// fetch, decompress, validate, compile, grant, spawn.
package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/wardenos/warden/internal/kernel"
	"github.com/wardenos/warden/internal/kernel/caps"
	"github.com/wardenos/warden/internal/kernel/task"
)

// GrantSpec is one manifest grant: a builtin object or a named
// endpoint, with the rights the capability should carry.
type GrantSpec struct {
	Object   string   `json:"object,omitempty" yaml:"object,omitempty" toml:"object,omitempty"`
	Endpoint string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	Rights   []string `json:"rights" yaml:"rights" toml:"rights"`
}

// Manifest describes one module load.
type Manifest struct {
	Name        string      `json:"name" yaml:"name" toml:"name"`
	Module      string      `json:"module" yaml:"module" toml:"module"`
	Entry       string      `json:"entry,omitempty" yaml:"entry,omitempty" toml:"entry,omitempty"`
	Priority    string      `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	MemoryLimit uint64      `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty" toml:"memory_limit,omitempty"`
	Grants      []GrantSpec `json:"grants,omitempty" yaml:"grants,omitempty" toml:"grants,omitempty"`

	// Dir anchors relative module paths, set from the manifest's
	// location when it was read from disk.
	Dir string `json:"-" yaml:"-" toml:"-"`
}

// ParseManifest decodes a manifest by extension (.yaml/.yml, .toml,
// .json) and validates it.
func ParseManifest(data []byte, ext string) (Manifest, error) {
	var m Manifest
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".toml":
		err = toml.Unmarshal(data, &m)
	case ".json":
		err = sonic.Unmarshal(data, &m)
	default:
		return m, fmt.Errorf("manifest: unsupported format %q", ext)
	}
	if err != nil {
		return m, fmt.Errorf("manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks the fields that spawn would otherwise reject late:
// required name and module, known priority, well-formed grants.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest: name is required")
	}
	if m.Module == "" {
		return errors.New("manifest: module is required")
	}
	if _, err := task.ParsePriority(m.Priority); err != nil {
		return fmt.Errorf("manifest %s: %w", m.Name, err)
	}
	for i, g := range m.Grants {
		if _, err := g.target(); err != nil {
			return fmt.Errorf("manifest %s: grant %d: %w", m.Name, i, err)
		}
		if len(g.Rights) == 0 {
			return fmt.Errorf("manifest %s: grant %d: needs at least one right", m.Name, i)
		}
		if _, err := caps.ParseRights(g.Rights); err != nil {
			return fmt.Errorf("manifest %s: grant %d: %w", m.Name, i, err)
		}
	}
	return nil
}

// bootCaps resolves manifest grants into spawn grants.
func (m *Manifest) bootCaps() ([]kernel.BootCap, error) {
	grants := make([]kernel.BootCap, 0, len(m.Grants))
	for _, g := range m.Grants {
		target, err := g.target()
		if err != nil {
			return nil, err
		}
		rights, err := caps.ParseRights(g.Rights)
		if err != nil {
			return nil, err
		}
		grants = append(grants, kernel.BootCap{Target: target, Rights: rights})
	}
	return grants, nil
}

func (g GrantSpec) target() (string, error) {
	switch {
	case g.Object != "" && g.Endpoint != "":
		return "", errors.New("sets both object and endpoint")
	case g.Object != "":
		switch g.Object {
		case "console":
			return kernel.TargetConsole, nil
		case "memory":
			return kernel.TargetMemory, nil
		default:
			return "", fmt.Errorf("unknown builtin object %q", g.Object)
		}
	case g.Endpoint != "":
		return g.Endpoint, nil
	default:
		return "", errors.New("needs object or endpoint")
	}
}
