package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aurafw/aura/pkg/types"
	"gopkg.in/yaml.v3"
)

// PluginType distinguishes plans (task-bearing) from libraries
type PluginType string

const (
	TypePlan    PluginType = "plan"
	TypeLibrary PluginType = "library"
)

// ManifestFile is the file name that marks a directory as a plugin
const ManifestFile = "manifest.yaml"

// DescriptorFile declares the services, actions, and hooks a plugin exports
const DescriptorFile = "api.yaml"

// StateMapFile holds a plan's state-transition graph
const StateMapFile = "states.yaml"

// TasksDir is the subdirectory holding a plan's task files
const TasksDir = "tasks"

// ServiceExtension declares that this plugin extends a service provided
// by another plugin
type ServiceExtension struct {
	Service    string `yaml:"service"`
	FromPlugin string `yaml:"from_plugin"`
	EntryPoint string `yaml:"entry_point"`
}

// Manifest is the parsed manifest.yaml of one plugin
type Manifest struct {
	Author       string             `yaml:"author"`
	Name         string             `yaml:"name"`
	Version      string             `yaml:"version"`
	Type         PluginType         `yaml:"type"`
	Dependencies map[string]string  `yaml:"dependencies,omitempty"`
	Packages     []string           `yaml:"packages,omitempty"` // external package deps, informational
	Extends      []ServiceExtension `yaml:"extends,omitempty"`
	Overrides    []string           `yaml:"overrides,omitempty"`
}

// Definition is an immutable description of a loaded plugin
type Definition struct {
	Manifest
	Path string
}

// CanonicalID returns the plugin's unique id in author/name form
func (d *Definition) CanonicalID() string {
	return d.Author + "/" + d.Name
}

// ActionDecl declares one exported action in a plugin's API descriptor
type ActionDecl struct {
	Name       string            `yaml:"name"`
	EntryPoint string            `yaml:"entry_point"`
	ReadOnly   bool              `yaml:"read_only,omitempty"`
	Public     bool              `yaml:"public,omitempty"`
	CPUBound   bool              `yaml:"cpu_bound,omitempty"`
	Requires   map[string]string `yaml:"requires_services,omitempty"`
}

// ServiceDecl declares one exported service in a plugin's API descriptor
type ServiceDecl struct {
	Alias      string            `yaml:"alias"`
	EntryPoint string            `yaml:"entry_point"`
	Requires   map[string]string `yaml:"requires_services,omitempty"`
}

// HookDecl attaches an entry point to a hook point
type HookDecl struct {
	Point      HookPoint `yaml:"point"`
	EntryPoint string    `yaml:"entry_point"`
}

// Descriptor is the parsed api.yaml of one plugin
type Descriptor struct {
	Actions  []ActionDecl  `yaml:"actions,omitempty"`
	Services []ServiceDecl `yaml:"services,omitempty"`
	Hooks    []HookDecl    `yaml:"hooks,omitempty"`
}

// ParseManifest reads and validates a plugin manifest
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Author == "" || m.Name == "" {
		return nil, fmt.Errorf("%w: manifest %s is missing required author/name", types.ErrFatalStartup, path)
	}
	if m.Type == "" {
		m.Type = TypePlan
	}
	return &m, nil
}

// ParseDescriptor reads a plugin API descriptor. A missing descriptor is
// not an error: the plugin then exports nothing.
func ParseDescriptor(dir string) (*Descriptor, error) {
	path := filepath.Join(dir, DescriptorFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Descriptor{}, nil
		}
		return nil, fmt.Errorf("failed to read descriptor %s: %w", path, err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor %s: %w", path, err)
	}
	return &d, nil
}

// ParseStateMap reads a plan's state map. Returns nil when the plan has none.
func ParseStateMap(dir string) (*types.StateMap, error) {
	path := filepath.Join(dir, StateMapFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state map %s: %w", path, err)
	}
	var sm types.StateMap
	if err := yaml.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("failed to parse state map %s: %w", path, err)
	}
	return &sm, nil
}
