package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stoker/internal/protocol"
)

const manifestFilename = "worker.yaml"

// Template describes a worker program the pool can spawn N copies of.
// It is loaded from a worker.yaml manifest inside a template directory.
type Template struct {
	Name       string   // Worker name from manifest
	Path       string   // Absolute path to template directory
	Entrypoint string   // Absolute path to entrypoint executable
	Protocol   int      // Wire protocol version
	Version    string   // Template version
	Topics     []string // Topics the worker binds handlers for
	Env        []string // Extra environment, KEY=VALUE form
}

// Manifest is the raw worker.yaml structure.
type Manifest struct {
	Name       string            `yaml:"name"`
	Version    string            `yaml:"version"`
	Protocol   int               `yaml:"protocol"`
	Entrypoint string            `yaml:"entrypoint"`
	Topics     []string          `yaml:"topics"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// SupportsTopic checks if the template declares a handler for topic.
func (t *Template) SupportsTopic(topic string) bool {
	for _, tp := range t.Topics {
		if tp == topic {
			return true
		}
	}
	return false
}

// LoadTemplate reads and validates the worker.yaml manifest in templateDir.
func LoadTemplate(templateDir string) (*Template, error) {
	absDir, err := filepath.Abs(templateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve template dir %q: %w", templateDir, err)
	}

	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template dir does not exist: %s", absDir)
		}
		return nil, fmt.Errorf("failed to stat template dir %s: %w", absDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template path is not a directory: %s", absDir)
	}

	manifestPath := filepath.Join(absDir, manifestFilename)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint := m.Entrypoint
	if !filepath.IsAbs(entrypoint) {
		entrypoint = filepath.Join(absDir, entrypoint)
	}
	epInfo, err := os.Stat(entrypoint)
	if err != nil {
		return nil, fmt.Errorf("entrypoint not found: %s", entrypoint)
	}
	if epInfo.IsDir() {
		return nil, fmt.Errorf("entrypoint is a directory: %s", entrypoint)
	}
	if epInfo.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("entrypoint is not executable: %s", entrypoint)
	}

	env := make([]string, 0, len(m.Env))
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}

	return &Template{
		Name:       m.Name,
		Path:       absDir,
		Entrypoint: entrypoint,
		Protocol:   m.Protocol,
		Version:    m.Version,
		Topics:     m.Topics,
		Env:        env,
	}, nil
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol != protocol.Version {
		return fmt.Errorf("unsupported protocol version: %d (core speaks %d)", m.Protocol, protocol.Version)
	}
	if strings.TrimSpace(m.Entrypoint) == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(m.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	seen := make(map[string]struct{}, len(m.Topics))
	for _, tp := range m.Topics {
		if strings.TrimSpace(tp) == "" {
			return fmt.Errorf("topic names must not be empty")
		}
		if _, dup := seen[tp]; dup {
			return fmt.Errorf("duplicate topic: %q", tp)
		}
		seen[tp] = struct{}{}
	}
	return nil
}
