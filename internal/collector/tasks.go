package collector

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ToolTypeHTTP = "http"
	ToolTypeFile = "file"
)

type ToolSpec struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	URL        string            `yaml:"url"`
	Path       string            `yaml:"path"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries *int              `yaml:"max_retries"`
}

// TaskFile is the YAML document the daemon and the ingest command read.
type TaskFile struct {
	Tools []ToolSpec `yaml:"tools"`
	Tasks []Task     `yaml:"tasks"`
}

func LoadTaskFile(path string) (TaskFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return TaskFile{}, fmt.Errorf("read task file: %w", err)
	}
	return ParseTaskFile(raw)
}

func ParseTaskFile(raw []byte) (TaskFile, error) {
	var file TaskFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return TaskFile{}, fmt.Errorf("decode task file: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Tasks))
	for i := range file.Tasks {
		task := &file.Tasks[i]
		if strings.TrimSpace(task.Name) == "" {
			task.Name = fmt.Sprintf("%s-%d", task.Tool, i+1)
		}
		if _, dup := seen[task.Name]; dup {
			return TaskFile{}, fmt.Errorf("duplicate task name %q", task.Name)
		}
		seen[task.Name] = struct{}{}
		if err := task.Validate(); err != nil {
			return TaskFile{}, err
		}
	}
	return file, nil
}

// Registry builds a fresh ToolRegistry from the tool specs.
func (f TaskFile) Registry() (*ToolRegistry, error) {
	registry, err := NewToolRegistry()
	if err != nil {
		return nil, err
	}
	for _, spec := range f.Tools {
		tool, err := spec.build()
		if err != nil {
			return nil, err
		}
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (s ToolSpec) build() (Tool, error) {
	name := strings.TrimSpace(s.Name)
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case ToolTypeHTTP:
		if strings.TrimSpace(s.URL) == "" {
			return nil, fmt.Errorf("tool %q: url is required", name)
		}
		retries := DefaultHTTPToolRetries
		if s.MaxRetries != nil {
			retries = *s.MaxRetries
		}
		return NewHTTPTool(HTTPToolOptions{
			Name:       name,
			URL:        s.URL,
			Headers:    s.Headers,
			Timeout:    s.Timeout,
			MaxRetries: retries,
		}), nil
	case ToolTypeFile:
		if strings.TrimSpace(s.Path) == "" {
			return nil, fmt.Errorf("tool %q: path is required", name)
		}
		return NewFileTool(name, s.Path), nil
	default:
		return nil, fmt.Errorf("tool %q: unsupported type %q", name, s.Type)
	}
}
