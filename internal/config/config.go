package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models qpilot.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Worker struct {
		// Command is the external drafting CLI invoked with a step verb
		// (ingest|draft|approve|export) and step-specific flags.
		Command []string          `yaml:"command"`
		Env     map[string]string `yaml:"env"`
	} `yaml:"worker"`
	Paths struct {
		RunsDir      string `yaml:"runs_dir"`
		TemplatesDir string `yaml:"templates_dir"`
	} `yaml:"paths"`
	Server struct {
		BasePath       string `yaml:"base_path"`
		JWTSecret      string `yaml:"jwt_secret"`
		APIToken       string `yaml:"api_token"`
		AllowAnonymous bool   `yaml:"allow_anonymous"`
	} `yaml:"server"`
	Log struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run qp init or create it from the default template", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace default when the config file is missing.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("config.worker.command is required")
	}
	for i, part := range c.Worker.Command {
		if part == "" {
			return fmt.Errorf("config.worker.command[%d] is empty", i)
		}
	}
	if c.Paths.RunsDir == "" {
		return fmt.Errorf("config.paths.runs_dir is required")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "qpilot.yml")
}

// Default returns the built-in config. Paths stay workspace-relative; the
// engine resolves them against the workspace it runs in.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: sq-autopilot

worker:
  command: [python3, -m, sq_autopilot.cli]
  env:
    PYTHONPATH: src

paths:
  runs_dir: runs
  templates_dir: templates

server:
  base_path: /v0
  jwt_secret: ""
  api_token: ""
  allow_anonymous: true

log:
  file: .qpilot/qpilot.log
  level: info
`
