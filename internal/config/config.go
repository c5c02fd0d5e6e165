package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Events struct {
		Volatile         []string `yaml:"volatile"`
		SensitiveKeys    []string `yaml:"sensitive_keys"`
		MaxStringLength  int      `yaml:"max_string_length"`
		ToolOutputLimit  int      `yaml:"tool_output_limit"`
		TruncationMarker string   `yaml:"truncation_marker"`
	} `yaml:"events"`
	Replay struct {
		TTL       time.Duration `yaml:"ttl"`
		Capacity  int           `yaml:"capacity"`
		KeepAlive time.Duration `yaml:"keepalive"`
	} `yaml:"replay"`
	Imports struct {
		AliasPrefix string   `yaml:"alias_prefix"`
		AliasBase   string   `yaml:"alias_base"`
		Extensions  []string `yaml:"extensions"`
		SkipDirs    []string `yaml:"skip_dirs"`
	} `yaml:"imports"`
	Gates struct {
		MaxParallel int `yaml:"max_parallel"`
		// TestCommand runs one test file; {file} is replaced with its path.
		TestCommand string                     `yaml:"test_command"`
		TestTimeout time.Duration              `yaml:"test_timeout"`
		Validators  map[string]ValidatorConfig `yaml:"validators"`
	} `yaml:"gates"`
	DAG struct {
		MaxParallel int    `yaml:"max_parallel"`
		Shell       string `yaml:"shell"`
	} `yaml:"dag"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards persisted pipeline events to a URL.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Enabled *bool    `yaml:"enabled"`
	// TimeoutSeconds overrides the delivery timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ValidatorConfig overrides a registered validator's defaults.
type ValidatorConfig struct {
	Enabled   *bool `yaml:"enabled"`
	HardBlock *bool `yaml:"hard_block"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
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
	if c.Events.MaxStringLength <= 0 {
		return fmt.Errorf("config.events.max_string_length must be positive")
	}
	if c.Events.ToolOutputLimit <= 0 {
		return fmt.Errorf("config.events.tool_output_limit must be positive")
	}
	for _, k := range c.Events.SensitiveKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("config.events.sensitive_keys contains an empty key")
		}
	}
	if c.Replay.TTL <= 0 {
		return fmt.Errorf("config.replay.ttl must be positive")
	}
	if c.Replay.Capacity <= 0 {
		return fmt.Errorf("config.replay.capacity must be positive")
	}
	if c.Replay.KeepAlive <= 0 {
		return fmt.Errorf("config.replay.keepalive must be positive")
	}
	if c.Imports.AliasPrefix != "" && c.Imports.AliasBase == "" {
		return fmt.Errorf("config.imports.alias_base is required when alias_prefix is set")
	}
	for _, ext := range c.Imports.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("import extension %q must start with a dot", ext)
		}
	}
	for code := range c.Gates.Validators {
		if code == "" {
			return fmt.Errorf("config.gates.validators contains an empty code")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http or https", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if c.Gates.TestTimeout < 0 {
		return fmt.Errorf("config.gates.test_timeout must not be negative")
	}
	if c.Gates.MaxParallel < 0 || c.DAG.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	return nil
}

// Enabled reports whether a validator code is enabled, falling back to def.
func (c *Config) Enabled(code string, def bool) bool {
	if c == nil {
		return def
	}
	if vc, ok := c.Gates.Validators[code]; ok && vc.Enabled != nil {
		return *vc.Enabled
	}
	return def
}

// HardBlock reports the configured hard-block flag for a validator, falling back to def.
func (c *Config) HardBlock(code string, def bool) bool {
	if c == nil {
		return def
	}
	if vc, ok := c.Gates.Validators[code]; ok && vc.HardBlock != nil {
		return *vc.HardBlock
	}
	return def
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections missing
// from the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	var head struct {
		Project struct {
			ID string `yaml:"id"`
		} `yaml:"project"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default(head.Project.ID)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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
  id: %s

events:
  # high-frequency streaming deltas, never persisted
  volatile:
    - agent:text_delta
    - agent:thinking_delta
    - agent:tool_input_delta
    - heartbeat
  sensitive_keys:
    - apikey
    - api_key
    - token
    - access_token
    - refresh_token
    - secret
    - password
    - authorization
    - credentials
    - private_key
  max_string_length: 10240
  tool_output_limit: 5000
  truncation_marker: "...[truncated]"

replay:
  ttl: 5m
  capacity: 1000
  keepalive: 15s

imports:
  alias_prefix: "@/"
  alias_base: src
  extensions: [.ts, .tsx, .js, .jsx, .mjs, .cjs]
  skip_dirs: [.git, node_modules, vendor, dist, build, .gateline]

gates:
  max_parallel: 4
  test_command: "npx vitest run {file}"
  test_timeout: 10m
  validators:
    TESTS_PASS:
      enabled: true
      hard_block: false

dag:
  max_parallel: 0
  shell: /bin/sh

# webhooks:
#   - url: https://example.com/hooks/gateline
#     events: [gate:run_passed, gate:run_failed]
#     secret: change-me
`
