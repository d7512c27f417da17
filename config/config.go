// Package config loads dfirpipe configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up in the working directory
const DefaultPath = "dfirpipe.yml"

// Report modes
const (
	ReportModeAgent    = "agent"    // the reporting agent calls the render tool
	ReportModeTemplate = "template" // the render tool is called directly
)

// Config holds all dfirpipe configuration
type Config struct {
	BaseDir      string `yaml:"base_dir"`
	ReportsDir   string `yaml:"reports_dir"`
	LogsDir      string `yaml:"logs_dir"`
	UploadDir    string `yaml:"upload_dir"`
	DatabasePath string `yaml:"database_path"`
	TemplatePath string `yaml:"template_path"` // empty = embedded template

	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"log_level"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	UploadExts     []string `yaml:"upload_extensions"`

	Timeouts     Timeouts     `yaml:"timeouts"`
	Engine       EngineConfig `yaml:"engine"`
	Capabilities Capabilities `yaml:"capabilities"`

	// path the config was read from, handed to worker processes
	source string
}

// Timeouts are per-stage deadlines. Workflow bounds the complete two-stage run.
type Timeouts struct {
	Analysis time.Duration `yaml:"analysis"`
	Report   time.Duration `yaml:"report"`
	Workflow time.Duration `yaml:"workflow"`
}

// EngineConfig describes the external agent backend
type EngineConfig struct {
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	APITimeout       time.Duration `yaml:"api_timeout"`
	AnalysisMaxSteps int           `yaml:"analysis_max_steps"`
	ReportMaxSteps   int           `yaml:"report_max_steps"`
	ReportMode       string        `yaml:"report_mode"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`

	OllamaBaseURL string        `yaml:"ollama_base_url"`
	OllamaModel   string        `yaml:"ollama_model"`
	OllamaAPIKey  string        `yaml:"ollama_api_key"`
	OllamaTimeout time.Duration `yaml:"ollama_timeout"`
	AliasAPIKey   string        `yaml:"alias_api_key"`
}

// Capabilities enables the agent tools explicitly. Nothing is switched on by
// the mere presence of an environment variable.
type Capabilities struct {
	ReadFile      bool     `yaml:"read_file"`
	ListDirectory bool     `yaml:"list_directory"`
	WriteFile     bool     `yaml:"write_file"`
	RunCommand    bool     `yaml:"run_command"`
	Think         bool     `yaml:"think"`
	WritableGlobs []string `yaml:"writable_globs"`
}

// Default returns the configuration used when no file or environment is present
func Default() *Config {
	return &Config{
		BaseDir:        ".",
		ReportsDir:     "dfir_reports",
		LogsDir:        "logs",
		UploadDir:      "test_data",
		DatabasePath:   filepath.Join("data", "dfirpipe.db"),
		Port:           "8080",
		LogLevel:       "info",
		MaxUploadBytes: 50 << 20,
		UploadExts:     []string{"json", "txt", "log", "csv", "xml"},
		Timeouts: Timeouts{
			Analysis: 3600 * time.Second,
			Report:   3600 * time.Second,
			Workflow: 7200 * time.Second,
		},
		Engine: EngineConfig{
			Model:            "alias1",
			APITimeout:       600 * time.Second,
			AnalysisMaxSteps: 30,
			ReportMaxSteps:   8,
			ReportMode:       ReportModeAgent,
			CommandTimeout:   2 * time.Minute,
			OllamaBaseURL:    "http://localhost:11434/v1",
			OllamaModel:      "llama3.2:1b",
			OllamaAPIKey:     "ollama",
			OllamaTimeout:    1800 * time.Second,
		},
		Capabilities: Capabilities{
			ReadFile:      true,
			ListDirectory: true,
			WriteFile:     true,
			RunCommand:    true,
			Think:         true,
			WritableGlobs: []string{"dfir_reports/**"},
		},
	}
}

// Load reads the YAML file at path (a missing file is not an error), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			cfg.source = path
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BaseDir = envStr("DFIRPIPE_BASE_DIR", c.BaseDir)
	c.Port = envStr("PORT", c.Port)
	c.LogLevel = envStr("DFIRPIPE_LOG_LEVEL", c.LogLevel)

	c.Timeouts.Analysis = envSeconds("CAI_ANALYSIS_TIMEOUT", c.Timeouts.Analysis)
	c.Timeouts.Report = envSeconds("CAI_REPORT_TIMEOUT", c.Timeouts.Report)
	c.Timeouts.Workflow = envSeconds("CAI_WORKFLOW_TIMEOUT", c.Timeouts.Workflow)

	c.Engine.Model = envStr("CAI_MODEL", c.Engine.Model)
	c.Engine.BaseURL = envStr("OPENAI_API_BASE", c.Engine.BaseURL)
	c.Engine.APIKey = envStr("OPENAI_API_KEY", c.Engine.APIKey)
	c.Engine.APITimeout = envSeconds("OPENAI_API_TIMEOUT", c.Engine.APITimeout)
	c.Engine.AliasAPIKey = envStr("ALIAS_API_KEY", c.Engine.AliasAPIKey)
	c.Engine.OllamaBaseURL = envStr("OLLAMA_API_BASE", c.Engine.OllamaBaseURL)
	c.Engine.OllamaModel = envStr("OLLAMA_MODEL", c.Engine.OllamaModel)
	c.Engine.OllamaAPIKey = envStr("OLLAMA_API_KEY", c.Engine.OllamaAPIKey)
	c.Engine.OllamaTimeout = envSeconds("OLLAMA_API_TIMEOUT", c.Engine.OllamaTimeout)
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Timeouts.Analysis <= 0 {
		errs = append(errs, errors.New("timeouts.analysis must be positive"))
	}
	if c.Timeouts.Report <= 0 {
		errs = append(errs, errors.New("timeouts.report must be positive"))
	}
	if c.Timeouts.Workflow < 0 {
		errs = append(errs, errors.New("timeouts.workflow must not be negative"))
	}
	if c.Engine.AnalysisMaxSteps <= 0 || c.Engine.ReportMaxSteps <= 0 {
		errs = append(errs, errors.New("engine max steps must be positive"))
	}
	switch c.Engine.ReportMode {
	case ReportModeAgent, ReportModeTemplate:
	default:
		errs = append(errs, fmt.Errorf("unknown engine.report_mode %q", c.Engine.ReportMode))
	}
	if strings.TrimSpace(c.ReportsDir) == "" {
		errs = append(errs, errors.New("reports_dir is required"))
	}
	return errors.Join(errs...)
}

// Source returns the file the configuration was loaded from, if any
func (c *Config) Source() string {
	return c.source
}

// Resolve makes a path relative to the base directory absolute
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	base, err := filepath.Abs(c.BaseDir)
	if err != nil {
		base = c.BaseDir
	}
	return filepath.Join(base, path)
}

// ReportsPath returns the absolute reports directory
func (c *Config) ReportsPath() string { return c.Resolve(c.ReportsDir) }

// LogsPath returns the absolute logs directory
func (c *Config) LogsPath() string { return c.Resolve(c.LogsDir) }

// UploadPath returns the absolute upload directory
func (c *Config) UploadPath() string { return c.Resolve(c.UploadDir) }

// AllowedUpload reports whether a file name has an accepted extension
func (c *Config) AllowedUpload(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range c.UploadExts {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// envStr gets environment variable or returns default value
func envStr(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// envSeconds reads a whole number of seconds, as the original deployment
// variables are expressed. Go duration strings are accepted too.
func envSeconds(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
