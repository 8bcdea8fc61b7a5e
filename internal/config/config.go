package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCDN is the public patch CDN the download tool pulls chunks from.
const DefaultCDN = "http://lol.secure.dyn.riotcdn.net/channels/public"

type Config struct {
	Headers      map[string]string `json:"headers" yaml:"headers"`
	Port         int               `json:"port" yaml:"port"`
	DataDir      string            `json:"data_dir" yaml:"data_dir"`
	WorkDir      string            `json:"work_dir" yaml:"work_dir"`
	DownloadsDir string            `json:"downloads_dir" yaml:"downloads_dir"`
	LogLevel     string            `json:"log_level" yaml:"log_level"`
	CatalogURL   string            `json:"catalog_url" yaml:"catalog_url"`
	Tool         ToolConfig        `json:"tool" yaml:"tool"`
	Fetch        FetchConfig       `json:"fetch" yaml:"fetch"`
}

// ToolConfig describes how the external download tool is located and invoked.
type ToolConfig struct {
	// Path is tried before every other candidate when set.
	Path             string   `json:"path" yaml:"path"`
	Name             string   `json:"name" yaml:"name"`
	CDN              string   `json:"cdn" yaml:"cdn"`
	Workers          int      `json:"workers" yaml:"workers"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
	ProgressInterval Duration `json:"progress_interval" yaml:"progress_interval"`
}

// FetchConfig configures manifest retrieval.
type FetchConfig struct {
	Timeout         Duration `json:"timeout" yaml:"timeout"`
	RetryAttempts   int      `json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff    Duration `json:"retry_backoff" yaml:"retry_backoff"`
	RetryMaxBackoff Duration `json:"retry_max_backoff" yaml:"retry_max_backoff"`
}

// Default returns the configuration used when no file or environment override is present.
func Default() Config {
	return Config{
		Headers: map[string]string{
			"User-Agent": "patch-downloader/1.0",
		},
		Port:         8085,
		DataDir:      "./data",
		WorkDir:      "./downloads",
		DownloadsDir: "./downloads/files",
		LogLevel:     "info",
		Tool: ToolConfig{
			Name:             "rman-dl",
			CDN:              DefaultCDN,
			Workers:          32,
			Timeout:          Duration(45 * time.Minute),
			ProgressInterval: Duration(2 * time.Second),
		},
		Fetch: FetchConfig{
			Timeout:         Duration(60 * time.Second),
			RetryAttempts:   3,
			RetryBackoff:    Duration(500 * time.Millisecond),
			RetryMaxBackoff: Duration(10 * time.Second),
		},
	}
}

// Load reads a JSON or YAML file on top of the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies PATCHDL_* environment overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PATCHDL_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PATCHDL_PORT: %w", err)
		}
		c.Port = n
	}
	if v := os.Getenv("PATCHDL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PATCHDL_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("PATCHDL_DOWNLOADS_DIR"); v != "" {
		c.DownloadsDir = v
	}
	if v := os.Getenv("PATCHDL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PATCHDL_CATALOG_URL"); v != "" {
		c.CatalogURL = v
	}
	if v := os.Getenv("PATCHDL_TOOL_PATH"); v != "" {
		c.Tool.Path = v
	}
	if v := os.Getenv("PATCHDL_CDN"); v != "" {
		c.Tool.CDN = v
	}
	if v := os.Getenv("PATCHDL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PATCHDL_WORKERS: %w", err)
		}
		c.Tool.Workers = n
	}
	if v := os.Getenv("PATCHDL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse PATCHDL_TIMEOUT: %w", err)
		}
		c.Tool.Timeout = Duration(d)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: port must be between 1 and 65535")
	}
	if c.WorkDir == "" {
		return errors.New("config: work_dir is required")
	}
	if c.DownloadsDir == "" {
		return errors.New("config: downloads_dir is required")
	}
	if c.Tool.Name == "" && c.Tool.Path == "" {
		return errors.New("config: tool.name or tool.path is required")
	}
	if c.Tool.CDN == "" {
		return errors.New("config: tool.cdn is required")
	}
	if c.Tool.Workers <= 0 {
		return errors.New("config: tool.workers must be positive")
	}
	if c.Tool.Timeout <= 0 {
		return errors.New("config: tool.timeout must be positive")
	}
	if c.Tool.ProgressInterval <= 0 {
		return errors.New("config: tool.progress_interval must be positive")
	}
	if c.Fetch.RetryAttempts < 0 {
		return errors.New("config: fetch.retry_attempts must not be negative")
	}
	return nil
}

// Duration is a time.Duration written as "45m" or "2s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
