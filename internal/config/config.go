// Package config handles furina configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left unset.
const (
	DefaultPort                    = 8080
	DefaultModel                   = "deepseek-chat"
	DefaultRequestTimeout          = 120 * time.Second
	DefaultMaxToolRounds           = 10
	DefaultMemoryRecallCount       = 5
	DefaultMemoryQueryMessageCount = 10
	DefaultReflectionThreshold     = 10
	DefaultReflectionMaxTokens     = 200
	DefaultReflectionSchedule      = "@every 5s"
	DefaultActivityURL             = "http://localhost:5600"
	DefaultEmbeddingDims           = 512
)

// ScheduleParser accepts standard five-field cron expressions, an
// optional leading seconds field, and descriptors such as "@every 5s".
var ScheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/furina/config.yaml, /etc/furina/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "furina", "config.yaml"))
	}

	paths = append(paths, "/etc/furina/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all furina configuration.
type Config struct {
	Listen     ListenConfig               `yaml:"listen"`
	DataDir    string                     `yaml:"data_dir"`
	LogLevel   string                     `yaml:"log_level"`
	LogFormat  string                     `yaml:"log_format"` // text or json
	Timezone   string                     `yaml:"timezone"`
	Memory     MemoryConfig               `yaml:"memory"`
	Reflection ReflectionConfig           `yaml:"reflection"`
	Tools      ToolsConfig                `yaml:"tools"`
	Metrics    MetricsConfig              `yaml:"metrics"`
	Companions map[string]CompanionConfig `yaml:"companions"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MemoryConfig selects where memories live and how they are embedded.
type MemoryConfig struct {
	// Backend is "sqlite" (default) or "memory".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Relative paths resolve under
	// data_dir. Default: furina.db.
	Path       string           `yaml:"path"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	// Provider is "hashing" (default, offline) or "ollama".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`   // Ollama embedding model
	BaseURL  string `yaml:"baseurl"` // Ollama URL
	Dims     int    `yaml:"dims"`    // hashing vector width
}

// ReflectionConfig controls the background consolidation sweep.
type ReflectionConfig struct {
	// Schedule is a cron spec or descriptor. Default: "@every 5s".
	Schedule string `yaml:"schedule"`
	// Disabled turns the background sweep off; inline reflection after
	// each ask still runs.
	Disabled bool `yaml:"disabled"`
}

// ToolsConfig enables the built-in tools.
type ToolsConfig struct {
	Activity ActivityConfig `yaml:"activity"`
	Clock    ClockConfig    `yaml:"clock"`
}

// ActivityConfig configures the ActivityWatch tool.
type ActivityConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// RefreshSchedule, when set, periodically replaces every companion's
	// activity memories with a fresh summary.
	RefreshSchedule string `yaml:"refresh_schedule"`
	// RefreshMinDuration filters the refresh summary. Default: 2m.
	RefreshMinDuration string `yaml:"refresh_min_duration"`
	// RefreshLimit caps the refresh summary. Default: 10.
	RefreshLimit int `yaml:"refresh_limit"`
}

// ClockConfig configures the CurrentTime tool.
type ClockConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CompanionConfig is one configured persona.
type CompanionConfig struct {
	UserName                string            `yaml:"user_name"`
	AIName                  string            `yaml:"ai_name"`
	CollectionName          string            `yaml:"collection_name"`
	PersonalityPrompt       string            `yaml:"personality_prompt"`
	MemoryPrompt            string            `yaml:"memory_prompt"`
	MemoryRecallCount       int               `yaml:"memory_recall_count"`
	MemoryQueryMessageCount int               `yaml:"memory_query_message_count"`
	ReflectionThreshold     int               `yaml:"reflection_threshold"`
	ReflectionMaxTokens     int               `yaml:"reflection_max_tokens"`
	SourceNotes             map[string]string `yaml:"source_notes"`
	Memories                []MemoryEntry     `yaml:"memories"`
	API                     APIConfig         `yaml:"api"`
}

// MemoryEntry is a base memory imported into an empty collection.
type MemoryEntry struct {
	ID       string            `yaml:"id"`
	Document string            `yaml:"document"`
	Metadata map[string]string `yaml:"metadata"`
}

// APIConfig describes a companion's chat-completion backend.
type APIConfig struct {
	URL            string        `yaml:"url"`
	Key            string        `yaml:"key"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxToolRounds  int           `yaml:"max_tool_rounds"`
}

// Load reads configuration from a YAML file, fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration text. Environment variables are
// expanded first.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// companions.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "sqlite"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "furina.db"
	}
	if c.Memory.Embeddings.Provider == "" {
		c.Memory.Embeddings.Provider = "hashing"
	}
	if c.Memory.Embeddings.Dims == 0 {
		c.Memory.Embeddings.Dims = DefaultEmbeddingDims
	}
	if c.Reflection.Schedule == "" {
		c.Reflection.Schedule = DefaultReflectionSchedule
	}
	if c.Tools.Activity.URL == "" {
		c.Tools.Activity.URL = DefaultActivityURL
	}
	if c.Tools.Activity.RefreshMinDuration == "" {
		c.Tools.Activity.RefreshMinDuration = "2m"
	}
	if c.Tools.Activity.RefreshLimit == 0 {
		c.Tools.Activity.RefreshLimit = 10
	}

	for key, cc := range c.Companions {
		if cc.AIName == "" {
			cc.AIName = key
		}
		if cc.CollectionName == "" {
			cc.CollectionName = key
		}
		if cc.MemoryRecallCount == 0 {
			cc.MemoryRecallCount = DefaultMemoryRecallCount
		}
		if cc.MemoryQueryMessageCount == 0 {
			cc.MemoryQueryMessageCount = DefaultMemoryQueryMessageCount
		}
		if cc.ReflectionThreshold == 0 {
			cc.ReflectionThreshold = DefaultReflectionThreshold
		}
		if cc.ReflectionMaxTokens == 0 {
			cc.ReflectionMaxTokens = DefaultReflectionMaxTokens
		}
		if cc.API.Model == "" {
			cc.API.Model = DefaultModel
		}
		if cc.API.RequestTimeout == 0 {
			cc.API.RequestTimeout = DefaultRequestTimeout
		}
		if cc.API.MaxToolRounds == 0 {
			cc.API.MaxToolRounds = DefaultMaxToolRounds
		}
		c.Companions[key] = cc
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if !slices.Contains([]string{"sqlite", "memory"}, c.Memory.Backend) {
		errs = append(errs, fmt.Errorf("memory.backend must be sqlite or memory, got %q", c.Memory.Backend))
	}
	if !slices.Contains([]string{"hashing", "ollama"}, c.Memory.Embeddings.Provider) {
		errs = append(errs, fmt.Errorf("memory.embeddings.provider must be hashing or ollama, got %q", c.Memory.Embeddings.Provider))
	}
	if _, err := ScheduleParser.Parse(c.Reflection.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("reflection.schedule: %w", err))
	}
	if s := c.Tools.Activity.RefreshSchedule; s != "" {
		if _, err := ScheduleParser.Parse(s); err != nil {
			errs = append(errs, fmt.Errorf("tools.activity.refresh_schedule: %w", err))
		}
	}

	seen := make(map[string]string)
	for _, key := range c.CompanionKeys() {
		cc := c.Companions[key]
		if cc.API.URL == "" {
			errs = append(errs, fmt.Errorf("companions.%s.api.url is required", key))
		}
		if cc.API.RequestTimeout < 0 {
			errs = append(errs, fmt.Errorf("companions.%s.api.request_timeout must not be negative", key))
		}
		if cc.MemoryRecallCount < 0 || cc.ReflectionThreshold < 0 || cc.ReflectionMaxTokens < 0 {
			errs = append(errs, fmt.Errorf("companions.%s: counts must not be negative", key))
		}
		name := strings.ToLower(strings.TrimSpace(cc.AIName))
		if other, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("companions.%s: ai_name %q already used by %s", key, cc.AIName, other))
		}
		seen[name] = key
	}

	return errors.Join(errs...)
}

// CompanionKeys returns the configured companion keys in sorted order.
func (c *Config) CompanionKeys() []string {
	keys := make([]string, 0, len(c.Companions))
	for k := range c.Companions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Location returns the configured timezone. Validate has already
// rejected unknown zones, so failures fall back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// MemoryPath resolves the SQLite path against data_dir.
func (c *Config) MemoryPath() string {
	if filepath.IsAbs(c.Memory.Path) || c.DataDir == "" {
		return c.Memory.Path
	}
	return filepath.Join(c.DataDir, c.Memory.Path)
}
