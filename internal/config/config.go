package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	EnvFilename           = ".env"

	DefaultBaseURL     = "https://api.anthropic.com"
	DefaultIdleTimeout = 5 * time.Minute
)

// Stream decoders.
const (
	DecoderNative = "native"
	DecoderSDK    = "sdk"
)

// Environment overrides, applied after the config file.
const (
	EnvAPIKey     = "ANTHROPIC_API_KEY"
	EnvBaseURL    = "ANTHROPIC_BASE_URL"
	EnvProxyKey   = "COB_PROXY_KEY"
	EnvStreamMode = "COB_STREAM_DECODER"
)

// Duration reads "1s"-style strings from both YAML and JSON. Bare numbers are
// taken as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}

	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}

		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}

	return nil
}

// Backend is the messages API the bridge forwards to.
type Backend struct {
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	ProxyURL string `json:"proxy_url,omitempty" yaml:"proxy_url,omitempty"`
	// Timeout bounds the wait for response headers.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type Retry struct {
	MaxAttempts int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Delay       Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Statuses    []int    `json:"statuses,omitempty" yaml:"statuses,omitempty"`
}

type Stream struct {
	Decoder     string   `json:"decoder,omitempty" yaml:"decoder,omitempty"`
	IdleTimeout Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
}

type Config struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	Backend Backend `json:"backend" yaml:"backend"`
	// ModelMapping overlays the built-in alias table.
	ModelMapping map[string]string `json:"model_mapping,omitempty" yaml:"model_mapping,omitempty"`
	Retry        Retry             `json:"retry" yaml:"retry"`
	Stream       Stream            `json:"stream" yaml:"stream"`
}

// Provider is the active upstream.
type Provider struct {
	BaseURL string
	APIKey  string
}

func (c *Config) Provider() Provider {
	return Provider{BaseURL: c.Backend.BaseURL, APIKey: c.Backend.APIKey}
}

// Addr is host:port for the listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.APIKey = mask(c.APIKey)
	out.Backend.APIKey = mask(c.Backend.APIKey)

	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) <= 8 {
		return "****"
	}

	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}

	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultBaseURL
	}

	if c.Stream.Decoder == "" {
		c.Stream.Decoder = DecoderNative
	}

	if c.Stream.IdleTimeout == 0 {
		c.Stream.IdleTimeout = Duration(DefaultIdleTimeout)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Backend.APIKey = v
	}

	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Backend.BaseURL = v
	}

	if v := os.Getenv(EnvProxyKey); v != "" {
		c.APIKey = v
	}

	if v := os.Getenv(EnvStreamMode); v != "" {
		c.Stream.Decoder = strings.ToLower(v)
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q is not an absolute URL", c.Backend.BaseURL))
	}

	if c.Backend.APIKey == "" {
		errs = append(errs, fmt.Errorf("backend.api_key is empty (set it or %s)", EnvAPIKey))
	}

	if c.Backend.ProxyURL != "" {
		if _, err := url.Parse(c.Backend.ProxyURL); err != nil {
			errs = append(errs, fmt.Errorf("backend.proxy_url: %w", err))
		}
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}

	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("retry.delay must not be negative"))
	}

	for _, s := range c.Retry.Statuses {
		if s < 400 || s > 599 {
			errs = append(errs, fmt.Errorf("retry.statuses: %d is not an error status", s))
		}
	}

	if c.Stream.Decoder != DecoderNative && c.Stream.Decoder != DecoderSDK {
		errs = append(errs, fmt.Errorf("stream.decoder %q must be %q or %q", c.Stream.Decoder, DecoderNative, DecoderSDK))
	}

	for alias, target := range c.ModelMapping {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			errs = append(errs, fmt.Errorf("model_mapping: empty entry %q -> %q", alias, target))
		}
	}

	return errors.Join(errs...)
}

type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

func (m *Manager) yamlPath() string { return filepath.Join(m.baseDir, DefaultYAMLFilename) }

func (m *Manager) jsonPath() string { return filepath.Join(m.baseDir, DefaultConfigFilename) }

// Load reads config.yaml, falling back to config.json, then applies .env
// files, environment overrides and defaults. A missing file is not an error;
// the bridge can run from the environment alone.
func (m *Manager) Load() (*Config, error) {
	m.loadEnvFiles()

	var cfg Config

	path, ok := m.existingPath()
	if ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := decode(path, data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("unmarshal yaml config: %w", err)
		}

		return nil
	}

	std, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("parse json config: %w", err)
	}

	if err := json.Unmarshal(std, cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadEnvFiles does not override variables already set in the process.
func (m *Manager) loadEnvFiles() {
	for _, p := range []string{filepath.Join(m.baseDir, EnvFilename), EnvFilename} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		// Return a config with defaults if loading fails
		cfg = &Config{}
		cfg.applyEnv()
		cfg.applyDefaults()
	}

	return cfg
}

// Save writes cfg to the active config file, YAML unless a JSON file is
// already in use.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := m.GetPath()

	var (
		data []byte
		err  error
	)

	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) existingPath() (string, bool) {
	for _, p := range []string{m.yamlPath(), m.jsonPath()} {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}

	return "", false
}

// GetPath returns the file Load reads, or the YAML path when none exists yet.
func (m *Manager) GetPath() string {
	if p, ok := m.existingPath(); ok {
		return p
	}

	return m.yamlPath()
}

func (m *Manager) Exists() bool {
	_, ok := m.existingPath()
	return ok
}
