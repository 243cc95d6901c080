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

	"github.com/ligustah/harvest/internal/progress"
)

// Credential environment variables. Credentials are never read from or
// written to the config file.
const (
	EnvClientID     = "CODIO_CLIENT_ID"
	EnvClientSecret = "CODIO_CLIENT_SECRET"
)

// ErrMissingCredentials is returned by ValidateCredentials.
var ErrMissingCredentials = errors.New("config: " + EnvClientID + " and " + EnvClientSecret + " must be set")

// Config defines configuration for the harvest CLI.
type Config struct {
	SchoolYear     string   `yaml:"school_year"`
	SiteTitle      string   `yaml:"site_title"`
	AssignmentName string   `yaml:"assignment_name"`
	Sections       Sections `yaml:"sections"`

	BuildDir          string          `yaml:"build_dir"`
	ManifestName      string          `yaml:"manifest_name"`
	ExcludeGlobs      []string        `yaml:"exclude_globs"`
	MaxConcurrency    int             `yaml:"max_concurrency"`
	DryRun            bool            `yaml:"dry_run"`
	Progress          bool            `yaml:"progress"`
	Timeouts          Timeouts        `yaml:"timeouts"`
	Retry             RetryConfig     `yaml:"retry"`
	JobRetry          RetryConfig     `yaml:"job_retry"`
	AuthRetry         RetryConfig     `yaml:"auth_retry"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	API               APIConfig       `yaml:"api"`
	Token             TokenConfig     `yaml:"token"`
	DownloadChunkSize int64           `yaml:"download_chunk_size"`
	Log               LogConfig       `yaml:"log"`
	ManifestBucket    string          `yaml:"manifest_bucket"`
	MetricsFile       string          `yaml:"metrics_file"`
	HistoryDSN        string          `yaml:"history_dsn"`

	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

// Timeouts bounds the network phases of a run.
type Timeouts struct {
	API          time.Duration `yaml:"api"`
	Download     time.Duration `yaml:"download"`
	TaskWait     time.Duration `yaml:"task_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RateLimitConfig mirrors the API's published quotas.
type RateLimitConfig struct {
	Burst  int           `yaml:"burst"`
	Window time.Duration `yaml:"window"`
	Daily  int           `yaml:"daily"`
}

// APIConfig locates the API.
type APIConfig struct {
	BaseURL  string `yaml:"base_url"`
	TokenURL string `yaml:"token_url"`
}

// TokenConfig controls access token reuse.
type TokenConfig struct {
	Lifetime time.Duration `yaml:"lifetime"`
	Buffer   time.Duration `yaml:"buffer"`
}

// LogConfig selects log verbosity and rendering.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		BuildDir:       "build",
		ManifestName:   "manifest.json",
		ExcludeGlobs:   []string{".git", ".guides", ".codio"},
		MaxConcurrency: 8,
		Timeouts: Timeouts{
			API:          30 * time.Second,
			Download:     120 * time.Second,
			TaskWait:     300 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    4 * time.Second,
			MaxBackoff: 60 * time.Second,
		},
		JobRetry: RetryConfig{
			Attempts:   3,
			Backoff:    4 * time.Second,
			MaxBackoff: 10 * time.Second,
		},
		AuthRetry: RetryConfig{
			Attempts:   3,
			Backoff:    4 * time.Second,
			MaxBackoff: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:  50,
			Window: 10 * time.Second,
			Daily:  10000,
		},
		API: APIConfig{
			BaseURL:  "https://octopus.codio.com/api/v1",
			TokenURL: "https://oauth.codio.com/api/v1/token",
		},
		Token: TokenConfig{
			Lifetime: time.Hour,
			Buffer:   5 * time.Minute,
		},
		DownloadChunkSize: 8 * 1024,
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
	}
}

// Section maps a class section to the course backing it.
type Section struct {
	Name     string
	CourseID string
}

// Sections is an ordered section list. In YAML it is a mapping of section
// name to course id; document order is preserved.
type Sections []Section

// UnmarshalYAML decodes a mapping node, keeping key order.
func (s *Sections) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: sections must be a mapping of section name to course id", node.Line)
	}
	out := make(Sections, 0, len(node.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: section entries must be scalars", k.Line)
		}
		if seen[k.Value] {
			return fmt.Errorf("line %d: duplicate section %q", k.Line, k.Value)
		}
		seen[k.Value] = true
		out = append(out, Section{Name: k.Value, CourseID: v.Value})
	}
	*s = out
	return nil
}

// MarshalYAML encodes the sections as an ordered mapping.
func (s Sections) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, sec := range s {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: sec.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: sec.CourseID},
		)
	}
	return node, nil
}

// Names returns the section names in order.
func (s Sections) Names() []string {
	out := make([]string, len(s))
	for i, sec := range s {
		out[i] = sec.Name
	}
	return out
}

// yamlConfig is used for YAML unmarshaling with string durations and sizes.
type yamlConfig struct {
	SchoolYear        string          `yaml:"school_year"`
	SiteTitle         string          `yaml:"site_title"`
	AssignmentName    string          `yaml:"assignment_name"`
	Sections          Sections        `yaml:"sections"`
	BuildDir          string          `yaml:"build_dir"`
	ManifestName      string          `yaml:"manifest_name"`
	ExcludeGlobs      []string        `yaml:"exclude_globs"`
	MaxConcurrency    int             `yaml:"max_concurrency"`
	DryRun            bool            `yaml:"dry_run"`
	Progress          bool            `yaml:"progress"`
	Timeouts          yamlTimeouts    `yaml:"timeouts"`
	Retry             yamlRetryConfig `yaml:"retry"`
	JobRetry          yamlRetryConfig `yaml:"job_retry"`
	AuthRetry         yamlRetryConfig `yaml:"auth_retry"`
	RateLimit         yamlRateLimit   `yaml:"rate_limit"`
	API               APIConfig       `yaml:"api"`
	Token             yamlToken       `yaml:"token"`
	DownloadChunkSize string          `yaml:"download_chunk_size"`
	Log               LogConfig       `yaml:"log"`
	ManifestBucket    string          `yaml:"manifest_bucket"`
	MetricsFile       string          `yaml:"metrics_file"`
	HistoryDSN        string          `yaml:"history_dsn"`
}

type yamlTimeouts struct {
	API          string `yaml:"api"`
	Download     string `yaml:"download"`
	TaskWait     string `yaml:"task_wait"`
	PollInterval string `yaml:"poll_interval"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlRateLimit struct {
	Burst  int    `yaml:"burst"`
	Window string `yaml:"window"`
	Daily  int    `yaml:"daily"`
}

type yamlToken struct {
	Lifetime string `yaml:"lifetime"`
	Buffer   string `yaml:"buffer"`
}

// LoadFromFile loads configuration from a YAML file. Unset optional keys
// keep their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document.
func Parse(data []byte) (Config, error) {
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	cfg.SchoolYear = yc.SchoolYear
	cfg.SiteTitle = yc.SiteTitle
	cfg.AssignmentName = yc.AssignmentName
	cfg.Sections = yc.Sections

	if yc.BuildDir != "" {
		cfg.BuildDir = yc.BuildDir
	}
	if yc.ManifestName != "" {
		cfg.ManifestName = yc.ManifestName
	}
	if yc.ExcludeGlobs != nil {
		cfg.ExcludeGlobs = yc.ExcludeGlobs
	}
	if yc.MaxConcurrency != 0 {
		cfg.MaxConcurrency = yc.MaxConcurrency
	}
	cfg.DryRun = yc.DryRun
	cfg.Progress = yc.Progress
	if yc.API.BaseURL != "" {
		cfg.API.BaseURL = yc.API.BaseURL
	}
	if yc.API.TokenURL != "" {
		cfg.API.TokenURL = yc.API.TokenURL
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	cfg.ManifestBucket = yc.ManifestBucket
	cfg.MetricsFile = yc.MetricsFile
	cfg.HistoryDSN = yc.HistoryDSN

	if yc.DownloadChunkSize != "" {
		size, err := progress.ParseBytes(yc.DownloadChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse download_chunk_size: %w", err)
		}
		cfg.DownloadChunkSize = size
	}

	if yc.RateLimit.Burst != 0 {
		cfg.RateLimit.Burst = yc.RateLimit.Burst
	}
	if yc.RateLimit.Daily != 0 {
		cfg.RateLimit.Daily = yc.RateLimit.Daily
	}

	durations := []struct {
		key string
		in  string
		out *time.Duration
	}{
		{"timeouts.api", yc.Timeouts.API, &cfg.Timeouts.API},
		{"timeouts.download", yc.Timeouts.Download, &cfg.Timeouts.Download},
		{"timeouts.task_wait", yc.Timeouts.TaskWait, &cfg.Timeouts.TaskWait},
		{"timeouts.poll_interval", yc.Timeouts.PollInterval, &cfg.Timeouts.PollInterval},
		{"rate_limit.window", yc.RateLimit.Window, &cfg.RateLimit.Window},
		{"token.lifetime", yc.Token.Lifetime, &cfg.Token.Lifetime},
		{"token.buffer", yc.Token.Buffer, &cfg.Token.Buffer},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.in, d.out); err != nil {
			return Config{}, err
		}
	}

	retries := []struct {
		key string
		in  yamlRetryConfig
		out *RetryConfig
	}{
		{"retry", yc.Retry, &cfg.Retry},
		{"job_retry", yc.JobRetry, &cfg.JobRetry},
		{"auth_retry", yc.AuthRetry, &cfg.AuthRetry},
	}
	for _, r := range retries {
		if r.in.Attempts != 0 {
			r.out.Attempts = r.in.Attempts
		}
		if err := parseDuration(r.key+".backoff", r.in.Backoff, &r.out.Backoff); err != nil {
			return Config{}, err
		}
		if err := parseDuration(r.key+".max_backoff", r.in.MaxBackoff, &r.out.MaxBackoff); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func parseDuration(key, in string, out *time.Duration) error {
	if in == "" {
		return nil
	}
	d, err := time.ParseDuration(in)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*out = d
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Settings use the HARVEST_ prefix; credentials come from CODIO_CLIENT_ID
// and CODIO_CLIENT_SECRET.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvClientID); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.ClientSecret = v
	}

	strs := []struct {
		env string
		out *string
	}{
		{"HARVEST_ASSIGNMENT_NAME", &c.AssignmentName},
		{"HARVEST_BUILD_DIR", &c.BuildDir},
		{"HARVEST_API_BASE_URL", &c.API.BaseURL},
		{"HARVEST_API_TOKEN_URL", &c.API.TokenURL},
		{"HARVEST_LOG_LEVEL", &c.Log.Level},
		{"HARVEST_LOG_FORMAT", &c.Log.Format},
		{"HARVEST_MANIFEST_BUCKET", &c.ManifestBucket},
		{"HARVEST_METRICS_FILE", &c.MetricsFile},
		{"HARVEST_HISTORY_DSN", &c.HistoryDSN},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.out = v
		}
	}

	if v := os.Getenv("HARVEST_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HARVEST_MAX_CONCURRENCY: %w", err)
		}
		c.MaxConcurrency = n
	}
	if v := os.Getenv("HARVEST_DRY_RUN"); v != "" {
		c.DryRun = v == "true" || v == "1"
	}
	if v := os.Getenv("HARVEST_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("HARVEST_EXCLUDE_GLOBS"); v != "" {
		c.ExcludeGlobs = splitList(v)
	}
	if v := os.Getenv("HARVEST_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HARVEST_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("HARVEST_TASK_WAIT"); v != "" {
		if err := parseDuration("HARVEST_TASK_WAIT", v, &c.Timeouts.TaskWait); err != nil {
			return err
		}
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var missing []string
	if c.SchoolYear == "" {
		missing = append(missing, "school_year")
	}
	if c.SiteTitle == "" {
		missing = append(missing, "site_title")
	}
	if c.AssignmentName == "" {
		missing = append(missing, "assignment_name")
	}
	if len(c.Sections) == 0 {
		missing = append(missing, "sections")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}

	for _, s := range c.Sections {
		if s.Name == "" || s.CourseID == "" {
			return fmt.Errorf("config: section %q needs a name and a course id", s.Name)
		}
		if s.Name == "." || s.Name == ".." || strings.ContainsAny(s.Name, `/\`) {
			return fmt.Errorf("config: section name %q is not a valid directory name", s.Name)
		}
	}
	if c.BuildDir == "" {
		return errors.New("config: build_dir is required")
	}
	if c.ManifestName == "" || filepath.Base(c.ManifestName) != c.ManifestName {
		return fmt.Errorf("config: manifest_name %q must be a plain file name", c.ManifestName)
	}
	if c.MaxConcurrency <= 0 {
		return errors.New("config: max_concurrency must be positive")
	}
	if c.DownloadChunkSize <= 0 {
		return errors.New("config: download_chunk_size must be positive")
	}
	for _, r := range []struct {
		key string
		rc  RetryConfig
	}{{"retry", c.Retry}, {"job_retry", c.JobRetry}, {"auth_retry", c.AuthRetry}} {
		if r.rc.Attempts <= 0 {
			return fmt.Errorf("config: %s.attempts must be positive", r.key)
		}
		if r.rc.MaxBackoff < r.rc.Backoff {
			return fmt.Errorf("config: %s.max_backoff must not be below backoff", r.key)
		}
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.Window <= 0 || c.RateLimit.Daily <= 0 {
		return errors.New("config: rate_limit burst, window and daily must be positive")
	}
	if c.Timeouts.TaskWait <= 0 || c.Timeouts.PollInterval <= 0 {
		return errors.New("config: timeouts.task_wait and timeouts.poll_interval must be positive")
	}
	if c.Token.Buffer >= c.Token.Lifetime {
		return errors.New("config: token.buffer must be below token.lifetime")
	}
	return nil
}

// ValidateCredentials reports whether API credentials are present. Dry runs
// need none.
func (c *Config) ValidateCredentials() error {
	if c.DryRun {
		return nil
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// ManifestPath is where the run's manifest is written.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.BuildDir, c.ManifestName)
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.AssignmentName != "" {
		c.AssignmentName = override.AssignmentName
	}
	if override.BuildDir != "" {
		c.BuildDir = override.BuildDir
	}
	if override.MaxConcurrency != 0 {
		c.MaxConcurrency = override.MaxConcurrency
	}
	if override.DryRun {
		c.DryRun = override.DryRun
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	if override.ManifestBucket != "" {
		c.ManifestBucket = override.ManifestBucket
	}
	if override.MetricsFile != "" {
		c.MetricsFile = override.MetricsFile
	}
	if override.HistoryDSN != "" {
		c.HistoryDSN = override.HistoryDSN
	}
	return c
}
