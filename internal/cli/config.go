package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/metafield/internal/tracing"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"
	envPrefix      = "METAFIELD"
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# metafield configuration

backend: sqlite

# Database directory (overridable by --data-dir)
# data_dir:

audit:
  # Resolved changes older than this are purged by "metafield prune" and by
  # the server. Zero keeps everything.
  retention: 0s

compliance:
  enabled: true
  workers: 2

cache:
  ttl: 5m

nats:
  # url: nats://localhost:4222
  subject_prefix: metafield

http:
  addr: ":8080"

tracing:
  enabled: false
  exporter: otlp
  otlp_endpoint: localhost:4317

log:
  # file: metafield.log
  level: info

fields:
  # file: fields.yaml
  watch: false
`

// Config is the resolved configuration.
type Config struct {
	Backend     string        `mapstructure:"backend"`
	DataDir     string        `mapstructure:"data_dir"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	Audit struct {
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"audit"`

	Compliance struct {
		Enabled     bool          `mapstructure:"enabled"`
		Workers     int           `mapstructure:"workers"`
		QueueSize   int           `mapstructure:"queue_size"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"compliance"`

	Cache struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Tracing tracing.Config `mapstructure:"tracing"`

	Log struct {
		File  string `mapstructure:"file"`
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Fields struct {
		File  string `mapstructure:"file"`
		Watch bool   `mapstructure:"watch"`
	} `mapstructure:"fields"`

	BrandDNA struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"brand_dna"`
}

func setDefaults(v *viper.Viper) {
	tc := tracing.DefaultConfig()
	v.SetDefault("backend", types.BackendSQLite)
	v.SetDefault("data_dir", "")
	v.SetDefault("busy_timeout", types.DefaultBusyTimeout)
	v.SetDefault("audit.retention", time.Duration(0))
	v.SetDefault("compliance.enabled", true)
	v.SetDefault("compliance.workers", 2)
	v.SetDefault("compliance.queue_size", 64)
	v.SetDefault("compliance.max_attempts", 3)
	v.SetDefault("compliance.timeout", 30*time.Second)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "metafield")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("tracing.enabled", tc.Enabled)
	v.SetDefault("tracing.exporter", tc.Exporter)
	v.SetDefault("tracing.otlp_endpoint", tc.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", tc.SampleRate)
	v.SetDefault("tracing.service_name", tc.ServiceName)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("fields.file", "")
	v.SetDefault("fields.watch", false)
	v.SetDefault("brand_dna.enabled", false)
}

// loadConfig reads config.yaml from configDir, writing a default file on
// first run. METAFIELD_* environment variables override file values, with
// dots in keys replaced by underscores (METAFIELD_NATS_URL).
func loadConfig(configDir string) (*Config, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
