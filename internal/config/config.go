package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Policy    PolicyConfig    `yaml:"policy" mapstructure:"policy"`
	Loop      LoopConfig      `yaml:"loop" mapstructure:"loop"`
	Campaign  CampaignConfig  `yaml:"campaign" mapstructure:"campaign"`
	Signals   SignalsConfig   `yaml:"signals" mapstructure:"signals"`
	Baseline  BaselineConfig  `yaml:"baseline" mapstructure:"baseline"`
	Agreement AgreementConfig `yaml:"agreement" mapstructure:"agreement"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Alerts    AlertsConfig    `yaml:"alerts" mapstructure:"alerts"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the optional database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LedgerConfig locates the evidence ledger file.
type LedgerConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PolicyConfig locates the classification policy document.
type PolicyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LoopConfig configures the stabilization loop.
type LoopConfig struct {
	Iterations        int    `yaml:"iterations" mapstructure:"iterations"`
	MaxRetries        int    `yaml:"max_retries" mapstructure:"max_retries"`
	IntervalSecs      int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	RetryDelaySecs    int    `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	MaxRetryDelaySecs int    `yaml:"max_retry_delay_secs" mapstructure:"max_retry_delay_secs"`
	OutRoot           string `yaml:"out_root" mapstructure:"out_root"`
}

// CampaignConfig configures batched campaign runs.
type CampaignConfig struct {
	Batches            int    `yaml:"batches" mapstructure:"batches"`
	IterationsPerBatch int    `yaml:"iterations_per_batch" mapstructure:"iterations_per_batch"`
	ContinueOnFail     bool   `yaml:"continue_on_fail" mapstructure:"continue_on_fail"`
	OutRoot            string `yaml:"out_root" mapstructure:"out_root"`
}

// SignalsConfig configures signal collection.
type SignalsConfig struct {
	TimeoutSecs    int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond  float64     `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	TCPProbes      []TCPProbe  `yaml:"tcp_probes" mapstructure:"tcp_probes"`
	HTTPProbes     []HTTPProbe `yaml:"http_probes" mapstructure:"http_probes"`
	FileFactsPaths []string    `yaml:"file_facts_paths" mapstructure:"file_facts_paths"`
}

// TCPProbe describes one TCP reachability probe.
type TCPProbe struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Address string `yaml:"address" mapstructure:"address"`
}

// HTTPProbe describes one HTTP health probe.
type HTTPProbe struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// BaselineConfig configures evidence baseline capture and publication.
type BaselineConfig struct {
	Root           string   `yaml:"root" mapstructure:"root"`
	Excludes       []string `yaml:"excludes" mapstructure:"excludes"`
	MaxEntries     int      `yaml:"max_entries" mapstructure:"max_entries"`
	NodeID         string   `yaml:"node_id" mapstructure:"node_id"`
	SharedLocation string   `yaml:"shared_location" mapstructure:"shared_location"`
}

// AgreementConfig configures the cross-node agreement check.
type AgreementConfig struct {
	Nodes          []string `yaml:"nodes" mapstructure:"nodes"`
	SharedLocation string   `yaml:"shared_location" mapstructure:"shared_location"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitorConfig configures the monitoring sidecar.
type MonitorConfig struct {
	IntervalSecs int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	StreamPath   string `yaml:"stream_path" mapstructure:"stream_path"`
}

// AlertsConfig configures alert artifact emission.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml (optional), environment
// variables with the STABILIZER prefix, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STABILIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "stabilizer.db")
	v.SetDefault("ledger.path", "ledger.jsonl")
	v.SetDefault("policy.path", "policy.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("loop.iterations", 1)
	v.SetDefault("loop.max_retries", 3)
	v.SetDefault("loop.retry_delay_secs", 1)
	v.SetDefault("loop.max_retry_delay_secs", 30)
	v.SetDefault("loop.out_root", "out")
	v.SetDefault("campaign.batches", 1)
	v.SetDefault("campaign.iterations_per_batch", 1)
	v.SetDefault("campaign.out_root", "out")
	v.SetDefault("signals.timeout_secs", 10)
	v.SetDefault("baseline.max_entries", 10000)
	v.SetDefault("baseline.excludes", []string{".git", "out"})
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitor.interval_secs", 30)
	v.SetDefault("monitor.stream_path", "monitor.jsonl")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger builds the global zap logger from config.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
