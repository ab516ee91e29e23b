package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Ragflow    RagflowConfig    `yaml:"ragflow" mapstructure:"ragflow"`
	Assessment AssessmentConfig `yaml:"assessment" mapstructure:"assessment"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Retention  RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// RagflowConfig holds RAGFlow API connection settings.
type RagflowConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	// RequestsPerSecond throttles outbound RAGFlow calls. 0 disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AssessmentConfig configures pipeline behavior.
type AssessmentConfig struct {
	MaxConcurrentCalls  int     `yaml:"max_concurrent_calls" mapstructure:"max_concurrent_calls"`
	PollIntervalSecs    float64 `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	ParseTimeoutSecs    float64 `yaml:"parse_timeout_secs" mapstructure:"parse_timeout_secs"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	TopN                int     `yaml:"top_n" mapstructure:"top_n"`
	NamePrefix          string  `yaml:"name_prefix" mapstructure:"name_prefix"`

	ProcessVendorResponse bool `yaml:"process_vendor_response" mapstructure:"process_vendor_response"`
	OnlyCitedReferences   bool `yaml:"only_cited_references" mapstructure:"only_cited_references"`
	ProgressBatchSize     int  `yaml:"progress_batch_size" mapstructure:"progress_batch_size"`

	// Question spreadsheet columns: a letter ("A") or a 1-based number ("3").
	QuestionIDColumn     string `yaml:"question_id_column" mapstructure:"question_id_column"`
	QuestionColumn       string `yaml:"question_column" mapstructure:"question_column"`
	VendorResponseColumn string `yaml:"vendor_response_column" mapstructure:"vendor_response_column"`
	VendorCommentColumn  string `yaml:"vendor_comment_column" mapstructure:"vendor_comment_column"`
}

// PollInterval returns the parsing poll interval as a duration.
func (c AssessmentConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs * float64(time.Second))
}

// ParseTimeout returns the parsing wait ceiling as a duration.
func (c AssessmentConfig) ParseTimeout() time.Duration {
	return time.Duration(c.ParseTimeoutSecs * float64(time.Second))
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RetentionConfig configures the periodic task purge.
// Days = 0 keeps tasks forever.
type RetentionConfig struct {
	Days          int     `yaml:"days" mapstructure:"days"`
	IntervalHours float64 `yaml:"interval_hours" mapstructure:"interval_hours"`
}

// Interval returns the purge cycle interval as a duration.
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours * float64(time.Hour))
}

// WorkerConfig configures the background job pool.
type WorkerConfig struct {
	Count     int `yaml:"count" mapstructure:"count"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ASSESSMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ragflow.base_url", "http://localhost:9380")
	v.SetDefault("ragflow.timeout_secs", 120)
	v.SetDefault("assessment.max_concurrent_calls", 5)
	v.SetDefault("assessment.poll_interval_secs", 3.0)
	v.SetDefault("assessment.parse_timeout_secs", 600.0)
	v.SetDefault("assessment.similarity_threshold", 0.1)
	v.SetDefault("assessment.top_n", 8)
	v.SetDefault("assessment.name_prefix", "assessment")
	v.SetDefault("assessment.only_cited_references", true)
	v.SetDefault("assessment.progress_batch_size", 5)
	v.SetDefault("assessment.question_id_column", "A")
	v.SetDefault("assessment.question_column", "B")
	v.SetDefault("assessment.vendor_response_column", "C")
	v.SetDefault("assessment.vendor_comment_column", "D")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "assessment.db")
	v.SetDefault("retention.days", 0)
	v.SetDefault("retention.interval_hours", 24.0)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// InitLogger initializes the global zap logger.
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
