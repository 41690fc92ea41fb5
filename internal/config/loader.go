package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	LogStream LogStreamConfig `mapstructure:"logstream"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Upload    UploadConfig    `mapstructure:"upload"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RemoteConfig describes the single analysis sandbox host.
type RemoteConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	PrivateKey     string        `mapstructure:"private_key"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

type AnalysisConfig struct {
	DynamicScript  string        `mapstructure:"dynamic_script"`
	FridaScript    string        `mapstructure:"frida_script"`
	ContainerName  string        `mapstructure:"container_name"`
	ReportDir      string        `mapstructure:"report_dir"`
	ReportPrefix   string        `mapstructure:"report_prefix"`
	ReportExt      string        `mapstructure:"report_ext"`
	RawLogPath     string        `mapstructure:"raw_log_path"`
	VNCURL         string        `mapstructure:"vnc_url"`
	DefaultSeconds int           `mapstructure:"default_duration"`
	ExclusiveKinds bool          `mapstructure:"exclusive_kinds"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	ReportTimeout  time.Duration `mapstructure:"report_timeout"`
	HistorySize    int           `mapstructure:"history_size"`
}

type LogStreamConfig struct {
	MaxBatchLines         int           `mapstructure:"max_batch_lines"`
	FlushInterval         time.Duration `mapstructure:"flush_interval"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	SubscriberIdleTimeout time.Duration `mapstructure:"subscriber_idle_timeout"`
	SubscriberBuffer      int           `mapstructure:"subscriber_buffer"`
	PatternsFile          string        `mapstructure:"patterns_file"`
}

type CleanupConfig struct {
	Budget        time.Duration `mapstructure:"budget"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

type UploadConfig struct {
	RemoteDir  string   `mapstructure:"remote_dir"`
	URLPrefix  string   `mapstructure:"url_prefix"`
	MaxSize    int64    `mapstructure:"max_size"`
	Extensions []string `mapstructure:"extensions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.body_limit", 310*1024*1024)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("features.request_id_header", "X-Request-ID")

	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.connect_timeout", 30*time.Second)
	v.SetDefault("remote.max_attempts", 1)

	v.SetDefault("analysis.dynamic_script", "/opt/scripts/android_dynamic_analysis.py")
	v.SetDefault("analysis.frida_script", "/opt/camille/frida_privacy_check.py")
	v.SetDefault("analysis.container_name", "android-frida-container")
	v.SetDefault("analysis.report_dir", "/opt/frida_reports")
	v.SetDefault("analysis.report_prefix", "frida_report")
	v.SetDefault("analysis.report_ext", "xls")
	v.SetDefault("analysis.raw_log_path", "/tmp/frida_output.log")
	v.SetDefault("analysis.default_duration", 300)
	v.SetDefault("analysis.exclusive_kinds", true)
	v.SetDefault("analysis.drain_timeout", 2*time.Second)
	v.SetDefault("analysis.report_timeout", time.Minute)
	v.SetDefault("analysis.history_size", 256)

	v.SetDefault("logstream.max_batch_lines", 5)
	v.SetDefault("logstream.flush_interval", time.Second)
	v.SetDefault("logstream.poll_interval", 100*time.Millisecond)
	v.SetDefault("logstream.subscriber_idle_timeout", 30*time.Minute)
	v.SetDefault("logstream.subscriber_buffer", 64)

	v.SetDefault("cleanup.budget", 35*time.Second)
	v.SetDefault("cleanup.action_timeout", 30*time.Second)

	v.SetDefault("upload.remote_dir", "/opt/apk")
	v.SetDefault("upload.max_size", int64(300*1024*1024))
	v.SetDefault("upload.extensions", []string{"apk", "ipa"})
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("PROBEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Remote.Host == "" {
		return fmt.Errorf("config: remote.host is required")
	}
	if c.Remote.Password == "" && c.Remote.PrivateKey == "" {
		return fmt.Errorf("config: remote.password or remote.private_key is required")
	}
	if c.LogStream.PollInterval <= 0 || c.LogStream.PollInterval > 200*time.Millisecond {
		return fmt.Errorf("config: logstream.poll_interval must be in (0, 200ms], got %s", c.LogStream.PollInterval)
	}
	if c.LogStream.MaxBatchLines <= 0 {
		return fmt.Errorf("config: logstream.max_batch_lines must be positive")
	}
	return nil
}
