package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Platform  PlatformConfig  `mapstructure:"platform"`
	Session   SessionConfig   `mapstructure:"session"`
	Violation ViolationConfig `mapstructure:"violation"`
	JWT       JWTConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Tracing   TracingConfig   `mapstructure:"tracing"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ResetState bool `mapstructure:"-"` // 启动前清空本地会话数据
	PrintToken bool `mapstructure:"-"` // 启动时向标准输出打印本地访问令牌
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type ServerConfig struct {
	Host      string
	Port      string
	Mode      string
	TokenFile string `mapstructure:"token_file"`
}

// PlatformConfig 远端考试平台 API
type PlatformConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SessionConfig 会话运行节奏与提交重试参数
type SessionConfig struct {
	TickInterval           time.Duration `mapstructure:"tick_interval"`
	SnapshotInterval       time.Duration `mapstructure:"snapshot_interval"`
	PushInterval           time.Duration `mapstructure:"push_interval"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatFailThreshold int           `mapstructure:"heartbeat_fail_threshold"`
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	EmergencyRetryDelay    time.Duration `mapstructure:"emergency_retry_delay"`
	FileDecisionTimeout    time.Duration `mapstructure:"file_decision_timeout"`
	ExpiredGrace           time.Duration `mapstructure:"expired_grace"`
}

// ViolationConfig 违规计数默认阈值（服务端会话配置可覆盖）
type ViolationConfig struct {
	MaxTabSwitches     int           `mapstructure:"max_tab_switches"`
	MaxFullscreenExits int           `mapstructure:"max_fullscreen_exits"`
	MaxDevtoolsOpens   int           `mapstructure:"max_devtools_opens"`
	DevtoolsDeltaPx    int           `mapstructure:"devtools_delta_px"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	ReportPerMinute    int           `mapstructure:"report_per_minute"`
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type StorageConfig struct {
	Providers     []string `mapstructure:"providers"`
	SpoolPath     string   `mapstructure:"spool_path"`
	MinioEndpoint string   `mapstructure:"minio_endpoint"`
	MinioAccessID string   `mapstructure:"minio_access_key"`
	MinioSecret   string   `mapstructure:"minio_secret_key"`
	MinioBucket   string   `mapstructure:"minio_bucket"`
	MinioUseSSL   bool     `mapstructure:"minio_use_ssl"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("EXAM_PROCTOR")
	viper.AutomaticEnv()

	// Server
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.mode", "SERVER_MODE")
	viper.BindEnv("server.token_file", "SERVER_TOKEN_FILE")

	// Platform
	viper.BindEnv("platform.base_url", "PLATFORM_BASE_URL")
	viper.BindEnv("platform.request_timeout", "PLATFORM_REQUEST_TIMEOUT")

	// JWT
	viper.BindEnv("jwt.secret", "JWT_SECRET")

	// Database
	viper.BindEnv("database.path", "DATABASE_PATH")

	// Storage
	viper.BindEnv("storage.spool_path", "STORAGE_SPOOL_PATH")
	viper.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour
	applyDefaults(&cfg)

	// 本地令牌密钥缺省时生成一次性随机密钥
	if cfg.JWT.Secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate local token secret: %w", err)
		}
		cfg.JWT.Secret = hex.EncodeToString(buf)
	}

	if cfg.Platform.BaseURL == "" {
		return nil, fmt.Errorf("platform.base_url is required")
	}

	for _, dir := range []string{cfg.Storage.SpoolPath, filepath.Dir(cfg.Database.Path)} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			os.MkdirAll(dir, 0755)
		}
	}

	return &cfg, nil
}

// applyDefaults 为未配置的节奏参数补默认值
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "4710"
	}
	if cfg.Platform.RequestTimeout <= 0 {
		cfg.Platform.RequestTimeout = 15 * time.Second
	}
	if cfg.Session.TickInterval <= 0 {
		cfg.Session.TickInterval = time.Second
	}
	if cfg.Session.SnapshotInterval <= 0 {
		cfg.Session.SnapshotInterval = 5 * time.Second
	}
	if cfg.Session.PushInterval <= 0 {
		cfg.Session.PushInterval = 30 * time.Second
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		cfg.Session.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Session.HeartbeatFailThreshold <= 0 {
		cfg.Session.HeartbeatFailThreshold = 3
	}
	if cfg.Session.MaxRetries <= 0 {
		cfg.Session.MaxRetries = 3
	}
	if cfg.Session.RetryBaseDelay <= 0 {
		cfg.Session.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Session.EmergencyRetryDelay <= 0 {
		cfg.Session.EmergencyRetryDelay = time.Second
	}
	if cfg.Session.FileDecisionTimeout <= 0 {
		cfg.Session.FileDecisionTimeout = 2 * time.Minute
	}
	if cfg.Session.ExpiredGrace <= 0 {
		cfg.Session.ExpiredGrace = time.Minute
	}
	if cfg.Violation.MaxTabSwitches <= 0 {
		cfg.Violation.MaxTabSwitches = 3
	}
	if cfg.Violation.MaxFullscreenExits <= 0 {
		cfg.Violation.MaxFullscreenExits = 2
	}
	if cfg.Violation.MaxDevtoolsOpens <= 0 {
		cfg.Violation.MaxDevtoolsOpens = 1
	}
	if cfg.Violation.DevtoolsDeltaPx <= 0 {
		cfg.Violation.DevtoolsDeltaPx = 160
	}
	if cfg.Violation.SampleInterval <= 0 {
		cfg.Violation.SampleInterval = time.Second
	}
	if cfg.Violation.ReportPerMinute <= 0 {
		cfg.Violation.ReportPerMinute = 30
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/agent.db"
	}
	if cfg.Storage.SpoolPath == "" {
		cfg.Storage.SpoolPath = "data/spool"
	}
	if len(cfg.Storage.Providers) == 0 {
		cfg.Storage.Providers = []string{"platform", "spool"}
	}
	if cfg.Server.TokenFile == "" {
		cfg.Server.TokenFile = "data/agent.token"
	}
}
