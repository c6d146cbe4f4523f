// Package gwconfig loads gateway configuration from environment variables,
// with an optional YAML file supplying defaults that the environment can
// override.
package gwconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// MirrorConfig holds region-specific upstream base URL overrides.
type MirrorConfig struct {
	DreaminaUS string `yaml:"dreamina_us"`
	DreaminaHK string `yaml:"dreamina_hk"`
	ImagexUS   string `yaml:"imagex_us"`
	ImagexHK   string `yaml:"imagex_hk"`
	ImagexCN   string `yaml:"imagex_cn"`
	JimengCN   string `yaml:"jimeng_cn"`
	CommerceUS string `yaml:"commerce_us"`
	CommerceHK string `yaml:"commerce_hk"`
}

// ProxyConfig describes an optional outbound SOCKS5 proxy for upstream calls.
type ProxyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	Type    string   `yaml:"type"` // socks5
	Auth    string   `yaml:"auth"`
	Bypass  []string `yaml:"bypass"`
	Timeout time.Duration
}

// QuotaLimits maps a generation service type to its daily cap.
type QuotaLimits struct {
	Image  int `yaml:"image"`
	Video  int `yaml:"video"`
	Avatar int `yaml:"avatar"`
}

// Config is the gateway's resolved runtime configuration.
type Config struct {
	AppEnv string
	Port   string

	TaskMaxConcurrent  int
	ImageTaskTimeout   time.Duration
	VideoTaskTimeout   time.Duration
	SchedulerTick      time.Duration
	TaskRetention      time.Duration
	QuotaRetentionDays int

	QuotaLimits QuotaLimits
	Mirrors     MirrorConfig
	Proxy       ProxyConfig

	QuotaStorePath string
	QuotaBackend   string // "file" or "postgres"
	DatabaseURL    string

	// UploadBackend selects the Transport implementation the Upload
	// Pipeline is built over: "http" (the real upstream ImageX handshake,
	// default), "minio" (a local/dev S3-compatible bucket), or "file" (a
	// local filesystem directory, no external dependency).
	UploadBackend   string
	MinioAddr       string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	LocalUploadPath string

	RateLimitPerMin int

	AdminJWKSURL     string
	AdminJWKSRefresh time.Duration

	GeoIPDBPath string
}

// RateLimitOrDefault returns the configured per-minute rate limit,
// defaulting to 60 when unset.
func (c *Config) RateLimitOrDefault() int {
	if c.RateLimitPerMin <= 0 {
		return 60
	}
	return c.RateLimitPerMin
}

type yamlFile struct {
	AppEnv             string       `yaml:"app_env"`
	Port               string       `yaml:"port"`
	TaskMaxConcurrent  int          `yaml:"task_max_concurrent"`
	QuotaLimits        QuotaLimits  `yaml:"quota_limits"`
	QuotaRetentionDays int          `yaml:"quota_retention_days"`
	Mirrors            MirrorConfig `yaml:"mirrors"`
	Proxy              ProxyConfig  `yaml:"proxy"`
	QuotaStorePath     string       `yaml:"quota_store_path"`
	QuotaBackend       string       `yaml:"quota_backend"`
}

// Load reads `.env`/`.env.local` (best effort, matching the rest of this
// codebase's godotenv usage), then an optional YAML file named by
// GATEWAY_CONFIG_FILE (default "config.yaml", ignored if absent), then
// environment variables, which win over both.
func Load() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	yf := yamlFile{}
	path := getEnv("GATEWAY_CONFIG_FILE", "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &yf); err != nil {
			return nil, fmt.Errorf("gwconfig: parse %s: %w", path, err)
		}
	}

	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", orDefault(yf.AppEnv, "development")),
		Port:               getEnv("PORT", orDefault(yf.Port, "8080")),
		TaskMaxConcurrent:  getEnvInt("TASK_MAX_CONCURRENT", orDefaultInt(yf.TaskMaxConcurrent, 10)),
		ImageTaskTimeout:   time.Minute * time.Duration(getEnvInt("IMAGE_TASK_TIMEOUT_MINUTES", 15)),
		VideoTaskTimeout:   time.Minute * time.Duration(getEnvInt("VIDEO_TASK_TIMEOUT_MINUTES", 30)),
		SchedulerTick:      time.Second * time.Duration(getEnvInt("SCHEDULER_TICK_SECONDS", 1)),
		TaskRetention:      time.Hour * time.Duration(getEnvInt("TASK_RETENTION_HOURS", 24)),
		QuotaRetentionDays: getEnvInt("QUOTA_RETENTION_DAYS", orDefaultInt(yf.QuotaRetentionDays, 30)),
		QuotaLimits: QuotaLimits{
			Image:  getEnvInt("QUOTA_LIMIT_IMAGE", orDefaultInt(yf.QuotaLimits.Image, 10)),
			Video:  getEnvInt("QUOTA_LIMIT_VIDEO", orDefaultInt(yf.QuotaLimits.Video, 2)),
			Avatar: getEnvInt("QUOTA_LIMIT_AVATAR", orDefaultInt(yf.QuotaLimits.Avatar, 1)),
		},
		Mirrors: MirrorConfig{
			DreaminaUS: getEnv("DREAMINA_US_MIRROR", yf.Mirrors.DreaminaUS),
			DreaminaHK: getEnv("DREAMINA_HK_MIRROR", yf.Mirrors.DreaminaHK),
			ImagexUS:   getEnv("IMAGEX_US_MIRROR", yf.Mirrors.ImagexUS),
			ImagexHK:   getEnv("IMAGEX_HK_MIRROR", yf.Mirrors.ImagexHK),
			ImagexCN:   getEnv("IMAGEX_CN_MIRROR", yf.Mirrors.ImagexCN),
			JimengCN:   getEnv("JIMENG_CN_MIRROR", yf.Mirrors.JimengCN),
			CommerceUS: getEnv("COMMERCE_US_MIRROR", yf.Mirrors.CommerceUS),
			CommerceHK: getEnv("COMMERCE_HK_MIRROR", yf.Mirrors.CommerceHK),
		},
		Proxy: ProxyConfig{
			Enabled: getEnvBool("PROXY_ENABLED", yf.Proxy.Enabled),
			Host:    getEnv("PROXY_HOST", yf.Proxy.Host),
			Port:    getEnvInt("PROXY_PORT", yf.Proxy.Port),
			Type:    getEnv("PROXY_TYPE", orDefault(yf.Proxy.Type, "socks5")),
			Auth:    getEnv("PROXY_AUTH", yf.Proxy.Auth),
			Timeout: time.Second * time.Duration(getEnvInt("PROXY_TIMEOUT_SECONDS", 10)),
		},
		QuotaStorePath: getEnv("QUOTA_STORE_PATH", orDefault(yf.QuotaStorePath, "data/session_usage.json")),
		QuotaBackend:   getEnv("QUOTA_BACKEND", orDefault(yf.QuotaBackend, "file")),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),

		UploadBackend:   getEnv("UPLOAD_BACKEND", "http"),
		MinioAddr:       os.Getenv("MINIO_ADDR"),
		MinioAccessKey:  os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:  os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:     getEnv("MINIO_BUCKET", "gateway-uploads"),
		MinioUseSSL:     getEnvBool("MINIO_USE_SSL", false),
		LocalUploadPath: getEnv("LOCAL_UPLOAD_PATH", "data/uploads"),

		AdminJWKSURL:     os.Getenv("ADMIN_JWKS_URL"),
		AdminJWKSRefresh: time.Hour * time.Duration(getEnvInt("ADMIN_JWKS_REFRESH_HOURS", 1)),

		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),
	}

	if cfg.QuotaBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("gwconfig: DATABASE_URL is required when QUOTA_BACKEND=postgres")
	}

	return cfg, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orDefaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
