package config

import (
	"path/filepath"
	"strings"
	"time"
)

// PlatformConfig holds runtime configuration for the shipyard daemon.
type PlatformConfig struct {
	Environment string
	LogLevel    string

	ProxyAddr  string
	APIAddr    string
	GitAddr    string
	BaseDomain string
	DefaultApp string

	DataDir   string
	ConfigDir string
	ReposDir  string
	Workdir   string
	StaticDir string

	DatabaseURL   string
	MigrationsDir string

	JWTSecret  string
	SessionTTL time.Duration

	Workers        int
	BuildTimeout   time.Duration
	GitTimeout     time.Duration
	MaxJobAttempts int
	JobRetention   time.Duration

	PortRangeStart int
	PortRangeEnd   int
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration
	RestartStable  time.Duration
	LogLines       int
	SampleEvery    time.Duration
	SampleCapacity int

	DockerHost string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadPlatformConfig constructs a PlatformConfig from environment variables.
func LoadPlatformConfig() PlatformConfig {
	dataDir := GetString("DATA_DIR", "./data")
	port := strings.TrimSpace(GetString("PORT", "8080"))
	if port != "" && !strings.Contains(port, ":") {
		port = ":" + port
	}
	return PlatformConfig{
		Environment:        GetString("APP_ENV", "development"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		ProxyAddr:          port,
		APIAddr:            GetString("API_ADDR", ":4000"),
		GitAddr:            GetString("GIT_ADDR", ":4001"),
		BaseDomain:         strings.Trim(GetString("BASE_DOMAIN", "localhost"), "."),
		DefaultApp:         GetString("DEFAULT_APP", ""),
		DataDir:            dataDir,
		ConfigDir:          GetString("CONFIG_DIR", filepath.Join(dataDir, "config")),
		ReposDir:           GetString("REPOS_DIR", filepath.Join(dataDir, "repos")),
		Workdir:            GetString("BUILDER_WORKDIR", filepath.Join(dataDir, "builds")),
		StaticDir:          GetString("DIRECTORY", "."),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		JWTSecret:          GetString("JWT_SECRET", ""),
		SessionTTL:         time.Duration(GetInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		Workers:            GetInt("BUILD_WORKERS", 2),
		BuildTimeout:       GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		GitTimeout:         GetSeconds("GIT_TIMEOUT_SECONDS", 60),
		MaxJobAttempts:     GetInt("JOB_MAX_ATTEMPTS", 3),
		JobRetention:       time.Duration(GetInt("JOB_RETENTION_HOURS", 24)) * time.Hour,
		PortRangeStart:     GetInt("APP_PORT_START", 10000),
		PortRangeEnd:       GetInt("APP_PORT_END", 10999),
		StartTimeout:       GetSeconds("APP_START_TIMEOUT_SECONDS", 30),
		StopTimeout:        GetSeconds("APP_STOP_TIMEOUT_SECONDS", 10),
		MaxRestarts:        GetInt("APP_MAX_RESTARTS", 5),
		RestartBackoff:     time.Duration(GetInt("APP_RESTART_BACKOFF_MS", 500)) * time.Millisecond,
		RestartStable:      GetSeconds("APP_RESTART_STABLE_SECONDS", 60),
		LogLines:           GetInt("APP_LOG_LINES", 1000),
		SampleEvery:        GetSeconds("METRICS_SAMPLE_SECONDS", 10),
		SampleCapacity:     GetInt("METRICS_SAMPLE_CAPACITY", 60),
		DockerHost:         GetString("DOCKER_HOST", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
