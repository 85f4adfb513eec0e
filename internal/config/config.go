package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the reconhub server.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Paths     PathsConfig
	Jobs      JobsConfig
	Runtime   RuntimeConfig
	GPU       GPUConfig
	Catalog   CatalogConfig
	Artifacts ArtifactsConfig
	Events    EventsConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	LogLevel       string
	MaxUploadBytes int64
	Instance       string
}

type StoreConfig struct {
	Backend string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// PathsConfig locates uploads, job results and built-in scenes on disk.
type PathsConfig struct {
	DataDir    string
	ResultsDir string
	ScenesDir  string
}

type JobsConfig struct {
	MaxConcurrent int
	Timeout       time.Duration
	GracePeriod   time.Duration
	MinImages     int
}

type RuntimeConfig struct {
	Backend           string
	DockerNetwork     string
	PullMissingImages bool
	Kubeconfig        string
	Namespace         string
}

type GPUConfig struct {
	Mode string
}

type CatalogConfig struct {
	Path string
}

type ArtifactsConfig struct {
	Backend   string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

type AuthConfig struct {
	APIKeyHashes []string
}

// Enabled reports whether mutating routes require an API key.
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeyHashes) > 0
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var (
	validStores    = map[string]bool{"memory": true, "redis": true, "postgres": true}
	validRuntimes  = map[string]bool{"docker": true, "kubernetes": true}
	validGPUModes  = map[string]bool{"auto": true, "on": true, "off": true}
	validArtifacts = map[string]bool{"local": true, "s3": true}
)

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory, if present, is loaded first; variables
// already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("RECON_PORT", 8000),
			Instance:       envString("RECON_INSTANCE_ID", defaultInstance()),
			Env:            envString("RECON_ENV", "development"),
			LogLevel:       envString("LOG_LEVEL", "info"),
			MaxUploadBytes: int64(envInt("RECON_MAX_UPLOAD_MB", 2048)) << 20,
		},
		Store: StoreConfig{
			Backend: envString("RECON_STORE", "memory"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Paths: PathsConfig{
			DataDir:    envString("RECON_DATA_DIR", "/data"),
			ResultsDir: envString("RECON_RESULTS_DIR", "/results"),
			ScenesDir:  envString("RECON_SCENES_DIR", "/scenes"),
		},
		Jobs: JobsConfig{
			MaxConcurrent: envInt("RECON_MAX_CONCURRENT_JOBS", 2),
			Timeout:       envDuration("RECON_JOB_TIMEOUT", 2*time.Hour),
			GracePeriod:   envDuration("RECON_JOB_GRACE_PERIOD", 30*time.Second),
			MinImages:     envInt("RECON_MIN_IMAGES", 3),
		},
		Runtime: RuntimeConfig{
			Backend:           envString("RECON_RUNTIME", "docker"),
			DockerNetwork:     os.Getenv("RECON_DOCKER_NETWORK"),
			PullMissingImages: envBool("RECON_PULL_MISSING_IMAGES", false),
			Kubeconfig:        os.Getenv("KUBECONFIG"),
			Namespace:         envString("RECON_K8S_NAMESPACE", "default"),
		},
		GPU: GPUConfig{
			Mode: envString("RECON_GPU_MODE", "auto"),
		},
		Catalog: CatalogConfig{
			Path: os.Getenv("RECON_CATALOG_PATH"),
		},
		Artifacts: ArtifactsConfig{
			Backend:   envString("RECON_ARTIFACTS", "local"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    envString("S3_BUCKET", "reconstructions"),
			UseSSL:    envBool("S3_USE_SSL", false),
		},
		Events: EventsConfig{
			AMQPURL:  os.Getenv("AMQP_URL"),
			Exchange: envString("AMQP_EXCHANGE", "reconhub.jobs"),
		},
		Auth: AuthConfig{
			APIKeyHashes: envList("RECON_API_KEY_HASHES"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RECON_RATE_LIMIT_PER_MIN", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("RECON_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !validStores[c.Store.Backend] {
		return fmt.Errorf("RECON_STORE must be one of memory, redis, postgres; got %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when RECON_STORE is postgres")
	}
	if c.Store.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when RECON_STORE is redis")
	}

	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("RECON_MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("RECON_JOB_TIMEOUT must be positive")
	}
	if c.Jobs.GracePeriod < 0 {
		return fmt.Errorf("RECON_JOB_GRACE_PERIOD must not be negative")
	}
	if c.Jobs.MinImages < 1 {
		return fmt.Errorf("RECON_MIN_IMAGES must be at least 1, got %d", c.Jobs.MinImages)
	}

	if !validRuntimes[c.Runtime.Backend] {
		return fmt.Errorf("RECON_RUNTIME must be one of docker, kubernetes; got %q", c.Runtime.Backend)
	}
	if !validGPUModes[c.GPU.Mode] {
		return fmt.Errorf("RECON_GPU_MODE must be one of auto, on, off; got %q", c.GPU.Mode)
	}

	if !validArtifacts[c.Artifacts.Backend] {
		return fmt.Errorf("RECON_ARTIFACTS must be one of local, s3; got %q", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend == "s3" {
		if c.Artifacts.Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required when RECON_ARTIFACTS is s3")
		}
		if c.Artifacts.AccessKey == "" || c.Artifacts.SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when RECON_ARTIFACTS is s3")
		}
	}

	if c.Events.AMQPURL != "" && !strings.HasPrefix(c.Events.AMQPURL, "amqp://") && !strings.HasPrefix(c.Events.AMQPURL, "amqps://") {
		return fmt.Errorf("AMQP_URL must start with amqp:// or amqps://, got %q", c.Events.AMQPURL)
	}

	for _, h := range c.Auth.APIKeyHashes {
		if !strings.HasPrefix(h, "$2") {
			return fmt.Errorf("RECON_API_KEY_HASHES must contain bcrypt hashes")
		}
	}

	return nil
}

// defaultInstance is the host name, which is unique per pod or container.
func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "reconhub"
	}
	return host
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envDuration accepts Go durations ("90s", "2h") or a bare number of seconds.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
