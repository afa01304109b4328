package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	StaticDir       string `mapstructure:"static_dir"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// StorageConfig selects and configures the object store backing the catalog.
// An empty Path means templates are served from LocalDir.
type StorageConfig struct {
	Path            string `mapstructure:"path"`
	Region          string `mapstructure:"region"`
	Backend         string `mapstructure:"backend"`
	Endpoint        string `mapstructure:"endpoint"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	LocalDir        string `mapstructure:"local_dir"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	WebIdentityFile string `mapstructure:"web_identity_token_file"`
	RoleARN         string `mapstructure:"role_arn"`
	STSEndpoint     string `mapstructure:"sts_endpoint"`
	CLIPath         string `mapstructure:"cli_path"`
}

type CatalogConfig struct {
	ManifestKey      string        `mapstructure:"manifest_key"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	WarmSchedule     string        `mapstructure:"warm_schedule"`
}

type CacheConfig struct {
	Backend   string `mapstructure:"backend"`
	Namespace string `mapstructure:"namespace"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// UpstreamConfig describes the automation platform receiving imported workflows.
type UpstreamConfig struct {
	WorkflowsEndpoint string        `mapstructure:"workflows_endpoint"`
	APIBase           string        `mapstructure:"api_base"`
	APIURL            string        `mapstructure:"api_url"`
	APIKey            string        `mapstructure:"api_key"`
	BearerToken       string        `mapstructure:"bearer_token"`
	BasicAuthUser     string        `mapstructure:"basic_auth_user"`
	BasicAuthPassword string        `mapstructure:"basic_auth_password"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend"`
	RPS     int           `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	Window  time.Duration `mapstructure:"window"`
}

// envBindings maps config keys to the conventional environment variables
// operators already use for this service, in priority order.
var envBindings = map[string][]string{
	"server.port":                     {"PORT"},
	"storage.path":                    {"N8N_TEMPLATE_S3_PATH"},
	"storage.region":                  {"AWS_REGION", "AWS_DEFAULT_REGION"},
	"storage.access_key_id":           {"AWS_ACCESS_KEY_ID"},
	"storage.secret_access_key":       {"AWS_SECRET_ACCESS_KEY"},
	"storage.session_token":           {"AWS_SESSION_TOKEN"},
	"storage.web_identity_token_file": {"AWS_WEB_IDENTITY_TOKEN_FILE"},
	"storage.role_arn":                {"AWS_ROLE_ARN"},
	"catalog.manifest_key":            {"TEMPLATE_MANIFEST_KEY"},
	"catalog.cache_ttl":               {"TEMPLATE_CACHE_TTL"},
	"catalog.fetch_concurrency":       {"TEMPLATE_FETCH_CONCURRENCY"},
	"upstream.workflows_endpoint":     {"N8N_WORKFLOWS_ENDPOINT"},
	"upstream.api_base":               {"N8N_API_BASE"},
	"upstream.api_url":                {"N8N_API_URL"},
	"upstream.api_key":                {"N8N_API_KEY"},
	"upstream.bearer_token":           {"N8N_BEARER_TOKEN"},
	"upstream.basic_auth_user":        {"N8N_BASIC_AUTH_USER"},
	"upstream.basic_auth_password":    {"N8N_BASIC_AUTH_PASSWORD"},
}

func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/linkflow")

	setDefaults(v)

	v.SetEnvPrefix("GALLERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, envs := range envBindings {
		// GALLERY_<KEY> keeps precedence over the conventional names.
		names := append([]string{"GALLERY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, envs...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)

	v.SetDefault("storage.path", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.backend", "sdk")
	v.SetDefault("storage.local_dir", "./templates")
	v.SetDefault("storage.sts_endpoint", "https://sts.amazonaws.com/")
	v.SetDefault("storage.cli_path", "aws")

	v.SetDefault("catalog.manifest_key", "")
	v.SetDefault("catalog.cache_ttl", 60*time.Second)
	v.SetDefault("catalog.fetch_concurrency", 4)
	v.SetDefault("catalog.warm_schedule", "")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.namespace", "gallery")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("upstream.timeout", 30*time.Second)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "gallery.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "gallery-events")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.service_name", "template-gallery")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.rps", 5)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("ratelimit.window", time.Minute)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Configured reports whether an object-store location was provided.
func (c StorageConfig) Configured() bool {
	return strings.TrimSpace(c.Path) != ""
}
