package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"mailpipe/internal/message"
)

const defaultHostname = "localhost"

// Config is everything the service reads from the environment.
type Config struct {
	MaxRetries    int           `env:"MAX_RETRIES,default=3"`
	RetryWait     time.Duration `env:"RETRY_WAIT,default=300s"`
	DeleteWait    time.Duration `env:"DELETE_WAIT,default=24h"`
	RetryBoundary string        `env:"RETRY_BOUNDARY,default=exact"`

	SMTPPort           int           `env:"SMTP_PORT,default=25"`
	SMTPTLS            string        `env:"SMTP_TLS,default=opportunistic"`
	SMTPTLSInsecure    bool          `env:"SMTP_TLS_INSECURE,default=false"`
	SMTPTLSCAFile      string        `env:"SMTP_TLS_CA_FILE"`
	SMTPUsername       string        `env:"SMTP_AUTH_USERNAME"`
	SMTPPassword       string        `env:"SMTP_AUTH_PASSWORD"`
	SMTPHostname       string        `env:"SMTP_HOSTNAME"`
	SMTPRelayHost      string        `env:"SMTP_RELAY_HOST"`
	SMTPDialTimeout    time.Duration `env:"SMTP_DIAL_TIMEOUT,default=30s"`
	SMTPSessionTimeout time.Duration `env:"SMTP_SESSION_TIMEOUT,default=2m"`

	DNSServer   string        `env:"DNS_SERVER"`
	DNSCacheTTL time.Duration `env:"DNS_CACHE_TTL,default=0s"`
	MXFallback  bool          `env:"MX_FALLBACK,default=true"`

	DBDriver string `env:"DB_DRIVER,default=sqlite3"`
	DBDSN    string `env:"DB_DSN,default=file:mailpipe.db"`

	QueueBackend      string        `env:"QUEUE_BACKEND,default=memory"`
	QueueWorkers      int           `env:"SMTP_QUEUE_WORKERS,default=0"`
	QueuePollInterval time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	RedisAddr         string        `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB,default=0"`
	RedisKey          string        `env:"REDIS_KEY,default=mailpipe:tasks"`

	APIAddr          string `env:"API_ADDR,default=:8080"`
	MetricsAddr      string `env:"METRICS_ADDR,default=:8081"`
	APIAllowNetworks string `env:"API_ALLOW_NETWORKS"`

	ArchiveDir string `env:"ARCHIVE_DIR"`

	DKIMSelector   string `env:"SMTP_DKIM_SELECTOR"`
	DKIMKeyPath    string `env:"SMTP_DKIM_KEY_PATH"`
	DKIMPrivateKey string `env:"SMTP_DKIM_PRIVATE_KEY"`
	DKIMDomain     string `env:"SMTP_DKIM_DOMAIN"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
	Debug     string `env:"SMTP_DEBUG"`

	// Filled in by Load from the raw fields above.
	Boundary      message.Boundary
	AllowNetworks []*net.IPNet
}

// LoadEnvFile loads key=value pairs from path into the process environment.
// A missing file is not an error and variables already set are kept.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads Config from the environment and validates it.
func Load(ctx context.Context) (*Config, error) {
	c := &Config{}
	if err := envconfig.Process(ctx, c); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) normalize() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryWait < 0 || c.DeleteWait < 0 {
		return errors.New("RETRY_WAIT and DELETE_WAIT must not be negative")
	}
	b, err := message.ParseBoundary(c.RetryBoundary)
	if err != nil {
		return fmt.Errorf("RETRY_BOUNDARY: %w", err)
	}
	c.Boundary = b

	c.SMTPTLS = strings.ToLower(strings.TrimSpace(c.SMTPTLS))
	switch c.SMTPTLS {
	case "none", "opportunistic", "required":
	default:
		return fmt.Errorf("SMTP_TLS must be none, opportunistic or required, got %q", c.SMTPTLS)
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("SMTP_PORT out of range: %d", c.SMTPPort)
	}

	switch c.DBDriver {
	case "sqlite3", "postgres", "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3, postgres or memory, got %q", c.DBDriver)
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be memory or redis, got %q", c.QueueBackend)
	}
	c.QueueWorkers = Workers(c.QueueWorkers)
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = time.Second
	}

	nets, err := ParseNetworks(c.APIAllowNetworks)
	if err != nil {
		return fmt.Errorf("API_ALLOW_NETWORKS: %w", err)
	}
	c.AllowNetworks = nets

	if c.SMTPHostname == "" {
		c.SMTPHostname = Hostname()
	}
	return nil
}

// DebugEnabled reports whether SMTP_DEBUG=1 is set.
func (c *Config) DebugEnabled() bool {
	return c.Debug == "1"
}

// Hostname returns the name the service identifies as in EHLO and Message-Id.
// Preference order: system hostname, fallback.
func Hostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}

// Workers returns n when positive, otherwise the number of logical CPUs.
func Workers(n int) int {
	if n < 1 {
		return runtime.NumCPU()
	}
	return n
}
