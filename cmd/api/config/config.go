package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const defaultAllowedOrigins = "http://localhost:3000,http://localhost:3001"

type Config struct {
	Port           string `env:"PORT,default=5000"`
	AppEnv         string `env:"APP_ENV,default=development"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	// Comma-separated proxy IPs or CIDRs whose X-Forwarded-For is believed.
	Proxies string `env:"TRUSTED_PROXIES"`

	Database DatabaseConfig
	JWT      JWTConfig
	AI       AIConfig
	Billing  BillingConfig

	RedisURL            string        `env:"REDIS_URL"`
	RateLimitPerMinute  int           `env:"RATE_LIMIT_PER_MINUTE,default=60"`
	RateLimitBurst      int           `env:"RATE_LIMIT_BURST,default=30"`
	MetricsUser         string        `env:"METRICS_USER"`
	MetricsPass         string        `env:"METRICS_PASS"`
	MaintenanceSchedule string        `env:"MAINTENANCE_SCHEDULE,default=@every 15m"`
	BcryptCost          int           `env:"BCRYPT_COST,default=12"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

type DatabaseConfig struct {
	URL         string `env:"DATABASE_URL"`
	Host        string `env:"DB_HOST,default=localhost"`
	Port        string `env:"DB_PORT,default=5432"`
	User        string `env:"DB_USER"`
	Password    string `env:"DB_PASSWORD"`
	Name        string `env:"DB_NAME,default=dreams"`
	AutoMigrate bool   `env:"DB_AUTO_MIGRATE,default=true"`
}

type JWTConfig struct {
	SecretKey  string        `env:"JWT_SECRET_KEY"`
	AccessTTL  time.Duration `env:"JWT_ACCESS_TTL,default=1h"`
	RefreshTTL time.Duration `env:"JWT_REFRESH_TTL,default=720h"`
	SessionTTL time.Duration `env:"SESSION_TTL,default=24h"`
}

type AIConfig struct {
	Provider     string  `env:"AI_PROVIDER,default=openai"`
	OpenAIKey    string  `env:"OPENAI_API_KEY"`
	OpenAIURL    string  `env:"OPENAI_BASE_URL"`
	OpenAIModel  string  `env:"OPENAI_MODEL,default=gpt-3.5-turbo"`
	MaxTokens    int     `env:"OPENAI_MAX_TOKENS,default=1000"`
	Temperature  float64 `env:"OPENAI_TEMPERATURE,default=0.7"`
	GeminiKey    string  `env:"GOOGLE_AI_STUDIO_API_KEY"`
	GeminiModel  string  `env:"GEMINI_MODEL,default=gemini-1.5-flash"`
	CostPerToken float64 `env:"AI_COST_PER_TOKEN,default=0.000002"`
}

type BillingConfig struct {
	PackageName          string `env:"ANDROID_PACKAGE_NAME"`
	ServiceAccountBase64 string `env:"GOOGLE_SERVICE_ACCOUNT_JSON_BASE64"`
	ServiceAccountFile   string `env:"GOOGLE_SERVICE_ACCOUNT_JSON,default=service-account.json"`
}

// Load reads .env when present and decodes the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file loaded, using process environment")
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = defaultAllowedOrigins
	}

	if cfg.JWT.SecretKey == "" {
		if cfg.IsProduction() {
			return nil, errors.New("JWT_SECRET_KEY is required in production")
		}
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWT.SecretKey = secret
		log.Warn().Msg("JWT_SECRET_KEY not set, using a random per-process secret")
	}

	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	if cfg.AI.Provider != "openai" && cfg.AI.Provider != "gemini" {
		return nil, fmt.Errorf("unsupported AI_PROVIDER %q", cfg.AI.Provider)
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// TrustedProxies is nil unless TRUSTED_PROXIES is set, so by default the
// client IP is always the socket peer address.
func (c *Config) TrustedProxies() []string {
	return splitList(c.Proxies)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// DSN returns a connection string for the postgres driver. DATABASE_URL wins
// over the discrete DB_* settings; the legacy postgres:// scheme is accepted.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		if strings.HasPrefix(d.URL, "postgres://") {
			return "postgresql://" + strings.TrimPrefix(d.URL, "postgres://")
		}
		return d.URL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
