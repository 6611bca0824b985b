package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	CORS       CORSConfig
	RateLimit  RateLimitConfig
	Staging    StagingConfig
	Storage    StorageConfig
	Generation GenerationConfig
	NanoBanana NanoBananaConfig
	OpenAI     OpenAIConfig
	Lava       LavaConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// PublicBaseURL is the externally routable address providers use to fetch
	// staged artifacts and clients use to reach stored results.
	PublicBaseURL string
	WriteTimeout  time.Duration
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	AccessSecret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

type StagingConfig struct {
	TTL           time.Duration
	MaxImageBytes int
}

type StorageConfig struct {
	Dir string
}

type GenerationConfig struct {
	DefaultProvider    string
	PollInterval       time.Duration
	MaxPollAttempts    int
	SubmitTimeout      time.Duration
	PollTimeout        time.Duration
	PersistTimeout     time.Duration
	FreeDailyAllotment int
}

// RequestBudget is the worst-case time a generation request stays open:
// the submit, every poll round trip with its wait, and the result download.
func (c GenerationConfig) RequestBudget() time.Duration {
	perPoll := c.PollInterval + c.PollTimeout
	return c.SubmitTimeout + time.Duration(c.MaxPollAttempts)*perPoll + c.PersistTimeout
}

type NanoBananaConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	OutputFormat string
	ImageSize    string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
}

type LavaConfig struct {
	ShopID        string
	SecretKey     string
	APIURL        string
	WebhookSecret string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:          k.String("server.host"),
			Port:          k.Int("server.port"),
			PublicBaseURL: strings.TrimRight(k.String("public.base.url"), "/"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: k.Int("rate.limit.max.requests"),
			WindowSec:   k.Int("rate.limit.window.sec"),
		},
		Staging: StagingConfig{
			MaxImageBytes: k.Int("staging.max.image.bytes"),
		},
		Storage: StorageConfig{
			Dir: k.String("storage.dir"),
		},
		Generation: GenerationConfig{
			DefaultProvider:    k.String("generation.default.provider"),
			MaxPollAttempts:    k.Int("generation.max.poll.attempts"),
			FreeDailyAllotment: 1,
		},
		NanoBanana: NanoBananaConfig{
			APIKey:       k.String("nano.banana.api.key"),
			BaseURL:      k.String("nano.banana.base.url"),
			Model:        k.String("nano.banana.model"),
			OutputFormat: k.String("nano.banana.output.format"),
			ImageSize:    k.String("nano.banana.image.size"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  k.String("openai.api.key"),
			BaseURL: k.String("openai.base.url"),
			Model:   k.String("openai.model"),
			Size:    k.String("openai.size"),
		},
		Lava: LavaConfig{
			ShopID:        k.String("lava.shop.id"),
			SecretKey:     k.String("lava.secret.key"),
			APIURL:        k.String("lava.api.url"),
			WebhookSecret: k.String("lava.webhook.secret"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "coverflow"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "coverflow"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 10
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Staging.MaxImageBytes == 0 {
		cfg.Staging.MaxImageBytes = 10 * 1024 * 1024
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "storage"
	}
	if cfg.Generation.DefaultProvider == "" {
		cfg.Generation.DefaultProvider = "nanobanana"
	}
	if cfg.Generation.MaxPollAttempts == 0 {
		cfg.Generation.MaxPollAttempts = 120
	}
	// Zero is a valid policy (paid credits only), so only an unset key defaults.
	if k.Exists("generation.free.daily.allotment") {
		cfg.Generation.FreeDailyAllotment = k.Int("generation.free.daily.allotment")
	}
	if cfg.NanoBanana.BaseURL == "" {
		cfg.NanoBanana.BaseURL = "https://api.kie.ai"
	}
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = "https://api.openai.com"
	}
	if cfg.Lava.APIURL == "" {
		cfg.Lava.APIURL = "https://api.lava.top"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	cfg.Staging.TTL, err = parseDuration(k, "staging.ttl", "30m")
	if err != nil {
		return nil, err
	}
	cfg.Generation.PollInterval, err = parseDuration(k, "generation.poll.interval", "5s")
	if err != nil {
		return nil, err
	}
	cfg.Generation.SubmitTimeout, err = parseDuration(k, "generation.submit.timeout", "60s")
	if err != nil {
		return nil, err
	}
	cfg.Generation.PollTimeout, err = parseDuration(k, "generation.poll.timeout", "10s")
	if err != nil {
		return nil, err
	}
	cfg.Generation.PersistTimeout, err = parseDuration(k, "generation.persist.timeout", "2m")
	if err != nil {
		return nil, err
	}

	// The write deadline defaults to one minute past the longest request.
	defaultWrite := cfg.Generation.RequestBudget() + time.Minute
	cfg.Server.WriteTimeout, err = parseDuration(k, "server.write.timeout", defaultWrite.String())
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseDuration(k *koanf.Koanf, key, def string) (time.Duration, error) {
	s := k.String(key)
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
