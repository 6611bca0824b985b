package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Providers fetch staged artifacts from this address, so it must be absolute.
	if u, err := url.Parse(c.Server.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.Server.PublicBaseURL))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	if c.Generation.MaxPollAttempts < 1 {
		errs = append(errs, "GENERATION_MAX_POLL_ATTEMPTS must be positive")
	}
	if c.Generation.FreeDailyAllotment < 0 {
		errs = append(errs, "GENERATION_FREE_DAILY_ALLOTMENT must not be negative")
	}

	if c.Generation.SubmitTimeout <= 0 || c.Generation.PollTimeout <= 0 || c.Generation.PersistTimeout <= 0 {
		errs = append(errs, "GENERATION_SUBMIT_TIMEOUT, GENERATION_POLL_TIMEOUT and GENERATION_PERSIST_TIMEOUT must be positive")
	}

	// A request stays open until its result is stored and settled; the write
	// deadline must outlive that or the client loses a result it was charged for.
	budget := c.Generation.RequestBudget()
	if c.Server.WriteTimeout <= budget {
		errs = append(errs, fmt.Sprintf("SERVER_WRITE_TIMEOUT (%s) must exceed the generation request budget (%s)", c.Server.WriteTimeout, budget))
	}

	if c.NanoBanana.APIKey == "" && c.OpenAI.APIKey == "" {
		errs = append(errs, "at least one of NANO_BANANA_API_KEY or OPENAI_API_KEY is required")
	}

	// Payments and webhook auth: warn only
	if c.Lava.ShopID == "" || c.Lava.SecretKey == "" {
		slog.Warn("LAVA_SHOP_ID or LAVA_SECRET_KEY is empty, purchases will fail")
	}
	if c.Lava.WebhookSecret == "" {
		slog.Warn("LAVA_WEBHOOK_SECRET is empty, payment webhooks are not authenticated")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
