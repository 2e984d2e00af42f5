// Package engine is the application edge: configuration, HTTP routes, and
// the server lifecycle around the billing, session, and usage services.
package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/selahapp/selah-go/internal/session"
)

// Config holds all configuration for the engine.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	AuthJWTSecret string
	AuthIssuer    string
	AdminKey      string

	StripeAPIKey        string
	StripeWebhookSecret string
	PriceSingleItem     string
	PriceAnnualPass     string
	PriceMonthlySub     string

	SessionCap     int
	SignOutPolicy  session.SignOutPolicy
	AbuseThreshold int
	AbuseWindow    time.Duration
	DailyQuota     int64

	PublicMetrics bool
}

// LoadConfig loads engine configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SELAH_PORT", 8080)
	if err != nil {
		return nil, err
	}
	sessionCap, err := envOrDefaultInt("SELAH_SESSION_CAP", 2)
	if err != nil {
		return nil, err
	}
	abuseThreshold, err := envOrDefaultInt("SELAH_ABUSE_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}
	abuseWindowHours, err := envOrDefaultInt("SELAH_ABUSE_WINDOW_HOURS", 24)
	if err != nil {
		return nil, err
	}
	dailyQuota, err := envOrDefaultInt64("SELAH_DAILY_QUOTA", 200)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("SELAH_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("SELAH_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AuthJWTSecret:       strings.TrimSpace(os.Getenv("SELAH_AUTH_JWT_SECRET")),
		AuthIssuer:          envOrDefault("SELAH_AUTH_ISSUER", "selah-auth"),
		AdminKey:            strings.TrimSpace(os.Getenv("SELAH_ADMIN_KEY")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PriceSingleItem:     strings.TrimSpace(os.Getenv("SELAH_PRICE_SINGLE_ITEM")),
		PriceAnnualPass:     strings.TrimSpace(os.Getenv("SELAH_PRICE_ANNUAL_PASS")),
		PriceMonthlySub:     strings.TrimSpace(os.Getenv("SELAH_PRICE_MONTHLY_SUB")),
		SessionCap:          sessionCap,
		SignOutPolicy:       session.SignOutPolicy(envOrDefault("SELAH_SIGNOUT_POLICY", string(session.SignOutFreesSlot))),
		AbuseThreshold:      abuseThreshold,
		AbuseWindow:         time.Duration(abuseWindowHours) * time.Hour,
		DailyQuota:          dailyQuota,
		PublicMetrics:       envOrDefault("SELAH_PUBLIC_METRICS", "false") == "true",
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate engine config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AuthJWTSecret == "" {
		missing = append(missing, "SELAH_AUTH_JWT_SECRET")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.AdminKey == "" {
		missing = append(missing, "SELAH_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SELAH_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SessionCap < 1 {
		return fmt.Errorf("SELAH_SESSION_CAP must be at least 1, got %d", c.SessionCap)
	}
	if c.AbuseThreshold < 1 {
		return fmt.Errorf("SELAH_ABUSE_THRESHOLD must be at least 1, got %d", c.AbuseThreshold)
	}
	if c.AbuseWindow <= 0 {
		return fmt.Errorf("SELAH_ABUSE_WINDOW_HOURS must be positive")
	}
	if c.DailyQuota < 1 {
		return fmt.Errorf("SELAH_DAILY_QUOTA must be at least 1, got %d", c.DailyQuota)
	}
	if !c.SignOutPolicy.Valid() {
		return fmt.Errorf("SELAH_SIGNOUT_POLICY must be %q or %q, got %q",
			session.SignOutFreesSlot, session.SignOutDemotes, c.SignOutPolicy)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}
