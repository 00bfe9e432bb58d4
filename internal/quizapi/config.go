package quizapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr          = ":9090"
	defaultAllowedOrigin       = "http://localhost:3000"
	defaultSessionIssuer       = "quizforge"
	defaultSessionCookie       = "qf_session"
	defaultAppBaseURL          = "http://localhost:3000"
	settlementPackage    int64 = 100
	bootstrapCredits     int64 = 10
	historyLimit               = 20
)

// Config aggregates runtime settings for the quiz API.
type Config struct {
	ListenAddr          string
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	GeminiAPIKey        string
	GeminiModel         string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string
	AppBaseURL          string
	GenerationTimeout   time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AppBaseURL = defaultIfEmpty(cfg.AppBaseURL, defaultAppBaseURL)
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 90 * time.Second
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.SessionIssuer) == "" {
		return fmt.Errorf("jwt issuer is required")
	}
	if strings.TrimSpace(cfg.SessionCookieName) == "" {
		return fmt.Errorf("jwt cookie name is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// SettlementPackageCredits returns the credits granted per settled
// checkout session.
func SettlementPackageCredits() int64 {
	return settlementPackage
}

// BootstrapCredits returns the starter grant for first-time accounts.
func BootstrapCredits() int64 {
	return bootstrapCredits
}

// HistoryLimit returns how many settlement records the wallet view fetches.
func HistoryLimit() int {
	return historyLimit
}
