package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/quizforge/quizforge/internal/checkout"
	"github.com/quizforge/quizforge/internal/llm"
	"github.com/quizforge/quizforge/internal/quizapi"
	"github.com/quizforge/quizforge/internal/quizgen"
	"github.com/quizforge/quizforge/internal/store/gormstore"
	"github.com/quizforge/quizforge/internal/store/pgstore"
	"github.com/quizforge/quizforge/pkg/credits"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagGeminiAPIKey        = "gemini-api-key"
	flagGeminiModel         = "gemini-model"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripePriceID       = "stripe-price-id"
	flagAppBaseURL          = "app-base-url"
	flagStoreBackend        = "store-backend"

	defaultDatabaseURL  = "sqlite://quizforge.db"
	defaultListenAddr   = ":9090"
	defaultStoreBackend = "gorm"
)

type runtimeConfig struct {
	DatabaseURL         string
	StoreBackend        string
	ListenAddr          string
	AllowedOrigins      string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	GeminiAPIKey        string
	GeminiModel         string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string
	AppBaseURL          string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quizd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "quizd",
		Short:         "PDF quiz generation API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "JWT session signing key")
	cmd.Flags().String(flagSessionIssuer, "", "JWT session issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagGeminiAPIKey, "", "Gemini API key")
	cmd.Flags().String(flagGeminiModel, "", "Gemini model override")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret key")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagStripePriceID, "", "Stripe price id for the credit package")
	cmd.Flags().String(flagAppBaseURL, "", "public app base URL for checkout redirects")
	cmd.Flags().String(flagStoreBackend, defaultStoreBackend, "credit store backend: gorm or pgx")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:         "DATABASE_URL",
		flagListenAddr:          "LISTEN_ADDR",
		flagAllowedOrigins:      "ALLOWED_ORIGINS",
		flagSessionSigningKey:   "SESSION_SIGNING_KEY",
		flagSessionIssuer:       "SESSION_ISSUER",
		flagSessionCookieName:   "SESSION_COOKIE_NAME",
		flagGeminiAPIKey:        "GEMINI_API_KEY",
		flagGeminiModel:         "GEMINI_MODEL",
		flagStripeSecretKey:     "STRIPE_SECRET_KEY",
		flagStripeWebhookSecret: "STRIPE_WEBHOOK_SECRET",
		flagStripePriceID:       "STRIPE_PRICE_ID",
		flagAppBaseURL:          "APP_BASE_URL",
		flagStoreBackend:        "STORE_BACKEND",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString("listen_addr")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.SessionIssuer = viper.GetString("session_issuer")
	cfg.SessionCookieName = viper.GetString("session_cookie_name")
	cfg.GeminiAPIKey = viper.GetString("gemini_api_key")
	cfg.GeminiModel = viper.GetString("gemini_model")
	cfg.StripeSecretKey = viper.GetString("stripe_secret_key")
	cfg.StripeWebhookSecret = viper.GetString("stripe_webhook_secret")
	cfg.StripePriceID = viper.GetString("stripe_price_id")
	cfg.AppBaseURL = viper.GetString("app_base_url")
	cfg.StoreBackend = viper.GetString("store_backend")
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("gemini api key is required")
	}
	if cfg.StoreBackend != "gorm" && cfg.StoreBackend != "pgx" {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditsService, err := credits.NewService(store, clock,
		credits.WithOperationLogger(quizapi.NewOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}

	provider, err := llm.NewGeminiProvider(ctx, llm.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiModel,
	})
	if err != nil {
		return fmt.Errorf("gemini provider init: %w", err)
	}
	quizService, err := quizgen.NewService(creditsService, provider)
	if err != nil {
		return fmt.Errorf("quiz service init: %w", err)
	}

	deps := quizapi.Dependencies{
		Logger:        logger,
		Credits:       creditsService,
		QuizGenerator: quizService,
	}
	if cfg.StripeSecretKey != "" {
		gateway, gatewayErr := checkout.NewStripeGateway(checkout.Config{
			SecretKey:  cfg.StripeSecretKey,
			AppBaseURL: cfg.AppBaseURL,
		})
		if gatewayErr != nil {
			return fmt.Errorf("checkout gateway init: %w", gatewayErr)
		}
		deps.Checkout = gateway
	}
	if cfg.StripeWebhookSecret != "" {
		verifier, verifierErr := checkout.NewWebhookVerifier(cfg.StripeWebhookSecret)
		if verifierErr != nil {
			return fmt.Errorf("webhook verifier init: %w", verifierErr)
		}
		deps.WebhookVerifier = verifier
	}

	apiConfig := quizapi.Config{
		ListenAddr:          cfg.ListenAddr,
		AllowedOrigins:      quizapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey:   cfg.SessionSigningKey,
		SessionIssuer:       cfg.SessionIssuer,
		SessionCookieName:   cfg.SessionCookieName,
		GeminiAPIKey:        cfg.GeminiAPIKey,
		GeminiModel:         cfg.GeminiModel,
		StripeSecretKey:     cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		StripePriceID:       cfg.StripePriceID,
		AppBaseURL:          cfg.AppBaseURL,
	}
	return quizapi.Run(ctx, apiConfig, deps)
}

// openStore selects the persistence backend. The gorm backend covers
// both sqlite and postgres and automigrates sqlite schemas; the pgx
// backend talks to postgres directly and expects the schema to be
// managed externally.
func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func() error, error) {
	if cfg.StoreBackend == "pgx" {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("pgx store backend requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return store, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "quizforge.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
