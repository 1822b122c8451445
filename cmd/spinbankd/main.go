package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/spinbank/internal/adminconfig"
	"github.com/MarkoPoloResearchLab/spinbank/internal/gateway"
	"github.com/MarkoPoloResearchLab/spinbank/internal/httpapi"
	"github.com/MarkoPoloResearchLab/spinbank/internal/notify"
	"github.com/MarkoPoloResearchLab/spinbank/internal/reconcile"
	"github.com/MarkoPoloResearchLab/spinbank/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/spinbank/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/spin"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	configKeyDatabaseURL  = "database_url"
	configKeyListenAddr   = "listen_addr"
	configKeyOrigins      = "allowed_origins"
	configKeySessionKey   = "session_signing_key"
	configKeyOutcomeKey   = "outcome_signing_secret"
	configKeyTrustClient  = "trust_client_outcomes"
	configKeyExchangeRate = "exchange_rate"
	configKeyCurrency     = "settlement_currency"
	configKeyRelworxURL   = "relworx_base_url"
	configKeyRelworxKey   = "relworx_api_key"
	configKeyRelworxAcct  = "relworx_account_no"
	configKeyWebhookKey   = "relworx_webhook_secret"
	configKeySMSBaseURL   = "sms_base_url"
	configKeySMSAPIKey    = "sms_api_key"
	configKeySMSUsername  = "sms_username"
	configKeySMSSenderID  = "sms_sender_id"
	defaultDatabaseURL    = "sqlite:///tmp/spinbank.db"
	defaultListenAddr     = ":8080"
)

type runtimeConfig struct {
	DatabaseURL          string
	ListenAddr           string
	AllowedOrigins       string
	SessionSigningKey    string
	OutcomeSigningSecret string
	TrustClientOutcomes  bool
	ExchangeRate         string
	SettlementCurrency   string
	RelworxBaseURL       string
	RelworxAPIKey        string
	RelworxAccountNo     string
	RelworxWebhookSecret string
	SMSBaseURL           string
	SMSAPIKey            string
	SMSUsername          string
	SMSSenderID          string
}

func main() {
	_ = godotenv.Load()
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "spinbankd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "spinbankd",
		Short:         "Credit-based slot game backend",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:  "DATABASE_URL",
		configKeyListenAddr:   "HTTP_LISTEN_ADDR",
		configKeyOrigins:      "ALLOWED_ORIGINS",
		configKeySessionKey:   "SESSION_SIGNING_KEY",
		configKeyOutcomeKey:   "OUTCOME_SIGNING_SECRET",
		configKeyTrustClient:  "TRUST_CLIENT_OUTCOMES",
		configKeyExchangeRate: "EXCHANGE_RATE",
		configKeyCurrency:     "SETTLEMENT_CURRENCY",
		configKeyRelworxURL:   "RELWORX_BASE_URL",
		configKeyRelworxKey:   "RELWORX_API_KEY",
		configKeyRelworxAcct:  "RELWORX_ACCOUNT_NO",
		configKeyWebhookKey:   "RELWORX_WEBHOOK_SECRET",
		configKeySMSBaseURL:   "SMS_BASE_URL",
		configKeySMSAPIKey:    "SMS_API_KEY",
		configKeySMSUsername:  "SMS_USERNAME",
		configKeySMSSenderID:  "SMS_SENDER_ID",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyOrigins, cmd.Flags().Lookup(flagAllowedOrigins)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionKey)
	cfg.OutcomeSigningSecret = viper.GetString(configKeyOutcomeKey)
	cfg.TrustClientOutcomes = viper.GetBool(configKeyTrustClient)
	cfg.ExchangeRate = viper.GetString(configKeyExchangeRate)
	cfg.SettlementCurrency = viper.GetString(configKeyCurrency)
	cfg.RelworxBaseURL = viper.GetString(configKeyRelworxURL)
	cfg.RelworxAPIKey = viper.GetString(configKeyRelworxKey)
	cfg.RelworxAccountNo = viper.GetString(configKeyRelworxAcct)
	cfg.RelworxWebhookSecret = viper.GetString(configKeyWebhookKey)
	cfg.SMSBaseURL = viper.GetString(configKeySMSBaseURL)
	cfg.SMSAPIKey = viper.GetString(configKeySMSAPIKey)
	cfg.SMSUsername = viper.GetString(configKeySMSUsername)
	cfg.SMSSenderID = viper.GetString(configKeySMSSenderID)

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.OutcomeSigningSecret == "" {
		return fmt.Errorf("outcome signing secret is required")
	}
	if cfg.RelworxBaseURL == "" || cfg.RelworxAPIKey == "" {
		return fmt.Errorf("relworx base url and api key are required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(ctx, gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)

	// Postgres deployments keep the money path on raw SQL; the catalog,
	// player directory, and admin config stay on gorm either way.
	var bankStore bank.Store = store
	if driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		defer pool.Close()
		bankStore = pgstore.New(pool)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	bankService, err := bank.NewService(bankStore, clock, bank.WithOperationLogger(operationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("bank service init: %w", err)
	}

	engine, err := spin.NewEngine(newLockedRandom(), []byte(cfg.OutcomeSigningSecret))
	if err != nil {
		return fmt.Errorf("spin engine init: %w", err)
	}

	adminConfigService, err := adminconfig.NewService(store, logger)
	if err != nil {
		return fmt.Errorf("admin config init: %w", err)
	}

	relworxClient, err := gateway.NewRelworxClient(gateway.RelworxConfig{
		BaseURL:       cfg.RelworxBaseURL,
		APIKey:        cfg.RelworxAPIKey,
		AccountNumber: cfg.RelworxAccountNo,
		WebhookSecret: cfg.RelworxWebhookSecret,
	}, logger)
	if err != nil {
		return fmt.Errorf("relworx client init: %w", err)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.SMSBaseURL != "" && cfg.SMSAPIKey != "" {
		notifier, err = notify.NewSMSNotifier(notify.SMSConfig{
			BaseURL:  cfg.SMSBaseURL,
			APIKey:   cfg.SMSAPIKey,
			Username: cfg.SMSUsername,
			SenderID: cfg.SMSSenderID,
		}, logger)
		if err != nil {
			return fmt.Errorf("sms notifier init: %w", err)
		}
	}

	workerConfig := reconcile.Config{
		SettlementCurrency: cfg.SettlementCurrency,
		DepositNote:        "Spinbank deposit",
		WithdrawalNote:     "Spinbank withdrawal",
	}
	if cfg.ExchangeRate != "" {
		rate, err := decimal.NewFromString(cfg.ExchangeRate)
		if err != nil {
			return fmt.Errorf("parse exchange rate: %w", err)
		}
		workerConfig.ExchangeRate = rate
	}
	worker, err := reconcile.New(bankService, relworxClient, store, notifier, logger, workerConfig)
	if err != nil {
		return fmt.Errorf("reconcile worker init: %w", err)
	}
	go worker.Run(ctx)

	apiConfig := httpapi.Config{
		ListenAddr:          cfg.ListenAddr,
		AllowedOrigins:      httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey:   cfg.SessionSigningKey,
		TrustClientOutcomes: cfg.TrustClientOutcomes,
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Deps{
		Logger:      logger,
		Bank:        bankService,
		Engine:      engine,
		AdminConfig: adminConfigService,
		Machines:    store,
		Players:     store,
		Dispatch:    worker,
	})
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{TranslateError: true}
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
			path = "spinbank.db"
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

func prepareSchema(ctx context.Context, db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		// Postgres schemas are managed by the migrate binary.
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return seedMachines(ctx, db)
}

// seedMachines inserts a starter machine so a fresh sqlite database is
// immediately playable.
func seedMachines(ctx context.Context, db *gorm.DB) error {
	var count int64
	if err := db.WithContext(ctx).Model(&gormstore.Machine{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count machines: %w", err)
	}
	if count > 0 {
		return nil
	}
	paytable := []spin.PaytableEntry{
		{ID: "cherry", Multiplier: 2},
		{ID: "lemon", Multiplier: 3},
		{ID: "orange", Multiplier: 5},
		{ID: "bell", Multiplier: 8},
		{ID: "bar", Multiplier: 10},
		{ID: "seven", Multiplier: 20},
		{ID: "diamond", Multiplier: 50},
	}
	rawPaytable, err := json.Marshal(paytable)
	if err != nil {
		return fmt.Errorf("marshal paytable: %w", err)
	}
	machine := gormstore.Machine{
		Name:       "Neon Classic",
		Paytable:   rawPaytable,
		RTP:        adminconfig.DefaultTargetRTP,
		Volatility: "medium",
		Active:     true,
	}
	if err := db.WithContext(ctx).Create(&machine).Error; err != nil {
		return fmt.Errorf("seed machine: %w", err)
	}
	return nil
}

type operationLogger struct {
	logger *zap.Logger
}

func (adapter operationLogger) LogOperation(_ context.Context, entry bank.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("player_id", entry.PlayerID),
		zap.String("transaction_id", entry.TransactionID),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		adapter.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

// lockedRandom guards a math/rand source for concurrent spins.
type lockedRandom struct {
	mu     sync.Mutex
	random *rand.Rand
}

func newLockedRandom() *lockedRandom {
	return &lockedRandom{random: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (source *lockedRandom) Float64() float64 {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.random.Float64()
}

func (source *lockedRandom) Intn(n int) int {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.random.Intn(n)
}
