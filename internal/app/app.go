// Package app はサブコマンドの解析と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/puppybell/internal/auth"
	"github.com/hitoshi/puppybell/internal/config"
	"github.com/hitoshi/puppybell/internal/database"
	"github.com/hitoshi/puppybell/internal/handler"
	"github.com/hitoshi/puppybell/internal/interaction"
	"github.com/hitoshi/puppybell/internal/logger"
	"github.com/hitoshi/puppybell/internal/metrics"
	"github.com/hitoshi/puppybell/internal/middleware"
	"github.com/hitoshi/puppybell/internal/pairing"
	"github.com/hitoshi/puppybell/internal/profile"
	"github.com/hitoshi/puppybell/internal/repository"
	"github.com/hitoshi/puppybell/internal/security"
	"github.com/hitoshi/puppybell/internal/worker/cleanup"
	"github.com/hitoshi/puppybell/internal/worker/delivery"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandProvision:
		return runProvision(cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// openStore はSTORE_DRIVERに応じたストアを開く。
// 返却するclose関数は呼び出し側で必ず実行すること。
func openStore(cfg *config.Config) (repository.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := database.Open(cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("driver", cfg.StoreDriver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	dialect := repository.DialectPostgres
	if cfg.StoreDriver == config.StoreDriverSQLite {
		dialect = repository.DialectSQLite
	}
	return repository.NewSQLStore(db, dialect), func() { db.Close() }, nil
}

// newMetrics はMETRICS_ENABLEDに応じてメトリクスのコレクタと公開用ハンドラーを返す。
// 無効の場合はハンドラーがnilになる。
func newMetrics(cfg *config.Config) (metrics.MetricsCollector, http.Handler) {
	if !cfg.MetricsEnabled {
		return metrics.NopCollector{}, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), metrics.Handler(reg)
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストア
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. メトリクス
	collector, metricsHandler := newMetrics(cfg)

	// 3. ドメインサービスの初期化
	sanitizer := security.NewLabelSanitizer()
	authService := auth.NewService(
		store.Identities(), store.Sessions(), sanitizer,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)
	profileService := profile.NewService(store.Identities())
	coordinator := pairing.NewCoordinator(store, collector)
	interactionLog := interaction.NewLog(store, sanitizer, collector, interaction.LogConfig{
		OutboxEnabled: cfg.OutboxEnabled(),
	})

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBondRequest),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionFinder:     store.Sessions(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:         slog.Default(),
		RequestTimeout: cfg.RequestTimeout,

		HealthChecker:  store,
		Metrics:        collector,
		MetricsHandler: metricsHandler,

		AuthService: handler.NewAuthServiceAdapter(authService),
		AuthConfig: handler.AuthHandlerConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		ProfileService:     handler.NewProfileServiceAdapter(profileService),
		BondService:        handler.NewBondServiceAdapter(profileService, coordinator),
		InteractionService: handler.NewInteractionServiceAdapter(profileService, interactionLog),
	}

	router := handler.NewRouter(deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// インメモリストアは別プロセスのprovision・workerと共有できないため、同一プロセスで実行する
	if cfg.StoreDriver == config.StoreDriverMemory {
		if err := seedIdentities(ctx, authService, cfg.ProvisionEmails); err != nil {
			return err
		}
		if err := startBackgroundJobs(ctx, cfg, store, collector); err != nil {
			return err
		}
	}

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// Webhook配信スケジューラと保持期間クリーンアップを実行し、
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return fmt.Errorf("worker requires a persistent store (STORE_DRIVER=%s)", cfg.StoreDriver)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := startBackgroundJobs(ctx, cfg, store, metrics.NopCollector{}); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("worker stopped gracefully")
	return nil
}

// startBackgroundJobs はクリーンアップジョブと、WEBHOOK_URLが設定されている場合は配信スケジューラを起動する。
func startBackgroundJobs(ctx context.Context, cfg *config.Config, store repository.Store, collector metrics.MetricsCollector) error {
	cleanupJob := cleanup.NewRetentionJob(store, collector, slog.Default(), cfg.InteractionRetentionDays)
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	if !cfg.OutboxEnabled() {
		slog.Info("WEBHOOK_URL is not set; push delivery is disabled")
		return nil
	}

	guard := security.NewWebhookGuard()
	if err := guard.ValidateWebhookURL(cfg.WebhookURL); err != nil {
		return fmt.Errorf("invalid WEBHOOK_URL: %w", err)
	}

	sender := delivery.NewWebhookSender(guard.NewWebhookClient(cfg.WebhookTimeout), cfg.WebhookURL)
	scheduler := delivery.NewScheduler(store.Deliveries(), sender, collector, slog.Default(), delivery.SchedulerConfig{
		MaxConcurrent: cfg.DeliveryMaxConcurrent,
		MaxAttempts:   cfg.DeliveryMaxAttempts,
	})
	go scheduler.Start(ctx, cfg.DeliveryInterval)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Info("in-memory store has no schema; nothing to migrate")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("driver", cfg.StoreDriver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.StoreDriver, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runProvision はメールアドレスに対応するユーザーを払い出し、セッションIDをログに出力する。
// 引数は <email> [display name...]。
func runProvision(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: provision <email> [display name]")
	}
	if cfg.StoreDriver == config.StoreDriverMemory {
		return fmt.Errorf("provision requires a persistent store (STORE_DRIVER=%s)", cfg.StoreDriver)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	authService := auth.NewService(
		store.Identities(), store.Sessions(), security.NewLabelSanitizer(),
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return provisionOne(ctx, authService, args[0], strings.Join(args[1:], " "))
}

// seedIdentities はPROVISION_EMAILSの各アドレスを払い出し、セッションIDをログに出力する。
// インメモリストアには他に利用者を作成する経路がないため、serve起動時に使用する。
func seedIdentities(ctx context.Context, authService *auth.Service, emails []string) error {
	if len(emails) == 0 {
		slog.Warn("PROVISION_EMAILS is not set; no identity can sign in to the in-memory store")
		return nil
	}
	for _, email := range emails {
		if err := provisionOne(ctx, authService, email, ""); err != nil {
			return err
		}
	}
	return nil
}

func provisionOne(ctx context.Context, authService *auth.Service, email, displayName string) error {
	identity, session, err := authService.Provision(ctx, email, displayName)
	if err != nil {
		return fmt.Errorf("provision failed: %w", err)
	}

	slog.Info("identity provisioned",
		slog.String("user_id", identity.ID),
		slog.String("email", identity.Email),
		slog.String("session_id", session.ID),
		slog.Time("expires_at", session.ExpiresAt),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
