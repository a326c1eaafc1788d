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
	"syscall"
	"time"

	"github.com/hitoshi/connectauth/internal/config"
	"github.com/hitoshi/connectauth/internal/database"
	"github.com/hitoshi/connectauth/internal/edge"
	"github.com/hitoshi/connectauth/internal/handler"
	"github.com/hitoshi/connectauth/internal/logger"
	"github.com/hitoshi/connectauth/internal/middleware"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/transport"
	"github.com/hitoshi/connectauth/internal/worker/cleanup"
	"github.com/hitoshi/connectauth/internal/worker/janitor"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
		slog.String("app_env", cfg.AppEnv),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCreateUser:
		in, err := ParseCreateUserArgs(args[1:])
		if err != nil {
			return err
		}
		return runCreateUser(cfg, in)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := buildComponents(context.Background(), cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.close()

	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSignIn),
	)
	defer rateLimiter.Stop()

	cookie := transport.Cookie{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain}

	deps := &handler.RouterDeps{
		Resolver:          c.authService,
		EdgeVerifier:      edge.NewVerifier(c.tokens.Key(), c.tokens.Leeway(), nil),
		SignInPath:        cfg.SignInPath,
		TokenFailures:     c.collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		HSTS:        cfg.IsProduction(),
		Logger:      slog.Default(),

		AuthService: c.authService,
		AuthConfig:  handler.AuthHandlerConfig{Cookie: cookie},
		UserService: c.authService,

		HealthChecker: c.db,
		Gatherer:      c.registry,
	}

	router := handler.NewRouter(deps)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("backend", string(c.authService.ActiveBackend())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの失効ジョブをスケジュールに従って実行する。
// SESSION_RETENTION_DAYSが設定されていれば、保持期間を過ぎた失効済みセッション行を日次で削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := buildComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.close()

	scheduler, err := janitor.NewScheduler(
		janitor.New(c.authService, slog.Default()),
		cfg.JanitorSchedule,
		slog.Default(),
	)
	if err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	purgeJob := cleanup.NewPurgeJob(c.db, cfg.SessionRetentionDays, slog.Default())

	slog.Info("worker starting",
		slog.String("janitor_schedule", cfg.JanitorSchedule),
		slog.Int("session_retention_days", purgeJob.RetentionDays),
		slog.Bool("session_purge_enabled", purgeJob.Enabled()),
	)

	// 保持日数が設定されている場合のみ、失効済みセッションの削除を日次実行
	if purgeJob.Enabled() {
		go purgeJob.RunDaily(ctx)
	}

	// スケジューラをメインgoroutineで実行（ブロッキング）
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// Localスキーマに加え、MANAGED_DATABASE_URLが設定されていればコンパニオンスキーマも適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if cfg.ManagedDatabaseURL != "" {
		slog.Info("running companion schema migrations",
			slog.String("database_url", maskDatabaseURL(cfg.ManagedDatabaseURL)),
		)
		if err := database.RunCompanionMigrations(cfg.ManagedDatabaseURL); err != nil {
			return fmt.Errorf("companion migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runCreateUser はIdentityを1件作成する。
// Managedが有効な場合はファサード経由、それ以外はLocalバックエンドに直接作成する。
func runCreateUser(cfg *config.Config, in model.NewIdentity) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.AuthCallTimeout)
	defer cancel()

	c, err := buildComponents(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.close()

	var identity *model.Identity
	if c.authService.ActiveBackend() == model.BackendManaged {
		identity, err = c.authService.CreateIdentity(ctx, in)
	} else {
		identity, err = c.local.CreateIdentity(ctx, in)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user created",
		slog.String("identity_id", identity.ID),
		slog.String("email", identity.Email),
		slog.String("role", string(identity.Role)),
		slog.String("backend", string(c.authService.ActiveBackend())),
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
