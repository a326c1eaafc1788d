package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/connectauth/internal/auth"
	"github.com/hitoshi/connectauth/internal/config"
	"github.com/hitoshi/connectauth/internal/credential"
	"github.com/hitoshi/connectauth/internal/database"
	"github.com/hitoshi/connectauth/internal/metrics"
	"github.com/hitoshi/connectauth/internal/provider"
	"github.com/hitoshi/connectauth/internal/repository"
	"github.com/hitoshi/connectauth/internal/store"
	"github.com/hitoshi/connectauth/internal/token"
)

// components はserve/worker/create-userで共有する依存関係。
type components struct {
	db        *sql.DB
	companion *pgxpool.Pool // MANAGED_DATABASE_URL未設定の場合はnil

	tokens   *token.Service
	provider *provider.Client
	local    *store.LocalStore
	managed  store.Store

	registry  *prometheus.Registry
	collector *metrics.Collector

	authService *auth.Service
}

// close は開いた接続をすべて閉じる。
func (c *components) close() {
	if c.companion != nil {
		c.companion.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// buildComponents はConfigから認証ファサードまでの依存関係を組み立てる。
// 呼び出し元は不要になった時点でcloseを呼ぶこと。
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	// 1. Local DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.db = db
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established")

	// 2. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.collector = metrics.NewCollector(c.registry)

	// 3. トークンと資格情報
	c.tokens, err = token.NewService(token.Config{
		Key:    []byte(cfg.JWTSecret),
		Leeway: cfg.TokenClockSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	codec := credential.NewCodec(cfg.BcryptCost)

	accounts, err := config.LoadOperatorAccounts(cfg.OperatorAccountsFile)
	if err != nil {
		return nil, err
	}
	operators, err := store.NewOperatorList(accounts)
	if err != nil {
		return nil, fmt.Errorf("invalid operator accounts: %w", err)
	}

	// 4. Localバックエンド
	c.local = store.NewLocalStore(store.LocalConfig{
		Identities: repository.NewPostgresIdentityRepo(db),
		Sessions:   repository.NewPostgresSessionRepo(db),
		Codec:      codec,
		Tokens:     c.tokens,
		Operators:  operators,
		Logger:     logger,
	})

	// 5. Managedバックエンド
	c.provider = provider.NewClient(provider.Config{
		BaseURL:    cfg.ManagedAuthURL,
		AnonKey:    cfg.ManagedAuthAnonKey,
		ServiceKey: cfg.ManagedAuthServiceKey,
		HTTPClient: &http.Client{Timeout: cfg.ProviderTimeout},
	}, logger)
	schemaless := store.NewSchemalessStore(c.provider, c.tokens, nil)

	if cfg.ManagedDatabaseURL != "" {
		c.companion, err = database.OpenCompanion(ctx, cfg.ManagedDatabaseURL)
		if err != nil {
			return nil, err
		}
		managed := store.NewManagedStore(store.ManagedConfig{
			Provider:  c.provider,
			Companion: repository.NewCompanionRepo(c.companion),
			Tokens:    c.tokens,
			Logger:    logger,
		})
		c.managed = store.NewFallbackStore(managed, schemaless, logger, c.collector)
	} else {
		// コンパニオンスキーマを使わない構成では最初から縮退モードで動く
		c.managed = schemaless
	}

	logger.Info("authentication backends configured",
		slog.Bool("managed_configured", c.provider.Configured()),
		slog.Bool("companion_schema", c.companion != nil),
		slog.Int("operator_accounts", operators.Len()),
	)

	// 6. 認証ファサード
	c.authService = auth.NewService(auth.Config{
		Local:     c.local,
		Managed:   c.managed,
		Provider:  c.provider,
		Toggle:    config.EnvToggle{},
		LocalPing: db.PingContext,
		Timeout:   cfg.AuthCallTimeout,
		Metrics:   c.collector,
		Logger:    logger,
	})

	ok = true
	return c, nil
}
