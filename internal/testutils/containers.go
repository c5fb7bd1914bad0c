// Package testutils 提供測試用的共用工具。
//
// 本套件管理 PostgreSQL 測試容器（testcontainers）：
// 啟動容器、執行遷移、測試結束自動清理。
// Docker 不可用時跳過測試（不是失敗）。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/storage"
)

// PostgresEnv 封裝 PostgreSQL 測試環境
type PostgresEnv struct {
	Pool      *pgxpool.Pool
	DSN       string
	Container tc.Container
	Logger    *slog.Logger
}

// Logger 測試用 logger（只顯示錯誤，減少噪音）
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// SetupPostgres 啟動 PostgreSQL 測試容器並執行遷移
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupPostgres(t)
//	    store := storage.NewPostgres(env.Pool, idgen)
//	}
func SetupPostgres(t testing.TB) *PostgresEnv {
	t.Helper()

	if os.Getenv("SKIP_CONTAINER_TESTS") != "" {
		t.Skip("SKIP_CONTAINER_TESTS is set")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("matchmaking_test"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("failed to start postgres container (docker unavailable?): %v", err)
	}

	env := &PostgresEnv{Container: pgContainer, Logger: Logger()}

	t.Cleanup(func() {
		if env.Pool != nil {
			env.Pool.Close()
		}
		_ = pgContainer.Terminate(ctx)
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.DSN = dsn

	// 執行遷移（與生產相同的嵌入遷移檔）
	if err := storage.Migrate(dsn, env.Logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	env.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}

	if err := env.Pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	return env
}
