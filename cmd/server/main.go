// 配對與對局伺服器的啟動入口。
//
// 啟動流程：載入配置 → 設定日誌 → 建立存儲（記憶體或 PostgreSQL，
// 後者含遷移與連接池）→ 啟動 TCP 伺服器與（可選的）WebSocket 入口
// → 等待停機信號。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/server"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/storage"
	"github.com/koopa0/system-design/14-game-matchmaking/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔案路徑")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 設定日誌
	var logger *slog.Logger
	if config.Log.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(config.Log.Level),
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(config.Log.Level),
		}))
	}
	slog.SetDefault(logger)

	idgen, err := snowflake.NewGenerator(config.Storage.MachineID)
	if err != nil {
		logger.Error("failed to create id generator", "error", err)
		os.Exit(1)
	}

	// 建立存儲
	store, err := buildStore(config, idgen, logger)
	if err != nil {
		logger.Error("failed to build store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := server.New(config, store, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	// WebSocket 入口（配置了位址才啟用）
	var gateway *server.WSGateway
	if config.Server.WSListenAddr != "" {
		gateway = server.NewWSGateway(srv, logger)
		if err := gateway.Start(config.Server.WSListenAddr); err != nil {
			logger.Error("failed to start websocket gateway", "error", err)
			srv.Stop()
			os.Exit(1)
		}
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received", "signal", sig)

	if gateway != nil {
		gateway.Stop()
	}
	srv.Stop()

	logger.Info("server stopped")
}

// buildStore 依配置建立存儲後端
func buildStore(config *server.Config, idgen *snowflake.Generator, logger *slog.Logger) (storage.Store, error) {
	switch config.Storage.Driver {
	case "memory":
		logger.Info("using in-memory store")
		return storage.NewMemory(idgen), nil

	case "postgres":
		dsn := config.PostgresDSN()

		// 先遷移再建池
		if err := storage.Migrate(dsn, logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}

		pgConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = config.Storage.Postgres.MaxConns
		pgConfig.MinConns = config.Storage.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(context.Background(), pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(context.Background()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}

		logger.Info("using postgres store", "max_conns", pgConfig.MaxConns)
		return storage.NewPostgres(pool, idgen), nil

	default:
		return nil, fmt.Errorf("unknown storage driver: %q", config.Storage.Driver)
	}
}

// parseLogLevel 解析日誌級別
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
