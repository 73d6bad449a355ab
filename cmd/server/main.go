package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/room-coordinator/internal"
	"github.com/koopa0/system-design/room-coordinator/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 解析命令行參數
	configPath := flag.String("config", "", "配置檔案路徑（空白則使用默認值）")
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	// 設置日誌
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	// Presence Registry
	presence, closePresence, err := setupPresence(cfg, log)
	if err != nil {
		return err
	}
	defer closePresence()

	allocator, err := internal.NewAllocator(presence, cfg.Allocator, log)
	if err != nil {
		return err
	}

	// 生命週期事件
	notifier, closeNotifier, err := setupNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	// 創建 WebSocket Hub（同時是房間的 Transport）
	hub := internal.NewWebSocketHub(cfg.WebSocket, log)

	// 創建房間管理器
	manager := internal.NewManager(cfg.Room, allocator, log,
		internal.WithTransport(hub),
		internal.WithNotifier(notifier))

	// 創建 HTTP 處理器
	handler := internal.NewHandler(manager, hub, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("房間協調服務啟動",
			"port", cfg.Server.Port,
			"presence", cfg.Presence.Driver,
			"nats", cfg.NATS.Enabled)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("收到關閉信號，開始優雅關閉...")
	case err := <-errCh:
		log.Error("服務器啟動失敗", "error", err)
		return err
	}

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 銷毀所有房間（釋放 Registry 中的房間 ID）
	manager.Stop(ctx)

	// 停止 WebSocket Hub
	hub.Stop()

	log.Info("服務器已關閉")
	return nil
}

// setupPresence 依配置選擇 Presence Registry
func setupPresence(cfg *internal.Config, log *slog.Logger) (internal.Presence, func(), error) {
	switch cfg.Presence.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		presence := internal.NewRedisPresence(client, cfg.Presence.KeyPrefix)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := presence.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}

		log.Info("Redis 連接成功", "addr", cfg.Redis.Addr)
		return presence, func() { _ = client.Close() }, nil

	default:
		log.Warn("使用進程內 Presence Registry，房間 ID 只在單一進程內唯一")
		return internal.NewMemoryPresence(), func() {}, nil
	}
}

// setupNotifier 依配置啟用 NATS 事件發布
func setupNotifier(cfg *internal.Config, log *slog.Logger) (internal.Notifier, func(), error) {
	if !cfg.NATS.Enabled {
		return internal.NopNotifier{}, func() {}, nil
	}

	url := cfg.NATS.URL
	var embedded *server.Server
	if cfg.NATS.Embedded {
		ns, err := internal.StartEmbeddedNATS("127.0.0.1", -1, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		embedded = ns
		url = ns.ClientURL()
		log.Info("進程內 NATS 已啟動", "url", url)
	}

	notifier, err := internal.NewNATSNotifier(url, cfg.NATS.SubjectPrefix)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}

	log.Info("NATS 連接成功", "url", url, "subject_prefix", cfg.NATS.SubjectPrefix)
	return notifier, func() {
		notifier.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}, nil
}
