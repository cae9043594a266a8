package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/api"
	"github.com/Slade66/mediafetch/internal/config"
	"github.com/Slade66/mediafetch/internal/logger"
	"github.com/Slade66/mediafetch/internal/queue"
	"github.com/Slade66/mediafetch/internal/status"
)

func main() {
	flags := pflag.NewFlagSet("api", pflag.ExitOnError)
	configPath := flags.String("config", "", "配置文件路径 (可选)")
	flags.String("api-addr", ":8080", "监听地址")
	flags.String("download-dir", "/app/downloads", "未指定 output_path 时的保存目录")
	flags.String("redis-addr", "localhost:6379", "Redis 地址")
	flags.String("log-level", "info", "日志级别: debug, info, warn, error")
	flags.String("log-format", "console", "日志格式: console, json")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		stdlog.Fatalf("❌ %v", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		stdlog.Fatalf("❌ %v", err)
	}
	defer logger.Sync()
	log := logger.L()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("❌ API 无法连接到 Redis", zap.Error(err))
	}
	defer rdb.Close()
	log.Info("✅ API 成功连接到 Redis", zap.String("addr", cfg.Redis.Addr))

	stream := queue.New(rdb, cfg.Redis.Stream, cfg.Redis.Group, log)
	statusManager := status.NewManager(rdb, log)

	server := api.NewServer(stream, statusManager, api.Options{
		DownloadDir:    cfg.API.DownloadDir,
		FrontendDir:    cfg.API.FrontendDir,
		DefaultThreads: cfg.Worker.DefaultThreads,
	}, log)

	if err := server.Run(ctx, cfg.API.Addr); err != nil {
		log.Fatal("API 服务异常退出", zap.Error(err))
	}
}
