package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/config"
	"github.com/Slade66/mediafetch/internal/logger"
	"github.com/Slade66/mediafetch/internal/queue"
	"github.com/Slade66/mediafetch/internal/status"
	"github.com/Slade66/mediafetch/internal/uploader"
	"github.com/Slade66/mediafetch/internal/worker"
)

// main 是程序的总入口
func main() {
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
	configPath := flags.String("config", "", "配置文件路径 (可选)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化 Redis
	rdb, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("❌ Worker 无法连接到 Redis", zap.Error(err))
	}
	defer rdb.Close()
	log.Info("✅ Worker 成功连接到 Redis", zap.String("addr", cfg.Redis.Addr))

	stream := queue.New(rdb, cfg.Redis.Stream, cfg.Redis.Group, log)
	// 确保消费者组存在
	if err := stream.EnsureGroup(ctx); err != nil {
		log.Fatal("❌ 无法创建消费者组", zap.Error(err))
	}

	// 初始化 Status Manager
	statusManager := status.NewManager(rdb, log)

	opts := []worker.Option{worker.WithLogger(log)}

	// 初始化 OBS Uploader，未配置时只下载不上传
	if cfg.OBS.Enabled() {
		obsUploader, err := uploader.NewObsUploader(cfg.OBS.Endpoint, cfg.OBS.AK, cfg.OBS.SK, cfg.OBS.Bucket, log)
		if err != nil {
			log.Fatal("❌ 初始化 OBS Uploader 失败", zap.Error(err))
		}
		defer obsUploader.Close() // 确保程序退出时关闭客户端
		opts = append(opts, worker.WithUploader(obsUploader))
		log.Info("✅ OBS Uploader 初始化成功", zap.String("bucket", cfg.OBS.Bucket))
	} else {
		log.Warn("OBS 配置不完整 (OBS_ENDPOINT, OBS_AK, OBS_SK, OBS_BUCKET)，下载完成后不会上传")
	}

	d := cfg.Download
	p := worker.New(stream, statusManager, worker.Settings{
		Consumer:          cfg.Worker.Consumer,
		DefaultThreads:    cfg.Worker.DefaultThreads,
		MaxThreads:        cfg.Worker.MaxThreads,
		BufferSize:        int(d.BufferSizeBytes),
		Timeout:           d.TimeoutDuration,
		Deadline:          d.DeadlineDuration,
		Retries:           d.Retries,
		RetryBackoff:      d.RetryBackoffDelay,
		FailFast:          d.FailFast,
		RemoveAfterUpload: cfg.Worker.RemoveAfter,
	}, opts...)

	// 启动主处理循环，开始工作
	if err := p.Run(ctx); err != nil {
		log.Fatal("Worker 异常退出", zap.Error(err))
	}
}
