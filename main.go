// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/client"
	"github.com/Slade66/mediafetch/internal/config"
	"github.com/Slade66/mediafetch/internal/downloader"
	"github.com/Slade66/mediafetch/internal/logger"
	"github.com/Slade66/mediafetch/pkg/fileinfo"
)

// 退出码
const (
	exitOK         = 0
	exitOther      = 1
	exitConfig     = 2
	exitProbe      = 3
	exitFetch      = 4
	exitFilesystem = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	var (
		urlStr     string
		output     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:           "mediafetch [url]",
		Short:         "多线程分片下载 HTTP 文件",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if urlStr == "" && len(args) == 1 {
				urlStr = args[0]
			}
			if urlStr == "" {
				_ = cmd.Usage()
				return fmt.Errorf("%w: --url 参数是必须的", downloader.ErrConfiguration)
			}

			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("%w: %w", downloader.ErrConfiguration, err)
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
				return fmt.Errorf("%w: %w", downloader.ErrConfiguration, err)
			}
			defer logger.Sync()

			return run(cmd.Context(), cfg, urlStr, output)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&urlStr, "url", "u", "", "要下载的文件的 URL (必须)")
	f.StringVarP(&output, "output", "o", "", "文件保存路径 (如果为空，则从URL中自动提取)")
	f.StringVarP(&configPath, "config", "c", "", "配置文件路径 (可选)")
	f.IntP("workers", "w", downloader.DefaultWorkers, "下载时使用的线程数")
	f.String("chunk-size", "4MiB", "每个分片的大小，必须是 1KiB 的整数倍")
	f.String("buffer-size", "", "每次读取的缓冲区大小，默认取分片大小和 1MiB 中较小的一个")
	f.String("timeout", "10s", "等待服务器响应的超时时间")
	f.String("deadline", "0s", "整个下载的最长时间，0 表示不限制")
	f.Int("retries", 0, "每个分片失败后的重试次数")
	f.Bool("fail-fast", false, "任意分片失败时立即取消其余分片")
	f.Bool("progress", true, "显示进度条")
	f.Bool("auto-chunk", false, "根据文件大小自动计算分片大小")
	f.String("log-level", "info", "日志级别: debug, info, warn, error")
	f.String("log-format", "console", "日志格式: console, json")

	return cmd
}

// run 执行一次下载
func run(ctx context.Context, cfg *config.Config, urlStr, output string) error {
	log := logger.L()

	if output == "" {
		name, err := fileinfo.FilenameFromURL(urlStr)
		if err != nil {
			return fmt.Errorf("%w: %v，请使用 --output 参数手动指定", downloader.ErrConfiguration, err)
		}
		output = name
	}

	d := cfg.Download
	t := downloader.Task{
		URL:          urlStr,
		Output:       output,
		Workers:      d.Workers,
		ChunkSize:    d.ChunkSizeBytes,
		BufferSize:   int(d.BufferSizeBytes),
		Timeout:      d.TimeoutDuration,
		ShowProgress: d.Progress,
	}
	httpClient := client.For(t.Timeout)

	if d.AutoChunk {
		// 先探测大小，把文件平均分给每个线程
		fmt.Println("🔎 正在获取文件信息...")
		info, err := fileinfo.Probe(ctx, httpClient, urlStr)
		if err != nil {
			return fmt.Errorf("%w: %w", downloader.ErrProbe, err)
		}
		if info.SizeKnown && info.Size > 0 {
			if !info.AcceptsRanges {
				t.Workers = 1
			}
			t.TotalSize = info.Size
			t.ChunkSize = downloader.ChunkSizeFor(info.Size, t.Workers)
			log.Info("自动计算分片大小", zap.String("chunk_size", humanize.IBytes(uint64(t.ChunkSize))))
		}
	}

	dl := downloader.New(t,
		downloader.WithClient(httpClient),
		downloader.WithLogger(log),
		downloader.WithRetries(d.Retries, d.RetryBackoffDelay),
		downloader.WithFailFast(d.FailFast),
		downloader.WithDeadline(d.DeadlineDuration),
	)

	fmt.Println("🚀 开始下载...")
	err := dl.Run(ctx)
	res := dl.Result()
	if err != nil {
		var de *downloader.DownloadError
		if errors.As(err, &de) {
			fmt.Fprintln(os.Stderr, "\n⚠️ 以下分片未完成:")
			for _, f := range de.Failed {
				fmt.Fprintf(os.Stderr, "  #%d %s: %v\n", f.Index, f.Range, f.Err)
			}
		}
		return err
	}

	fmt.Printf("✅ 文件下载完成: %s (%s, 用时 %s, %s/s)\n",
		output,
		humanize.IBytes(uint64(res.TotalSize)),
		res.Elapsed.Round(time.Millisecond),
		humanize.IBytes(speed(res.TotalSize, res.Elapsed)))
	return nil
}

func speed(size int64, elapsed time.Duration) uint64 {
	if elapsed <= 0 {
		return 0
	}
	return uint64(float64(size) / elapsed.Seconds())
}

// exitCode 把错误分类映射为进程退出码
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, downloader.ErrConfiguration):
		return exitConfig
	case errors.Is(err, downloader.ErrProbe):
		return exitProbe
	case errors.Is(err, downloader.ErrFilesystem):
		return exitFilesystem
	case errors.Is(err, downloader.ErrFetch):
		return exitFetch
	default:
		return exitOther
	}
}
