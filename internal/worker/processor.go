// Package worker 从任务队列中取出下载任务并执行：下载、上传、更新状态、确认消息。
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/client"
	"github.com/Slade66/mediafetch/internal/downloader"
	"github.com/Slade66/mediafetch/internal/observer"
	"github.com/Slade66/mediafetch/internal/queue"
	"github.com/Slade66/mediafetch/internal/status"
	"github.com/Slade66/mediafetch/internal/uploader"
	"github.com/Slade66/mediafetch/pkg/fileinfo"
	"github.com/Slade66/mediafetch/pkg/task"
)

// Queue 是 Worker 需要的队列操作
type Queue interface {
	Read(ctx context.Context, consumer string, block time.Duration) (*queue.Message, error)
	Ack(ctx context.Context, id string) error
}

// StatusStore 记录任务状态
type StatusStore interface {
	UpdateTaskStatus(ctx context.Context, taskID, newStatus string) error
	UpdateTaskError(ctx context.Context, taskID string, taskErr error) error
	ProgressObserver(ctx context.Context, taskID string) observer.Observer
}

// Settings 是 Worker 执行任务时的默认参数和限制
type Settings struct {
	Consumer string
	// 任务未指定线程数时使用 DefaultThreads，超过 MaxThreads 时截断，防止客户端滥用
	DefaultThreads int
	MaxThreads     int

	BufferSize   int
	Timeout      time.Duration
	Deadline     time.Duration
	Retries      int
	RetryBackoff time.Duration
	FailFast     bool

	// RemoveAfterUpload 上传成功后删除本地文件
	RemoveAfterUpload bool

	// Block 每次读取队列最多阻塞的时长，ReadRetryDelay 读取失败后的等待时长
	Block          time.Duration
	ReadRetryDelay time.Duration
}

func (s *Settings) applyDefaults() {
	if s.DefaultThreads <= 0 {
		s.DefaultThreads = downloader.DefaultWorkers
	}
	if s.MaxThreads < s.DefaultThreads {
		s.MaxThreads = s.DefaultThreads
	}
	if s.Block <= 0 {
		s.Block = 5 * time.Second
	}
	if s.ReadRetryDelay <= 0 {
		s.ReadRetryDelay = 5 * time.Second
	}
	if s.Consumer == "" {
		s.Consumer = consumerName()
	}
}

// Processor 是 Worker 的主体
type Processor struct {
	queue    Queue
	store    StatusStore
	uploader uploader.Uploader
	client   *http.Client
	settings Settings
	logger   *zap.Logger
}

// Option 配置 Processor
type Option func(*Processor)

// WithUploader 下载完成后上传到对象存储，为 nil 时不上传
func WithUploader(u uploader.Uploader) Option {
	return func(p *Processor) { p.uploader = u }
}

// WithHTTPClient 指定下载使用的 http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(p *Processor) { p.client = c }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 创建 Processor
func New(q Queue, store StatusStore, settings Settings, opts ...Option) *Processor {
	settings.applyDefaults()
	p := &Processor{
		queue:    q,
		store:    store,
		settings: settings,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("consumer", settings.Consumer))
	return p
}

// Run 是 Worker 的主循环，持续处理任务直到 ctx 被取消
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("▶️ Worker 开始监听任务")

	for {
		if ctx.Err() != nil {
			p.logger.Info("Worker 已停止")
			return nil
		}

		// 1. 从 Stream 中阻塞式地读取一个新任务
		msg, err := p.queue.Read(ctx, p.settings.Consumer, p.settings.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("读取任务失败，稍后重试", zap.Error(err), zap.Duration("delay", p.settings.ReadRetryDelay))
			select {
			case <-ctx.Done():
			case <-time.After(p.settings.ReadRetryDelay):
			}
			continue
		}
		if msg == nil {
			continue
		}

		p.Handle(ctx, msg)
	}
}

// Handle 处理一条消息。成功后才 ACK；失败的任务不 ACK，以便后续可以重试或手动处理。
func (p *Processor) Handle(ctx context.Context, msg *queue.Message) {
	// 状态写入和 ACK 不应因为停机而丢失
	bg := context.WithoutCancel(ctx)

	t, err := task.Decode(msg.Payload)
	if err != nil {
		// 解析失败的任务，我们直接 ACK 并跳过，防止阻塞队列
		p.logger.Error("‼️ 无法解析任务", zap.String("message_id", msg.ID), zap.ByteString("payload", msg.Payload), zap.Error(err))
		if err := p.queue.Ack(bg, msg.ID); err != nil {
			p.logger.Error("无法 ACK 无效任务", zap.Error(err))
		}
		return
	}

	log := p.logger.With(zap.String("task_id", t.ID.String()))
	log.Info("👍 接收到新任务", zap.String("url", t.URL))

	if err := p.store.UpdateTaskStatus(bg, t.ID.String(), status.Processing); err != nil {
		log.Warn("无法更新任务状态", zap.Error(err))
	}

	if err := p.Execute(ctx, t); err != nil {
		log.Error("🔥 任务执行失败", zap.Error(err))
		if err := p.store.UpdateTaskError(bg, t.ID.String(), err); err != nil {
			log.Warn("无法记录任务错误", zap.Error(err))
		}
		return
	}

	log.Info("✅ 任务成功完成")
	// 任务成功后，先更新状态为 "completed"，然后再 ACK 消息
	if err := p.store.UpdateTaskStatus(bg, t.ID.String(), status.Completed); err != nil {
		log.Warn("无法更新任务状态", zap.Error(err))
	}
	if err := p.queue.Ack(bg, msg.ID); err != nil {
		log.Error("‼️ 关键错误: 无法 ACK 任务", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Execute 下载单个任务，并在配置了对象存储时上传
func (p *Processor) Execute(ctx context.Context, t *task.DownloadTask) error {
	log := p.logger.With(zap.String("task_id", t.ID.String()))
	threads := p.Threads(t.Threads)
	if t.Threads > p.settings.MaxThreads {
		log.Warn("请求的线程数超过最大限制，已调整",
			zap.Int("requested", t.Threads), zap.Int("max", p.settings.MaxThreads))
	}

	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = p.settings.Timeout
	}
	httpClient := p.client
	if httpClient == nil {
		httpClient = client.For(timeout)
	}

	// 先探测文件信息，决定线程数和分片大小
	log.Info("🔎 正在获取文件信息", zap.String("url", t.URL))
	info, err := fileinfo.Probe(ctx, httpClient, t.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", downloader.ErrProbe, err)
	}
	if !info.AcceptsRanges && threads > 1 {
		log.Warn("服务器不支持分片下载，将使用单线程下载")
		threads = 1
	}

	chunkSize := t.ChunkSize
	if chunkSize <= 0 && info.SizeKnown {
		// 未指定分片大小时把文件平均分给每个线程，线程数不超过分片数
		chunkSize = downloader.ChunkSizeFor(info.Size, threads)
		if parts := (info.Size + chunkSize - 1) / chunkSize; parts >= 1 && int64(threads) > parts {
			threads = int(parts)
		}
	}

	log.Info("🚀 准备下载",
		zap.String("output", t.OutputPath),
		zap.Int("threads", threads),
		zap.String("size", humanize.IBytes(uint64(info.Size))))

	opts := []downloader.Option{
		downloader.WithClient(httpClient),
		downloader.WithLogger(log),
		downloader.WithRetries(p.settings.Retries, p.settings.RetryBackoff),
		downloader.WithFailFast(p.settings.FailFast),
		downloader.WithDeadline(p.settings.Deadline),
	}
	d := downloader.New(downloader.Task{
		URL:        t.URL,
		Output:     t.OutputPath,
		TotalSize:  info.Size,
		Workers:    threads,
		ChunkSize:  chunkSize,
		BufferSize: p.settings.BufferSize,
		Timeout:    timeout,
	}, opts...)
	d.AddObserver(p.store.ProgressObserver(context.WithoutCancel(ctx), t.ID.String()))

	if err := d.Run(ctx); err != nil {
		return err
	}

	if p.uploader == nil {
		return nil
	}
	key := uploader.ObjectKey(t.OutputPath)
	if err := p.uploader.UploadFile(key, t.OutputPath); err != nil {
		return fmt.Errorf("上传失败: %w", err)
	}
	if p.settings.RemoveAfterUpload {
		if err := os.Remove(t.OutputPath); err != nil {
			log.Warn("无法删除本地文件", zap.Error(err))
		}
	}
	return nil
}

// Threads 把任务请求的线程数限制在 [1, MaxThreads] 内，未指定时使用默认值
func (p *Processor) Threads(requested int) int {
	switch {
	case requested <= 0:
		return p.settings.DefaultThreads
	case requested > p.settings.MaxThreads:
		return p.settings.MaxThreads
	default:
		return requested
	}
}

func consumerName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return fmt.Sprintf("worker-%d", time.Now().Unix())
	}
	return name
}
