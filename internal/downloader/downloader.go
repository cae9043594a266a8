// internal/downloader/downloader.go
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Slade66/mediafetch/internal/client"
	"github.com/Slade66/mediafetch/internal/observer"
	"github.com/Slade66/mediafetch/pkg/fileinfo"
)

// 默认参数
const (
	DefaultWorkers   = 8
	DefaultChunkSize = 4 * 1024 * 1024
	DefaultTimeout   = client.DefaultTimeout
	// DefaultBufferSize 默认缓冲区上限，每个分片同时只占用一个缓冲区
	DefaultBufferSize = 1024 * 1024
)

// Task 描述一次下载，Run 开始后不再修改
type Task struct {
	URL    string
	Output string
	// TotalSize 为 0 时先发 HEAD 请求探测
	TotalSize int64
	Workers   int
	ChunkSize int64
	// BufferSize 为 0 时取 ChunkSize 和 DefaultBufferSize 中较小的一个
	BufferSize   int
	Timeout      time.Duration
	ShowProgress bool
}

// Result 是一次成功或失败的下载的统计信息
type Result struct {
	TotalSize int64
	Ranges    []ByteRange
	Buffers   int64
	Elapsed   time.Duration
}

// Downloader 结构体封装了下载任务的所有信息
type Downloader struct {
	task      Task
	client    *http.Client
	logger    *zap.Logger
	observers []observer.Observer
	counter   *observer.Counter
	retries   int
	backoff   time.Duration
	failFast  bool
	deadline  time.Duration

	mu     sync.Mutex
	state  State
	result Result
}

// Option 配置 Downloader
type Option func(*Downloader)

// WithClient 使用指定的 http.Client，测试时很有用
func WithClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithLogger 设置结构化日志
func WithLogger(l *zap.Logger) Option {
	return func(d *Downloader) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithRetries 每个分片失败后最多重试 n 次，首次等待 backoff，之后指数增长
func WithRetries(n int, backoff time.Duration) Option {
	return func(d *Downloader) {
		d.retries = n
		d.backoff = backoff
	}
}

// WithFailFast 任何一个分片失败时立即取消其余分片
func WithFailFast(enabled bool) Option {
	return func(d *Downloader) { d.failFast = enabled }
}

// WithDeadline 限制整个下载的总时长
func WithDeadline(deadline time.Duration) Option {
	return func(d *Downloader) { d.deadline = deadline }
}

// New 创建一个新的 Downloader 实例
func New(task Task, opts ...Option) *Downloader {
	if task.Workers == 0 {
		task.Workers = DefaultWorkers
	}
	if task.ChunkSize == 0 {
		task.ChunkSize = DefaultChunkSize
	}
	if task.Timeout <= 0 {
		task.Timeout = DefaultTimeout
	}
	if task.BufferSize <= 0 {
		task.BufferSize = DefaultBufferSize
		if task.ChunkSize > 0 && task.ChunkSize < DefaultBufferSize {
			task.BufferSize = int(task.ChunkSize)
		}
	}

	d := &Downloader{
		task:      task,
		logger:    zap.NewNop(),
		observers: make([]observer.Observer, 0),
		counter:   &observer.Counter{},
		backoff:   time.Second,
		state:     StateCreated,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = client.For(task.Timeout)
	}
	d.logger = d.logger.With(zap.String("url", task.URL), zap.String("output", task.Output))
	return d
}

var _ observer.Observable = (*Downloader)(nil)

// AddObserver 实现了 Observable 接口，必须在 Run 之前调用
func (d *Downloader) AddObserver(o observer.Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// State 返回当前所处的阶段
func (d *Downloader) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Result 返回最近一次 Run 的统计信息
func (d *Downloader) Result() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result
}

func (d *Downloader) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.logger.Debug("状态变更", zap.Stringer("state", s))
}

// Run 启动下载流程：校验、探测大小、预分配、分片并发下载、等待全部结束。
// 服务器没有返回 Content-Length 时直接返回 ErrProbe，而不是按大小 0 下载出一个空文件。
func (d *Downloader) Run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		d.mu.Lock()
		d.result.Elapsed = time.Since(start)
		d.result.Buffers = d.counter.Value()
		d.mu.Unlock()
		if err != nil {
			d.setState(StateFailed)
			return
		}
		d.setState(StateDone)
	}()

	if err := d.validate(); err != nil {
		return err
	}
	d.setState(StateValidated)

	if d.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.deadline)
		defer cancel()
	}

	totalSize, workers, err := d.probe(ctx)
	if err != nil {
		return err
	}
	d.setState(StateSizeProbed)

	if err := preallocate(d.task.Output, totalSize); err != nil {
		return err
	}
	d.setState(StatePreallocated)

	if totalSize == 0 {
		d.logger.Info("远程文件为空，无需下载")
		return nil
	}

	ranges, err := Plan(totalSize, workers, d.task.ChunkSize)
	if err != nil {
		return err
	}
	if unbalanced(ranges, totalSize, d.task.ChunkSize) {
		d.logger.Warn("线程数与分片大小的乘积与文件大小相差过大，最后一个分片会被强制对齐到文件末尾",
			zap.Int("workers", workers),
			zap.String("chunk_size", humanize.IBytes(uint64(d.task.ChunkSize))),
			zap.Int64("total_size", totalSize),
			zap.Stringer("last_range", ranges[len(ranges)-1]))
	}

	d.mu.Lock()
	d.result.TotalSize = totalSize
	d.result.Ranges = ranges
	d.mu.Unlock()

	d.logger.Info("开始下载",
		zap.String("size", humanize.IBytes(uint64(totalSize))),
		zap.Int("workers", workers))

	var bar *observer.ProgressBarObserver
	if d.task.ShowProgress {
		bar = observer.NewProgressBarObserver(totalSize, int64(d.task.BufferSize))
	}

	err = d.fetchAll(ctx, ranges, bar)

	if bar != nil {
		bar.Finish()
	}
	return err
}

// RetryRanges 只重新下载给定的分片，目标文件必须已由 Run 预分配好
func (d *Downloader) RetryRanges(ctx context.Context, ranges []ByteRange) error {
	if len(ranges) == 0 {
		return nil
	}
	if !d.State().Terminal() {
		return fmt.Errorf("%w: 只能在 Run 结束后重试分片，当前状态 %s", ErrConfiguration, d.State())
	}
	d.mu.Lock()
	planned := d.result.Ranges != nil
	d.mu.Unlock()
	if !planned {
		return fmt.Errorf("%w: 文件还没有被分片，无法重试", ErrConfiguration)
	}
	d.logger.Info("重试未完成的分片", zap.Int("count", len(ranges)))
	err := d.fetchAll(ctx, ranges, nil)
	if err != nil {
		d.setState(StateFailed)
		return err
	}
	d.setState(StateDone)
	return nil
}

func (d *Downloader) validate() error {
	if d.task.URL == "" {
		return fmt.Errorf("%w: URL 不能为空", ErrConfiguration)
	}
	if d.task.Output == "" {
		return fmt.Errorf("%w: 输出路径不能为空", ErrConfiguration)
	}
	if d.task.TotalSize < 0 {
		return fmt.Errorf("%w: 文件大小 %d 不能为负数", ErrConfiguration, d.task.TotalSize)
	}
	return validatePlan(d.task.Workers, d.task.ChunkSize)
}

// probe 在大小未知时发送 HEAD 请求；服务器不支持分片时退化为单线程。
// 缺少 Content-Length 视为探测失败（ErrProbe），大小明确为 0 时才认为是空文件。
func (d *Downloader) probe(ctx context.Context) (int64, int, error) {
	if d.task.TotalSize > 0 {
		return d.task.TotalSize, d.task.Workers, nil
	}

	info, err := fileinfo.Probe(ctx, d.client, d.task.URL)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrProbe, err)
	}
	if !info.SizeKnown {
		return 0, 0, fmt.Errorf("%w: 服务器没有返回 Content-Length", ErrProbe)
	}

	workers := d.task.Workers
	if !info.AcceptsRanges && workers > 1 {
		d.logger.Warn("服务器不支持分片下载，将使用单线程下载")
		workers = 1
	}
	return info.Size, workers, nil
}

// fetchAll 为每个分片启动一个 goroutine，等待全部结束后汇总结果
func (d *Downloader) fetchAll(ctx context.Context, ranges []ByteRange, bar *observer.ProgressBarObserver) error {
	d.mu.Lock()
	observers := append([]observer.Observer{d.counter}, d.observers...)
	total := d.result.TotalSize
	d.mu.Unlock()
	if bar != nil {
		observers = append(observers, bar)
	}
	progress := observer.Multi(observers...)

	d.setState(StateFetching)

	var g *errgroup.Group
	gctx := ctx
	if d.failFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}

	// 每个 goroutine 只写自己下标的位置，不需要加锁
	outcomes := make([]error, len(ranges))
	for i, r := range ranges {
		g.Go(func() error {
			err := d.fetchWithRetry(gctx, i, r, total, progress)
			outcomes[i] = err
			if d.failFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	d.setState(StateJoined)

	var failed []*RangeError
	for i, err := range outcomes {
		if err == nil {
			continue
		}
		var re *RangeError
		if !errors.As(err, &re) {
			re = &RangeError{Index: i, Range: ranges[i], Err: err}
		}
		failed = append(failed, re)
	}
	if len(failed) > 0 {
		d.logger.Error("下载未完成", zap.Int("failed_ranges", len(failed)))
		return &DownloadError{Failed: failed}
	}

	d.logger.Info("所有分片下载完成", zap.Int64("buffers", d.counter.Value()))
	return nil
}
