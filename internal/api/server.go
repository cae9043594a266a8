// Package api 提供提交下载任务和查询任务状态的 HTTP 接口
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/downloader"
	"github.com/Slade66/mediafetch/internal/status"
	"github.com/Slade66/mediafetch/pkg/fileinfo"
	"github.com/Slade66/mediafetch/pkg/task"
)

// Publisher 把任务投递到队列
type Publisher interface {
	Publish(ctx context.Context, t *task.DownloadTask) (string, error)
}

// StatusStore 读写任务状态
type StatusStore interface {
	InitTaskStatus(ctx context.Context, t *task.DownloadTask) error
	GetAllTasks(ctx context.Context) ([]status.StatusInfo, error)
	GetTask(ctx context.Context, taskID string) (*status.StatusInfo, error)
}

// Options 是 API 服务的参数
type Options struct {
	// DownloadDir 请求未指定 output_path 时文件保存的目录
	DownloadDir    string
	FrontendDir    string
	DefaultThreads int
}

// Server 是 HTTP 接口服务
type Server struct {
	publisher Publisher
	store     StatusStore
	opts      Options
	logger    *zap.Logger
	router    *gin.Engine
}

type downloadRequest struct {
	URL        string `json:"url" binding:"required"`
	OutputPath string `json:"output_path"`
	Threads    int    `json:"threads"`
	// ChunkSize 支持 "4MiB" 或字节数
	ChunkSize string `json:"chunk_size"`
	// Timeout 等待服务器响应的秒数
	Timeout int `json:"timeout"`
}

// NewServer 创建服务并注册路由
func NewServer(publisher Publisher, store StatusStore, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultThreads <= 0 {
		opts.DefaultThreads = downloader.DefaultWorkers
	}

	s := &Server{
		publisher: publisher,
		store:     store,
		opts:      opts,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	// 为 API 路由创建一个分组
	api := router.Group("/api")
	{
		api.POST("/download", s.downloadHandler)
		api.GET("/tasks", s.getTasksHandler)
		api.GET("/tasks/:id", s.getTaskHandler)
	}

	// 前端静态文件，/api 之外的路径都交给它
	if opts.FrontendDir != "" {
		if info, err := os.Stat(opts.FrontendDir); err == nil && info.IsDir() {
			router.NoRoute(gin.WrapH(http.FileServer(http.Dir(opts.FrontendDir))))
		} else {
			logger.Warn("前端目录不存在，不提供静态文件", zap.String("dir", opts.FrontendDir))
		}
	}

	s.router = router
	return s
}

// Handler 返回 http.Handler，测试时直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 监听 addr，ctx 被取消时优雅退出
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("🚀 API 服务已启动", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("正在关闭 API 服务")
	return srv.Shutdown(shutdownCtx)
}

// downloadHandler 处理下载请求，并初始化任务状态
func (s *Server) downloadHandler(c *gin.Context) {
	var request downloadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求: " + err.Error()})
		return
	}

	t, err := s.newTask(request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	// 1. 初始化任务状态记录，先于投递，避免 Worker 更新了一个还不存在的状态
	if err := s.store.InitTaskStatus(ctx, t); err != nil {
		// 这是一个非关键性错误，只记录日志
		s.logger.Warn("无法初始化任务状态记录", zap.String("task_id", t.ID.String()), zap.Error(err))
	}

	// 2. 投递任务到 Stream
	if _, err := s.publisher.Publish(ctx, t); err != nil {
		s.logger.Error("无法投递任务", zap.String("task_id", t.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法将任务发布到 Redis"})
		return
	}

	s.logger.Info("📥 任务已投递到消息队列", zap.String("task_id", t.ID.String()), zap.String("url", t.URL))
	c.JSON(http.StatusAccepted, gin.H{
		"message": "任务已成功接收，正在排队等待处理...",
		"task_id": t.ID.String(),
	})
}

// newTask 校验请求并填充默认值。分片大小不合法时直接拒绝，不进入队列。
func (s *Server) newTask(request downloadRequest) (*task.DownloadTask, error) {
	// 如果客户端未提供 OutputPath，则从 URL 自动生成
	if request.OutputPath == "" {
		name, err := fileinfo.FilenameFromURL(request.URL)
		if err != nil {
			return nil, fmt.Errorf("%v，请指定 output_path", err)
		}
		request.OutputPath = filepath.Join(s.opts.DownloadDir, name)
	} else {
		// 客户端给出的路径只能落在下载目录之内
		rel, err := confinePath(request.OutputPath)
		if err != nil {
			return nil, err
		}
		request.OutputPath = filepath.Join(s.opts.DownloadDir, rel)
	}
	// 如果客户端未提供线程数，设置默认值
	if request.Threads <= 0 {
		request.Threads = s.opts.DefaultThreads
	}
	if request.Timeout < 0 {
		return nil, errors.New("timeout 不能为负数")
	}

	t := task.New(request.URL, request.OutputPath, request.Threads)
	t.TimeoutSeconds = request.Timeout

	if request.ChunkSize != "" {
		size, err := humanize.ParseBytes(request.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("无效的 chunk_size: %w", err)
		}
		if size == 0 || size%downloader.ChunkAlignment != 0 {
			return nil, fmt.Errorf("chunk_size 必须是 %d 的正整数倍", downloader.ChunkAlignment)
		}
		t.ChunkSize = int64(size)
	}
	return t, nil
}

// confinePath 拒绝绝对路径和包含 ".." 的路径，返回清理后的相对路径
func confinePath(p string) (string, error) {
	if filepath.IsAbs(p) || strings.HasPrefix(filepath.ToSlash(p), "/") {
		return "", fmt.Errorf("output_path 必须是相对路径: %s", p)
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fmt.Errorf("output_path 不能包含 \"..\": %s", p)
		}
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("output_path 必须指向一个文件: %s", p)
	}
	return clean, nil
}

// getTasksHandler 用于处理获取所有任务列表的请求
func (s *Server) getTasksHandler(c *gin.Context) {
	tasks, err := s.store.GetAllTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法从 Redis 获取任务列表: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// getTaskHandler 查询单个任务
func (s *Server) getTaskHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的任务 ID"})
		return
	}

	info, err := s.store.GetTask(c.Request.Context(), id)
	if errors.Is(err, status.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无法从 Redis 获取任务: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// requestLogger 用 zap 记录每个请求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
