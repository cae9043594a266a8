package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/downloader"
	"github.com/Slade66/mediafetch/pkg/task"
)

// 任务状态
const (
	Queued     = "queued"
	Processing = "processing"
	Completed  = "completed"
	Failed     = "failed"
)

const keyPrefix = "task:status:"

// ErrNotFound 任务不存在
var ErrNotFound = errors.New("任务不存在")

// StatusInfo 定义了任务状态的详细信息，用于JSON序列化
type StatusInfo struct {
	ID           string                 `json:"id"`
	URL          string                 `json:"url"`
	OutputPath   string                 `json:"output_path"`
	Status       string                 `json:"status"`
	SubmitTime   string                 `json:"submit_time"`
	FinishTime   string                 `json:"finish_time,omitempty"`
	Error        string                 `json:"error,omitempty"`
	FailedRanges []downloader.ByteRange `json:"failed_ranges,omitempty"`
	Buffers      int64                  `json:"buffers"`
}

// Manager 结构体封装了与Redis的交互
type Manager struct {
	rdb    redis.Cmdable
	logger *zap.Logger
}

// NewManager 创建一个新的状态管理器实例
func NewManager(rdb redis.Cmdable, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{rdb: rdb, logger: logger}
}

// taskKey 返回一个任务状态在Redis中的键名
func taskKey(taskID string) string {
	return keyPrefix + taskID
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// InitTaskStatus 初始化一个新任务的状态为 "queued"
func (m *Manager) InitTaskStatus(ctx context.Context, t *task.DownloadTask) error {
	info := StatusInfo{
		ID:         t.ID.String(),
		URL:        t.URL,
		OutputPath: t.OutputPath,
		Status:     Queued,
		SubmitTime: now(),
	}
	values, err := toHash(info)
	if err != nil {
		return err
	}
	// HSet 会一次性设置多个字段
	return m.rdb.HSet(ctx, taskKey(info.ID), values).Err()
}

// UpdateTaskStatus 更新任务的 'status' 字段
func (m *Manager) UpdateTaskStatus(ctx context.Context, taskID, newStatus string) error {
	updateMap := map[string]interface{}{
		"status": newStatus,
	}
	// 如果任务完成或失败，则记录完成时间
	if newStatus == Completed || newStatus == Failed {
		updateMap["finish_time"] = now()
	}
	return m.rdb.HSet(ctx, taskKey(taskID), updateMap).Err()
}

// UpdateTaskError 更新任务状态为 "failed" 并记录错误信息。
// 如果是分片下载失败，同时记录未完成的分片，方便之后只重试这些分片。
func (m *Manager) UpdateTaskError(ctx context.Context, taskID string, taskErr error) error {
	updateMap := map[string]interface{}{
		"status":      Failed,
		"error":       taskErr.Error(),
		"finish_time": now(),
	}

	var de *downloader.DownloadError
	if errors.As(taskErr, &de) {
		data, err := json.Marshal(de.Ranges())
		if err != nil {
			return err
		}
		updateMap["failed_ranges"] = string(data)
	}
	return m.rdb.HSet(ctx, taskKey(taskID), updateMap).Err()
}

// AddBuffers 累加任务已接收的缓冲区数量
func (m *Manager) AddBuffers(ctx context.Context, taskID string, n int64) error {
	return m.rdb.HIncrBy(ctx, taskKey(taskID), "buffers", n).Err()
}

// GetTask 获取单个任务的状态
func (m *Manager) GetTask(ctx context.Context, taskID string) (*StatusInfo, error) {
	data, err := m.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	info := fromHash(data)
	return &info, nil
}

// GetAllTasks 获取所有任务的状态信息，按提交时间排序
func (m *Manager) GetAllTasks(ctx context.Context) ([]StatusInfo, error) {
	tasks := make([]StatusInfo, 0)

	// SCAN 不会像 KEYS 一样阻塞 Redis
	iter := m.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// HGetAll 以 map[string]string 的形式返回哈希表的所有字段和值
		data, err := m.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			// 如果某个键读取失败，记录日志并跳过它继续处理其他的
			m.logger.Warn("无法读取任务状态", zap.String("key", key), zap.Error(err))
			continue
		}
		if len(data) == 0 {
			continue
		}
		tasks = append(tasks, fromHash(data))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].SubmitTime < tasks[j].SubmitTime
	})
	return tasks, nil
}

// toHash 将状态转换为 Redis Hash 的字段，空字段不写入
func toHash(s StatusInfo) (map[string]interface{}, error) {
	values := map[string]interface{}{
		"id":          s.ID,
		"url":         s.URL,
		"output_path": s.OutputPath,
		"status":      s.Status,
		"submit_time": s.SubmitTime,
		"finish_time": s.FinishTime,
		"error":       s.Error,
	}
	if len(s.FailedRanges) > 0 {
		data, err := json.Marshal(s.FailedRanges)
		if err != nil {
			return nil, fmt.Errorf("无法序列化失败分片: %w", err)
		}
		values["failed_ranges"] = string(data)
	}
	if s.Buffers > 0 {
		values["buffers"] = s.Buffers
	}
	for k, v := range values {
		if vs, ok := v.(string); ok && vs == "" {
			delete(values, k)
		}
	}
	return values, nil
}

// fromHash 是 toHash 的逆过程，无法解析的字段忽略
func fromHash(data map[string]string) StatusInfo {
	info := StatusInfo{
		ID:         data["id"],
		URL:        data["url"],
		OutputPath: data["output_path"],
		Status:     data["status"],
		SubmitTime: data["submit_time"],
		FinishTime: data["finish_time"],
		Error:      data["error"],
	}
	if raw := data["failed_ranges"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &info.FailedRanges)
	}
	if raw := data["buffers"]; raw != "" {
		info.Buffers, _ = strconv.ParseInt(raw, 10, 64)
	}
	return info
}
