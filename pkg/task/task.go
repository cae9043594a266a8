package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DownloadTask 定义了一个完整的分布式下载任务，它将作为消息在 Redis Stream 中传递。
type DownloadTask struct {
	// 任务的唯一标识符，由 API 服务在创建任务时生成。
	ID uuid.UUID `json:"id"`

	// 要下载的文件的完整 URL。
	URL string `json:"url"`

	// 文件的保存路径，应包含完整路径和最终的文件名。
	// 例如: "/downloads/videos/my_video.mp4"
	OutputPath string `json:"output_path"`

	// 建议下载时使用的线程数。
	// Worker 服务可以将其作为参考。
	Threads int `json:"threads"`

	// 每个分片的字节数，0 表示使用 Worker 的默认值。
	ChunkSize int64 `json:"chunk_size,omitempty"`

	// 等待服务器响应的超时秒数，0 表示使用默认值。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// New 创建一个带新 ID 的任务
func New(url, outputPath string, threads int) *DownloadTask {
	return &DownloadTask{
		ID:         uuid.New(),
		URL:        url,
		OutputPath: outputPath,
		Threads:    threads,
	}
}

// Timeout 返回超时时长
func (t *DownloadTask) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Encode 序列化为消息 payload
func (t *DownloadTask) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Decode 解析消息 payload，缺少必要字段时返回错误
func Decode(payload []byte) (*DownloadTask, error) {
	var t DownloadTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("无法解析任务 payload: %w", err)
	}
	if t.ID == uuid.Nil {
		return nil, errors.New("任务缺少 ID")
	}
	if t.URL == "" {
		return nil, errors.New("任务缺少 URL")
	}
	if t.OutputPath == "" {
		return nil, errors.New("任务缺少输出路径")
	}
	return &t, nil
}
