// Package queue 基于 Redis Stream 的任务队列，API 投递任务，Worker 以消费者组的方式读取。
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/pkg/task"
)

const payloadField = "payload"

// Message 是从 Stream 中读到的一条消息
type Message struct {
	ID      string
	Payload []byte
}

// Stream 封装了一个 Redis Stream 和它的消费者组
type Stream struct {
	rdb    redis.Cmdable
	stream string
	group  string
	logger *zap.Logger
}

// New 创建队列
func New(rdb redis.Cmdable, stream, group string, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		rdb:    rdb,
		stream: stream,
		group:  group,
		logger: logger.With(zap.String("stream", stream), zap.String("group", group)),
	}
}

// Publish 把任务投递到 Stream，返回消息 ID
func (s *Stream) Publish(ctx context.Context, t *task.DownloadTask) (string, error) {
	payload, err := t.Encode()
	if err != nil {
		return "", fmt.Errorf("无法序列化任务: %w", err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("无法将任务发布到 Redis: %w", err)
	}
	s.logger.Debug("任务已投递", zap.String("task_id", t.ID.String()), zap.String("message_id", id))
	return id, nil
}

// EnsureGroup 确保消费者组存在，如果不存在则创建
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.stream, s.group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			s.logger.Info("消费者组已存在，无需创建")
			return nil
		}
		return fmt.Errorf("无法创建消费者组: %w", err)
	}
	s.logger.Info("成功创建消费者组")
	return nil
}

// Read 阻塞读取一条从未被消费过的消息。block 为 0 时一直阻塞；
// 超时没有消息时返回 nil, nil。
func (s *Stream) Read(ctx context.Context, consumer string, block time.Duration) (*Message, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.stream, ">"}, // ">" 表示只接收从未被消费过的新消息
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("从 Redis Stream 读取任务失败: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	return &Message{ID: msg.ID, Payload: payloadOf(msg.Values)}, nil
}

// Ack 确认消息已被完全处理
func (s *Stream) Ack(ctx context.Context, id string) error {
	if err := s.rdb.XAck(ctx, s.stream, s.group, id).Err(); err != nil {
		return fmt.Errorf("无法 ACK 消息 %s: %w", id, err)
	}
	return nil
}

// payloadOf 取出消息中的 payload 字段，字段缺失时返回 nil
func payloadOf(values map[string]interface{}) []byte {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
