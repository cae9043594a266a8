package status

import (
	"context"

	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/observer"
)

// progressObserver 把下载进度同步到任务状态的 buffers 字段
type progressObserver struct {
	ctx    context.Context
	m      *Manager
	taskID string
}

// ProgressObserver 返回一个观察者，每收到一个缓冲区就给任务的 buffers 字段加一
func (m *Manager) ProgressObserver(ctx context.Context, taskID string) observer.Observer {
	return &progressObserver{ctx: ctx, m: m, taskID: taskID}
}

func (p *progressObserver) Advance() {
	if err := p.m.AddBuffers(p.ctx, p.taskID, 1); err != nil {
		// 进度只是展示用，更新失败不影响下载
		p.m.logger.Debug("无法更新任务进度", zap.String("task_id", p.taskID), zap.Error(err))
	}
}
