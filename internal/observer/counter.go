package observer

import "sync/atomic"

// Counter 是所有 worker 共享的进度计数器，由下载器创建并注入
type Counter struct {
	n atomic.Int64
}

// Advance 实现了 Observer 接口
func (c *Counter) Advance() {
	c.n.Add(1)
}

// Value 返回目前收到的缓冲区数量
func (c *Counter) Value() int64 {
	return c.n.Load()
}
