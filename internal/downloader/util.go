// internal/downloader/util.go
package downloader

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"
)

const maxBackoff = 30 * time.Second

// preallocate 创建（或截断）目标文件并把长度设为 size。
// 文件长度在下载期间保持不变，各分片按偏移写入时不会互相扩展文件。
func preallocate(path string, size int64) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fsErr("无法创建目录 %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fsErr("无法创建目标文件: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return fsErr("无法预分配 %d 字节: %w", size, err)
	}
	if err := file.Close(); err != nil {
		return fsErr("关闭目标文件失败: %w", err)
	}
	return nil
}

// backoffDuration 指数退避，带 0.5~1.5 倍的随机抖动
func backoffDuration(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base * time.Duration(1<<uint(attempt-1))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
}
