// internal/downloader/task.go
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Slade66/mediafetch/internal/observer"
)

// fetchWithRetry 下载单个分片，失败时按退避策略重试整个分片
// 越过文件末尾的部分不会被请求，也不会出现在 RangeError 里。
func (d *Downloader) fetchWithRetry(ctx context.Context, index int, r ByteRange, total int64, progress observer.Observer) error {
	r = r.Clip(total)
	if r.Empty() {
		d.logger.Debug("分片在文件末尾之外，跳过", zap.Int("worker", index), zap.Stringer("range", r))
		return nil
	}
	log := d.logger.With(zap.Int("worker", index), zap.Stringer("range", r))

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			log.Warn("分片下载失败，准备重试", zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := sleepBackoff(ctx, d.backoff, attempt); err != nil {
				break
			}
		}

		lastErr = d.fetchRange(ctx, r, total, progress)
		if lastErr == nil {
			return nil
		}
		// 本地写盘失败或已被取消时重试没有意义
		if errors.Is(lastErr, ErrFilesystem) || ctx.Err() != nil {
			break
		}
	}

	log.Error("分片下载失败", zap.Error(lastErr))
	return &RangeError{Index: index, Range: r, Err: lastErr}
}

// fetchRange 下载 [r.Start, r.End] 并写入目标文件的对应位置。
// 每个分片打开自己的文件句柄，只 Seek 一次，之后顺序写入，绝不越过 r.End。
func (d *Downloader) fetchRange(ctx context.Context, r ByteRange, total int64, progress observer.Observer) error {
	if r.Empty() {
		d.logger.Debug("空分片，跳过", zap.Stringer("range", r))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.task.URL, nil)
	if err != nil {
		return fetchErr("无法创建请求: %w", err)
	}
	req.Header.Set("Range", r.Header())

	resp, err := d.client.Do(req)
	if err != nil {
		return fetchErr("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if err := checkRangeResponse(resp, r, total); err != nil {
		return err
	}

	file, err := os.OpenFile(d.task.Output, os.O_WRONLY, 0)
	if err != nil {
		return fsErr("无法打开目标文件: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(r.Start, io.SeekStart); err != nil {
		return fsErr("无法定位到偏移 %d: %w", r.Start, err)
	}

	bufSize := int64(d.task.BufferSize)
	if bufSize > r.Len() {
		bufSize = r.Len()
	}
	buf := make([]byte, bufSize)

	var written int64
	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			allowed := r.Len() - written
			chunk := buf[:n]
			if int64(n) > allowed {
				chunk = buf[:allowed]
			}
			if len(chunk) > 0 {
				if _, err := file.Write(chunk); err != nil {
					return fsErr("写入偏移 %d 失败: %w", r.Start+written, err)
				}
				written += int64(len(chunk))
				progress.Advance()
			}
			if int64(n) > allowed {
				return fetchErr("%w", ErrRangeOverflow)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fetchErr("读取响应失败: %w", readErr)
		}
	}

	if written < r.Len() {
		return fetchErr("%w: 期望 %d 字节，实际 %d 字节", ErrShortBody, r.Len(), written)
	}
	d.logger.Debug("分片完成", zap.Stringer("range", r), zap.Int64("bytes", written))
	return nil
}

// checkRangeResponse 只接受 206，或者请求的恰好是整个文件时的 200
func checkRangeResponse(resp *http.Response, r ByteRange, total int64) error {
	switch resp.StatusCode {
	case http.StatusPartialContent:
		cr := resp.Header.Get("Content-Range")
		if cr != "" && !strings.HasPrefix(cr, fmt.Sprintf("bytes %d-", r.Start)) {
			return fetchErr("Content-Range %q 与请求的分片 %s 不一致", cr, r)
		}
		return nil
	case http.StatusOK:
		if r.Start == 0 && r.End == total-1 {
			return nil
		}
		return fetchErr("服务器忽略了 Range 请求头，返回了整个文件")
	default:
		return fetchErr("服务器返回了非预期的状态码: %s", resp.Status)
	}
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoffDuration(base, attempt)):
		return nil
	}
}
