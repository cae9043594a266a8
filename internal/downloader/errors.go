// internal/downloader/errors.go
package downloader

import (
	"errors"
	"fmt"
	"strings"
)

// 错误分类，调用方通过 errors.Is 判断
var (
	// ErrConfiguration 任务配置非法（分片大小、线程数等），在任何网络请求之前返回
	ErrConfiguration = errors.New("配置错误")
	// ErrProbe 无法确定远程文件大小
	ErrProbe = errors.New("探测文件信息失败")
	// ErrFetch 单个分片的网络、超时或状态码错误
	ErrFetch = errors.New("分片下载失败")
	// ErrFilesystem 无法预分配或写入目标文件
	ErrFilesystem = errors.New("文件系统错误")

	ErrRangeOverflow = errors.New("服务器返回的数据超出分片范围")
	ErrShortBody     = errors.New("服务器返回的数据少于分片长度")
)

// RangeError 记录某个分片最终失败的原因
type RangeError struct {
	Index int
	Range ByteRange
	Err   error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("分片 %d %s: %v", e.Index, e.Range, e.Err)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

// DownloadError 汇总所有未完成的分片。
// 调用方可以用 Ranges() 拿到这些分片，只重试它们而不是整个文件。
type DownloadError struct {
	Failed []*RangeError
}

func (e *DownloadError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%d 个分片未完成: %s", len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap 让 errors.Is(err, ErrFetch) 之类的判断穿透到每个分片的错误
func (e *DownloadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f)
	}
	return errs
}

// Ranges 返回所有失败分片的字节范围
func (e *DownloadError) Ranges() []ByteRange {
	ranges := make([]ByteRange, 0, len(e.Failed))
	for _, f := range e.Failed {
		ranges = append(ranges, f.Range)
	}
	return ranges
}

// fetchErr 和 fsErr 给底层错误打上分类标签，同时保留原始错误链
func fetchErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrFetch, fmt.Errorf(format, args...))
}

func fsErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrFilesystem, fmt.Errorf(format, args...))
}
