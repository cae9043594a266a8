// internal/downloader/plan.go
package downloader

import "fmt"

// ChunkAlignment 分片大小必须是它的整数倍
const ChunkAlignment = 1024

// ByteRange 是一个闭区间 [Start, End]，与 HTTP Range 头的语义一致
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len 返回分片长度，倒置的分片返回值 <= 0
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Empty 表示这个分片不需要下载任何字节
func (r ByteRange) Empty() bool {
	return r.End < r.Start
}

// Clip 把分片截断到文件末尾 totalSize-1；整个分片都在文件之外时返回空分片
func (r ByteRange) Clip(totalSize int64) ByteRange {
	if r.End > totalSize-1 {
		r.End = totalSize - 1
	}
	return r
}

// Header 生成 Range 请求头的值
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d-%d]", r.Start, r.End)
}

// Plan 把文件切成 workers 个分片，每片 chunkSize 字节，从 i*chunkSize 开始。
// 最后一个分片的结尾被强制设为 totalSize-1：
// workers*chunkSize < totalSize 时最后一片会变大，
// totalSize 太小时最后一片会倒置（Start > End）。其余分片不会被重新平衡。
func Plan(totalSize int64, workers int, chunkSize int64) ([]ByteRange, error) {
	if err := validatePlan(workers, chunkSize); err != nil {
		return nil, err
	}

	ranges := make([]ByteRange, workers)
	for i := 0; i < workers; i++ {
		start := int64(i) * chunkSize
		ranges[i] = ByteRange{Start: start, End: start + chunkSize - 1}
	}
	ranges[workers-1].End = totalSize - 1
	return ranges, nil
}

func validatePlan(workers int, chunkSize int64) error {
	if chunkSize <= 0 || chunkSize%ChunkAlignment != 0 {
		return fmt.Errorf("%w: 分片大小 %d 必须是 %d 的正整数倍", ErrConfiguration, chunkSize, ChunkAlignment)
	}
	if workers < 1 {
		return fmt.Errorf("%w: 线程数 %d 必须 >= 1", ErrConfiguration, workers)
	}
	return nil
}

// ChunkSizeFor 返回能让 workers 个分片覆盖 totalSize 的最小对齐分片大小
func ChunkSizeFor(totalSize int64, workers int) int64 {
	if workers < 1 {
		workers = 1
	}
	per := (totalSize + int64(workers) - 1) / int64(workers)
	if per <= 0 {
		return ChunkAlignment
	}
	return (per + ChunkAlignment - 1) / ChunkAlignment * ChunkAlignment
}

// unbalanced 判断 workers*chunkSize 是否与 totalSize 相差太多：
// 前面的分片越过了文件末尾，或者最后一片倒置，或者最后一片远大于一个分片
func unbalanced(ranges []ByteRange, totalSize, chunkSize int64) bool {
	// 单线程本来就只有一片，覆盖整个文件
	if len(ranges) == 1 {
		return false
	}
	last := len(ranges) - 1
	for _, r := range ranges[:last] {
		if r.End >= totalSize {
			return true
		}
	}
	if ranges[last].Empty() {
		return totalSize > 0
	}
	return ranges[last].Len() > 2*chunkSize
}
