// internal/observer/progress_bar.go
package observer

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// ProgressBarObserver 是一个具体的观察者，用于显示终端进度条。
// 每收到一个缓冲区前进一格，目标值只是估算：实际的缓冲区数量取决于服务器的传输粒度。
type ProgressBarObserver struct {
	bar *progressbar.ProgressBar
}

// ExpectedBuffers 估算需要接收的缓冲区数量: ceil(totalSize/chunkSize) + 1
func ExpectedBuffers(totalSize, chunkSize int64) int64 {
	if chunkSize <= 0 {
		return 1
	}
	return (totalSize+chunkSize-1)/chunkSize + 1
}

// NewProgressBarObserver 创建一个新的进度条观察者，输出到标准错误。
// chunkSize 传每次读取的缓冲区大小，缓冲区小于分片时目标值会相应变大。
func NewProgressBarObserver(totalSize, chunkSize int64) *ProgressBarObserver {
	return NewProgressBarObserverTo(os.Stderr, totalSize, chunkSize)
}

// NewProgressBarObserverTo 和 NewProgressBarObserver 一样，但可以指定输出位置
func NewProgressBarObserverTo(w io.Writer, totalSize, chunkSize int64) *ProgressBarObserver {
	bar := progressbar.NewOptions64(
		ExpectedBuffers(totalSize, chunkSize),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Remaining parts"),
		progressbar.OptionSetItsString("part"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			_, _ = io.WriteString(w, "\n")
		}),
	)
	return &ProgressBarObserver{bar: bar}
}

// Advance 实现了 Observer 接口，progressbar 内部自带锁，可并发调用
func (p *ProgressBarObserver) Advance() {
	_ = p.bar.Add(1)
}

// Finish 在所有 worker 结束后收尾
func (p *ProgressBarObserver) Finish() {
	_ = p.bar.Finish()
}

// Current 返回进度条当前的值
func (p *ProgressBarObserver) Current() int64 {
	return p.bar.State().CurrentNum
}
