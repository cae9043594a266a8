// pkg/fileinfo/fetcher.go
package fileinfo

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Info 包含了文件的元信息
type Info struct {
	// Size 为 0 且 SizeKnown 为 false 表示服务器没有给出 Content-Length
	Size          int64
	SizeKnown     bool
	AcceptsRanges bool
	ETag          string
	ContentType   string
}

// Probe 发送 HEAD 请求以获取远程文件的信息。
// 缺少 Content-Length 不算错误，大小按 0 处理，由调用方决定如何应对。
func Probe(ctx context.Context, client *http.Client, url string) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("无法创建 HEAD 请求: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("无法获取文件信息: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HEAD 请求返回了非预期的状态码: %s", resp.Status)
	}

	info := &Info{
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:          strings.Trim(strings.TrimPrefix(resp.Header.Get("ETag"), "W/"), `"`),
		ContentType:   resp.Header.Get("Content-Type"),
	}

	contentLengthStr := resp.Header.Get("Content-Length")
	if contentLengthStr == "" {
		return info, nil
	}

	size, err := strconv.ParseInt(contentLengthStr, 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("无效的文件大小 %q", contentLengthStr)
	}
	info.Size = size
	info.SizeKnown = true
	return info, nil
}
