// internal/client/singleton_client.go
package client

import (
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout 等待服务器首个响应（响应头）的默认时长
const DefaultTimeout = 10 * time.Second

var (
	instance *http.Client
	once     sync.Once
)

// GetClient 返回使用默认超时的 http.Client 单例
// 第一次调用时初始化，之后所有调用都返回同一个实例
func GetClient() *http.Client {
	once.Do(func() {
		instance = New(DefaultTimeout)
	})
	return instance
}

// New 创建一个下载专用的 http.Client。
// timeout 只限制等待响应头的时间，不限制整个 body 的读取，
// 否则大分片会在传输途中被掐断。
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	transport.MaxIdleConnsPerHost = 64
	// 分片请求需要原始字节，不能让 Transport 自动解压
	transport.DisableCompression = true

	return &http.Client{Transport: transport}
}

// For 根据超时返回合适的客户端：默认超时复用单例
func For(timeout time.Duration) *http.Client {
	if timeout <= 0 || timeout == DefaultTimeout {
		return GetClient()
	}
	return New(timeout)
}
