package downloader

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// rangeServer 是一个支持 Range 请求的测试服务器，可以针对某个分片注入延迟或错误
type rangeServer struct {
	*httptest.Server
	data []byte

	heads atomic.Int32
	gets  atomic.Int32

	mu           sync.Mutex
	ranges       []string
	delay        map[int64]time.Duration
	failStatus   map[int64]int
	failOnce     map[int64]bool
	noRanges     bool
	noLength     bool
	overflowFrom map[int64]bool
}

func generateData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/256)
	}
	return data
}

// newRangeServer 启动测试服务器，opts 在服务器启动前执行
func newRangeServer(t *testing.T, data []byte, opts ...func(*rangeServer)) *rangeServer {
	t.Helper()
	s := &rangeServer{
		data:         data,
		delay:        make(map[int64]time.Duration),
		failStatus:   make(map[int64]int),
		failOnce:     make(map[int64]bool),
		overflowFrom: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *rangeServer) handle(w http.ResponseWriter, r *http.Request) {
	size := int64(len(s.data))

	if r.Method == http.MethodHead {
		s.heads.Add(1)
		if !s.noLength {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		if !s.noRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		return
	}

	s.gets.Add(1)
	rangeHeader := r.Header.Get("Range")

	s.mu.Lock()
	s.ranges = append(s.ranges, rangeHeader)
	s.mu.Unlock()

	if rangeHeader == "" || s.noRanges {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.Write(s.data)
		return
	}

	bounds := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.Split(bounds, "-")
	start, _ := strconv.ParseInt(parts[0], 10, 64)
	end, _ := strconv.ParseInt(parts[1], 10, 64)

	s.mu.Lock()
	delay := s.delay[start]
	status := s.failStatus[start]
	if s.failOnce[start] {
		delete(s.failStatus, start)
		delete(s.failOnce, start)
	}
	overflow := s.overflowFrom[start]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= size {
		end = size - 1
	}
	body := s.data[start : end+1]
	if overflow {
		// 故意多发数据，模拟不守规矩的服务器
		body = s.data[start:]
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(body)
}

func withoutRanges(s *rangeServer) { s.noRanges = true }

func withoutLength(s *rangeServer) { s.noLength = true }

func withOverflow(start int64) func(*rangeServer) {
	return func(s *rangeServer) { s.overflowFrom[start] = true }
}

func (s *rangeServer) setDelay(start int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay[start] = d
}

func (s *rangeServer) setFail(start int64, status int, once bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus[start] = status
	s.failOnce[start] = once
}

func (s *rangeServer) clearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = make(map[int64]int)
	s.failOnce = make(map[int64]bool)
}

func (s *rangeServer) requestedRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}
