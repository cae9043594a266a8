package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Slade66/mediafetch/internal/observer"
	"github.com/Slade66/mediafetch/internal/queue"
	"github.com/Slade66/mediafetch/internal/status"
	"github.com/Slade66/mediafetch/pkg/task"
)

type fakeQueue struct {
	msgs chan *queue.Message

	mu   sync.Mutex
	acks []string
}

func newFakeQueue(msgs ...*queue.Message) *fakeQueue {
	q := &fakeQueue{msgs: make(chan *queue.Message, len(msgs)+1)}
	for _, m := range msgs {
		q.msgs <- m
	}
	return q
}

func (q *fakeQueue) Read(ctx context.Context, _ string, block time.Duration) (*queue.Message, error) {
	select {
	case m := <-q.msgs:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (q *fakeQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, id)
	return nil
}

func (q *fakeQueue) acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acks...)
}

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string][]string
	errs     map[string]error
	buffers  atomic.Int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string][]string), errs: make(map[string]error)}
}

func (s *fakeStore) UpdateTaskStatus(_ context.Context, id, st string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], st)
	return nil
}

func (s *fakeStore) UpdateTaskError(_ context.Context, id string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status.Failed)
	s.errs[id] = err
	return nil
}

func (s *fakeStore) ProgressObserver(context.Context, string) observer.Observer {
	return advanceFunc(func() { s.buffers.Add(1) })
}

func (s *fakeStore) history(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses[id]...)
}

type advanceFunc func()

func (f advanceFunc) Advance() { f() }

type fakeUploader struct {
	err      error
	mu       sync.Mutex
	uploaded map[string]string
}

func (u *fakeUploader) UploadFile(key, path string) error {
	if u.err != nil {
		return u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.uploaded == nil {
		u.uploaded = make(map[string]string)
	}
	u.uploaded[key] = path
	return nil
}

func (u *fakeUploader) Close() {}

func generateData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*13 + i/256)
	}
	return data
}

// newContentServer 用 http.ServeContent 提供文件，天然支持 HEAD 和 Range
func newContentServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func message(t *testing.T, id string, dt *task.DownloadTask) *queue.Message {
	t.Helper()
	payload, err := dt.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Message{ID: id, Payload: payload}
}

func TestThreads(t *testing.T) {
	p := New(newFakeQueue(), newFakeStore(), Settings{DefaultThreads: 8, MaxThreads: 50})

	tests := []struct {
		requested int
		want      int
	}{
		{requested: 0, want: 8},
		{requested: -3, want: 8},
		{requested: 1, want: 1},
		{requested: 50, want: 50},
		{requested: 51, want: 50},
		{requested: 1000, want: 50},
	}
	for _, tt := range tests {
		if got := p.Threads(tt.requested); got != tt.want {
			t.Errorf("Threads(%d) = %d, want %d", tt.requested, got, tt.want)
		}
	}
}

func TestHandleSuccess(t *testing.T) {
	data := generateData(64 * 1024)
	srv := newContentServer(t, data)
	output := filepath.Join(t.TempDir(), "videos", "a.bin")

	dt := task.New(srv.URL+"/a.bin", output, 4)
	q := newFakeQueue()
	store := newFakeStore()
	up := &fakeUploader{}
	p := New(q, store, Settings{Consumer: "test"}, WithUploader(up))

	p.Handle(context.Background(), message(t, "1-0", dt))

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded file does not match source")
	}

	history := store.history(dt.ID.String())
	if len(history) != 2 || history[0] != status.Processing || history[1] != status.Completed {
		t.Errorf("status history = %v", history)
	}
	if acks := q.acked(); len(acks) != 1 || acks[0] != "1-0" {
		t.Errorf("acks = %v, want [1-0]", acks)
	}
	if store.buffers.Load() == 0 {
		t.Error("progress observer was never advanced")
	}
	if len(up.uploaded) != 1 {
		t.Errorf("uploaded = %v, want one file", up.uploaded)
	}
}

func TestHandleSmallFileManyThreads(t *testing.T) {
	// 3000 字节、8 个线程：线程数会被压到分片数，避免出现越界的分片
	data := generateData(3000)
	srv := newContentServer(t, data)
	output := filepath.Join(t.TempDir(), "small.bin")

	dt := task.New(srv.URL, output, 8)
	q := newFakeQueue()
	p := New(q, newFakeStore(), Settings{Consumer: "test"})
	p.Handle(context.Background(), message(t, "1-0", dt))

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded file does not match source")
	}
	if len(q.acked()) != 1 {
		t.Error("task should be acked")
	}
}

func TestHandleDownloadFailureNotAcked(t *testing.T) {
	data := generateData(8 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dt := task.New(srv.URL, filepath.Join(t.TempDir(), "f.bin"), 2)
	q := newFakeQueue()
	store := newFakeStore()
	p := New(q, store, Settings{Consumer: "test"})

	p.Handle(context.Background(), message(t, "1-0", dt))

	if acks := q.acked(); len(acks) != 0 {
		t.Errorf("failed task should not be acked, got %v", acks)
	}
	history := store.history(dt.ID.String())
	if len(history) != 2 || history[1] != status.Failed {
		t.Errorf("status history = %v", history)
	}
	if store.errs[dt.ID.String()] == nil {
		t.Error("error should be recorded")
	}
}

func TestHandleUploadFailure(t *testing.T) {
	srv := newContentServer(t, generateData(4096))
	dt := task.New(srv.URL, filepath.Join(t.TempDir(), "f.bin"), 2)

	q := newFakeQueue()
	store := newFakeStore()
	p := New(q, store, Settings{Consumer: "test"}, WithUploader(&fakeUploader{err: errors.New("obs down")}))

	p.Handle(context.Background(), message(t, "1-0", dt))

	if len(q.acked()) != 0 {
		t.Error("task with failed upload should not be acked")
	}
	if store.errs[dt.ID.String()] == nil {
		t.Error("upload error should be recorded")
	}
}

func TestRemoveAfterUpload(t *testing.T) {
	srv := newContentServer(t, generateData(4096))
	output := filepath.Join(t.TempDir(), "f.bin")
	dt := task.New(srv.URL, output, 2)

	p := New(newFakeQueue(), newFakeStore(),
		Settings{Consumer: "test", RemoveAfterUpload: true},
		WithUploader(&fakeUploader{}))

	if err := p.Execute(context.Background(), dt); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Errorf("local file should be removed, stat err = %v", err)
	}
}

func TestExecuteWithoutRangeSupport(t *testing.T) {
	data := generateData(10 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	output := filepath.Join(t.TempDir(), "f.bin")
	p := New(newFakeQueue(), newFakeStore(), Settings{Consumer: "test"})
	if err := p.Execute(context.Background(), task.New(srv.URL, output, 8)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got, _ := os.ReadFile(output)
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded file does not match source")
	}
}

func TestHandleBadPayload(t *testing.T) {
	q := newFakeQueue()
	store := newFakeStore()
	p := New(q, store, Settings{Consumer: "test"})

	p.Handle(context.Background(), &queue.Message{ID: "9-0", Payload: []byte("not json")})

	if acks := q.acked(); len(acks) != 1 || acks[0] != "9-0" {
		t.Errorf("bad payload should be acked and skipped, acks = %v", acks)
	}
	if len(store.statuses) != 0 {
		t.Errorf("no status should be written, got %v", store.statuses)
	}
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	srv := newContentServer(t, generateData(4096))
	dir := t.TempDir()

	q := newFakeQueue(
		message(t, "1-0", task.New(srv.URL, filepath.Join(dir, "a.bin"), 2)),
		&queue.Message{ID: "2-0", Payload: []byte("{")},
		message(t, "3-0", task.New(srv.URL, filepath.Join(dir, "b.bin"), 2)),
	)
	p := New(q, newFakeStore(), Settings{Consumer: "test", Block: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(q.acked()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
	if acks := q.acked(); len(acks) != 3 {
		t.Errorf("acks = %v, want 3", acks)
	}
}
