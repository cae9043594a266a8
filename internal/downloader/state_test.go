package downloader

import (
	"context"
	"errors"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateSizeProbed, "size_probed"},
		{StateJoined, "joined"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if StateFetching.Terminal() || !StateDone.Terminal() || !StateFailed.Terminal() {
		t.Error("only done and failed are terminal")
	}
}

func TestRetryRangesBeforeRun(t *testing.T) {
	d := New(Task{URL: "http://127.0.0.1:1/x", Output: t.TempDir() + "/x"})
	err := d.RetryRanges(context.Background(), []ByteRange{{Start: 0, End: 1023}})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("RetryRanges() error = %v, want ErrConfiguration", err)
	}
}
