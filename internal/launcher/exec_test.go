package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dlowe-net/runward/internal/errors"
)

func testRequest(t *testing.T) Request {
	t.Helper()
	dir := t.TempDir()
	return Request{
		RunID:       "run-1",
		ResourceKey: "tasks/a.yaml",
		Flow:        "implement",
		Attempt:     1,
		ResultPath:  filepath.Join(dir, "run-1.json"),
		LogPath:     filepath.Join(dir, "run-1.log"),
	}
}

func TestLaunchSuccessCapturesOutput(t *testing.T) {
	req := testRequest(t)
	l := NewExecLauncher([]string{"sh", "-c", "echo flow is $RUNWARD_FLOW"})

	if err := l.Launch(context.Background(), req); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	out, err := os.ReadFile(req.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(out), "flow is implement") {
		t.Errorf("log = %q, want environment passed through", out)
	}
}

func TestLaunchNonZeroExitIsTerminal(t *testing.T) {
	req := testRequest(t)
	l := NewExecLauncher([]string{"sh", "-c", "exit 3"})

	err := l.Launch(context.Background(), req)
	if err == nil {
		t.Fatal("Launch returned nil for failing worker")
	}
	if errors.IsLaunchFailure(err) {
		t.Error("non-zero exit classified as launch failure; must be terminal")
	}
}

func TestLaunchMissingBinaryIsLaunchFailure(t *testing.T) {
	req := testRequest(t)
	l := NewExecLauncher([]string{"/nonexistent/runward-worker"})

	err := l.Launch(context.Background(), req)
	if !errors.IsLaunchFailure(err) {
		t.Errorf("err = %v, want launch failure", err)
	}
}

func TestLaunchEmptyCommandIsLaunchFailure(t *testing.T) {
	l := NewExecLauncher(nil)

	err := l.Launch(context.Background(), testRequest(t))
	if !errors.IsLaunchFailure(err) {
		t.Errorf("err = %v, want launch failure", err)
	}
}

func TestLaunchCancellation(t *testing.T) {
	req := testRequest(t)
	l := NewExecLauncher([]string{"sleep", "30"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Launch(ctx, req) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Launch did not return after cancellation")
	}
}
