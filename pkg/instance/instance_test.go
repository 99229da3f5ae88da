package instance

import (
	"strings"
	"testing"
)

func TestGetIDPrefersWorkerID(t *testing.T) {
	t.Setenv("WORKER_ID", "media-7")
	t.Setenv("DYNO", "worker.1")
	if got := GetID(); got != "media-7" {
		t.Fatalf("expected media-7 got %s", got)
	}
}

func TestGetIDFallsBackToDyno(t *testing.T) {
	t.Setenv("WORKER_ID", "")
	t.Setenv("DYNO", "worker.1")
	if got := GetID(); got != "worker.1" {
		t.Fatalf("expected worker.1 got %s", got)
	}
}

func TestGetIDUsesHostAndPid(t *testing.T) {
	t.Setenv("WORKER_ID", "")
	t.Setenv("DYNO", "")
	if got := GetID(); !strings.Contains(got, "-") {
		t.Fatalf("expected host-pid got %s", got)
	}
}
