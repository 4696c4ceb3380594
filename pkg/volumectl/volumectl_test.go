package volumectl

import (
	"context"
	"testing"

	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/task"
)

func TestCalculateCountDefaultBlocksize(t *testing.T) {
	got := CalculateCount(2048, "1M")
	if got != 2048 {
		t.Errorf("CalculateCount(2048, 1M) = %d, want 2048", got)
	}
}

func TestCalculateCountRoundsUp(t *testing.T) {
	got := CalculateCount(5, "4M")
	// 5 MiB / 4 MiB = 1.25 -> ceil 2
	if got != 2 {
		t.Errorf("CalculateCount(5, 4M) = %d, want 2", got)
	}
}

func TestCalculateCountRejectsLeadingDash(t *testing.T) {
	got := CalculateCount(2048, "-1M")
	if got != 2048 {
		t.Errorf("CalculateCount with rejected blocksize = %d, want fallback to 1M -> 2048", got)
	}
}

func TestCalculateCountRejectsLeadingZero(t *testing.T) {
	got := CalculateCount(2048, "0M")
	if got != 2048 {
		t.Errorf("CalculateCount with rejected blocksize = %d, want fallback to 1M -> 2048", got)
	}
}

func TestCalculateCountRejectsDecimalPoint(t *testing.T) {
	got := CalculateCount(2048, "1.5M")
	if got != 2048 {
		t.Errorf("CalculateCount with rejected blocksize = %d, want fallback to 1M -> 2048", got)
	}
}

type fakeExecer struct {
	calls [][]string
}

func (f *fakeExecer) Run(ctx context.Context, argv []string, stdin string) (string, string, int, error) {
	f.calls = append(f.calls, argv)
	return "", "", 0, nil
}

type fakeResolver struct {
	devices map[string]string
	listed  []string
}

func (f *fakeResolver) DeviceForVolume(id string) (string, bool) {
	d, ok := f.devices[id]
	return d, ok
}

func (f *fakeResolver) ListHostDevices(ctx context.Context) ([]string, error) {
	return f.listed, nil
}

func newTestController() (*Controller, *fakeExecer) {
	fe := &fakeExecer{}
	r := runner.NewWithExecer(fe)
	resolver := &fakeResolver{devices: map[string]string{"src": "/dev/sdb", "dst": "/dev/sdc"}, listed: []string{"sdb", "sdc"}}
	return New(r, resolver, task.New(), "1M"), fe
}

func TestListRescansWhenRequested(t *testing.T) {
	c, fe := newTestController()
	devices, err := c.List(context.Background(), true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %v, want 2", devices)
	}
	found := false
	for _, call := range fe.calls {
		if len(call) > 0 && call[0] == "bash" {
			found = true
		}
	}
	if !found {
		t.Error("expected scsi rescan command to run")
	}
}

func TestListSkipsRescanWhenNotRequested(t *testing.T) {
	c, fe := newTestController()
	if _, err := c.List(context.Background(), false); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for _, call := range fe.calls {
		if len(call) > 0 && call[0] == "bash" {
			t.Error("rescan should not have run when scan=false")
		}
	}
}

func TestCloneResolvesDevicesAndSchedulesTask(t *testing.T) {
	c, _ := newTestController()
	tk, err := c.Clone(context.Background(), Ref{ID: "dst", Size: 2}, Ref{ID: "src", Size: 3})
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	if tk.ID == "" {
		t.Error("expected a task id")
	}
}

func TestCloneFailsOnUnknownVolume(t *testing.T) {
	c, _ := newTestController()
	_, err := c.Clone(context.Background(), Ref{ID: "dst", Size: 2}, Ref{ID: "nonexistent", Size: 3})
	if err == nil {
		t.Fatal("Clone() error = nil, want not-found")
	}
}
