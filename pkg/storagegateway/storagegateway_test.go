package storagegateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/wormhole/pkg/runner"
)

type fakeExecer struct {
	calls [][]string
	show  string
	fail  map[string]bool
}

func (f *fakeExecer) Run(ctx context.Context, argv []string, stdin string) (string, string, int, error) {
	f.calls = append(f.calls, argv)
	if len(argv) > 0 && f.fail[argv[0]+argv[1]] {
		return "", "boom", 1, nil
	}
	if len(argv) > 1 && argv[0] == "tgt-admin" && argv[1] == "--show" {
		return f.show, "", 0, nil
	}
	return "", "", 0, nil
}

func newTestController(t *testing.T) (*Controller, *fakeExecer, string) {
	t.Helper()
	dir := t.TempDir()
	fe := &fakeExecer{fail: map[string]bool{}}
	r := runner.NewWithExecer(fe)
	return New(r, dir, "10.0.0.5", "3260"), fe, dir
}

func TestEnableSGPersistsTargetFileAndUpdates(t *testing.T) {
	c, fe, dir := newTestController(t)

	err := c.EnableSG(context.Background(), "iqn.2016-01.com.wormhole:vol-1", "vol-1", "/dev/sdb")
	if err != nil {
		t.Fatalf("EnableSG() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "vol-1"))
	if err != nil {
		t.Fatalf("target file not written: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "iqn.2016-01.com.wormhole:vol-1") {
		t.Errorf("target file missing iqn: %s", content)
	}
	if !strings.Contains(content, "host=10.0.0.5;port=3260;volume=vol-1;device=/dev/sdb") {
		t.Errorf("target file missing bsopts: %s", content)
	}
	if !strings.Contains(content, "backing-store /dev/sdb") {
		t.Errorf("target file missing backing-store: %s", content)
	}

	found := false
	for _, call := range fe.calls {
		if len(call) >= 2 && call[0] == "tgt-admin" && call[1] == "--update" {
			found = true
		}
	}
	if !found {
		t.Error("expected tgt-admin --update to run")
	}
}

func TestEnableSGLeavesNoTempFilesBehind(t *testing.T) {
	c, _, dir := newTestController(t)

	if err := c.EnableSG(context.Background(), "iqn.x", "vol-2", "/dev/sdc"); err != nil {
		t.Fatalf("EnableSG() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".target-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestDisableSGRemovesTargetFileWhenAbsentFromShow(t *testing.T) {
	c, fe, dir := newTestController(t)
	fe.show = "Target 1: iqn.other\n    System information:\n"

	if err := c.EnableSG(context.Background(), "iqn.2016-01.com.wormhole:vol-3", "vol-3", "/dev/sdd"); err != nil {
		t.Fatalf("EnableSG() error = %v", err)
	}

	if err := c.DisableSG(context.Background(), "iqn.2016-01.com.wormhole:vol-3", "vol-3"); err != nil {
		t.Fatalf("DisableSG() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "vol-3")); !os.IsNotExist(err) {
		t.Errorf("expected target file to be removed, stat err = %v", err)
	}
}

func TestDisableSGRetriesPlainDeleteWhenStillPresent(t *testing.T) {
	c, fe, _ := newTestController(t)
	fe.show = "Target 1: iqn.2016-01.com.wormhole:vol-4\n"

	if err := c.EnableSG(context.Background(), "iqn.2016-01.com.wormhole:vol-4", "vol-4", "/dev/sde"); err != nil {
		t.Fatalf("EnableSG() error = %v", err)
	}
	if err := c.DisableSG(context.Background(), "iqn.2016-01.com.wormhole:vol-4", "vol-4"); err != nil {
		t.Fatalf("DisableSG() error = %v", err)
	}

	plainDelete := false
	for _, call := range fe.calls {
		if len(call) >= 2 && call[0] == "tgt-admin" && call[1] == "--delete" {
			plainDelete = true
		}
	}
	if !plainDelete {
		t.Error("expected a plain tgt-admin --delete retry when --show still lists the target")
	}
}

func TestDisableSGIsIdempotentWhenTargetFileAlreadyGone(t *testing.T) {
	c, fe, _ := newTestController(t)
	fe.show = ""

	if err := c.DisableSG(context.Background(), "iqn.2016-01.com.wormhole:vol-5", "vol-5"); err != nil {
		t.Fatalf("DisableSG() on already-absent target should not error, got %v", err)
	}
}

func TestTargetPresentParsesShowOutput(t *testing.T) {
	c, fe, _ := newTestController(t)
	fe.show = "Target 1: iqn.2016-01.com.wormhole:vol-6\n    System information:\n        Driver: iscsi\n"

	present, err := c.targetPresent(context.Background(), "iqn.2016-01.com.wormhole:vol-6")
	if err != nil {
		t.Fatalf("targetPresent() error = %v", err)
	}
	if !present {
		t.Error("expected target to be reported present")
	}

	present, err = c.targetPresent(context.Background(), "iqn.2016-01.com.wormhole:vol-does-not-exist")
	if err != nil {
		t.Fatalf("targetPresent() error = %v", err)
	}
	if present {
		t.Error("expected unknown iqn to be reported absent")
	}
}
