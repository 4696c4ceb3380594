package container

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/types"
)

type fakeExecer struct {
	outputs map[string]string
	calls   [][]string
}

func (f *fakeExecer) Run(ctx context.Context, argv []string, stdin string) (string, string, int, error) {
	f.calls = append(f.calls, argv)
	if len(argv) > 0 {
		if out, ok := f.outputs[argv[0]]; ok {
			return out, "", 0, nil
		}
	}
	return "", "", 0, nil
}

func newTestDriver(outputs map[string]string) (*LXCDriver, *fakeExecer) {
	fe := &fakeExecer{outputs: outputs}
	r := runner.NewWithExecer(fe)
	return New(r), fe
}

func TestListParsesNameAndState(t *testing.T) {
	d, _ := newTestDriver(map[string]string{
		"lxc-ls": "NAME STATE\nweb-1 RUNNING\nweb-2 STOPPED\n",
	})
	infos, err := d.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
	if infos[0].Name != "web-1" || infos[0].Status != "RUNNING" {
		t.Errorf("infos[0] = %+v", infos[0])
	}
}

func TestStopRefusesWhenNotRunning(t *testing.T) {
	d, fe := newTestDriver(map[string]string{
		"lxc-ls": "NAME STATE\nweb-1 STOPPED\n",
	})
	msg, err := d.Stop(context.Background(), "web-1", 2)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !strings.Contains(msg, "can't stop it") {
		t.Errorf("msg = %q, want refusal message", msg)
	}
	for _, c := range fe.calls {
		if len(c) > 0 && c[0] == "lxc-stop" {
			t.Error("lxc-stop should not have been called")
		}
	}
}

func TestStopRunsLxcStopWhenRunning(t *testing.T) {
	d, fe := newTestDriver(map[string]string{
		"lxc-ls": "NAME STATE\nweb-1 RUNNING\n",
	})
	msg, err := d.Stop(context.Background(), "web-1", 2)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if msg != "" {
		t.Errorf("msg = %q, want empty on success", msg)
	}
	found := false
	for _, c := range fe.calls {
		if len(c) > 0 && c[0] == "lxc-stop" {
			found = true
		}
	}
	if !found {
		t.Error("expected lxc-stop to be called")
	}
}

func TestInjectFileRequiresMountedRootfsDir(t *testing.T) {
	d, _ := newTestDriver(nil)
	err := d.InjectFile(context.Background(), "web-1", "/nonexistent-dir-xyz/file.txt", "hello")
	if err == nil {
		t.Fatal("InjectFile() error = nil, want DirNotFound-equivalent error")
	}
}

func TestAddInterfacesWritesNetConfSnippet(t *testing.T) {
	d, _ := newTestDriver(nil)
	dir := t.TempDir()
	origPath := lxcPathOverrideForTest(t, dir)
	defer origPath()

	vif := types.VIF{ID: "abcdefghijklmnop", Address: "aa:bb:cc:dd:ee:ff", MTU: 1300}
	err := d.AddInterfaces(context.Background(), "web-1", []types.VIF{vif}, true, nil)
	if err != nil {
		t.Fatalf("AddInterfaces() error = %v", err)
	}

	prefix := vif.IDPrefix()
	content, err := os.ReadFile(netConfFile("web-1", prefix))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), "lxc.network.hwaddr = aa:bb:cc:dd:ee:ff") {
		t.Errorf("config missing hwaddr: %s", content)
	}
}

func TestRemoveInterfacesDeletesConfSnippet(t *testing.T) {
	d, _ := newTestDriver(nil)
	dir := t.TempDir()
	origPath := lxcPathOverrideForTest(t, dir)
	defer origPath()

	vif := types.VIF{ID: "abcdefghijklmnop", Address: "aa:bb:cc:dd:ee:ff"}
	if err := d.AddInterfaces(context.Background(), "web-1", []types.VIF{vif}, true, nil); err != nil {
		t.Fatalf("AddInterfaces() error = %v", err)
	}
	if err := d.RemoveInterfaces(context.Background(), "web-1", []types.VIF{vif}); err != nil {
		t.Fatalf("RemoveInterfaces() error = %v", err)
	}

	if _, err := os.Stat(netConfFile("web-1", vif.IDPrefix())); !os.IsNotExist(err) {
		t.Error("net conf snippet still present after remove")
	}
}

func TestCommitRunsLxcCopySnapshot(t *testing.T) {
	d, fe := newTestDriver(nil)
	if err := d.Commit(context.Background(), "web-1", "web-1-snap"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	found := false
	for _, c := range fe.calls {
		if len(c) > 0 && c[0] == "lxc-copy" {
			found = true
			if !strings.Contains(strings.Join(c, " "), "-n web-1") || !strings.Contains(strings.Join(c, " "), "-N web-1-snap") {
				t.Errorf("lxc-copy argv = %v, want source web-1 and dest web-1-snap", c)
			}
		}
	}
	if !found {
		t.Error("expected lxc-copy to be called")
	}
}

func TestPushArchivesSnapshotRootfs(t *testing.T) {
	d, fe := newTestDriver(nil)
	dir := t.TempDir()
	origPath := lxcPathOverrideForTest(t, dir)
	defer origPath()

	orig := imageStoreDir
	imageStoreDir = t.TempDir()
	defer func() { imageStoreDir = orig }()

	if err := d.Push(context.Background(), "web-1-snap", "img-123"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	found := false
	for _, c := range fe.calls {
		if len(c) > 0 && c[0] == "tar" {
			found = true
			joined := strings.Join(c, " ")
			if !strings.Contains(joined, "img-123.tar.gz") {
				t.Errorf("tar argv = %v, want dest naming img-123.tar.gz", c)
			}
		}
	}
	if !found {
		t.Error("expected tar to be called")
	}
}

func TestSetDirsOverridesLxcPaths(t *testing.T) {
	defer SetDirs(lxcConfigDir, lxcRootfsDir)

	SetDirs("/opt/lxc-data", "/opt/lxc-mnt")
	if got := lxcPath(); got != "/opt/lxc-data" {
		t.Errorf("lxcPath() = %q, want /opt/lxc-data", got)
	}
	if got := lxcMountDir(); got != "/opt/lxc-mnt/" {
		t.Errorf("lxcMountDir() = %q, want trailing slash added", got)
	}
}

// lxcPathOverrideForTest relocates lxcPath()/lxcMountDir() under dir for
// the duration of a test, so config-file tests never touch /var/lib/lxc.
func lxcPathOverrideForTest(t *testing.T, dir string) func() {
	t.Helper()
	lxcTestRoot = dir
	return func() { lxcTestRoot = "" }
}
