package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/wormhole/pkg/container"
	"github.com/cuemby/wormhole/pkg/netplumb"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/task"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/volumemap"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// fakeExecer feeds canned output to pkg/runner-based collaborators
// (volumemap.Mapper, netplumb.Plumber) by the first argv token.
type fakeExecer struct {
	outputs map[string]string
	fail    map[string]bool
}

func (f *fakeExecer) Run(ctx context.Context, argv []string, stdin string) (string, string, int, error) {
	if len(argv) > 0 && f.fail[argv[0]] {
		return "", "boom", 1, nil
	}
	if len(argv) > 0 {
		if out, ok := f.outputs[argv[0]]; ok {
			return out, "", 0, nil
		}
	}
	return "", "", 0, nil
}

// fakeDriver implements container.Driver entirely in memory.
type fakeDriver struct {
	infos       []container.Info
	startErr    error
	stopMsg     string
	stopErr     error
	stopCalls   []int
	unpauseErrs int // fail this many Unpause calls before succeeding
	shadow      string
	injected    map[string]string
	pid         int
	commitErr   error
	pushErr     error
	committed   string // imageName passed to the last Commit call
	pushed      string // imageID passed to the last Push call
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{injected: make(map[string]string), shadow: "root:!:18000:0:99999:7:::\n"}
}

func (f *fakeDriver) List(ctx context.Context) ([]container.Info, error) { return f.infos, nil }
func (f *fakeDriver) Create(ctx context.Context, name string, networkDisabled bool) error {
	f.infos = append(f.infos, container.Info{ID: name, Name: name, Status: "STOPPED"})
	return nil
}
func (f *fakeDriver) Destroy(ctx context.Context, name string) error { return nil }
func (f *fakeDriver) Inspect(ctx context.Context, name string) (int, error) { return f.pid, nil }
func (f *fakeDriver) Start(ctx context.Context, name string, vifs []types.VIF, netNames []string, timeout int) error {
	if f.startErr != nil {
		return f.startErr
	}
	for i := range f.infos {
		if f.infos[i].Name == name {
			f.infos[i].Status = "RUNNING"
		}
	}
	f.pid = 4242
	return nil
}
func (f *fakeDriver) Stop(ctx context.Context, name string, timeout int) (string, error) {
	f.stopCalls = append(f.stopCalls, timeout)
	if f.stopErr != nil {
		err := f.stopErr
		f.stopErr = nil // only fail once unless re-armed
		return "", err
	}
	for i := range f.infos {
		if f.infos[i].Name == name {
			f.infos[i].Status = "STOPPED"
		}
	}
	return f.stopMsg, nil
}
func (f *fakeDriver) Pause(ctx context.Context, name string) error { return nil }
func (f *fakeDriver) Unpause(ctx context.Context, name string) error {
	if f.unpauseErrs > 0 {
		f.unpauseErrs--
		return errors.New("unpause failed")
	}
	return nil
}
func (f *fakeDriver) Exec(ctx context.Context, name string, argv ...string) (string, error) {
	return "", nil
}
func (f *fakeDriver) InjectFile(ctx context.Context, name, path, content string) error {
	f.injected[path] = content
	return nil
}
func (f *fakeDriver) ReadFile(ctx context.Context, name, path string) (string, error) {
	if path == "/etc/shadow" {
		return f.shadow, nil
	}
	return "", wherr.New(wherr.KindNotFound, "not found")
}
func (f *fakeDriver) AttachVolume(ctx context.Context, name, device, mountDevice string, static bool) error {
	return nil
}
func (f *fakeDriver) DetachVolume(ctx context.Context, name, device, mountDevice string, static bool) error {
	return nil
}
func (f *fakeDriver) AddInterfaces(ctx context.Context, name string, vifs []types.VIF, appendMode bool, netNames []string) error {
	return nil
}
func (f *fakeDriver) RemoveInterfaces(ctx context.Context, name string, vifs []types.VIF) error {
	return nil
}
func (f *fakeDriver) ConsoleOutput(ctx context.Context, name string, lines int) (string, error) {
	return "boot ok", nil
}
func (f *fakeDriver) Commit(ctx context.Context, name, imageName string) error {
	f.committed = imageName
	return f.commitErr
}
func (f *fakeDriver) Push(ctx context.Context, imageName, imageID string) error {
	f.pushed = imageID
	return f.pushErr
}

func newTestAgent(t *testing.T, d *fakeDriver) *Agent {
	t.Helper()
	fe := &fakeExecer{outputs: map[string]string{
		"lsblk": "",
		"fdisk": "",
	}}
	r := runner.NewWithExecer(fe)
	mapper := volumemap.New(t.TempDir(), r, nil)
	plumber := netplumb.New(r, container.BoundPIDLookup{Driver: d, Name: "web-1"})
	plumber.SetNetnsDir(t.TempDir())
	tasks := task.New()
	settingsPath := filepath.Join(t.TempDir(), "settings.json")
	return New(d, mapper, plumber, tasks, settingsPath, "web-1")
}

func TestCreateCreatesAbsentContainer(t *testing.T) {
	d := newFakeDriver()
	a := newTestAgent(t, d)

	if err := a.Create(context.Background(), "", nil, "", nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(d.infos) != 1 {
		t.Fatalf("expected container to be created, infos = %+v", d.infos)
	}
}

func TestCreateIsIdempotentWhenContainerExists(t *testing.T) {
	d := newFakeDriver()
	d.infos = []container.Info{{ID: "web-1", Name: "web-1", Status: "STOPPED"}}
	a := newTestAgent(t, d)

	if err := a.Create(context.Background(), "", [][2]string{{"/etc/motd", "hi"}}, "", nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(d.infos) != 1 {
		t.Errorf("Create should not have created a second container, infos = %+v", d.infos)
	}
	if d.injected["/etc/motd"] != "hi" {
		t.Errorf("expected inject_files to still run on an existing container")
	}
}

func TestStopCapsInitialTimeoutAtTwoSeconds(t *testing.T) {
	d := newFakeDriver()
	d.infos = []container.Info{{ID: "web-1", Name: "web-1", Status: "RUNNING"}}
	a := newTestAgent(t, d)

	if _, err := a.Stop(context.Background(), 30); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(d.stopCalls) != 1 || d.stopCalls[0] != 2 {
		t.Errorf("stopCalls = %v, want a single call capped at 2", d.stopCalls)
	}
}

func TestStopUnpausesAndRetriesWithFullTimeoutOnBackendFailure(t *testing.T) {
	d := newFakeDriver()
	d.infos = []container.Info{{ID: "web-1", Name: "web-1", Status: "RUNNING"}}
	d.stopErr = wherr.New(wherr.KindBackendFailure, "lxc-stop failed")
	a := newTestAgent(t, d)

	if _, err := a.Stop(context.Background(), 30); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(d.stopCalls) != 2 {
		t.Fatalf("stopCalls = %v, want 2 (capped attempt then full-timeout retry)", d.stopCalls)
	}
	if d.stopCalls[0] != 2 || d.stopCalls[1] != 30 {
		t.Errorf("stopCalls = %v, want [2, 30]", d.stopCalls)
	}
}

func TestStartPropagatesVolumeReconcileFailureRatherThanSwallowingIt(t *testing.T) {
	d := newFakeDriver()
	d.infos = []container.Info{{ID: "web-1", Name: "web-1", Status: "STOPPED"}}

	fe := &fakeExecer{fail: map[string]bool{"lsblk": true}}
	r := runner.NewWithExecer(fe)
	mapper := volumemap.New(t.TempDir(), r, nil)
	plumber := netplumb.New(r, container.BoundPIDLookup{Driver: d, Name: "web-1"})
	plumber.SetNetnsDir(t.TempDir())
	a := New(d, mapper, plumber, task.New(), filepath.Join(t.TempDir(), "settings.json"), "web-1")

	bdi := types.BlockDeviceInfo{BlockDeviceMapping: []types.BDM{{VolumeID: "vol-1", MountDevice: "/mnt/data", Size: "1G"}}}
	err := a.Start(context.Background(), nil, bdi)
	if err == nil {
		t.Fatal("Start() error = nil, want block-device reconcile failure to propagate")
	}
}

func TestSetAdminPasswordRewritesShadowLine(t *testing.T) {
	d := newFakeDriver()
	d.infos = []container.Info{{ID: "web-1", Name: "web-1", Status: "RUNNING"}}
	a := newTestAgent(t, d)

	pw := base64.StdEncoding.EncodeToString([]byte("secret"))
	if err := a.SetAdminPassword(context.Background(), pw); err != nil {
		t.Fatalf("SetAdminPassword() error = %v", err)
	}

	shadow := d.injected["/etc/shadow"]
	if !strings.HasPrefix(shadow, "root:$1$") {
		t.Fatalf("shadow = %q, want root:$1$... prefix", shadow)
	}
	fields := strings.Split(strings.SplitN(shadow, "\n", 2)[0], ":")
	if len(fields) < 2 || !strings.HasPrefix(fields[1], "$1$") {
		t.Errorf("password field = %q, want $1$ hash", fields[1])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	d := newFakeDriver()
	a := newTestAgent(t, d)

	vifs := []types.VIF{{ID: "abcdefghijklmnop", Address: "aa:bb:cc:dd:ee:ff"}}
	if err := a.persistSettings(vifs, types.BlockDeviceInfo{}); err != nil {
		t.Fatalf("persistSettings() error = %v", err)
	}

	loaded, err := a.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if len(loaded.NetworkInfo) != 1 || loaded.NetworkInfo[0].ID != vifs[0].ID {
		t.Errorf("loaded settings = %+v", loaded)
	}
}

func TestStatusReportsNoContainerWhenAbsent(t *testing.T) {
	d := newFakeDriver()
	a := newTestAgent(t, d)

	status, err := a.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Code != types.ContainerNoContainer {
		t.Errorf("Code = %s, want NO_CONTAINER", status.Code)
	}
}

func TestConsoleOutputDelegatesToDriver(t *testing.T) {
	d := newFakeDriver()
	a := newTestAgent(t, d)

	out, err := a.ConsoleOutput(context.Background(), 10)
	if err != nil {
		t.Fatalf("ConsoleOutput() error = %v", err)
	}
	if out != "boot ok" {
		t.Errorf("out = %q", out)
	}
}

func waitForTask(t *testing.T, a *Agent, id string, want types.TaskState) types.Task {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		task, err := a.tasks.Query(id)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if task.State == want {
			return task
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", id, want)
	return types.Task{}
}

func TestCreateImageCommitsAndPushes(t *testing.T) {
	d := newFakeDriver()
	a := newTestAgent(t, d)

	task, err := a.CreateImage(context.Background(), "web-1-snap", "img-123")
	if err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	waitForTask(t, a, task.ID, types.TaskSuccessful)

	if d.committed != "web-1-snap" {
		t.Errorf("committed = %q, want web-1-snap", d.committed)
	}
	if d.pushed != "img-123" {
		t.Errorf("pushed = %q, want img-123", d.pushed)
	}
}

func TestCreateImageSucceedsDespitePushFailure(t *testing.T) {
	d := newFakeDriver()
	d.pushErr = errors.New("no space left on device")
	a := newTestAgent(t, d)

	task, err := a.CreateImage(context.Background(), "web-1-snap", "img-123")
	if err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	got := waitForTask(t, a, task.ID, types.TaskSuccessful)
	if got.State != types.TaskSuccessful {
		t.Errorf("state = %s, want successful even though push failed", got.State)
	}
}

func TestCreateImageFailsWhenCommitFails(t *testing.T) {
	d := newFakeDriver()
	d.commitErr = errors.New("lxc-copy: container busy")
	a := newTestAgent(t, d)

	task, err := a.CreateImage(context.Background(), "web-1-snap", "img-123")
	if err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	waitForTask(t, a, task.ID, types.TaskError)
}
