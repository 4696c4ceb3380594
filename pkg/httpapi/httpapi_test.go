package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cuemby/wormhole/pkg/agent"
	"github.com/cuemby/wormhole/pkg/container"
	"github.com/cuemby/wormhole/pkg/netplumb"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/storagegateway"
	"github.com/cuemby/wormhole/pkg/task"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/volumectl"
	"github.com/cuemby/wormhole/pkg/volumemap"
)

type fakeExecer struct{}

func (fakeExecer) Run(ctx context.Context, argv []string, stdin string) (string, string, int, error) {
	return "", "", 0, nil
}

type fakeDriver struct {
	infos []container.Info
}

func (f *fakeDriver) List(ctx context.Context) ([]container.Info, error) { return f.infos, nil }
func (f *fakeDriver) Create(ctx context.Context, name string, networkDisabled bool) error {
	f.infos = append(f.infos, container.Info{ID: name, Name: name, Status: "STOPPED"})
	return nil
}
func (f *fakeDriver) Destroy(ctx context.Context, name string) error        { return nil }
func (f *fakeDriver) Inspect(ctx context.Context, name string) (int, error) { return 0, nil }
func (f *fakeDriver) Start(ctx context.Context, name string, vifs []types.VIF, netNames []string, timeout int) error {
	return nil
}
func (f *fakeDriver) Stop(ctx context.Context, name string, timeout int) (string, error) {
	return "stopped", nil
}
func (f *fakeDriver) Pause(ctx context.Context, name string) error   { return nil }
func (f *fakeDriver) Unpause(ctx context.Context, name string) error { return nil }
func (f *fakeDriver) Exec(ctx context.Context, name string, argv ...string) (string, error) {
	return "", nil
}
func (f *fakeDriver) InjectFile(ctx context.Context, name, path, content string) error { return nil }
func (f *fakeDriver) ReadFile(ctx context.Context, name, path string) (string, error)  { return "", nil }
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
	return "", nil
}
func (f *fakeDriver) Commit(ctx context.Context, name, imageName string) error  { return nil }
func (f *fakeDriver) Push(ctx context.Context, imageName, imageID string) error { return nil }

type fakeResolver struct{}

func (fakeResolver) DeviceForVolume(id string) (string, bool)            { return "/dev/sdb", true }
func (fakeResolver) ListHostDevices(ctx context.Context) ([]string, error) { return []string{"sdb"}, nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fe := fakeExecer{}
	r := runner.NewWithExecer(fe)
	d := &fakeDriver{}
	mapper := volumemap.New(t.TempDir(), r, nil)
	plumber := netplumb.New(r, container.BoundPIDLookup{Driver: d, Name: "web-1"})
	plumber.SetNetnsDir(t.TempDir())
	tasks := task.New()
	a := agent.New(d, mapper, plumber, tasks, filepath.Join(t.TempDir(), "settings.json"), "web-1")
	vc := volumectl.New(r, fakeResolver{}, tasks, "1M")
	sg := storagegateway.New(r, t.TempDir(), "127.0.0.1", "3260")
	return New(a, vc, sg, tasks)
}

func TestStatusRouteReportsNoContainer(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/container/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"]["code"] != string(types.ContainerNoContainer) {
		t.Errorf("code = %v, want NO_CONTAINER", body["status"]["code"])
	}
}

func TestCreateRouteReturnsFakeSuccessTask(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/container/create", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var tk types.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tk); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if tk.ID != types.FakeSuccessTaskID || tk.State != types.TaskSuccessful {
		t.Errorf("task = %+v, want fake success sentinel", tk)
	}
}

func TestListVolumesRoute(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/volumes?scan=0", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body["devices"]) != 1 {
		t.Errorf("devices = %v, want 1 entry", body["devices"])
	}
}

func TestTaskNotFoundReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/999", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEnableSGRoute(t *testing.T) {
	s := newTestServer(t)
	body := `{"target_iqn":"iqn.x","volume_id":"vol-1","device":"/dev/sdb"}`
	req := httptest.NewRequest(http.MethodPost, "/sg/enable_sg", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestPersonalityRouteWritesFile(t *testing.T) {
	s := newTestServer(t)
	dst := filepath.Join(t.TempDir(), "nested", "motd")
	payload := map[string]string{"dst_path": dst, "file_data": "aGVsbG8="}
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/service/personality", bytes.NewBuffer(data))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body=%s", rec.Code, rec.Body.String())
	}
}
