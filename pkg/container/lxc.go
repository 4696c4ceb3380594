// Package container is the Container Driver (C4): a thin synchronous
// wrapper over the lxc-* command-line tools and the LXC config-file
// artefacts they read, the same role cuemby-warren's containerd runtime
// plays for OCI containers, rebuilt against LXC's file-and-argv surface.
package container

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/wherr"
)

const lxcTemplateScript = "/var/lib/wormhole/bin/lxc-general"

// lxcTestRoot, when set by a test, relocates lxcPath/lxcMountDir under a
// temp directory so config-file tests never touch the real host tree.
var lxcTestRoot string

// lxcConfigDir and lxcRootfsDir back lxcPath/lxcMountDir in production;
// SetDirs overrides them from lxc_config_dir/lxc_rootfs_dir configuration.
var (
	lxcConfigDir = "/var/lib/lxc"
	lxcRootfsDir = "/lxc/"
)

// SetDirs overrides the LXC config and rootfs-mount directories. Empty
// arguments leave the corresponding directory at its current value.
func SetDirs(configDir, rootfsDir string) {
	if configDir != "" {
		lxcConfigDir = configDir
	}
	if rootfsDir != "" {
		if !strings.HasSuffix(rootfsDir, "/") {
			rootfsDir += "/"
		}
		lxcRootfsDir = rootfsDir
	}
}

func lxcPath() string {
	if lxcTestRoot != "" {
		return filepath.Join(lxcTestRoot, "lxc")
	}
	return lxcConfigDir
}

func lxcMountDir() string {
	if lxcTestRoot != "" {
		return filepath.Join(lxcTestRoot, "mnt") + "/"
	}
	return lxcRootfsDir
}

const netConfTemplate = `## START %s
# new network
lxc.network.type = veth
lxc.network.link = %s
lxc.network.veth.pair = %s
lxc.network.name = %s
lxc.network.flags = up
lxc.network.hwaddr = %s
lxc.network.mtu = %d
%s## END

`

// Info is the subset of container state the rest of the agent needs.
type Info struct {
	ID     string
	Name   string
	Status string
}

// Driver is the surface the container controller (C6) drives.
type Driver interface {
	List(ctx context.Context) ([]Info, error)
	Create(ctx context.Context, name string, networkDisabled bool) error
	Destroy(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (pid int, err error)
	Start(ctx context.Context, name string, vifs []types.VIF, netNames []string, timeout int) error
	Stop(ctx context.Context, name string, timeout int) (msg string, err error)
	Pause(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, argv ...string) (string, error)
	InjectFile(ctx context.Context, name, path, content string) error
	ReadFile(ctx context.Context, name, path string) (string, error)
	AttachVolume(ctx context.Context, name, device, mountDevice string, static bool) error
	DetachVolume(ctx context.Context, name, device, mountDevice string, static bool) error
	AddInterfaces(ctx context.Context, name string, vifs []types.VIF, append bool, netNames []string) error
	RemoveInterfaces(ctx context.Context, name string, vifs []types.VIF) error
	ConsoleOutput(ctx context.Context, name string, lines int) (string, error)
	Commit(ctx context.Context, name, imageName string) error
	Push(ctx context.Context, imageName, imageID string) error
}

// LXCDriver shells out to lxc-* tools via a runner.Runner.
type LXCDriver struct {
	runner *runner.Runner
}

// New creates an LXCDriver.
func New(r *runner.Runner) *LXCDriver {
	return &LXCDriver{runner: r}
}

func (d *LXCDriver) run(ctx context.Context, argv ...string) (string, error) {
	stdout, _, err := d.runner.Run(ctx, argv, runner.Options{})
	return stdout, err
}

// List returns every container lxc-ls knows about.
func (d *LXCDriver) List(ctx context.Context) ([]Info, error) {
	stdout, err := d.run(ctx, "lxc-ls", "-f", "-F", "NAME,STATE")
	if err != nil {
		return nil, wherr.Wrap(wherr.KindBackendFailure, "lxc-ls failed", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) <= 1 {
		return nil, nil
	}

	var infos []Info
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		infos = append(infos, Info{ID: fields[0], Name: fields[0], Status: fields[1]})
	}
	return infos, nil
}

// Create runs the lxc-general template script under the given name.
func (d *LXCDriver) Create(ctx context.Context, name string, networkDisabled bool) error {
	if _, err := d.run(ctx, "lxc-create", "-n", name, "-t", lxcTemplateScript); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "lxc-create failed", err)
	}
	for _, dir := range []string{confDir(name), hookDir(name)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "create lxc config dir", err)
		}
	}
	return nil
}

// Destroy force-removes a container.
func (d *LXCDriver) Destroy(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "lxc-destroy", "-f", "-n", name); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "lxc-destroy failed", err)
	}
	return nil
}

// Inspect returns the container's host pid, or 0 if it has none (stopped).
func (d *LXCDriver) Inspect(ctx context.Context, name string) (int, error) {
	stdout, err := d.run(ctx, "lxc-info", "-p", "-n", name)
	if err != nil {
		return 0, wherr.Wrap(wherr.KindBackendFailure, "lxc-info failed", err)
	}
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// ContainerPID satisfies netplumb.PIDLookup for a single bound container
// name, via BoundPIDLookup below.

// BoundPIDLookup adapts a Driver + fixed container name into
// netplumb.PIDLookup.
type BoundPIDLookup struct {
	Driver Driver
	Name   string
}

func (b BoundPIDLookup) ContainerPID(ctx context.Context) (int, error) {
	return b.Driver.Inspect(ctx, b.Name)
}

// Start writes net_*.conf snippets and boots the container, waiting up to
// timeout seconds for it to report RUNNING.
func (d *LXCDriver) Start(ctx context.Context, name string, vifs []types.VIF, netNames []string, timeout int) error {
	if err := d.AddInterfaces(ctx, name, vifs, false, netNames); err != nil {
		return err
	}
	if _, err := d.run(ctx, "lxc-start", "-n", name, "-d", "-l", "DEBUG", "-L", consoleLogFile(name)); err != nil {
		return wherr.Wrap(wherr.KindContainerStartFailed, "lxc-start failed", err)
	}
	if timeout <= 0 {
		timeout = 10
	}
	if _, err := d.run(ctx, "lxc-wait", "-n", name, "-s", "RUNNING", "-t", strconv.Itoa(timeout)); err != nil {
		return wherr.Wrap(wherr.KindContainerStartFailed, "container did not reach RUNNING", err)
	}
	return nil
}

// Stop refuses (informationally, not an error) to stop a container that
// isn't running.
func (d *LXCDriver) Stop(ctx context.Context, name string, timeout int) (string, error) {
	infos, err := d.List(ctx)
	if err != nil {
		return "", err
	}
	status := ""
	for _, i := range infos {
		if i.Name == name {
			status = i.Status
		}
	}
	if status != "RUNNING" {
		return fmt.Sprintf("Container %s is %s, can't stop it", name, status), nil
	}
	if _, err := d.run(ctx, "lxc-stop", "-n", name, "-t", strconv.Itoa(timeout)); err != nil {
		return "", wherr.Wrap(wherr.KindBackendFailure, "lxc-stop failed", err)
	}
	return "", nil
}

// Pause freezes a running container.
func (d *LXCDriver) Pause(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "lxc-freeze", "-n", name); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "lxc-freeze failed", err)
	}
	return nil
}

// Unpause thaws a paused container.
func (d *LXCDriver) Unpause(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "lxc-unfreeze", "-n", name); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "lxc-unfreeze failed", err)
	}
	return nil
}

// Exec runs argv inside the container's namespace via lxc-attach.
func (d *LXCDriver) Exec(ctx context.Context, name string, argv ...string) (string, error) {
	full := append([]string{"lxc-attach", "-n", name, "--"}, argv...)
	stdout, err := d.run(ctx, full...)
	if err != nil {
		return "", wherr.Wrap(wherr.KindBackendFailure, "lxc-attach failed", err)
	}
	return stdout, nil
}

// InjectFile writes content under the container's mounted rootfs.
func (d *LXCDriver) InjectFile(ctx context.Context, name, path, content string) error {
	dir := filepath.Join(lxcMountDir(), filepath.Dir(path))
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return wherr.New(wherr.KindNotFound, fmt.Sprintf("directory %s not found under container rootfs", filepath.Dir(path)))
	}
	full := filepath.Join(lxcMountDir(), path)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "write injected file", err)
	}
	return nil
}

// ReadFile mirrors InjectFile.
func (d *LXCDriver) ReadFile(ctx context.Context, name, path string) (string, error) {
	full := filepath.Join(lxcMountDir(), path)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", wherr.New(wherr.KindNotFound, fmt.Sprintf("file %s not found under container rootfs", path))
		}
		return "", wherr.Wrap(wherr.KindBackendFailure, "read injected file", err)
	}
	return string(data), nil
}

func consoleLogFile(name string) string {
	return filepath.Join(lxcPath(), name, "console.log")
}

// ConsoleOutput returns the last `lines` lines of the container's console
// log, the file lxc-start writes to when started with -L. No error is
// returned when the log doesn't exist yet; an empty string is, matching the
// "nothing captured yet" case rather than treating it as a failure.
func (d *LXCDriver) ConsoleOutput(ctx context.Context, name string, lines int) (string, error) {
	f, err := os.Open(consoleLogFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", wherr.Wrap(wherr.KindBackendFailure, "read console log", err)
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", wherr.Wrap(wherr.KindBackendFailure, "scan console log", err)
	}

	if lines <= 0 || lines >= len(all) {
		return strings.Join(all, "\n"), nil
	}
	return strings.Join(all[len(all)-lines:], "\n"), nil
}

// imageStoreDir holds the tarballs Push produces. No image registry
// backend exists (see httpapi's handleImageInfo); this is the agent's
// own local stand-in for one.
var imageStoreDir = "/var/lib/wormhole/images"

// Commit snapshots the container's current rootfs into a new LXC
// container named imageName via lxc-copy -s, the LXC analog of a
// container-to-image commit. The snapshot container is left stopped.
func (d *LXCDriver) Commit(ctx context.Context, name, imageName string) error {
	if _, err := d.run(ctx, "lxc-copy", "-n", name, "-N", imageName, "-s"); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "lxc-copy snapshot failed", err)
	}
	return nil
}

// Push archives a committed snapshot's rootfs to imageStoreDir as
// <imageID>.tar.gz. Best-effort: CreateImage logs rather than fails the
// task when Push errors, since the commit itself already succeeded.
func (d *LXCDriver) Push(ctx context.Context, imageName, imageID string) error {
	if err := os.MkdirAll(imageStoreDir, 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create image store dir", err)
	}
	dest := filepath.Join(imageStoreDir, imageID+".tar.gz")
	rootfs := filepath.Join(lxcPath(), imageName, "rootfs")
	if _, err := d.run(ctx, "tar", "czf", dest, "-C", rootfs, "."); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "archive image snapshot", err)
	}
	return nil
}

func confDir(name string) string { return filepath.Join(lxcPath(), name, "conf.d") }
func hookDir(name string) string { return filepath.Join(lxcPath(), name, "hooks") }

func deviceConfFile(name, device string) string {
	return filepath.Join(confDir(name), "dev_"+filepath.Base(device)+".conf")
}

func autodevHookScript(name, device string) string {
	return filepath.Join(hookDir(name), "autodev_"+filepath.Base(device)+".sh")
}

func netConfFile(name, vifPrefix string) string {
	return filepath.Join(confDir(name), "net_"+vifPrefix+".conf")
}

// AttachVolume grants the container access to device. In static mode it
// writes a cgroup-allow config snippet plus an autodev hook script that
// replays mknod for every partition of device at container start; in
// dynamic mode it uses lxc-device and writes straight to the live cgroup
// devices.allow file, covering 16 minor numbers from the device's base
// minor (room for up to 15 partitions).
func (d *LXCDriver) AttachVolume(ctx context.Context, name, device, mountDevice string, static bool) error {
	maj, min, err := majMin(device)
	if err != nil {
		return wherr.Wrap(wherr.KindValidation, fmt.Sprintf("%s is not a block device", device), err)
	}

	if !static {
		return d.dynamicAttachDetach(ctx, name, device, maj, min, true)
	}

	if err := os.MkdirAll(confDir(name), 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create lxc conf.d", err)
	}
	var sb strings.Builder
	for i := 0; i < 16; i++ {
		fmt.Fprintf(&sb, "lxc.cgroup.devices.allow = b %d:%d rwm\n", maj, min+i)
	}
	if err := os.WriteFile(deviceConfFile(name, device), []byte(sb.String()), 0o644); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "write device config", err)
	}

	if err := os.MkdirAll(hookDir(name), 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create lxc hooks dir", err)
	}
	script, err := autodevHookBody(device, maj)
	if err != nil {
		log.Logger.Warn().Str("device", device).Err(err).Msg("failed to read /proc/partitions for autodev hook")
		script = ""
	}
	if err := os.WriteFile(autodevHookScript(name, device), []byte(script), 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "write autodev hook", err)
	}

	log.WithContainerID(name).Info().Str("device", device).Str("path", deviceConfFile(name, device)).Msg("volume attached")
	return nil
}

// DetachVolume is the inverse of AttachVolume.
func (d *LXCDriver) DetachVolume(ctx context.Context, name, device, mountDevice string, static bool) error {
	maj, min, err := majMin(device)
	if err != nil {
		return wherr.Wrap(wherr.KindValidation, fmt.Sprintf("%s is not a block device", device), err)
	}

	if !static {
		if err := d.dynamicAttachDetach(ctx, name, device, maj, min, false); err != nil {
			return err
		}
	}

	for _, path := range []string{deviceConfFile(name, device), autodevHookScript(name, device)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithContainerID(name).Warn().Str("path", path).Err(err).Msg("failed to remove device artefact")
		}
	}
	return nil
}

func (d *LXCDriver) dynamicAttachDetach(ctx context.Context, name, device string, maj, min int, attach bool) error {
	action := "add"
	cgroupFile := "allow"
	if !attach {
		action = "del"
		cgroupFile = "deny"
	}
	if _, err := d.run(ctx, "lxc-device", "-n", name, action, device); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "lxc-device failed", err)
	}

	path := fmt.Sprintf("/sys/fs/cgroup/devices/lxc/%s/devices.%s", name, cgroupFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "open cgroup devices file", err)
	}
	defer f.Close()
	for i := 0; i <= 15; i++ {
		if _, err := fmt.Fprintf(f, "b %d:%d rwm\n", maj, min+i); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "write cgroup devices file", err)
		}
	}
	return nil
}

func autodevHookBody(device string, maj int) (string, error) {
	f, err := os.Open("/proc/partitions")
	if err != nil {
		return "", err
	}
	defer f.Close()

	base := filepath.Base(device)
	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		partName := fields[len(fields)-1]
		if !strings.HasPrefix(partName, base) {
			continue
		}
		fmt.Fprintf(&sb, "mknod --mode=0660 $LXC_ROOTFS_MOUNT/dev/%s b %s %s\n", partName, fields[0], fields[1])
	}
	return sb.String(), scanner.Err()
}

func majMin(device string) (maj, min int, err error) {
	var st syscall.Stat_t
	if err := syscall.Stat(device, &st); err != nil {
		return 0, 0, err
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFBLK {
		return 0, 0, fmt.Errorf("%s is not a block device", device)
	}
	dev := uint64(st.Rdev)
	maj = int((dev >> 8) & 0xfff)
	min = int((dev & 0xff) | ((dev >> 12) & 0xfff00))
	return maj, min, nil
}

// AddInterfaces writes one net_<id11>.conf snippet per vif. When append is
// false, every existing net_*.conf is deleted first.
func (d *LXCDriver) AddInterfaces(ctx context.Context, name string, vifs []types.VIF, appendMode bool, netNames []string) error {
	if err := os.MkdirAll(confDir(name), 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create lxc conf.d", err)
	}

	if !appendMode {
		entries, err := os.ReadDir(confDir(name))
		if err == nil {
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), "net_") && strings.HasSuffix(e.Name(), ".conf") {
					_ = os.Remove(filepath.Join(confDir(name), e.Name()))
				}
			}
		}
	}

	if len(netNames) == 0 {
		netNames = make([]string, len(vifs))
		for i := range vifs {
			netNames[i] = fmt.Sprintf("eth%d", i)
		}
	}

	for i, vif := range vifs {
		if i >= len(netNames) {
			break
		}
		netName := netNames[i]
		prefix := vif.IDPrefix()

		var gwLines string
		if netName == "eth0" {
			for _, sn := range vif.Subnets {
				if sn.Gateway != "" {
					gwLines += fmt.Sprintf("lxc.network.ipv4.gateway = %s\n", sn.Gateway)
				}
				for _, ip := range sn.IPs {
					gwLines += fmt.Sprintf("lxc.network.ipv4 = %s\n", ip)
				}
			}
		}

		conf := fmt.Sprintf(netConfTemplate, prefix, "qbr"+prefix, "tap"+prefix, netName, vif.Address, vif.EffectiveMTU(), gwLines)
		if err := os.WriteFile(netConfFile(name, prefix), []byte(conf), 0o644); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "write network config snippet", err)
		}
	}
	return nil
}

// RemoveInterfaces deletes the tap devices and their config snippets.
func (d *LXCDriver) RemoveInterfaces(ctx context.Context, name string, vifs []types.VIF) error {
	for _, vif := range vifs {
		prefix := vif.IDPrefix()
		_, _ = d.run(ctx, "ip", "link", "delete", "tap"+prefix)
		path := netConfFile(name, prefix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithContainerID(name).Warn().Str("path", path).Err(err).Msg("failed to remove network config snippet")
		}
	}
	return nil
}
