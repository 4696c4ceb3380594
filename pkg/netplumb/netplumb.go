// Package netplumb is the Network Plumber (C3): hybrid Linux-bridge/OVS
// virtual interface plugging, veth attach into a container's network
// namespace, and netns bring-up. Every artefact name derives from the
// first 11 characters of the VIF id (types.VIF.IDPrefix).
package netplumb

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// IntegrationBridge is the OVS bridge every per-VIF port lands on.
const IntegrationBridge = "br-int"

// PIDLookup resolves the host PID of the running container, returning 0
// when the container isn't up yet. Implemented by the container driver
// (C4); kept as a narrow interface here to avoid a dependency cycle.
type PIDLookup interface {
	ContainerPID(ctx context.Context) (int, error)
}

// Plumber owns the undo-stack-guarded bridge/OVS/veth operations.
type Plumber struct {
	runner   *runner.Runner
	pids     PIDLookup
	netnsDir string

	deviceMTU  int
	ovsTimeout int

	mu      sync.Mutex
	plugged map[string]bool // vif id -> plugged
}

// New creates a Plumber. pids may be nil until a container driver exists;
// SetPIDLookup rebinds it later. deviceMTU and ovsTimeout default to 9000
// and 120, the same defaults network_device_mtu and ovs_vsctl_timeout carry
// in configuration; SetDefaults overrides them once config is loaded.
func New(r *runner.Runner, pids PIDLookup) *Plumber {
	return &Plumber{
		runner:     r,
		pids:       pids,
		plugged:    make(map[string]bool),
		netnsDir:   "/var/run/netns",
		deviceMTU:  9000,
		ovsTimeout: 120,
	}
}

// SetDefaults overrides the device MTU and ovs-vsctl/ovs-ofctl timeout,
// zero values left at New's defaults.
func (p *Plumber) SetDefaults(deviceMTU, ovsTimeout int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deviceMTU != 0 {
		p.deviceMTU = deviceMTU
	}
	if ovsTimeout != 0 {
		p.ovsTimeout = ovsTimeout
	}
}

// SetPIDLookup rebinds the PID lookup used by CreateNetns.
func (p *Plumber) SetPIDLookup(pids PIDLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pids = pids
}

// SetNetnsDir overrides the directory CreateNetns symlinks into, for tests;
// production code keeps the default /var/run/netns.
func (p *Plumber) SetNetnsDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.netnsDir = dir
}

// PluggedCount implements metrics.VifCount.
func (p *Plumber) PluggedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plugged)
}

func brName(prefix string) string     { return truncate("qbr"+prefix, 14) }
func vmPortName(prefix string) string { return truncate("qvm"+prefix, 14) }
func tapName(prefix string) string    { return truncate("tap"+prefix, 14) }
func nsName(prefix string) string     { return truncate("ns"+prefix, 14) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// undoStack runs registered actions in reverse order on Rollback, mirroring
// the original's UndoManager: every mutating step registers its own
// inverse immediately after succeeding.
type undoStack struct {
	actions []func()
}

func (u *undoStack) push(fn func()) { u.actions = append(u.actions, fn) }

func (u *undoStack) rollback() {
	for i := len(u.actions) - 1; i >= 0; i-- {
		u.actions[i]()
	}
}

func (p *Plumber) run(ctx context.Context, argv ...string) (string, error) {
	stdout, _, err := p.runner.Run(ctx, argv, runner.Options{})
	return stdout, err
}

// ovsVsctl prepends ovs-vsctl plus its configured --timeout, mirroring
// _ovs_vsctl's full_args construction.
func (p *Plumber) ovsVsctl(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"ovs-vsctl", fmt.Sprintf("--timeout=%d", p.ovsTimeout)}, args...)
	return p.run(ctx, argv...)
}

func deviceExists(name string) bool {
	_, err := os.Stat("/sys/class/net/" + name)
	return err == nil
}

// Plug brings up the per-VIF bridge and OVS internal port. It is
// idempotent: if the host veth (tap<id11>) already exists it returns
// immediately, matching the original's "device already exists" shortcut.
func (p *Plumber) Plug(ctx context.Context, vif types.VIF, instanceID string) error {
	prefix := vif.IDPrefix()
	tap := tapName(prefix)
	if deviceExists(tap) {
		return nil
	}

	br := brName(prefix)
	vmPort := vmPortName(prefix)

	undo := &undoStack{}
	var opErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				opErr = fmt.Errorf("netplumb: plug panic: %v", r)
			}
		}()

		if !deviceExists(br) {
			if _, err := p.run(ctx, "brctl", "addbr", br); err != nil {
				opErr = err
				return
			}
			undo.push(func() { p.run(ctx, "brctl", "delbr", br) })

			if _, err := p.run(ctx, "brctl", "setfd", br, "0"); err != nil {
				opErr = err
				return
			}
			if _, err := p.run(ctx, "brctl", "stp", br, "off"); err != nil {
				opErr = err
				return
			}
			_, _, _ = p.runner.Run(ctx, []string{"tee", fmt.Sprintf("/sys/class/net/%s/bridge/multicast_snooping", br)}, runner.Options{Stdin: "0"})
		}

		if err := p.createOVSPort(ctx, vmPort, vif, instanceID); err != nil {
			opErr = err
			return
		}
		undo.push(func() { p.ovsVsctl(ctx, "--", "--if-exists", "del-port", IntegrationBridge, vmPort) })

		if _, err := p.run(ctx, "ip", "link", "set", br, "up"); err != nil {
			opErr = err
			return
		}
		if _, err := p.run(ctx, "ip", "link", "set", vmPort, "up"); err != nil {
			opErr = err
			return
		}
		if _, err := p.run(ctx, "brctl", "addif", br, vmPort); err != nil {
			opErr = err
			return
		}
	}()

	if opErr != nil {
		log.WithVifID(vif.ID).Error().Err(opErr).Msg("plug failed, rolling back")
		undo.rollback()
		return wherr.Wrap(wherr.KindInjectFailed, "plug vif", opErr)
	}

	p.mu.Lock()
	p.plugged[vif.ID] = true
	p.mu.Unlock()
	return nil
}

// createOVSPort adds the integration-bridge port and sets its MTU to the
// configured device default, not the VIF's own MTU: the per-vif MTU only
// applies inside the container's netns (see Attach), matching
// create_ovs_vif_port's separate _set_device_mtu(dev) call.
func (p *Plumber) createOVSPort(ctx context.Context, port string, vif types.VIF, instanceID string) error {
	_, _ = p.ovsVsctl(ctx, "--", "--if-exists", "del-port", IntegrationBridge, port)
	args := []string{
		"--", "add-port", IntegrationBridge, port,
		"--", "set", "Interface", port,
		"external-ids:iface-id=" + vif.ID,
		"external-ids:iface-status=active",
		"external-ids:attached-mac=" + vif.Address,
		"external-ids:vm-uuid=" + instanceID,
		"type=internal",
	}
	if _, err := p.ovsVsctl(ctx, args...); err != nil {
		return err
	}
	_, err := p.run(ctx, "ip", "link", "set", port, "mtu", strconv.Itoa(p.deviceMTU))
	return err
}

// Unplug tears down a VIF's bridge and OVS port. Errors are logged, not
// propagated, matching the original's best-effort unplug.
func (p *Plumber) Unplug(ctx context.Context, vif types.VIF) {
	prefix := vif.IDPrefix()
	br := brName(prefix)
	vmPort := vmPortName(prefix)

	if deviceExists(br) {
		if _, err := p.run(ctx, "brctl", "delif", br, vmPort); err != nil {
			log.WithVifID(vif.ID).Warn().Err(err).Msg("unplug: delif failed")
		}
		if _, err := p.run(ctx, "ip", "link", "set", br, "down"); err != nil {
			log.WithVifID(vif.ID).Warn().Err(err).Msg("unplug: link set down failed")
		}
		if _, err := p.run(ctx, "brctl", "delbr", br); err != nil {
			log.WithVifID(vif.ID).Warn().Err(err).Msg("unplug: delbr failed")
		}
	}

	_, _ = p.ovsVsctl(ctx, "--", "--if-exists", "del-port", IntegrationBridge, vmPort)
	if deviceExists(vmPort) {
		_, _ = p.run(ctx, "ip", "link", "delete", vmPort)
	}

	p.mu.Lock()
	delete(p.plugged, vif.ID)
	p.mu.Unlock()
}

// Attach creates the veth pair, wires the host side into the bridge, moves
// the container side into the netns, renames it, and configures
// addressing and MTU inside the namespace.
func (p *Plumber) Attach(ctx context.Context, vif types.VIF, containerNetns, newRemoteName string, gateway, ip string) error {
	prefix := vif.IDPrefix()
	tap := tapName(prefix)
	ns := nsName(prefix)
	br := brName(prefix)

	if deviceExists(tap) {
		if _, err := p.run(ctx, "ip", "link", "delete", tap); err != nil {
			log.WithVifID(vif.ID).Warn().Err(err).Msg("attach: stale tap delete failed")
		}
	}

	if _, err := p.run(ctx, "ip", "link", "add", "name", tap, "type", "veth", "peer", "name", ns); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "create veth pair", err)
	}
	if _, err := p.run(ctx, "brctl", "addif", br, tap); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "add veth to bridge", err)
	}
	if _, err := p.run(ctx, "ip", "link", "set", tap, "up"); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "bring up host veth", err)
	}
	if _, err := p.run(ctx, "ip", "link", "set", tap, "mtu", strconv.Itoa(p.deviceMTU)); err != nil {
		log.WithVifID(vif.ID).Warn().Err(err).Msg("attach: set host veth mtu failed")
	}
	if _, err := p.run(ctx, "ip", "link", "set", ns, "netns", containerNetns); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "move veth into netns", err)
	}

	nsExec := func(args ...string) error {
		full := append([]string{"ip", "netns", "exec", containerNetns}, args...)
		_, err := p.run(ctx, full...)
		return err
	}

	if err := nsExec("ip", "link", "set", "dev", ns, "name", newRemoteName); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "rename container-side veth", err)
	}
	if err := nsExec("ip", "link", "set", newRemoteName, "address", vif.Address); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "set vif mac address", err)
	}
	if ip != "" {
		if err := nsExec("ip", "addr", "add", ip, "dev", newRemoteName); err != nil {
			return wherr.Wrap(wherr.KindInjectFailed, "assign vif address", err)
		}
	}
	if err := nsExec("ip", "link", "set", newRemoteName, "up"); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "bring up container-side veth", err)
	}
	if err := nsExec("ip", "link", "set", newRemoteName, "mtu", strconv.Itoa(vif.EffectiveMTU())); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "set vif mtu", err)
	}
	if gateway != "" {
		if err := nsExec("ip", "route", "replace", "default", "via", gateway, "dev", newRemoteName); err != nil {
			log.WithVifID(vif.ID).Warn().Err(err).Msg("attach: set default route failed")
		}
	}
	if err := nsExec("ethtool", "--offload", newRemoteName, "tso", "off"); err != nil {
		log.WithVifID(vif.ID).Warn().Err(err).Msg("attach: disable tso failed")
	}

	return nil
}

// CreateNetns symlinks /var/run/netns/<containerID> to the container's
// /proc/<pid>/ns/net, polling the PID lookup up to 20 times at 0.5s
// intervals (a 10-second budget) until the container reports a live pid.
func (p *Plumber) CreateNetns(ctx context.Context, containerID string) error {
	p.mu.Lock()
	pids := p.pids
	p.mu.Unlock()
	if pids == nil {
		return wherr.New(wherr.KindUnexpected, "netplumb: no pid lookup configured")
	}

	var pid int
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		pid, err = pids.ContainerPID(ctx)
		if err == nil && pid != 0 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if pid == 0 {
		return wherr.New(wherr.KindContainerStartFailed, "container pid never became available")
	}

	if err := os.MkdirAll(p.netnsDir, 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create netns dir", err)
	}

	link := p.netnsDir + "/" + containerID
	_ = os.Remove(link)
	if err := os.Symlink(fmt.Sprintf("/proc/%d/ns/net", pid), link); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "symlink netns", err)
	}
	return nil
}

// AvailableEthName lists interfaces inside the container's netns and
// returns the lowest eth<n> name not already in use.
func (p *Plumber) AvailableEthName(ctx context.Context, containerNetns string) (string, error) {
	stdout, err := p.run(ctx, "ip", "netns", "exec", containerNetns, "ip", "link", "show")
	if err != nil {
		return "", wherr.Wrap(wherr.KindBackendFailure, "list container interfaces", err)
	}

	used := make(map[int]bool)
	for _, line := range strings.Split(stdout, "\n") {
		idx := strings.Index(line, ": eth")
		if idx < 0 {
			continue
		}
		rest := line[idx+len(": eth"):]
		end := strings.IndexAny(rest, "@: ")
		if end < 0 {
			end = len(rest)
		}
		n, err := strconv.Atoi(rest[:end])
		if err != nil {
			continue
		}
		used[n] = true
	}

	for i := 0; ; i++ {
		if !used[i] {
			return fmt.Sprintf("eth%d", i), nil
		}
	}
}
