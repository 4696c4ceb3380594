// Package agent is the Container Controller (C6): the orchestration
// state machine over the one container this host runs. It owns the
// lifecycle transitions, drives C2 (volume mapper), C3 (network plumber)
// and C4 (container driver), and persists the last-seen network/bdm
// manifests so interface state survives an agent restart.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/wormhole/pkg/container"
	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/netplumb"
	"github.com/cuemby/wormhole/pkg/task"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/volumemap"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// Agent is the single-container orchestrator. All mutating entry points
// take the same mutex: spec.md's concurrency model requires that no two
// update_bdm runs interleave and that attach/detach of a given volume id
// are totally ordered, and a single per-instance lock is the simplest
// implementation that preserves both.
type Agent struct {
	mu sync.Mutex

	driver   container.Driver
	volumes  *volumemap.Mapper
	network  *netplumb.Plumber
	tasks    *task.Manager
	settings string // path to the persisted settings document

	containerName string
	rootDeviceID  string

	vifs []types.VIF
}

// New creates an Agent bound to its collaborators. containerName is the
// fixed backend handle this host's single container is known by.
func New(driver container.Driver, volumes *volumemap.Mapper, network *netplumb.Plumber, tasks *task.Manager, settingsPath, containerName string) *Agent {
	return &Agent{
		driver:        driver,
		volumes:       volumes,
		network:       network,
		tasks:         tasks,
		settings:      settingsPath,
		containerName: containerName,
		rootDeviceID:  volumemap.RootDeviceID,
	}
}

// Status is the coarse lifecycle status surfaced over HTTP.
type Status struct {
	Code    types.ContainerState
	Message string
}

// lookupContainer lists the backend and returns this host's container, if
// any. Per spec.md §3, if the backend somehow reports more than one, the
// first by listing order wins and a warning is emitted.
func (a *Agent) lookupContainer(ctx context.Context) (*container.Info, error) {
	infos, err := a.driver.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	if len(infos) > 1 {
		log.Logger.Warn().Int("count", len(infos)).Msg("backend reports more than one container, using the first")
	}
	return &infos[0], nil
}

// Status reports the agent's coarse view of the container's lifecycle
// state.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info, err := a.lookupContainer(ctx)
	if err != nil {
		return Status{}, err
	}
	if info == nil {
		return Status{Code: types.ContainerNoContainer, Message: "no container present"}, nil
	}

	switch info.Status {
	case "RUNNING":
		return Status{Code: types.ContainerRunning, Message: "container is running"}, nil
	case "FROZEN":
		return Status{Code: types.ContainerFrozen, Message: "container is paused"}, nil
	default:
		return Status{Code: types.ContainerStopped, Message: fmt.Sprintf("container is %s", info.Status)}, nil
	}
}

// CountContainersByState implements metrics.ContainerCounts.
func (a *Agent) CountContainersByState() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.lookupContainer(context.Background())
	counts := make(map[string]int)
	if err != nil || st == nil {
		counts[string(types.ContainerNoContainer)] = 1
		return counts
	}
	counts[st.Status] = 1
	return counts
}

// Create creates the container if absent; if one already exists, per
// spec.md §4.6 it logs and re-runs only the inject/attach side effects.
func (a *Agent) Create(ctx context.Context, rootVolumeID string, injectFiles [][2]string, adminPasswordB64 string, bdms []types.BDM) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.lookupContainer(ctx)
	if err != nil {
		return err
	}

	if existing == nil {
		if rootVolumeID != "" {
			if err := a.volumes.AddMapping(ctx, a.rootDeviceID, "/", "", true); err != nil {
				log.Logger.Warn().Err(err).Msg("create: root device mapping failed")
			}
		}
		if err := a.driver.Create(ctx, a.containerName, true); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "create container", err)
		}
	} else {
		log.Logger.Warn().Str("container", a.containerName).Msg("create: container already exists, re-running injection only")
	}

	for _, kv := range injectFiles {
		if err := a.driver.InjectFile(ctx, a.containerName, kv[0], kv[1]); err != nil {
			log.Logger.Warn().Str("path", kv[0]).Err(err).Msg("create: inject_files entry failed")
		}
	}
	if adminPasswordB64 != "" {
		if err := a.setAdminPassword(ctx, adminPasswordB64); err != nil {
			log.Logger.Warn().Err(err).Msg("create: admin password injection failed")
		}
	}
	for _, bdm := range bdms {
		if err := a.volumes.AddMapping(ctx, bdm.VolumeID, bdm.MountDevice, bdm.RealDevice, true); err != nil {
			log.Logger.Warn().Str("volume_id", bdm.VolumeID).Err(err).Msg("create: attach bdm entry failed")
		}
	}

	return nil
}

// Start reconciles the block-device manifest, attaches every mapping,
// plugs (not attaches) each vif, starts the backend, creates the netns,
// and persists the manifests seen.
func (a *Agent) Start(ctx context.Context, networkInfo []types.VIF, blockDeviceInfo types.BlockDeviceInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.volumes.Reconcile(ctx, blockDeviceInfo.BlockDeviceMapping); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "reconcile block devices", err)
	}
	for _, bdm := range blockDeviceInfo.BlockDeviceMapping {
		if err := a.volumes.AddMapping(ctx, bdm.VolumeID, bdm.MountDevice, "", true); err != nil {
			return err
		}
	}

	if len(networkInfo) > 0 {
		for _, vif := range networkInfo {
			if err := a.network.Plug(ctx, vif, a.containerName); err != nil {
				return wherr.Wrap(wherr.KindContainerStartFailed, "plug network interfaces", err)
			}
		}
	}

	netNames := make([]string, len(networkInfo))
	for i := range networkInfo {
		netNames[i] = fmt.Sprintf("eth%d", i)
	}
	if err := a.driver.Start(ctx, a.containerName, networkInfo, netNames, 10); err != nil {
		return err
	}

	if len(networkInfo) > 0 {
		if err := a.network.CreateNetns(ctx, a.containerName); err != nil {
			return wherr.Wrap(wherr.KindContainerStartFailed, "create netns", err)
		}
	}

	a.vifs = networkInfo
	return a.persistSettings(networkInfo, blockDeviceInfo)
}

func firstGatewayAndIP(vif types.VIF) (gateway, ip string) {
	for _, sn := range vif.Subnets {
		if gateway == "" {
			gateway = sn.Gateway
		}
		if ip == "" && len(sn.IPs) > 0 {
			ip = sn.IPs[0]
		}
	}
	return gateway, ip
}

// Stop stops the container with a 2-second ceiling, unpausing and
// retrying with the full timeout if the backend refuses because the
// container is paused.
func (a *Agent) Stop(ctx context.Context, timeout int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	capped := timeout
	if capped > 2 {
		capped = 2
	}
	msg, err := a.driver.Stop(ctx, a.containerName, capped)
	if err == nil {
		return msg, nil
	}

	if wherr.KindOf(err) == wherr.KindBackendFailure {
		if unpauseErr := a.driver.Unpause(ctx, a.containerName); unpauseErr == nil {
			return a.driver.Stop(ctx, a.containerName, timeout)
		}
	}
	return "", err
}

// Restart stops, tears down networking, and starts again.
func (a *Agent) Restart(ctx context.Context, networkInfo []types.VIF, blockDeviceInfo types.BlockDeviceInfo) error {
	if _, err := a.Stop(ctx, 2); err != nil {
		return err
	}

	a.mu.Lock()
	for _, vif := range a.vifs {
		a.network.Unplug(ctx, vif)
	}
	a.mu.Unlock()

	return a.Start(ctx, networkInfo, blockDeviceInfo)
}

// Pause freezes the container.
func (a *Agent) Pause(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Pause(ctx, a.containerName)
}

// Unpause thaws the container.
func (a *Agent) Unpause(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Unpause(ctx, a.containerName)
}

// AttachInterface plugs, picks an available eth name, attaches, and
// records the vif in the persisted settings.
func (a *Agent) AttachInterface(ctx context.Context, vif types.VIF) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.network.Plug(ctx, vif, a.containerName); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "plug vif", err)
	}

	remoteName, err := a.network.AvailableEthName(ctx, a.containerName)
	if err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "find available interface name", err)
	}
	gateway, ip := firstGatewayAndIP(vif)
	if err := a.network.Attach(ctx, vif, a.containerName, remoteName, gateway, ip); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "attach vif", err)
	}

	a.vifs = append(a.vifs, vif)
	return a.persistSettings(a.vifs, types.BlockDeviceInfo{})
}

// DetachInterface unplugs and removes a previously attached vif.
func (a *Agent) DetachInterface(ctx context.Context, vif types.VIF) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.network.Unplug(ctx, vif)
	if err := a.driver.RemoveInterfaces(ctx, a.containerName, []types.VIF{vif}); err != nil {
		log.WithVifID(vif.ID).Warn().Err(err).Msg("detach_interface: remove_interfaces failed")
	}

	remaining := a.vifs[:0]
	for _, v := range a.vifs {
		if v.ID != vif.ID {
			remaining = append(remaining, v)
		}
	}
	a.vifs = remaining
	return a.persistSettings(a.vifs, types.BlockDeviceInfo{})
}

// AttachVolume maps a volume id to a device, treating dynamic=true only
// when the container is currently running.
func (a *Agent) AttachVolume(ctx context.Context, volumeID, device, mountDevice string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	status, err := a.lookupContainer(ctx)
	if err != nil {
		return err
	}
	dynamic := status != nil && status.Status == "RUNNING"
	return a.volumes.AddMapping(ctx, volumeID, mountDevice, device, !dynamic)
}

// DetachVolume removes a volume mapping, also dynamic only while running.
func (a *Agent) DetachVolume(ctx context.Context, volumeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	status, err := a.lookupContainer(ctx)
	if err != nil {
		return err
	}
	dynamic := status != nil && status.Status == "RUNNING"
	return a.volumes.RemoveMapping(ctx, volumeID, true, !dynamic)
}

// InjectFiles writes a batch of path/content pairs through the driver,
// leaving the container as-is on any individual failure and reporting the
// specific path and reason.
func (a *Agent) InjectFiles(ctx context.Context, files [][2]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, kv := range files {
		if err := a.driver.InjectFile(ctx, a.containerName, kv[0], kv[1]); err != nil {
			return wherr.Wrap(wherr.KindInjectFailed, fmt.Sprintf("inject %s", kv[0]), err)
		}
	}
	return nil
}

// SetAdminPassword is the HTTP-facing wrapper around setAdminPassword.
func (a *Agent) SetAdminPassword(ctx context.Context, adminPasswordB64 string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setAdminPassword(ctx, adminPasswordB64)
}

// persistSettings writes the last-seen network/bdm manifests to the
// configured settings path via temp-file + rename, matching the durable
// write idiom used by pkg/storagegateway for its target files.
func (a *Agent) persistSettings(networkInfo []types.VIF, blockDeviceInfo types.BlockDeviceInfo) error {
	if a.settings == "" {
		return nil
	}
	doc := types.Settings{NetworkInfo: networkInfo, BlockDeviceInfo: blockDeviceInfo}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return wherr.Wrap(wherr.KindUnexpected, "marshal settings", err)
	}

	dir := filepath.Dir(a.settings)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create settings dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create temp settings file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return wherr.Wrap(wherr.KindBackendFailure, "write temp settings file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return wherr.Wrap(wherr.KindBackendFailure, "fsync temp settings file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return wherr.Wrap(wherr.KindBackendFailure, "close temp settings file", err)
	}
	if err := os.Rename(tmpName, a.settings); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "rename settings file", err)
	}
	return nil
}

// LoadSettings reads the persisted manifests back, used at agent startup
// to know what a restart needs to replay.
func (a *Agent) LoadSettings() (types.Settings, error) {
	data, err := os.ReadFile(a.settings)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Settings{}, nil
		}
		return types.Settings{}, wherr.Wrap(wherr.KindBackendFailure, "read settings", err)
	}
	var doc types.Settings
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Settings{}, wherr.Wrap(wherr.KindUnexpected, "parse settings", err)
	}
	return doc, nil
}

// ConsoleOutput returns the tail of the container's console log.
func (a *Agent) ConsoleOutput(ctx context.Context, lines int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.ConsoleOutput(ctx, a.containerName, lines)
}

// CreateImage schedules an async commit+push and returns its task. Commit
// snapshots the running container into a new LXC container named imageName;
// Push is best-effort and never fails the task once the commit succeeds, so
// a registry/archival hiccup doesn't roll back an otherwise-good snapshot.
func (a *Agent) CreateImage(ctx context.Context, imageName, imageID string) (*types.Task, error) {
	a.mu.Lock()
	containerName := a.containerName
	a.mu.Unlock()

	t := a.tasks.Add(func() error {
		taskCtx := context.Background()
		if err := a.driver.Commit(taskCtx, containerName, imageName); err != nil {
			return err
		}
		if err := a.driver.Push(taskCtx, imageName, imageID); err != nil {
			log.Logger.Warn().Err(err).Str("image", imageName).Msg("create-image: push failed, snapshot retained")
		}
		return nil
	})
	return t, nil
}

// ContainerPID implements netplumb.PIDLookup.
func (a *Agent) ContainerPID(ctx context.Context) (int, error) {
	return a.driver.Inspect(ctx, a.containerName)
}
