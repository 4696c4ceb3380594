// Package volumemap is the Volume Mapper (C2): the single source of truth
// for volume-id <-> host-device bindings, persisted as a directory of
// symlinks, plus the reconciliation algorithm that re-derives that mapping
// after the container (and its block devices) have been manipulated
// out-of-band by the cloud orchestrator.
package volumemap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// RootDeviceID is the reserved volume id naming the container's root
// device; it is never removed by RemoveMapping.
const RootDeviceID = "data-device-link"

// MountPointNone means "device-allowed in cgroup but not mounted".
const MountPointNone = "none"

// VolumeAttacher is the container driver's attach/detach surface. The
// mapper is container-agnostic: whatever holds the current container id
// (the agent package, C6) supplies an attacher bound to that container.
type VolumeAttacher interface {
	AttachVolume(ctx context.Context, device, mountDevice string, static bool) error
	DetachVolume(ctx context.Context, device, mountDevice string, static bool) error
}

// hostDevice is one line of `lsblk -dn -o name,type,maj:min,size` filtered
// to disks.
type hostDevice struct {
	Name    string
	MajMin  string
	SizeRaw string
	SizeB   int64
}

// Mapper owns the volume-id <-> device map and mount-point overlay.
type Mapper struct {
	linkDir string
	runner  *runner.Runner
	attach  VolumeAttacher

	mu         sync.Mutex
	volumes    map[string]string // volume id -> /dev/xxx
	mounts     map[string]string // device -> mount point ("none" allowed)
	rootDevice string
}

// New creates a Mapper over linkDir. The attacher may be nil at
// construction and wired in later via SetAttacher once the container
// controller knows the active container.
func New(linkDir string, r *runner.Runner, attacher VolumeAttacher) *Mapper {
	return &Mapper{
		linkDir: linkDir,
		runner:  r,
		attach:  attacher,
		volumes: make(map[string]string),
		mounts:  make(map[string]string),
	}
}

// SetAttacher rebinds the volume attacher, e.g. once a container exists.
func (m *Mapper) SetAttacher(a VolumeAttacher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attach = a
}

// Setup ensures the link directory exists and loads every symlink whose
// target begins with /dev/ into the in-memory map. No failure here is
// fatal: a directory that cannot be created or read, or an entry that is
// not a symlink, is logged and skipped.
func (m *Mapper) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.linkDir, 0o755); err != nil {
		log.Logger.Warn().Str("path", m.linkDir).Err(err).Msg("volumemap: create link dir failed")
		return nil
	}

	entries, err := os.ReadDir(m.linkDir)
	if err != nil {
		log.Logger.Warn().Str("path", m.linkDir).Err(err).Msg("volumemap: read link dir failed")
		return nil
	}

	for _, entry := range entries {
		volumeID := entry.Name()
		linkPath := filepath.Join(m.linkDir, volumeID)

		target, err := os.Readlink(linkPath)
		if err != nil {
			log.Logger.Warn().Str("path", linkPath).Err(err).Msg("not a symlink, skipping")
			continue
		}
		if !strings.HasPrefix(target, "/dev/") {
			continue
		}
		m.volumes[volumeID] = target
		if volumeID == RootDeviceID {
			m.rootDevice = target
		}
	}
	return nil
}

// AddMapping records volumeID -> device, (re)creates the symlink, and
// optionally attaches the device to the container.
//
// If device is empty, the device is resolved from an existing mapping; if
// none exists, the call logs a warning and does nothing else.
func (m *Mapper) AddMapping(ctx context.Context, volumeID, mountPoint, device string, static bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if device == "" {
		existing, ok := m.volumes[volumeID]
		if !ok {
			log.Logger.Warn().Str("volume_id", volumeID).Msg("add_mapping: no device given and no existing symlink, skipping")
			return nil
		}
		device = existing
	} else if !strings.HasPrefix(device, "/dev/") {
		device = "/dev/" + device
	}

	linkPath := filepath.Join(m.linkDir, volumeID)
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return wherr.Wrap(wherr.KindBackendFailure, "remove stale volume symlink", err)
	}
	if err := os.Symlink(device, linkPath); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create volume symlink", err)
	}

	m.volumes[volumeID] = device
	m.mounts[device] = mountPoint
	if volumeID == RootDeviceID {
		m.rootDevice = device
	}

	if mountPoint != MountPointNone && m.attach != nil {
		if err := m.attach.AttachVolume(ctx, device, mountPoint, static); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "attach volume to container", err)
		}
	}

	log.WithVolumeID(volumeID).Info().Str("device", device).Msg("volume mapping added")
	return nil
}

// RemoveMapping deletes a volume's symlink and mapping. It refuses to
// remove the reserved root device. When ensure is true, it double-checks
// the device is really gone via fdisk -l before force-deleting it through
// the SCSI delete sysfs node.
func (m *Mapper) RemoveMapping(ctx context.Context, volumeID string, ensure, static bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	linkPath := filepath.Join(m.linkDir, volumeID)
	device, ok := m.volumes[volumeID]
	if !ok {
		target, err := os.Readlink(linkPath)
		if err != nil {
			return nil // nothing to remove
		}
		device = target
	}

	if m.rootDevice != "" && (device == m.rootDevice || strings.HasPrefix(m.rootDevice, device)) {
		return wherr.New(wherr.KindValidation, fmt.Sprintf("refusing to remove root device mapping for %s", volumeID))
	}

	if ensure {
		stillVisible, err := m.deviceVisible(ctx, device)
		if err != nil {
			log.Logger.Warn().Str("device", device).Err(err).Msg("failed to probe device visibility, proceeding with removal")
		} else if stillVisible {
			log.Logger.Warn().Str("device", device).Msg("device still visible to the kernel, forcing removal")
			if err := m.forceDeleteDevice(ctx, device); err != nil {
				log.Logger.Warn().Str("device", device).Err(err).Msg("force-delete via scsi sysfs failed")
			}
		}
	}

	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return wherr.Wrap(wherr.KindBackendFailure, "remove volume symlink", err)
	}

	delete(m.volumes, volumeID)
	mountPoint := m.mounts[device]
	delete(m.mounts, device)

	if m.attach != nil {
		if err := m.attach.DetachVolume(ctx, device, mountPoint, static); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "detach volume from container", err)
		}
	}

	log.WithVolumeID(volumeID).Info().Str("device", device).Msg("volume mapping removed")
	return nil
}

func (m *Mapper) deviceVisible(ctx context.Context, device string) (bool, error) {
	stdout, _, err := m.runner.Run(ctx, []string{"fdisk", "-l"}, runner.Options{})
	if err != nil {
		return false, err
	}
	return strings.Contains(stdout, device), nil
}

func (m *Mapper) forceDeleteDevice(ctx context.Context, device string) error {
	base := filepath.Base(device)
	path := fmt.Sprintf("/sys/class/scsi_device/*/device/block/%s/../delete", base)
	matches, _ := filepath.Glob(path)
	if len(matches) == 0 {
		return fmt.Errorf("no scsi delete node found for %s", base)
	}
	f, err := os.OpenFile(matches[0], os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("1")
	return err
}

var diskNameRe = regexp.MustCompile(`^x?[a-z]?d?[a-z]$`)

// ListHostDevices runs `lsblk -dn -o name,type,maj:min,size`, keeps disks
// whose name matches the expected naming scheme and excludes names ending
// in "da" (the system root disk), returning an ordered list.
func (m *Mapper) ListHostDevices(ctx context.Context) ([]string, error) {
	devices, err := m.listHostDevicesDetailed(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return names, nil
}

func (m *Mapper) listHostDevicesDetailed(ctx context.Context) ([]hostDevice, error) {
	stdout, _, err := m.runner.Run(ctx, []string{"lsblk", "-dn", "-o", "name,type,maj:min,size"}, runner.Options{})
	if err != nil {
		return nil, wherr.Wrap(wherr.KindBackendFailure, "lsblk failed", err)
	}

	var devices []hostDevice
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name, typ, majMin, size := fields[0], fields[1], fields[2], fields[3]
		if typ != "disk" {
			continue
		}
		if strings.HasSuffix(name, "da") {
			continue
		}
		if !diskNameRe.MatchString(name) {
			continue
		}
		devices = append(devices, hostDevice{Name: name, MajMin: majMin, SizeRaw: size, SizeB: parseSize(size)})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

// DeviceForVolume resolves a volume id to its mapped host device path, the
// direct equivalent of the original's `_get_device`. The second return
// value is false when no mapping is known.
func (m *Mapper) DeviceForVolume(volumeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.volumes[volumeID]
	return device, ok
}

// MappingCount implements metrics.VolumeMappingCount.
func (m *Mapper) MappingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.volumes)
}

// Reconcile is update_bdm: given the desired block-device manifest, bring
// the in-memory map (and the symlink directory) back in line with it,
// pairing newly-visible host devices to newly-desired volume ids by size
// when the orchestrator gives no other evidence of identity.
func (m *Mapper) Reconcile(ctx context.Context, bdms []types.BDM) error {
	desired := make(map[string]types.BDM, len(bdms))
	for _, b := range bdms {
		desired[b.VolumeID] = b
	}

	m.mu.Lock()
	current := make(map[string]string, len(m.volumes))
	for k, v := range m.volumes {
		current[k] = v
	}
	m.mu.Unlock()

	liveDevices, err := m.listHostDevicesDetailed(ctx)
	if err != nil {
		return err
	}
	liveBySize := make(map[int64][]hostDevice)
	for _, d := range liveDevices {
		liveBySize[d.SizeB] = append(liveBySize[d.SizeB], d)
	}

	toRemove := make(map[string]bool)
	for id := range current {
		if _, stillDesired := desired[id]; !stillDesired {
			toRemove[id] = true
		}
	}

	// Common volume ids: remove when the device is gone, or lsblk now
	// reports the mapped device name with a size other than the one the
	// manifest asks for.
	for id, bdm := range desired {
		devicePath, ok := current[id]
		if !ok {
			continue
		}
		exists, _ := m.deviceVisible(ctx, devicePath)
		if !exists {
			toRemove[id] = true
			continue
		}
		wantSize := parseSizeSpec(bdm.Size)
		if wantSize == 0 {
			continue // "0G" (unknown size) never forces a removal by size mismatch
		}
		name := filepath.Base(devicePath)
		for _, d := range liveDevices {
			if d.Name == name && d.SizeB != wantSize {
				toRemove[id] = true
				break
			}
		}
	}

	for id := range toRemove {
		if id == RootDeviceID {
			continue
		}
		if err := m.RemoveMapping(ctx, id, false, true); err != nil {
			log.WithVolumeID(id).Warn().Err(err).Msg("reconcile: remove_mapping failed")
		}
		delete(current, id)
	}

	var toAdd []string
	for id := range desired {
		if _, ok := current[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	sort.Strings(toAdd)

	claimed := make(map[string]bool)
	for _, dev := range current {
		claimed[filepath.Base(dev)] = true
	}

	addBySize := make(map[int64][]string)
	var zeroSized []string
	for _, id := range toAdd {
		size := parseSizeSpec(desired[id].Size)
		if size == 0 {
			zeroSized = append(zeroSized, id)
			continue
		}
		addBySize[size] = append(addBySize[size], id)
	}

	assign := func(size int64, ids []string) map[string]bool {
		placed := make(map[string]bool)
		var free []hostDevice
		for _, d := range liveBySize[size] {
			if !claimed[d.Name] {
				free = append(free, d)
			}
		}
		sort.Strings(ids)
		sort.Slice(free, func(i, j int) bool { return free[i].Name < free[j].Name })
		n := len(ids)
		if len(free) < n {
			n = len(free)
		}
		for i := 0; i < n; i++ {
			bdm := desired[ids[i]]
			if err := m.AddMapping(ctx, ids[i], bdm.MountDevice, "/dev/"+free[i].Name, true); err != nil {
				log.WithVolumeID(ids[i]).Warn().Err(err).Msg("reconcile: add_mapping failed")
				continue
			}
			claimed[free[i].Name] = true
			placed[ids[i]] = true
		}
		return placed
	}

	for size, ids := range addBySize {
		assign(size, ids)
	}
	// Zero-sized (unknown size) volumes may match any remaining free device,
	// tried one size bucket at a time until all are placed or none fit.
	for size := range liveBySize {
		if len(zeroSized) == 0 {
			break
		}
		placed := assign(size, zeroSized)
		if len(placed) == 0 {
			continue
		}
		var remaining []string
		for _, id := range zeroSized {
			if !placed[id] {
				remaining = append(remaining, id)
			}
		}
		zeroSized = remaining
	}

	return nil
}

// parseSize parses an lsblk human size like "3G"/"512M" into bytes.
func parseSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	unit := s[len(s)-1]
	mult := int64(1)
	numPart := s
	switch unit {
	case 'K', 'k':
		mult = 1 << 10
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mult = 1 << 30
		numPart = s[:len(s)-1]
	case 'T', 't':
		mult = 1 << 40
		numPart = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0
	}
	return int64(f * float64(mult))
}

// parseSizeSpec parses a BDM.Size field ("3G", "0G") the same way.
func parseSizeSpec(s string) int64 {
	return parseSize(s)
}
