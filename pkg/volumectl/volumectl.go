// Package volumectl is the Volume Controller (C7): host block-device
// listing with an optional SCSI rescan, volume cloning via a
// probed-for-O_DIRECT dd invocation handed off to the task manager, device
// removal, and thin iSCSI connector wrappers.
package volumectl

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/task"
	"github.com/cuemby/wormhole/pkg/types"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// DeviceResolver is the subset of the volume mapper (C2) this controller
// needs: resolving a volume id to its host device path.
type DeviceResolver interface {
	DeviceForVolume(volumeID string) (string, bool)
	ListHostDevices(ctx context.Context) ([]string, error)
}

// Ref is one side of a clone request: a volume id plus its size in GiB, the
// shape the orchestrator submits for both `volume` and `src_vref`.
type Ref struct {
	ID   string
	Size int64 // GiB
}

// Controller is C7.
type Controller struct {
	runner    *runner.Runner
	devices   DeviceResolver
	tasks     *task.Manager
	blocksize string // volume_dd_blocksize config option, default "1M"
}

// New creates a Controller. blocksize is the configured default dd block
// size ("1M" if empty).
func New(r *runner.Runner, devices DeviceResolver, tasks *task.Manager, blocksize string) *Controller {
	if blocksize == "" {
		blocksize = "1M"
	}
	return &Controller{runner: r, devices: devices, tasks: tasks, blocksize: blocksize}
}

// List optionally rescans the SCSI bus, then returns the host-device names
// from C2's listing.
func (c *Controller) List(ctx context.Context, scan bool) ([]string, error) {
	if scan {
		log.Logger.Debug().Msg("scanning host scsi devices")
		if _, _, err := c.runner.Run(ctx, []string{
			"bash", "-c", "for f in /sys/class/scsi_host/host*/scan; do echo '- - -' > $f; done",
		}, runner.Options{}); err != nil {
			log.Logger.Warn().Err(err).Msg("scsi rescan failed, listing devices anyway")
		}
	}
	return c.devices.ListHostDevices(ctx)
}

func (c *Controller) resolveDevice(volumeID string) (string, error) {
	device, ok := c.devices.DeviceForVolume(volumeID)
	if !ok {
		return "", wherr.New(wherr.KindNotFound, fmt.Sprintf("no device mapping for volume %s", volumeID))
	}
	return device, nil
}

// Clone schedules an async dd copy of size min(src.Size, dst.Size) GiB from
// src's device to dst's device, returning a task the caller polls.
func (c *Controller) Clone(ctx context.Context, dst, src Ref) (*types.Task, error) {
	srcDevice, err := c.resolveDevice(src.ID)
	if err != nil {
		return nil, err
	}
	dstDevice, err := c.resolveDevice(dst.ID)
	if err != nil {
		return nil, err
	}

	sizeGiB := src.Size
	if dst.Size < sizeGiB {
		sizeGiB = dst.Size
	}
	sizeMiB := sizeGiB * 1024

	t := c.tasks.Add(func() error {
		return c.copyVolume(context.Background(), srcDevice, dstDevice, sizeMiB)
	})
	return t, nil
}

// copyVolume runs the dd invocation, probing for O_DIRECT support on both
// sides and falling back to conv=fdatasync when it's unavailable.
func (c *Controller) copyVolume(ctx context.Context, src, dst string, sizeMiB int64) error {
	count := CalculateCount(sizeMiB, c.blocksize)

	argv := []string{"dd", "if=" + src, "of=" + dst, "bs=" + c.blocksize, "count=" + strconv.FormatInt(count, 10)}
	if c.directIOSupported(ctx, src) && c.directIOSupported(ctx, dst) {
		argv = append(argv, "iflag=direct", "oflag=direct")
	} else {
		argv = append(argv, "conv=fdatasync")
	}

	if _, _, err := c.runner.Run(ctx, append([]string{"ionice", "-c2", "-n7"}, argv...), runner.Options{}); err != nil {
		log.Logger.Warn().Err(err).Msg("ionice-wrapped copy failed, retrying unwrapped")
		if _, _, err := c.runner.Run(ctx, argv, runner.Options{}); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "dd copy failed", err)
		}
	}
	return nil
}

// directIOSupported probes whether O_DIRECT opens succeed against device,
// via a throwaway zero-byte dd read.
func (c *Controller) directIOSupported(ctx context.Context, device string) bool {
	_, _, err := c.runner.Run(ctx, []string{"dd", "if=" + device, "of=/dev/null", "bs=512", "count=0", "iflag=direct"}, runner.Options{})
	return err == nil
}

// CalculateCount is _calculate_count: blocksize starting with "-" or "0", or
// containing ".", is rejected in favour of the 1M default; otherwise it
// returns ceil(sizeInMiB * 1MiB / blocksizeBytes).
func CalculateCount(sizeInMiB int64, blocksize string) int64 {
	bs := parseBlocksize(blocksize)
	if bs <= 0 {
		bs = parseBlocksize("1M")
	}
	totalBytes := sizeInMiB * (1 << 20)
	return int64(math.Ceil(float64(totalBytes) / float64(bs)))
}

func parseBlocksize(s string) int64 {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "0") || strings.Contains(s, ".") {
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
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n * mult
}

// RemoveDevice flushes buffers and deletes a host block device through its
// SCSI sysfs delete node.
func (c *Controller) RemoveDevice(ctx context.Context, name string) error {
	devPath := "/dev/" + filepath.Base(name)
	if _, _, err := c.runner.Run(ctx, []string{"blockdev", "--flushbufs", devPath}, runner.Options{}); err != nil {
		log.Logger.Warn().Str("device", devPath).Err(err).Msg("flushbufs failed, attempting delete anyway")
	}

	deletePath := fmt.Sprintf("/sys/block/%s/device/delete", filepath.Base(name))
	f, err := os.OpenFile(deletePath, os.O_WRONLY, 0)
	if err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "open device delete node", err)
	}
	defer f.Close()
	if _, err := f.WriteString("1"); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "write device delete node", err)
	}
	return nil
}

// ConnectVolume attaches an iSCSI target through iscsiadm, the same thin
// argv wrapper the original layers over os_brick's initiator connector (no
// Go iSCSI initiator library exists in this agent's retrieval pack).
func (c *Controller) ConnectVolume(ctx context.Context, portal, iqn string) (string, error) {
	if _, _, err := c.runner.Run(ctx, []string{"iscsiadm", "-m", "node", "-T", iqn, "-p", portal, "--op=new"}, runner.Options{}); err != nil {
		return "", wherr.Wrap(wherr.KindBackendFailure, "iscsiadm discover target", err)
	}
	if _, _, err := c.runner.Run(ctx, []string{"iscsiadm", "-m", "node", "-T", iqn, "-p", portal, "--login"}, runner.Options{}); err != nil {
		return "", wherr.Wrap(wherr.KindBackendFailure, "iscsiadm login", err)
	}
	return fmt.Sprintf("/dev/disk/by-path/ip-%s-iscsi-%s-lun-0", portal, iqn), nil
}

// DisconnectVolume logs out of and removes an iSCSI target node.
func (c *Controller) DisconnectVolume(ctx context.Context, portal, iqn string) error {
	if _, _, err := c.runner.Run(ctx, []string{"iscsiadm", "-m", "node", "-T", iqn, "-p", portal, "--logout"}, runner.Options{}); err != nil {
		log.Logger.Warn().Str("iqn", iqn).Err(err).Msg("iscsiadm logout failed")
	}
	if _, _, err := c.runner.Run(ctx, []string{"iscsiadm", "-m", "node", "-T", iqn, "-p", portal, "--op=delete"}, runner.Options{}); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "iscsiadm remove node", err)
	}
	return nil
}
