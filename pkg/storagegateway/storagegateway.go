// Package storagegateway is the Storage-Gateway Controller (C8): it
// persists one tgt target-definition file per volume under targets_dir and
// drives the local tgt-admin daemon to enable/disable replication of that
// volume's backing device.
//
// The original keeps every target spliced into one shared
// /etc/tgt/targets.conf via sed -i; that file is redesigned here into
// one-file-per-volume, removing the shared-file race between concurrent
// enable/disable calls.
package storagegateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/wherr"
)

// DefaultTargetsDir is sg.targets_dir's default value.
const DefaultTargetsDir = "/etc/tgt/storage-gateway.d"

const targetTemplate = `#target-for-%s
<target %s>
    bs-type hijacker
    bsopts "host=%s;port=%s;volume=%s;device=%s"
    backing-store %s
    initiator-address ALL
</target>
`

// Controller is C8.
type Controller struct {
	runner     *runner.Runner
	targetsDir string
	host       string
	port       string
}

// New creates a Controller. host/port are sg.server_host/sg.server_port.
func New(r *runner.Runner, targetsDir, host, port string) *Controller {
	if targetsDir == "" {
		targetsDir = DefaultTargetsDir
	}
	return &Controller{runner: r, targetsDir: targetsDir, host: host, port: port}
}

func (c *Controller) targetFile(volumeID string) string {
	return filepath.Join(c.targetsDir, volumeID)
}

// EnableSG writes the volume's target file and tells tgt-admin to pick it up.
func (c *Controller) EnableSG(ctx context.Context, targetIQN, volumeID, device string) error {
	if err := c.persistConf(targetIQN, volumeID, device); err != nil {
		return err
	}
	if _, _, err := c.runner.Run(ctx, []string{"tgt-admin", "--update", targetIQN}, runner.Options{}); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "tgt-admin --update failed", err)
	}
	return nil
}

// persistConf writes volumeID's target file with a temp-file + rename +
// directory-fsync, so a crash mid-write never leaves a torn target file
// that tgt-admin --update could half-parse.
func (c *Controller) persistConf(targetIQN, volumeID, device string) error {
	if err := os.MkdirAll(c.targetsDir, 0o755); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create targets dir", err)
	}

	content := fmt.Sprintf(targetTemplate, volumeID, targetIQN, c.host, c.port, volumeID, device, device)

	tmp, err := os.CreateTemp(c.targetsDir, ".target-*.tmp")
	if err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "create temp target file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return wherr.Wrap(wherr.KindBackendFailure, "write temp target file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return wherr.Wrap(wherr.KindBackendFailure, "fsync temp target file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return wherr.Wrap(wherr.KindBackendFailure, "close temp target file", err)
	}

	final := c.targetFile(volumeID)
	if err := os.Rename(tmpName, final); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "rename target file", err)
	}

	dir, err := os.Open(c.targetsDir)
	if err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "open targets dir for fsync", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "fsync targets dir", err)
	}

	return nil
}

// DisableSG force-deletes the live tgt target, verifies it is gone via
// tgt-admin --show, and unlinks the volume's persisted target file.
func (c *Controller) DisableSG(ctx context.Context, targetIQN, volumeID string) error {
	if _, _, err := c.runner.Run(ctx, []string{"tgt-admin", "--force", "--delete", targetIQN}, runner.Options{}); err != nil {
		log.Logger.Warn().Str("iqn", targetIQN).Err(err).Msg("tgt-admin --force --delete failed")
	}

	if present, err := c.targetPresent(ctx, targetIQN); err != nil {
		log.Logger.Warn().Str("iqn", targetIQN).Err(err).Msg("failed to verify target absence")
	} else if present {
		if _, _, err := c.runner.Run(ctx, []string{"tgt-admin", "--delete", targetIQN}, runner.Options{}); err != nil {
			return wherr.Wrap(wherr.KindBackendFailure, "tgt-admin --delete failed", err)
		}
	}

	path := c.targetFile(volumeID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wherr.Wrap(wherr.KindBackendFailure, "remove target file", err)
	}
	return nil
}

// EnableReplication, DisableReplication, CreateSnapshot, DeleteSnapshot,
// CreateBackup and DeleteBackup are no-ops, matching the original's own
// stub methods of the same name: this agent's storage gateway is a local
// iSCSI export point, and replication/snapshot/backup are handled by the
// storage backend itself, not by wormholed.
func (c *Controller) EnableReplication(ctx context.Context, volumeID string) error  { return nil }
func (c *Controller) DisableReplication(ctx context.Context, volumeID string) error { return nil }
func (c *Controller) CreateSnapshot(ctx context.Context, volumeID, snapshotID string) error {
	return nil
}
func (c *Controller) DeleteSnapshot(ctx context.Context, snapshotID string) error { return nil }
func (c *Controller) CreateBackup(ctx context.Context, volumeID, backupID string) error {
	return nil
}
func (c *Controller) DeleteBackup(ctx context.Context, backupID string) error { return nil }

// targetPresent parses `tgt-admin --show` for a line naming targetIQN.
func (c *Controller) targetPresent(ctx context.Context, targetIQN string) (bool, error) {
	stdout, _, err := c.runner.Run(ctx, []string{"tgt-admin", "--show"}, runner.Options{})
	if err != nil {
		return false, wherr.Wrap(wherr.KindBackendFailure, "tgt-admin --show failed", err)
	}
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, targetIQN) {
			return true, nil
		}
	}
	return false, nil
}
