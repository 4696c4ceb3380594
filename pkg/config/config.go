// Package config loads the agent's flat key/value configuration, the Go
// equivalent of the original oslo_config option registry: a single
// typed Options struct decoded from YAML, with hardcoded defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options holds every recognised configuration key from spec.md §6.
type Options struct {
	Port int `yaml:"port"`

	ContainerVolumeLinkDir string `yaml:"container_volume_link_dir"`
	VolumeDDBlocksize      string `yaml:"volume_dd_blocksize"`

	OVSVsctlTimeout  int `yaml:"ovs_vsctl_timeout"`
	NetworkDeviceMTU int `yaml:"network_device_mtu"`

	LXCVifDriver string `yaml:"lxc_vif_driver"`

	SGServerHost string `yaml:"sg_server_host"`
	SGServerPort int    `yaml:"sg_server_port"`
	SGTargetsDir string `yaml:"sg_targets_dir"`

	FakeExecute                bool `yaml:"fake_execute"`
	FatalExceptionFormatErrors bool `yaml:"fatal_exception_format_errors"`

	SettingsPath string `yaml:"settings_path"`
	LXCConfigDir string `yaml:"lxc_config_dir"`
	LXCRootfsDir string `yaml:"lxc_rootfs_dir"`
}

// Defaults returns the option set with every default from spec.md §6
// applied.
func Defaults() Options {
	return Options{
		Port:                       7127,
		ContainerVolumeLinkDir:     "/var/lib/wormhole/.by-volume-id",
		VolumeDDBlocksize:          "1M",
		OVSVsctlTimeout:            120,
		NetworkDeviceMTU:           9000,
		LXCVifDriver:               "ovs-hybrid",
		SGServerHost:               "127.0.0.1",
		SGServerPort:               3260,
		SGTargetsDir:               "/etc/tgt/storage-gateway.d",
		FakeExecute:                false,
		FatalExceptionFormatErrors: false,
		SettingsPath:               "/var/lib/wormhole/settings.json",
		LXCConfigDir:               "/var/lib/lxc",
		LXCRootfsDir:               "/lxc",
	}
}

// Load reads a YAML file at path and overlays it on top of Defaults().
// A missing file is not an error: the caller runs on defaults alone, the
// same behaviour as an oslo_config deployment with no config file present.
func Load(path string) (Options, error) {
	opts := Defaults()

	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return opts, nil
}
