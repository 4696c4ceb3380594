// Command wormholed runs the per-host agent: the HTTP control plane of
// spec.md §6 over the container, volume and storage-gateway controllers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/wormhole/pkg/agent"
	"github.com/cuemby/wormhole/pkg/config"
	"github.com/cuemby/wormhole/pkg/container"
	"github.com/cuemby/wormhole/pkg/httpapi"
	"github.com/cuemby/wormhole/pkg/log"
	"github.com/cuemby/wormhole/pkg/metrics"
	"github.com/cuemby/wormhole/pkg/netplumb"
	"github.com/cuemby/wormhole/pkg/runner"
	"github.com/cuemby/wormhole/pkg/storagegateway"
	"github.com/cuemby/wormhole/pkg/task"
	"github.com/cuemby/wormhole/pkg/volumectl"
	"github.com/cuemby/wormhole/pkg/volumemap"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wormholed",
	Short:   "wormholed manages one host's container, its network interfaces and its block volumes",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wormholed version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// boundAttacher adapts the driver's per-container volume attach/detach
// calls into volumemap.VolumeAttacher, the same way container.BoundPIDLookup
// binds PID lookups to this host's single container name.
type boundAttacher struct {
	driver container.Driver
	name   string
}

func (b boundAttacher) AttachVolume(ctx context.Context, device, mountDevice string, static bool) error {
	return b.driver.AttachVolume(ctx, b.name, device, mountDevice, static)
}

func (b boundAttacher) DetachVolume(ctx context.Context, device, mountDevice string, static bool) error {
	return b.driver.DetachVolume(ctx, b.name, device, mountDevice, static)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent's HTTP control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("container-name", "", "Backend handle for this host's single container (default: hostname)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	opts, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	containerName, _ := cmd.Flags().GetString("container-name")
	if containerName == "" {
		if h, err := os.Hostname(); err == nil {
			containerName = h
		} else {
			containerName = "wormhole"
		}
	}

	metrics.SetVersion(Version)

	container.SetDirs(opts.LXCConfigDir, opts.LXCRootfsDir)

	r := runner.New()
	r.FakeExecute = opts.FakeExecute
	driver := container.New(r)
	metrics.RegisterComponent("container_driver", true, "")

	volumes := volumemap.New(opts.ContainerVolumeLinkDir, r, boundAttacher{driver: driver, name: containerName})
	if err := volumes.Setup(); err != nil {
		return fmt.Errorf("scan volume link directory: %w", err)
	}

	plumber := netplumb.New(r, container.BoundPIDLookup{Driver: driver, Name: containerName})
	plumber.SetDefaults(opts.NetworkDeviceMTU, opts.OVSVsctlTimeout)

	tasks := task.New()
	metrics.RegisterComponent("task_manager", true, "")

	settingsPath := opts.SettingsPath
	if settingsPath == "" {
		settingsPath = filepath.Join("/var/lib/wormhole", "settings.json")
	}
	a := agent.New(driver, volumes, plumber, tasks, settingsPath, containerName)
	vc := volumectl.New(r, volumes, tasks, opts.VolumeDDBlocksize)
	sg := storagegateway.New(r, opts.SGTargetsDir, opts.SGServerHost, fmt.Sprintf("%d", opts.SGServerPort))

	log.Logger.Info().
		Str("container", containerName).
		Int("port", opts.Port).
		Msg("wormholed starting")

	collector := metrics.NewCollector(a, tasks, volumes, plumber)
	collector.Start()
	defer collector.Stop()

	server := httpapi.New(a, vc, sg, tasks)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: server,
	}

	metrics.RegisterComponent("api", false, "starting")
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	time.Sleep(100 * time.Millisecond)
	metrics.RegisterComponent("api", true, "")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("http server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Logger.Info().Msg("wormholed stopped")
	return nil
}
