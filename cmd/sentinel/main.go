package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/sentinel/pkg/controller"
	"github.com/cuemby/sentinel/pkg/driver"
	"github.com/cuemby/sentinel/pkg/hub"
	"github.com/cuemby/sentinel/pkg/journal"
	"github.com/cuemby/sentinel/pkg/kvlock"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/cuemby/sentinel/pkg/watchdog"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel - a single-host process supervisor",
	Long: `Sentinel drives a declared set of child processes towards their
target states, supervising each one with either a timed or a
lease-backed watchdog. It is the operator binary embedding the
hub/driver/controller/watchdog library; there is no wire protocol of
its own beyond this CLI.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sentinel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

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

var serveCmd = &cobra.Command{
	Use:   "serve [config]",
	Short: "Load a unit declaration file and run the hub until signalled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(args[0])
	},
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("sentinel: create data dir %s: %w", cfg.DataDir, err)
	}

	jrnl, err := journal.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("sentinel: open journal: %w", err)
	}
	defer jrnl.Close()

	var etcdClient *kvlock.EtcdClient
	if needsEtcd(cfg.Units) {
		etcdClient, err = kvlock.NewEtcdClient(kvlock.Config{
			Endpoints: cfg.Etcd.Endpoints,
			Timeout:   cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("sentinel: connect etcd: %w", err)
		}
		defer etcdClient.Close()
	}

	procDriver := driver.New(cfg.DataDir)
	ctrl := newController(cfg.Controller)

	// Each unit's watchdog is configured independently in the unit
	// declaration file, so units are wired via AddService/AddUnit below
	// rather than Hub's single shared NewWatchdog factory.
	h, err := hub.New(procDriver, ctrl, hub.Config{
		StepPeriod:       cfg.StepPeriod,
		SubscribeSignals: true,
		Sender:           jrnl,
	}, watchdog.NewNone())
	if err != nil {
		return fmt.Errorf("sentinel: build hub: %w", err)
	}

	unitUUIDs := make([]uuid.UUID, 0, len(cfg.Units))
	for _, spec := range cfg.Units {
		factory := types.ProcessFactory{Path: spec.Path, Args: spec.Args, Env: spec.Env}
		state := types.State(spec.State)
		if state == "" {
			state = types.StateRunning
		}

		wd, err := buildWatchdog(cfg.DataDir, spec.Name, spec.Watchdog, etcdClient)
		if err != nil {
			return fmt.Errorf("sentinel: build watchdog for unit %s: %w", spec.Name, err)
		}

		unitUUID := uuid.New()
		if err := procDriver.AddService(unitUUID, factory, wd); err != nil {
			return fmt.Errorf("sentinel: add service %s: %w", spec.Name, err)
		}
		if _, err := h.AddUnit(types.NewUnit(factory, state, unitUUID)); err != nil {
			return fmt.Errorf("sentinel: add unit %s: %w", spec.Name, err)
		}
		unitUUIDs = append(unitUUIDs, unitUUID)
		log.Logger.Info().Str("unit", spec.Name).Str("uuid", unitUUID.String()).Msg("sentinel: declared unit")
	}

	go serveMetrics(cfg.MetricsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go forwardSignals(ctx, procDriver, unitUUIDs)

	log.Logger.Info().Int("units", len(cfg.Units)).Msg("sentinel: serving")
	return h.Serve(ctx)
}

// forwardSignals relays SIGHUP and SIGUSR1 received by the supervisor
// process to every declared unit's cross-process signal cell, so each
// worker's own dispatchSignal acts on it at the top of its next
// iteration instead of the supervisor handling it directly.
func forwardSignals(ctx context.Context, d *driver.ProcessDriver, unitUUIDs []uuid.UUID) {
	relayed := make(chan os.Signal, 1)
	signal.Notify(relayed, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(relayed)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-relayed:
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			for _, id := range unitUUIDs {
				if err := d.SendSignal(id, s); err != nil {
					log.Logger.Warn().Err(err).Str("unit", id.String()).
						Msg("sentinel: failed to forward signal")
				}
			}
		}
	}
}

func needsEtcd(units []UnitSpec) bool {
	for _, u := range units {
		if u.Watchdog.Type == WatchdogLease {
			return true
		}
	}
	return false
}

func buildWatchdog(dataDir, unitName string, spec WatchdogSpec, etcdClient *kvlock.EtcdClient) (watchdog.Watchdog, error) {
	switch spec.Type {
	case "", WatchdogNone:
		return watchdog.NewNone(), nil
	case WatchdogTimed:
		path := filepath.Join(dataDir, unitName+".heartbeat")
		return watchdog.NewTimed(path, spec.HeartbeatTimeout)
	case WatchdogLease:
		path := filepath.Join(dataDir, unitName+".lease")
		lockKey := spec.LockKey
		if lockKey == "" {
			lockKey = "/sentinel/locks/" + unitName
		}
		var opts []watchdog.LeaseOption
		if spec.LockLabel != "" {
			opts = append(opts, watchdog.WithLockLabel(spec.LockLabel))
		}
		return watchdog.NewLease(path, spec.HeartbeatTimeout, spec.KVTimeout, etcdClient, lockKey, opts...)
	default:
		return nil, fmt.Errorf("unknown watchdog type %q", spec.Type)
	}
}

func newController(name string) controller.Controller {
	switch name {
	case "always":
		return controller.NewAlwaysForceTarget()
	case "", "panic":
		return controller.NewPanic(nil)
	default:
		log.Logger.Warn().Str("controller", name).Msg("sentinel: unknown controller, falling back to panic")
		return controller.NewPanic(nil)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Logger.Info().Str("addr", addr).Msg("sentinel: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("sentinel: metrics server exited")
	}
}
