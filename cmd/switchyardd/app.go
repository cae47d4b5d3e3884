package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/switchyard-net/switchyard"
	"github.com/switchyard-net/switchyard/api"
	"github.com/switchyard-net/switchyard/internal/httpapi"
	"github.com/switchyard-net/switchyard/internal/metrics"
	"github.com/switchyard-net/switchyard/internal/svcfields"
)

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		configFile  string
		devicesFile string
		logLevel    string
	)
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "switchyardd",
		Short:         "Distributed coordination and batching engine for switch configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := baseLogger
			if logLevel != "" {
				if level, ok := pslog.ParseLevel(logLevel); ok {
					logger = logger.LogLevel(level)
				}
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")

			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg := configFromViper(v)
			if devicesFile == "" {
				devicesFile = v.GetString("devices_file")
			}
			if devicesFile != "" {
				devices, err := switchyard.LoadDeviceFile(devicesFile)
				if err != nil {
					return err
				}
				cfg.Devices = devices
				cliLogger.Info("loaded device inventory", "path", devicesFile, "devices", len(devices))
			}

			return runServer(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to config.yaml")
	flags.StringVar(&devicesFile, "devices", "", "path to the device inventory YAML")
	flags.StringVar(&logLevel, "log-level", "", "minimum log level (trace|debug|info|warn|error)")
	bindServerFlags(flags, v)

	return cmd
}

func bindServerFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("store", switchyard.DefaultStore, "coordination backend url (mem:// or etcd://host:2379[,host:2379])")
	flags.String("listen", switchyard.DefaultListen, "HTTP listen address")
	_ = v.BindPFlag("store", flags.Lookup("store"))
	_ = v.BindPFlag("listen", flags.Lookup("listen"))

	v.SetDefault("store", switchyard.DefaultStore)
	v.SetDefault("listen", switchyard.DefaultListen)
	v.SetDefault("acquire_timeout_seconds", int64(switchyard.DefaultAcquireTimeout/time.Second))
	v.SetDefault("wait_timeout_seconds", int64(switchyard.DefaultWaitTimeout/time.Second))
	v.SetDefault("lock_lease_ttl_seconds", int64(switchyard.DefaultLockLeaseTTL/time.Second))
	v.SetDefault("max_batch_size", switchyard.DefaultMaxBatchSize)
	v.SetDefault("result_ttl_seconds", int64(switchyard.DefaultResultTTL/time.Second))
}

func configFromViper(v *viper.Viper) switchyard.Config {
	return switchyard.Config{
		Store:          v.GetString("store"),
		EtcdUsername:   v.GetString("etcd_username"),
		EtcdPassword:   v.GetString("etcd_password"),
		Listen:         v.GetString("listen"),
		AcquireTimeout: time.Duration(v.GetInt64("acquire_timeout_seconds")) * time.Second,
		WaitTimeout:    time.Duration(v.GetInt64("wait_timeout_seconds")) * time.Second,
		LockLeaseTTL:   time.Duration(v.GetInt64("lock_lease_ttl_seconds")) * time.Second,
		MaxBatchSize:   v.GetInt("max_batch_size"),
		ResultTTL:      time.Duration(v.GetInt64("result_ttl_seconds")) * time.Second,
	}
}

func runServer(ctx context.Context, cfg switchyard.Config, logger pslog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	engine, err := switchyard.New(cfg, dryRunSession(logger),
		switchyard.WithLogger(logger),
		switchyard.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("engine shutdown failed", "error", err)
		}
	}()

	apiServer := httpapi.New(engine, svcfields.WithSubsystem(logger, "httpapi"))
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: apiServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http.listen", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// dryRunSession echoes each command back as its output without touching any
// device. It stands in for the vendor-command execution collaborator so the
// coordination layer can be exercised end to end.
func dryRunSession(logger pslog.Logger) api.SessionFunc {
	sessLogger := svcfields.WithSubsystem(logger, "session.dryrun")
	return func(_ context.Context, device api.Device) (api.Session, error) {
		sessLogger.Debug("session.open", "device", device.DeviceID)
		return &dryRunExec{device: device, logger: sessLogger}, nil
	}
}

type dryRunExec struct {
	device api.Device
	logger pslog.Logger
}

func (d *dryRunExec) Run(_ context.Context, commands []string) ([]api.Outcome, error) {
	out := make([]api.Outcome, len(commands))
	for i, cmd := range commands {
		out[i] = api.Outcome{Command: cmd, Output: "dry-run: " + cmd}
	}
	return out, nil
}

func (d *dryRunExec) Close() error {
	d.logger.Debug("session.close", "device", d.device.DeviceID)
	return nil
}
