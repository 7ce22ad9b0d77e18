package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/livetrader/broker/sim"
	"github.com/rustyeddy/livetrader/config"
	"github.com/rustyeddy/livetrader/events"
	"github.com/rustyeddy/livetrader/journal"
	"github.com/rustyeddy/livetrader/logging"
	"github.com/rustyeddy/livetrader/replay"
	"github.com/rustyeddy/livetrader/runtime"
	"github.com/rustyeddy/livetrader/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recover and run operations until interrupted",
	Long: `Run recovers every operation left running in the journal, starts the
ones added with "ops add", creates any given with --op, and trades until
SIGINT or SIGTERM.

With the paper broker, ticks come from the CSV named by broker.replay
(time,instrument,bid,ask[,size]). When the replay ends the process exits
unless --keep-running is set; operations stay ACTIVE and are recovered by
the next run.

Examples:
  trader run -c trader.yaml
  trader run -c trader.yaml --op ops/eur-trend.yaml --keep-running`,
	RunE: runRun,
}

var (
	runOps         []string
	runKeepRunning bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVarP(&runOps, "op", "o", nil, "operation file (YAML or JSON) to create and start; repeatable")
	runCmd.Flags().BoolVar(&runKeepRunning, "keep-running", false, "keep running after the replay ends")
}

func runtimeConfig(cfg *config.Config, bus events.Bus, log *zap.Logger) runtime.Config {
	return runtime.Config{
		InboxSize:             cfg.Runtime.InboxSize,
		BootstrapBars:         cfg.Runtime.BootstrapBars,
		ProtectiveInterval:    cfg.Runtime.ProtectiveInterval,
		StopFlattenTimeout:    cfg.Runtime.StopFlattenTimeout,
		RetryTimeout:          cfg.Runtime.RetryTimeout,
		MaxConsecutiveRejects: cfg.Runtime.MaxConsecutiveRejects,
		Events:                bus,
		Log:                   log,
	}
}

// openBus publishes to Redis when configured and nowhere otherwise.
func openBus(ctx context.Context, cfg config.EventsConfig) (events.Bus, func(), error) {
	if cfg.Redis.Addr == "" {
		return events.Nop{}, func() {}, nil
	}
	client, err := events.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return events.NewRedis(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := logging.New(logging.Options{Level: cfg.Log.Level, Dir: cfg.Log.Dir})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	store, err := journal.NewSQLite(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	bus, closeBus, err := openBus(ctx, cfg.Events)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer closeBus()

	engine := sim.NewEngine(sim.Config{Commission: cfg.Broker.Commission}, log.Named("sim"))
	rt, err := runtime.New(store, engine, runtimeConfig(cfg, bus, log))
	if err != nil {
		return err
	}
	defer rt.Close()

	log.Info("trader starting",
		zap.String("version", version),
		zap.String("journal", cfg.Journal.Path),
		zap.String("broker", cfg.Broker.Type))

	if err := rt.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := rt.StartCreated(ctx); err != nil {
		log.Error("some operations did not start", zap.Error(err))
	}
	for _, path := range runOps {
		op, err := config.LoadOperation(path)
		if err != nil {
			return err
		}
		if _, err := rt.CreateOperation(ctx, op); err != nil {
			return fmt.Errorf("create operation from %s: %w", path, err)
		}
	}

	var replayed chan error
	if cfg.Broker.Replay != "" {
		replayed = make(chan error, 1)
		go func() {
			n, err := replay.File(ctx, cfg.Broker.Replay, engine, replay.Options{
				Speed:   cfg.Broker.ReplaySpeed,
				SkipBad: true,
				Log:     log.Named("replay"),
			})
			log.Info("replay finished", zap.Int("ticks", n), zap.Error(err))
			replayed <- err
		}()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case err := <-rt.Fatal():
			return fmt.Errorf("fatal: %w", err)
		case err := <-replayed:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("replay: %w", err)
			}
			if !runKeepRunning {
				return nil
			}
			replayed = nil
		}
	}
}
