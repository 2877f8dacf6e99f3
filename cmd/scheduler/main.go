// Command scheduler runs the dependency-aware task scheduler: it loads
// configuration, wires C1-C7's components together, and serves the four
// streams plus the admin observability surface until interrupted.
// Grounded on cmd/divinesense/main.go's cobra root command, generalized to
// the scheduler's own config.Config/config.Live split; .env loading happens
// inside config.Load, so the root command has no PersistentPreRunE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basalt-run/taskweave/internal/adminhttp"
	"github.com/basalt-run/taskweave/internal/auditlog"
	"github.com/basalt-run/taskweave/internal/config"
	"github.com/basalt-run/taskweave/internal/depgraph"
	"github.com/basalt-run/taskweave/internal/dispatcher"
	"github.com/basalt-run/taskweave/internal/metrics"
	"github.com/basalt-run/taskweave/internal/registry"
	"github.com/basalt-run/taskweave/internal/tasktable"
	"github.com/basalt-run/taskweave/internal/transport/natsnotifier"
	"github.com/basalt-run/taskweave/internal/transport/zmqtransport"
	"github.com/prometheus/client_golang/prometheus"
	cronlib "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "Dependency-aware task scheduler over ZMQ/NATS streams",
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scheduler version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("scheduler: invalid config: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("scheduler: build logger: %w", err)
	}
	defer log.Sync()

	live, err := config.NewLive(cfg, log)
	if err != nil {
		return fmt.Errorf("scheduler: live config: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	table := tasktable.New()
	graph := depgraph.New()
	reg := registry.New(4096)
	reg.OnBreakerTrip(func(id registry.EngineID) {
		m.EngineBreakerOpens.Inc()
		log.Warn("scheduler: engine breaker opened", zap.String("engine", string(id)))
	})

	audit, err := openAudit(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer audit.Close()

	admin := adminhttp.New(cfg.AdminAddr, reg, promReg, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := zmqtransport.New(zmqtransport.Endpoints{
		Client:   cfg.ClientEndpoint,
		Engine:   cfg.EngineEndpoint,
		Monitor:  cfg.MonitorEndpoint,
		Notifier: cfg.NotifierEndpoint,
	}, log)
	if err != nil {
		return fmt.Errorf("scheduler: build transport: %w", err)
	}

	d := dispatcher.New(table, graph, reg, live, cfg.StrandedGrace(), transport, transport, transport, audit, m, log, time.Now().UnixNano())
	loop := dispatcher.NewLoop(d, cfg.DefaultTimeoutAuditInterval())

	stopCh := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { transport.RunClientLoop(gctx, loop); return nil })
	g.Go(func() error { transport.RunEngineLoop(gctx, loop); return nil })
	g.Go(func() error {
		if cfg.NotifierDriver == "nats" {
			return runNATSNotifier(gctx, cfg, log, loop)
		}
		transport.RunNotifierLoop(gctx, loop)
		return nil
	})
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return admin.Run(stopCh) })
	g.Go(func() error { return runStatsCron(gctx, log, reg, m) })

	<-gctx.Done()
	close(stopCh)
	transport.Close()

	return g.Wait()
}

func openAudit(ctx context.Context, cfg config.Config, log *zap.Logger) (*auditlog.Log, error) {
	if cfg.AuditDSN == "" {
		return auditlog.Disabled(), nil
	}
	return auditlog.Open(ctx, cfg.AuditDSN, log)
}

func runNATSNotifier(ctx context.Context, cfg config.Config, log *zap.Logger, loop *dispatcher.Loop) error {
	n, err := natsnotifier.Connect(cfg.NATSURL, cfg.NATSSubject, log)
	if err != nil {
		return fmt.Errorf("scheduler: nats notifier: %w", err)
	}
	defer n.Close()
	if err := n.Subscribe(loop); err != nil {
		return fmt.Errorf("scheduler: nats subscribe: %w", err)
	}
	<-ctx.Done()
	return nil
}

// runStatsCron refreshes the engine-load gauges and logs the engine count
// via robfig/cron, once a minute counted from start ("@every 1m"), the way the teacher's own monitoring tools poll
// state on a fixed schedule rather than an ad-hoc ticker.
func runStatsCron(ctx context.Context, log *zap.Logger, reg *registry.Registry, m *metrics.Set) error {
	c := cronlib.New()
	_, err := c.AddFunc("@every 1m", func() {
		targets := reg.Targets()
		loads := reg.Loads()
		for i, id := range targets {
			m.EngineLoad.WithLabelValues(string(id)).Set(float64(loads[i]))
		}
		m.RegisteredEngines.Set(float64(len(targets)))
		log.Info("scheduler: periodic stats", zap.Int("engines", len(targets)))
	})
	if err != nil {
		return fmt.Errorf("scheduler: schedule stats cron: %w", err)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}
