// Command bot runs the SPY bull put credit spread autotrader: a broker
// bridge worker, the weekly entry scheduler, the stop-loss monitor, and an
// optional dashboard API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mhayashi-dev/spreadwheel/internal/bridge"
	"github.com/mhayashi-dev/spreadwheel/internal/broker"
	"github.com/mhayashi-dev/spreadwheel/internal/config"
	"github.com/mhayashi-dev/spreadwheel/internal/dashboard"
	"github.com/mhayashi-dev/spreadwheel/internal/mock"
	"github.com/mhayashi-dev/spreadwheel/internal/monitor"
	"github.com/mhayashi-dev/spreadwheel/internal/notify"
	"github.com/mhayashi-dev/spreadwheel/internal/scheduler"
	"github.com/mhayashi-dev/spreadwheel/internal/storage"
	"github.com/mhayashi-dev/spreadwheel/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Best-effort: local development keeps secrets in .env.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Environment.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("bot exited with error")
	}
	logger.Info("bot stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"mode":   cfg.Environment.Mode,
		"symbol": cfg.Strategy.Symbol,
	}).Info("starting spread bot")

	if cfg.Environment.Mode == "live" {
		logger.Warn("LIVE TRADING MODE - real money at risk, waiting 10s to confirm")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewJSONStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening position store: %w", err)
	}

	conn, err := newConnection(cfg, logger)
	if err != nil {
		return err
	}

	worker := bridge.NewWorker(conn, logger, bridge.Config{
		MaxConnectRetries: cfg.Connection.MaxRetries,
	})

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.StartupTimeout())
	err = worker.Start(startupCtx)
	cancelStartup()
	if err != nil {
		return fmt.Errorf("starting bridge worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := worker.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("bridge worker shutdown")
		}
	}()

	caller := bridge.NewBreakerCaller(worker, logger)

	engine := strategy.NewEngine(caller, store, cfg, logger)
	mon := monitor.New(caller, store, cfg, logger)
	trader := scheduler.New(engine, mon, cfg, newNotifier(cfg, logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return trader.Run(ctx)
	})

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, trader, logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// newConnection selects the broker connection for the configured mode. Paper
// and live trading talk to an external gateway process; until a gateway client
// is wired in, only the simulated connection is available and other modes are
// refused rather than silently simulated.
func newConnection(cfg *config.Config, logger *logrus.Logger) (broker.Connection, error) {
	if cfg.IsMock() {
		logger.Info("using simulated broker connection")
		return mock.NewConnection(), nil
	}
	return nil, fmt.Errorf("mode %q requires a gateway connection on %s:%d, which is not configured in this build",
		cfg.Environment.Mode, cfg.Connection.Host, cfg.Port())
}

func newNotifier(cfg *config.Config, logger *logrus.Logger) *notify.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return nil
	}
	senders := []notify.Sender{notify.NewWebhookSender(cfg.Notify.WebhookURL)}
	return notify.NewNotifier(senders, cfg.Notify.Events, logger)
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
