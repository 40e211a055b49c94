package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/poolmanager/internal/bus"
	"github.com/dreamware/poolmanager/internal/config"
	"github.com/dreamware/poolmanager/internal/costmodule"
	"github.com/dreamware/poolmanager/internal/metrics"
	"github.com/dreamware/poolmanager/internal/poolmanager"
	"github.com/dreamware/poolmanager/internal/quota"
	"github.com/dreamware/poolmanager/internal/topic"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("poolmanager failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "poolmanager",
		Usage: "track pool liveness and place file transfers on pools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"POOLMANAGER_CONFIG"},
				Aliases: []string{"c"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "HTTP listen address",
				EnvVars: []string{"POOLMANAGER_ADDR"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL; empty disables the message bus",
				EnvVars: []string{"POOLMANAGER_NATS_URL"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"POOLMANAGER_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "watchdog-timer",
				Usage:   `watchdog "deathThreshold:sleepInterval" in seconds`,
				EnvVars: []string{"POOLMANAGER_WATCHDOG_TIMER"},
			},
			&cli.StringSliceFlag{
				Name:    "pool",
				Usage:   "pre-declare a pool (repeatable)",
				EnvVars: []string{"POOLMANAGER_POOLS"},
			},
		},
		Action: run,
	}
}

// loadConfig reads the configuration file and applies command line
// overrides on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("nats-url") {
		cfg.NATS.URL = c.String("nats-url")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("watchdog-timer") {
		cfg.WatchdogTimer = c.String("watchdog-timer")
	}
	if c.IsSet("pool") {
		cfg.Pools = append(cfg.Pools, c.StringSlice("pool")...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	log := logger.WithField("service", "poolmanager")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	srv := newServer(d.mgr, d.quota, log)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.mgr.Run(gctx)
	})
	g.Go(func() error {
		log.WithField("addr", cfg.Listen).Info("poolmanager listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	if path := c.String("config"); path != "" {
		w, err := config.NewWatcher(path, d.reload, log)
		if err != nil {
			log.WithError(err).Warn("configuration hot reload disabled")
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	err = g.Wait()
	log.Info("poolmanager stopped")
	return err
}

// daemon holds everything run builds so that reloads and shutdown can reach
// it.
type daemon struct {
	mgr     *poolmanager.Manager
	facade  *costmodule.Facade
	quota   *quota.Table
	topic   *topic.Topic
	metrics metrics.Recorder
	nc      *nats.Conn
	bus     *bus.Server
	log     logrus.FieldLogger
}

func build(cfg *config.Config, log logrus.FieldLogger) (*daemon, error) {
	d := &daemon{log: log}

	rec, err := metrics.New(cfg.Metrics, log)
	if err != nil {
		return nil, err
	}
	d.metrics = rec

	d.facade, err = costmodule.New(cfg.Selection, nil, log)
	if err != nil {
		d.close()
		return nil, err
	}
	d.quota = quota.NewTable(cfg.Quota.Limits, log)

	if cfg.NATS.URL != "" {
		d.nc, err = bus.Connect(cfg.NATS.URL, "poolmanager", log)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
	}

	d.topic, err = topic.New(cfg.Topic, d.nc, log)
	if err != nil {
		d.close()
		return nil, err
	}

	deps := poolmanager.Dependencies{
		Facade:    d.facade,
		Quota:     d.quota,
		Publisher: d.topic,
		Metrics:   d.metrics,
		Log:       log,
	}
	if d.nc != nil {
		deps.Container = bus.NewContainerNotifier(d.nc, "", log)
	}
	d.mgr, err = poolmanager.New(cfg.Manager(), deps)
	if err != nil {
		d.close()
		return nil, err
	}

	if d.nc != nil {
		d.bus = bus.NewServer(d.mgr, log)
		if err := d.bus.Start(d.nc, cfg.NATS.Queue); err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

// reload applies the settings that can change while running.
func (d *daemon) reload(cfg *config.Config) {
	if err := d.mgr.SetWatchdogTimer(cfg.WatchdogTimer); err != nil {
		d.log.WithError(err).Warn("watchdog timer not changed")
	}
	d.quota.SetLimits(cfg.Quota.Limits)
	d.mgr.Router.EnableQuota(cfg.Quota.Enabled)
	if err := d.facade.Reconfigure(cfg.Selection); err != nil {
		d.log.WithError(err).Warn("selection configuration not changed")
	}
}

func (d *daemon) close() {
	if d.bus != nil {
		d.bus.Stop()
	}
	if d.topic != nil {
		if err := d.topic.Close(); err != nil {
			d.log.WithError(err).Warn("closing status topic")
		}
	}
	if d.nc != nil {
		d.nc.Close()
	}
	if d.metrics != nil {
		_ = d.metrics.Close()
	}
}
