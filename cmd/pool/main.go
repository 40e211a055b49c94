// Command pool runs a storage pool node. It serves file replicas over HTTP
// and reports its state to the pool manager, over HTTP or NATS.
//
// Example:
//
//	pool --name pool-a --listen :22125 --address http://localhost:22125 \
//	     --capacity 1073741824 --poolmanager http://localhost:8080
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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/poolmanager/internal/bus"
	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/pool"
	"github.com/dreamware/poolmanager/internal/repository"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("pool failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pool",
		Usage: "storage pool node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "pool name, unique in the federation",
				EnvVars:  []string{"POOL_NAME"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "HTTP listen address",
				EnvVars: []string{"POOL_LISTEN"},
				Value:   ":22125",
			},
			&cli.StringFlag{
				Name:    "address",
				Usage:   "public address reported to the pool manager",
				EnvVars: []string{"POOL_ADDR"},
				Value:   "http://127.0.0.1:22125",
			},
			&cli.Int64Flag{
				Name:    "capacity",
				Usage:   "pool size in bytes",
				EnvVars: []string{"POOL_CAPACITY"},
				Value:   1 << 30,
			},
			&cli.IntFlag{
				Name:    "movers",
				Usage:   "maximum concurrent transfers",
				EnvVars: []string{"POOL_MOVERS"},
				Value:   10,
			},
			&cli.StringSliceFlag{
				Name:    "hsm",
				Usage:   "HSM instance this pool can flush to (repeatable)",
				EnvVars: []string{"POOL_HSM"},
			},
			&cli.StringFlag{
				Name:    "mode",
				Usage:   "initial mode (enabled, disabled, strict, rdonly)",
				EnvVars: []string{"POOL_MODE"},
				Value:   "enabled",
			},
			&cli.StringFlag{
				Name:    "poolmanager",
				Usage:   "pool manager base URL for HTTP heartbeats",
				EnvVars: []string{"POOLMANAGER_ADDR"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL; heartbeats go over NATS when set",
				EnvVars: []string{"POOL_NATS_URL"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Usage:   "time between heartbeats",
				EnvVars: []string{"POOL_HEARTBEAT_INTERVAL"},
				Value:   pool.DefaultHeartbeatInterval,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				EnvVars: []string{"POOL_LOG_LEVEL"},
				Value:   "info",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	log := logger.WithField("service", "pool")

	p, err := newPool(c)
	if err != nil {
		return err
	}

	sender, closeSender, err := newSender(c, log)
	if err != nil {
		return err
	}
	defer closeSender()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              c.String("listen"),
		Handler:           p.Routes(log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	hb := pool.NewHeartbeater(p, sender, c.Duration("heartbeat-interval"), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"listen": httpSrv.Addr,
			"serial": p.Serial(),
		}).Info("pool listening")
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
	g.Go(func() error {
		return hb.Run(gctx)
	})

	err = g.Wait()
	log.Info("pool stopped")
	return err
}

func newPool(c *cli.Context) (*pool.Pool, error) {
	mode, err := cluster.ParsePoolMode(c.String("mode"))
	if err != nil {
		return nil, err
	}
	if c.Int64("capacity") <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", c.Int64("capacity"))
	}
	repo := repository.NewMemoryRepository(c.Int64("capacity"), c.Int("movers"), nil)
	p := pool.New(pool.Config{
		Name:         c.String("name"),
		Address:      c.String("address"),
		HsmInstances: c.StringSlice("hsm"),
	}, repo, nil)
	p.SetMode(mode, 0, "")
	return p, nil
}

// newSender picks NATS when a server is configured and HTTP otherwise.
func newSender(c *cli.Context, log logrus.FieldLogger) (pool.Sender, func(), error) {
	if url := c.String("nats-url"); url != "" {
		nc, err := bus.Connect(url, "pool-"+c.String("name"), log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		return pool.BusSender{Client: bus.NewClient(nc)}, func() { _ = nc.Drain() }, nil
	}
	if url := c.String("poolmanager"); url != "" {
		return pool.HTTPSender{URL: url}, func() {}, nil
	}
	return nil, nil, errors.New("one of --poolmanager or --nats-url is required")
}
