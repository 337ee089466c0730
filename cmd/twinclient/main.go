// cmd/twinclient/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aleka07/twinclient/pkg/api"
	"github.com/aleka07/twinclient/pkg/config"
	"github.com/aleka07/twinclient/pkg/device"
	"github.com/aleka07/twinclient/pkg/hub"
	"github.com/aleka07/twinclient/pkg/metrics"
	"github.com/aleka07/twinclient/pkg/orchestrator"
	"github.com/aleka07/twinclient/pkg/persistence"
	"github.com/aleka07/twinclient/pkg/supervisor"
)

// terminatingGrace keeps the local API up after a fatal error so /healthz can report it.
const terminatingGrace = 5 * time.Second

func main() {
	cfg, log, err := setup()
	if err != nil {
		logrus.WithError(err).Error("twin client failed to start")
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("twin client stopped")
		os.Exit(1)
	}
}

// setup loads the configuration and builds the configured logger.
func setup() (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logrus.NewEntry(logger), nil
}

func run(cfg *config.Config, log *logrus.Entry) error {
	log.WithField("version", device.Version).Info("starting twin client")
	log.Debug(cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Create Dependencies ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	sup, err := supervisor.New(log)
	if err != nil {
		return err
	}

	journal, err := openJournal(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer journal.Close()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	identity, err := hub.Provision(initCtx, hub.ProvisionOptions{
		Mode:             cfg.Provisioning,
		Module:           cfg.TwinKind == config.TwinModule,
		ConnectionString: cfg.ConnectionString,
		IdentitySocket:   cfg.IdentitySocket,
		KeySocket:        cfg.KeySocket,
	}, log)
	cancel()
	if err != nil {
		return err
	}

	client := hub.New(hub.Options{Identity: identity, TokenTTL: cfg.SasTokenTTL, Logger: log})
	defer client.Close()

	dev := device.New(cfg.NetworkNameFilter, log)
	orch := orchestrator.New(client, orchestrator.Options{
		Methods:           dev.Methods(),
		Supervisor:        sup,
		Journal:           journal,
		Logger:            log,
		TickInterval:      cfg.LivenessTick,
		QueueCapacity:     cfg.QueueCapacity,
		MethodMaxLifetime: cfg.MethodMaxLifetime,
		OnReady:           dev.OnReady,
	})
	dev.Bind(orch)

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	g.Go(func() error {
		// A refused first connection also arrives on the status channel; the loop decides.
		if err := client.Connect(gctx); err != nil {
			log.WithError(err).Error("initial hub connection failed")
		}
		return nil
	})

	if cfg.APIAddr != "" {
		server := api.NewServer(cfg.APIAddr, api.NewRouter(api.NewAPI(orch, journal, log), registry))
		g.Go(func() error {
			log.WithField("addr", cfg.APIAddr).Info("local API listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			return shutdownAPI(ctx, gctx, server, terminatingGrace, log)
		})
	}

	err = g.Wait()
	if err == nil {
		log.Info("shutdown complete")
	}
	return err
}

// shutdownAPI stops server once group is done. When group ended on its own (a fatal
// error, parent still live), the server keeps answering for grace first.
func shutdownAPI(parent, group context.Context, server *http.Server, grace time.Duration, log *logrus.Entry) error {
	<-group.Done()
	if parent.Err() == nil {
		log.WithField("grace", grace).Info("keeping local API up while terminating")
		select {
		case <-time.After(grace):
		case <-parent.Done():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful API shutdown failed")
		return server.Close()
	}
	return nil
}

func openJournal(ctx context.Context, cfg *config.Config, log *logrus.Entry) (persistence.Journal, error) {
	if cfg.DatabaseDSN == "" {
		log.Info("DATABASE_DSN not set, journaling in memory")
		return persistence.NewMemoryJournal(0), nil
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	journal, err := persistence.NewPostgresJournal(initCtx, cfg.DatabaseDSN, log)
	if err != nil {
		return nil, err
	}
	if err := journal.EnsureSchema(initCtx); err != nil {
		journal.Close()
		return nil, err
	}
	return journal, nil
}
