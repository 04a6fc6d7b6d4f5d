package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/contravention-engine/config"
	"github.com/warp/contravention-engine/engine"
	"github.com/warp/contravention-engine/metrics"
	"github.com/warp/contravention-engine/notify"
	"github.com/warp/contravention-engine/store/sqlite"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "contravention-engine",
		Short:         "Procurement contravention, points and escalation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newResetFiscalYearCmd(opts))
	cmd.AddCommand(newRecalculateCmd(opts))
	cmd.AddCommand(newSyncPointsCmd(opts))
	cmd.AddCommand(newLoadCatalogCmd(opts))
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitCode(err))
	}
}

// Exit codes: 1 config or internal failure, 2 rejected by the engine,
// 3 points drift corrected.
func exitCode(err error) int {
	var drift *engine.DriftError
	if errors.As(err, &drift) {
		return 3
	}
	if kind := engine.KindOf(err); kind != "" && kind != engine.KindInternal {
		return 2
	}
	return 1
}

// =============================================================================
// WIRING
// =============================================================================

// app is everything a command needs, built from one config.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *sqlite.Store
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	closeNATS  func()
}

type appOptions struct {
	// registerer receives engine metrics. Nil disables them.
	registerer prometheus.Registerer
}

func newApp(opts *rootOptions, ao appOptions) (*app, error) {
	cfg, err := config.Load(config.DetermineConfigPath(opts.configPath))
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store, closeNATS: func() {}}

	publisher, err := a.publisher()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var notifier engine.Notifier = engine.NopNotifier{}
	if publisher != nil {
		a.dispatcher = notify.NewDispatcher(publisher, cfg.Notifications.QueueSize, logger)
		a.dispatcher.Start()
		notifier = a.dispatcher
	}

	var observer engine.Observer
	if ao.registerer != nil {
		observer = metrics.New(ao.registerer)
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine, err = engine.New(engine.Deps{
		Store:     store,
		Directory: store,
		Notifier:  notifier,
		Logger:    logger,
		Observer:  observer,
	}, ec)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) publisher() (notify.Publisher, error) {
	nc := a.cfg.Notifications
	return publisherFor(nc.Driver, a.logger, func() (notify.Publisher, error) {
		conn, err := notify.ConnectNATS(nc.NATSURL, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.closeNATS = func() {
			if err := conn.Drain(); err != nil {
				a.logger.Warn("nats drain failed", zap.Error(err))
			}
		}
		return notify.NewNATSPublisher(conn, nc.SubjectPrefix, a.logger), nil
	})
}

// publisherFor builds the publisher for a driver list such as "log" or
// "nats+log". Several drivers fan out through notify.Multi. connectNATS runs
// only when the list names nats.
func publisherFor(driver string, logger *zap.Logger, connectNATS func() (notify.Publisher, error)) (notify.Publisher, error) {
	var pubs notify.Multi
	for _, name := range strings.Split(driver, "+") {
		switch strings.TrimSpace(name) {
		case "none":
		case "nats":
			p, err := connectNATS()
			if err != nil {
				return nil, err
			}
			pubs = append(pubs, p)
		default:
			pubs = append(pubs, notify.NewLogPublisher(logger))
		}
	}
	switch len(pubs) {
	case 0:
		return nil, nil
	case 1:
		return pubs[0], nil
	default:
		return pubs, nil
	}
}

// close drains pending notifications, then releases connections.
func (a *app) close() {
	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := a.dispatcher.Close(ctx); err != nil {
			a.logger.Warn("notification queue not drained", zap.Error(err))
		}
		cancel()
	}
	a.closeNATS()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
