package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	config "github.com/drivefast/mmsgw"
	"github.com/drivefast/mmsgw/internal/adapters/db/postgres"
	"github.com/drivefast/mmsgw/internal/adapters/queue/rabbitmq"
	"github.com/drivefast/mmsgw/internal/adapters/store/redisstore"
	"github.com/drivefast/mmsgw/internal/app"
	"github.com/drivefast/mmsgw/internal/dispatch"
	"github.com/drivefast/mmsgw/internal/gateway"
	"github.com/drivefast/mmsgw/internal/heartbeat"
	"github.com/drivefast/mmsgw/internal/ports"
	"github.com/drivefast/mmsgw/internal/selector"
)

// The gateway process owns one carrier connection: it consumes its group's
// transmission, reception and event queues, and keeps its liveness counter
// beating for the dispatchers.
func main() {
	cfg := config.FromEnv()
	gwcfg := config.GatewayFromEnv()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).
		With("service", "gateway", "gwid", gwcfg.ID, "name", gwcfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := redisstore.New(cfg.RedisURL)
	if err != nil {
		log.Error("store unavailable", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	queue, err := rabbitmq.New(cfg.AMQPURL, log)
	if err != nil {
		log.Error("queue unavailable", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	var archive app.EventArchive
	if cfg.PostgresDSN != "" {
		pg, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			log.Error("event archive unavailable", "err", err)
			os.Exit(1)
		}
		archive = pg
	}

	sel := selector.New(store, selector.Policy(cfg.Policy), log)
	life := app.New(store, queue, archive, sel, cfg.MessageTTL, cfg.JobTTL, cfg.RetryBudget, log)

	gw, err := gateway.New(gwcfg, life, log)
	if err != nil {
		log.Error("gateway construction failed", "err", err)
		os.Exit(1)
	}
	if err := gw.Start(ctx); err != nil {
		// The liveness counter stays low until a probe succeeds, so
		// transmissions are deferred rather than failed while the peer is down.
		log.Warn("gateway start failed, waiting for peer to come up", "err", err)
	}

	if err := sel.Register(ctx, gwcfg.Group, gwcfg.ID); err != nil {
		log.Error("group registration failed", "group", gwcfg.Group, "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := sel.Deregister(context.Background(), gwcfg.Group, gwcfg.ID); err != nil {
			log.Error("group deregistration failed", "group", gwcfg.Group, "err", err)
		}
	}()
	if len(gwcfg.InboundSources) > 0 {
		if err := store.AddToSet(ctx, "gwsources-"+gwcfg.Group, gwcfg.InboundSources...); err != nil {
			log.Error("inbound source registration failed", "err", err)
			os.Exit(1)
		}
	}

	monitor := heartbeat.New(store, gwcfg.ID, gwcfg.HeartbeatInterval, gwcfg.HeartbeatMax,
		gw.Probe, func() { os.Exit(3) }, log)
	go monitor.Run(ctx)

	engine := dispatch.New(gw, life, store, gwcfg.EventsURL, gwcfg.HeartbeatMax, log)

	log.Info("gateway worker started", "group", gwcfg.Group, "protocol", gwcfg.Protocol)
	if err := queue.Consume(ctx, engine.Handle,
		ports.QEV(gwcfg.Group), ports.QTX(gwcfg.Group), ports.QRX(gwcfg.Group)); err != nil {
		log.Error("consumer stopped", "err", err)
		os.Exit(1)
	}
	log.Info("gateway worker stopped")
}
