package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	config "github.com/drivefast/mmsgw"
	"github.com/drivefast/mmsgw/internal/adapters/queue/rabbitmq"
	"github.com/drivefast/mmsgw/internal/adapters/store/redisstore"
	"github.com/drivefast/mmsgw/internal/domain"
	"github.com/drivefast/mmsgw/internal/gateway"
	"github.com/drivefast/mmsgw/internal/ports"
)

// The MM7 receiver terminates the carrier-facing HTTP side of the MM7
// interface: it answers every SOAP request synchronously and relays the
// payload to the addressed gateway group's queues for processing.
func main() {
	cfg := config.FromEnv()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "mm7-receiver")

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

	rx := &receiver{store: store, queue: queue, jobTTL: int(cfg.JobTTL.Seconds()), log: log}

	srv := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             8 << 20,
	})
	srv.Post("/mm7/:group", rx.handle)

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	log.Info("mm7 receiver listening", "addr", cfg.HTTPAddr)
	if err := srv.Listen(cfg.HTTPAddr); err != nil {
		log.Error("listener stopped", "err", err)
		os.Exit(1)
	}
}

type receiver struct {
	store  ports.Store
	queue  ports.JobQueue
	jobTTL int
	log    *slog.Logger
}

// handle answers one MMSC request: classify, enqueue for the gateway worker,
// and produce the synchronous SOAP response the protocol requires.
func (r *receiver) handle(c *fiber.Ctx) error {
	group := c.Params("group")
	ctx := c.Context()

	if sources, err := r.store.SetMembers(ctx, "gwsources-"+group); err == nil && len(sources) > 0 {
		allowed := false
		for _, s := range sources {
			if s == c.IP() {
				allowed = true
				break
			}
		}
		if !allowed {
			r.log.Warn("request from unlisted source refused", "group", group, "ip", c.IP())
			return c.SendStatus(fiber.StatusForbidden)
		}
	}

	body := c.Body()
	contentType := c.Get(fiber.HeaderContentType)

	env, err := gateway.ParseEnvelope(body, contentType)
	if err != nil {
		r.log.Warn("unparseable mm7 request", "group", group, "err", err)
		return c.SendStatus(fiber.StatusBadRequest)
	}

	kind := gateway.ClassifyEnvelope(env)
	var (
		queueName string
		respType  string
		version   string
	)
	switch kind {
	case gateway.KindInboundMMS:
		queueName, respType = ports.QRX(group), "DeliverRsp"
		version = env.Body.DeliverReq.MM7Version
	case gateway.KindOutboundDR:
		queueName, respType = ports.QEV(group), "DeliveryReportRsp"
		version = env.Body.DeliveryReportReq.MM7Version
	case gateway.KindOutboundRR:
		queueName, respType = ports.QEV(group), "ReadReplyRsp"
		version = env.Body.ReadReplyReq.MM7Version
	default:
		r.log.Warn("unsupported mm7 request refused", "group", group, "kind", kind.String())
		return r.respond(c, env.Header.TransactionID, "RSErrorRsp", "6.10.0", "4003")
	}

	meta, _ := json.Marshal(map[string]string{"content_type": contentType})
	job := ports.Job{
		Fn: ports.FnInbound,
		Args: []string{
			base64.StdEncoding.EncodeToString(body),
			base64.StdEncoding.EncodeToString(meta),
		},
		ID:  domain.NewID(),
		TTL: r.jobTTL,
	}
	if err := r.queue.Enqueue(ctx, queueName, job); err != nil {
		r.log.Error("relay enqueue failed", "group", group, "queue", queueName, "err", err)
		return r.respond(c, env.Header.TransactionID, respType, version, "4006")
	}

	r.log.Info("mm7 request relayed", "group", group, "kind", kind.String(), "queue", queueName)
	return r.respond(c, env.Header.TransactionID, respType, version, "1000")
}

func (r *receiver) respond(c *fiber.Ctx, txid, respType, version, statusCode string) error {
	out, err := gateway.BuildResponse(txid, respType, version, "", statusCode)
	if err != nil {
		r.log.Error("response rendering failed", "err", err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	c.Set(fiber.HeaderContentType, `text/xml; charset="utf-8"`)
	return c.Send(out)
}
