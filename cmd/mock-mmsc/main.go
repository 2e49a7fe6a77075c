package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/drivefast/mmsgw/internal/domain"
	"github.com/drivefast/mmsgw/internal/gateway"
)

// mock-mmsc plays the carrier side of the MM7 interface for local testing:
// it accepts SubmitReq posts, answers with a successful SubmitRsp, and after
// a short delay pushes a DeliveryReportReq back at the configured receiver.
func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "mock-mmsc")

	addr := os.Getenv("MOCK_ADDR")
	if addr == "" {
		addr = ":8025"
	}
	reportURL := os.Getenv("MOCK_REPORT_URL")
	delay := 2 * time.Second

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := &mock{reportURL: reportURL, delay: delay,
		httpc: &http.Client{Timeout: 10 * time.Second}, log: log}

	srv := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             8 << 20,
	})
	srv.Head("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	srv.Get("/", func(c *fiber.Ctx) error { return c.SendString("mock mmsc") })
	srv.Post("/", m.handle)

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	log.Info("mock mmsc listening", "addr", addr, "report_url", reportURL)
	if err := srv.Listen(addr); err != nil {
		log.Error("listener stopped", "err", err)
		os.Exit(1)
	}
}

type mock struct {
	reportURL string
	delay     time.Duration
	httpc     *http.Client
	log       *slog.Logger
}

func (m *mock) handle(c *fiber.Ctx) error {
	env, err := gateway.ParseEnvelope(c.Body(), c.Get(fiber.HeaderContentType))
	if err != nil {
		m.log.Warn("unparseable request", "err", err)
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if env.Body.SubmitReq == nil {
		m.log.Warn("unsupported request", "kind", gateway.ClassifyEnvelope(env).String())
		return c.SendStatus(fiber.StatusNotImplemented)
	}

	msgid := domain.NewID()
	m.log.Info("submission accepted", "tx_id", env.Header.TransactionID, "peer_ref", msgid)

	if m.reportURL != "" {
		recipients := make([]string, 0, len(env.Body.SubmitReq.Recipients.To))
		for _, a := range env.Body.SubmitReq.Recipients.To {
			recipients = append(recipients, a.Value())
		}
		go m.pushReports(msgid, recipients)
	}

	out, err := gateway.BuildResponse(env.Header.TransactionID, "SubmitRsp",
		env.Body.SubmitReq.MM7Version, msgid, "1000")
	if err != nil {
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	c.Set(fiber.HeaderContentType, `text/xml; charset="utf-8"`)
	return c.Send(out)
}

// pushReports plays the handset fate: every recipient retrieves the message.
func (m *mock) pushReports(msgid string, recipients []string) {
	time.Sleep(m.delay)
	for _, rcpt := range recipients {
		envelope := fmt.Sprintf(reportTemplate, domain.NewID(), msgid, rcpt,
			time.Now().UTC().Format(time.RFC3339))
		resp, err := m.httpc.Post(m.reportURL, `text/xml; charset="utf-8"`,
			bytes.NewBufferString(envelope))
		if err != nil {
			m.log.Error("report push failed", "peer_ref", msgid, "rcpt", rcpt, "err", err)
			continue
		}
		resp.Body.Close()
		m.log.Info("delivery report pushed", "peer_ref", msgid, "rcpt", rcpt,
			"status", resp.StatusCode)
	}
}

const reportTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Header>
    <mm7:TransactionID xmlns:mm7="http://www.3gpp.org/ftp/Specs/archive/23_series/23.140/schema/REL-6-MM7-1-4" env:mustUnderstand="1">%s</mm7:TransactionID>
  </env:Header>
  <env:Body>
    <mm7:DeliveryReportReq xmlns:mm7="http://www.3gpp.org/ftp/Specs/archive/23_series/23.140/schema/REL-6-MM7-1-4">
      <MM7Version>6.10.0</MM7Version>
      <MessageID>%s</MessageID>
      <Recipient><Number>%s</Number></Recipient>
      <Date>%s</Date>
      <MMStatus>Retrieved</MMStatus>
    </mm7:DeliveryReportReq>
  </env:Body>
</env:Envelope>`
