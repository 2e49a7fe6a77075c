package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drivefast/mmsgw/internal/app"
	"github.com/drivefast/mmsgw/internal/domain"
	"github.com/drivefast/mmsgw/internal/gateway"
	"github.com/drivefast/mmsgw/internal/heartbeat"
	"github.com/drivefast/mmsgw/internal/ports"
)

// Engine executes the queued jobs of one gateway process: transmissions,
// inbound payloads relayed by the receivers, and report requests from the
// applications.
type Engine struct {
	gw            gateway.Gateway
	life          *app.Lifecycle
	store         ports.Store
	eventsURL     string
	maxHeartbeats int
	log           *slog.Logger
}

// New wires a dispatch engine for the given gateway.
func New(gw gateway.Gateway, life *app.Lifecycle, store ports.Store,
	eventsURL string, maxHeartbeats int, log *slog.Logger) *Engine {
	return &Engine{
		gw:            gw,
		life:          life,
		store:         store,
		eventsURL:     eventsURL,
		maxHeartbeats: maxHeartbeats,
		log:           log,
	}
}

// Handle is the queue consumer entry point. Jobs that fail for reasons a
// redelivery cannot fix are logged and dropped; transmission retries are
// managed here through explicit rescheduling, never via the substrate.
func (e *Engine) Handle(ctx context.Context, job ports.Job) error {
	switch job.Fn {
	case ports.FnTransmit:
		e.handleTransmit(ctx, job)
	case ports.FnInbound:
		e.handleInbound(ctx, job)
	case ports.FnEvent:
		e.handleEvent(ctx, job)
	default:
		e.log.Warn("unknown job function dropped", "fn", job.Fn, "job_id", job.ID)
	}
	return nil
}

// handleTransmit runs one transmission attempt, gated on the gateway's
// liveness counter.
func (e *Engine) handleTransmit(ctx context.Context, job ports.Job) {
	if len(job.Args) < 1 {
		e.log.Warn("transmission job without transaction id dropped", "job_id", job.ID)
		return
	}
	txid := job.Args[0]

	tx, err := e.life.LoadTransaction(ctx, txid)
	if err != nil {
		e.log.Error("load transaction", "tx_id", txid, "err", err)
		e.reschedule(ctx, job)
		return
	}
	if tx == nil {
		e.log.Warn("transaction expired before transmission", "tx_id", txid)
		return
	}
	msg, err := e.life.LoadMessage(ctx, tx.MessageID)
	if err != nil {
		e.log.Error("load message", "tx_id", txid, "msg_id", tx.MessageID, "err", err)
		e.reschedule(ctx, job)
		return
	}
	if msg == nil {
		e.log.Warn("message expired before transmission", "tx_id", txid, "msg_id", tx.MessageID)
		return
	}

	gwid := e.gw.ID()
	if !strings.Contains(tx.GatewayID, gwid) {
		if tx.GatewayID != "" {
			tx.GatewayID += ","
		}
		tx.GatewayID += gwid
	}
	tx.ProcessedTS = time.Now().Unix()
	if err := e.life.SaveTransaction(ctx, tx); err != nil {
		e.log.Error("save transaction", "tx_id", txid, "err", err)
	}

	beats, found, err := e.store.GetCounter(ctx, heartbeat.CounterKey(gwid))
	if err != nil || !found {
		e.log.Error("gateway liveness unknown, deferring transmission",
			"tx_id", txid, "gwid", gwid, "err", err)
		e.reschedule(ctx, job)
		return
	}
	if beats < int64(e.maxHeartbeats-1) {
		e.log.Warn("gateway degraded, deferring transmission",
			"tx_id", txid, "gwid", gwid, "beats_left", beats)
		e.reschedule(ctx, job)
		return
	}

	code, desc, err := e.attempt(ctx, tx, msg)
	if err == nil {
		if serr := e.life.SetState(ctx, tx, nil, domain.StateSent, "", "", gwid, nil, e.eventsURL); serr != nil {
			e.log.Error("record sent state", "tx_id", txid, "err", serr)
		}
		return
	}

	e.log.Warn("transmission failed", "tx_id", txid, "gwid", gwid,
		"code", code, "desc", desc, "err", err)
	if serr := e.life.SetState(ctx, tx, nil, domain.StateFailed, code, desc, gwid, nil, e.eventsURL); serr != nil {
		e.log.Error("record failed state", "tx_id", txid, "err", serr)
	}
	// single-character codes are terminal, anything longer is worth a retry
	if len(code) > 1 {
		e.reschedule(ctx, job)
	}
}

// attempt isolates one Transmit call; a panicking renderer or transport must
// not take the consumer loop down.
func (e *Engine) attempt(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (code, desc string, err error) {
	defer func() {
		if r := recover(); r != nil {
			code, desc = "2", "transmission aborted"
			err = fmt.Errorf("transmit panic: %v", r)
		}
	}()
	return e.gw.Transmit(ctx, tx, msg)
}

func (e *Engine) reschedule(ctx context.Context, job ports.Job) {
	e.life.Reschedule(ctx, job, ports.QTX(e.gw.Group()))
}

// handleInbound decodes a relayed carrier payload and hands it to the
// gateway's protocol parser.
func (e *Engine) handleInbound(ctx context.Context, job ports.Job) {
	if len(job.Args) < 1 {
		e.log.Warn("inbound job without payload dropped", "job_id", job.ID)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(job.Args[0])
	if err != nil {
		e.log.Error("inbound payload not decodable, dropped", "job_id", job.ID, "err", err)
		return
	}
	meta := map[string]string{}
	if len(job.Args) > 1 && job.Args[1] != "" {
		metaRaw, err := base64.StdEncoding.DecodeString(job.Args[1])
		if err == nil {
			err = json.Unmarshal(metaRaw, &meta)
		}
		if err != nil {
			e.log.Error("inbound meta not decodable, dropped", "job_id", job.ID, "err", err)
			return
		}
	}
	if err := e.gw.ProcessInbound(ctx, raw, meta); err != nil {
		e.log.Error("inbound payload processing failed", "job_id", job.ID, "err", err)
	}
}

// handleEvent serves application-requested reports for a received message:
// args are [kind, message id, status].
func (e *Engine) handleEvent(ctx context.Context, job ports.Job) {
	if len(job.Args) < 3 {
		e.log.Warn("event job missing arguments, dropped", "job_id", job.ID, "args", len(job.Args))
		return
	}
	kind, msgID, status := job.Args[0], job.Args[1], job.Args[2]

	msg, err := e.life.LoadMessage(ctx, msgID)
	if err != nil {
		e.log.Error("load message", "msg_id", msgID, "err", err)
		return
	}
	if msg == nil {
		e.log.Warn("message expired before report", "msg_id", msgID, "kind", kind)
		return
	}

	switch kind {
	case "ack":
		err = e.gw.SendAck(ctx, msg, status)
	case "dr":
		err = e.gw.SendDeliveryReport(ctx, msg, status)
	case "rr":
		err = e.gw.SendReadReport(ctx, msg, status)
	default:
		e.log.Warn("unknown event kind dropped", "job_id", job.ID, "kind", kind)
		return
	}
	if err != nil {
		e.log.Error("report transmission failed", "msg_id", msgID, "kind", kind, "err", err)
	}
}
