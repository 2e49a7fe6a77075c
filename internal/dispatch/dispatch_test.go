package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivefast/mmsgw/internal/adapters/queue/memqueue"
	"github.com/drivefast/mmsgw/internal/adapters/store/memstore"
	"github.com/drivefast/mmsgw/internal/app"
	"github.com/drivefast/mmsgw/internal/domain"
	"github.com/drivefast/mmsgw/internal/gateway"
	"github.com/drivefast/mmsgw/internal/heartbeat"
	"github.com/drivefast/mmsgw/internal/ports"
	"github.com/drivefast/mmsgw/internal/selector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway scripts Transmit outcomes and records the calls it sees.
type fakeGateway struct {
	code, desc string
	err        error
	panics     bool

	transmits int
	inbound   [][]byte
	acks      []string
	drs       []string
	rrs       []string
}

func (f *fakeGateway) ID() string                          { return "carrier1:1" }
func (f *fakeGateway) Group() string                       { return "carrier1" }
func (f *fakeGateway) Protocol() string                    { return "MM4" }
func (f *fakeGateway) Start(ctx context.Context) error     { return nil }
func (f *fakeGateway) Probe(ctx context.Context) bool      { return true }

func (f *fakeGateway) Render(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (*gateway.Payload, error) {
	return &gateway.Payload{MessageID: tx.ID}, nil
}

func (f *fakeGateway) Send(ctx context.Context, tx *domain.Transaction, p *gateway.Payload) (string, string, error) {
	return f.code, f.desc, f.err
}

func (f *fakeGateway) Transmit(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (string, string, error) {
	f.transmits++
	if f.panics {
		panic("wire exploded")
	}
	return f.code, f.desc, f.err
}

func (f *fakeGateway) ProcessInbound(ctx context.Context, raw []byte, meta map[string]string) error {
	f.inbound = append(f.inbound, raw)
	return nil
}

func (f *fakeGateway) SendAck(ctx context.Context, msg *domain.Message, status string) error {
	f.acks = append(f.acks, status)
	return nil
}

func (f *fakeGateway) SendDeliveryReport(ctx context.Context, msg *domain.Message, status string) error {
	f.drs = append(f.drs, status)
	return nil
}

func (f *fakeGateway) SendReadReport(ctx context.Context, msg *domain.Message, status string) error {
	f.rrs = append(f.rrs, status)
	return nil
}

type fixture struct {
	engine *Engine
	gw     *fakeGateway
	life   *app.Lifecycle
	store  *memstore.Store
	queue  *memqueue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	queue := memqueue.New()
	sel := selector.New(store, selector.PolicyRoundRobin, testLogger())
	life := app.New(store, queue, nil, sel, time.Hour, 30*time.Second, 3, testLogger())
	gw := &fakeGateway{}
	return &fixture{
		engine: New(gw, life, store, "http://gw.example.com/events", 5, testLogger()),
		gw:     gw,
		life:   life,
		store:  store,
		queue:  queue,
	}
}

// scheduled persists a message and transaction and returns the transmit job.
func (f *fixture) scheduled(t *testing.T) (*domain.Transaction, ports.Job) {
	t.Helper()
	ctx := context.Background()

	msg := domain.NewMessage()
	text, err := domain.NewPart("text/plain", "body")
	require.NoError(t, err)
	require.NoError(t, text.SetContent([]byte("hi")))
	msg.AddPart(text)
	require.NoError(t, f.life.SaveMessage(ctx, msg))

	tx := domain.NewTransaction(msg.ID, "carrier1:1")
	tx.Destination.Add("5551230001")
	require.NoError(t, f.life.SaveTransaction(ctx, tx))

	return tx, ports.Job{Fn: ports.FnTransmit, Args: []string{tx.ID}, ID: tx.ID, Retries: 3}
}

func (f *fixture) healthy(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.SetCounter(context.Background(),
		heartbeat.CounterKey("carrier1:1"), 5, 0))
}

func lastState(t *testing.T, life *app.Lifecycle, txid string) domain.StatusEvent {
	t.Helper()
	events, err := life.History(context.Background(), txid)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestTransmitSuccessRecordsSent(t *testing.T) {
	f := newFixture(t)
	f.healthy(t)
	tx, job := f.scheduled(t)

	require.NoError(t, f.engine.Handle(context.Background(), job))

	assert.Equal(t, 1, f.gw.transmits)
	ev := lastState(t, f.life, tx.ID)
	assert.Equal(t, domain.StateSent, ev.State)
	assert.Empty(t, f.queue.Jobs(ports.QTX("carrier1")))

	got, err := f.life.LoadTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "carrier1:1", got.GatewayID)
}

func TestTransmitRetryableFailureReschedules(t *testing.T) {
	f := newFixture(t)
	f.healthy(t)
	tx, job := f.scheduled(t)
	f.gw.code, f.gw.desc, f.gw.err = "42", "all recipients refused", errors.New("refused")

	require.NoError(t, f.engine.Handle(context.Background(), job))

	ev := lastState(t, f.life, tx.ID)
	assert.Equal(t, domain.StateFailed, ev.State)
	assert.Equal(t, "42", ev.Code)

	jobs := f.queue.Jobs(ports.QTX("carrier1"))
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Retries)
	assert.Equal(t, tx.ID, jobs[0].ID)
}

func TestTransmitTerminalFailureNotRescheduled(t *testing.T) {
	f := newFixture(t)
	f.healthy(t)
	tx, job := f.scheduled(t)
	f.gw.code, f.gw.desc, f.gw.err = "1", "message could not be rendered", errors.New("render")

	require.NoError(t, f.engine.Handle(context.Background(), job))

	ev := lastState(t, f.life, tx.ID)
	assert.Equal(t, domain.StateFailed, ev.State)
	assert.Equal(t, "1", ev.Code)
	assert.Empty(t, f.queue.Jobs(ports.QTX("carrier1")))
}

func TestTransmitPanicIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.healthy(t)
	tx, job := f.scheduled(t)
	f.gw.panics = true

	require.NoError(t, f.engine.Handle(context.Background(), job))

	ev := lastState(t, f.life, tx.ID)
	assert.Equal(t, domain.StateFailed, ev.State)
	assert.Equal(t, "2", ev.Code)
	assert.Empty(t, f.queue.Jobs(ports.QTX("carrier1")))
}

func TestTransmitDeferredWhileGatewayDegraded(t *testing.T) {
	f := newFixture(t)
	_, job := f.scheduled(t)
	require.NoError(t, f.store.SetCounter(context.Background(),
		heartbeat.CounterKey("carrier1:1"), 2, 0))

	require.NoError(t, f.engine.Handle(context.Background(), job))

	assert.Equal(t, 0, f.gw.transmits)
	jobs := f.queue.Jobs(ports.QTX("carrier1"))
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Retries)
}

func TestTransmitDeferredWithoutLivenessCounter(t *testing.T) {
	f := newFixture(t)
	_, job := f.scheduled(t)

	require.NoError(t, f.engine.Handle(context.Background(), job))

	assert.Equal(t, 0, f.gw.transmits)
	assert.Len(t, f.queue.Jobs(ports.QTX("carrier1")), 1)
}

func TestTransmitRetryBudgetStrictlyDecreases(t *testing.T) {
	f := newFixture(t)
	f.healthy(t)
	_, job := f.scheduled(t)
	f.gw.code, f.gw.err = "40", errors.New("transport")

	ctx := context.Background()
	attempts := 0
	for {
		require.NoError(t, f.engine.Handle(ctx, job))
		attempts++
		jobs := f.queue.Jobs(ports.QTX("carrier1"))
		if len(jobs) < attempts {
			// the drained budget was abandoned instead of requeued
			break
		}
		next := jobs[attempts-1]
		assert.Equal(t, job.Retries-1, next.Retries)
		job = next
		if attempts > 10 {
			t.Fatal("retry budget never drained")
		}
	}
	// initial budget of 3 allows 4 attempts total
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, f.gw.transmits)
}

func TestExpiredTransactionDropped(t *testing.T) {
	f := newFixture(t)
	f.healthy(t)
	job := ports.Job{Fn: ports.FnTransmit, Args: []string{"gone"}, ID: "gone", Retries: 3}

	require.NoError(t, f.engine.Handle(context.Background(), job))
	assert.Equal(t, 0, f.gw.transmits)
	assert.Empty(t, f.queue.Jobs(ports.QTX("carrier1")))
}

func TestInboundJobReachesGateway(t *testing.T) {
	f := newFixture(t)
	raw := []byte("MM4 payload")
	job := ports.Job{
		Fn:   ports.FnInbound,
		Args: []string{base64.StdEncoding.EncodeToString(raw), ""},
		ID:   "in1",
	}

	require.NoError(t, f.engine.Handle(context.Background(), job))
	require.Len(t, f.gw.inbound, 1)
	assert.Equal(t, raw, f.gw.inbound[0])
}

func TestInboundJobBadPayloadDropped(t *testing.T) {
	f := newFixture(t)
	job := ports.Job{Fn: ports.FnInbound, Args: []string{"not base64 !!"}, ID: "in2"}

	require.NoError(t, f.engine.Handle(context.Background(), job))
	assert.Empty(t, f.gw.inbound)
}

func TestEventJobRoutesReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := domain.NewMessage()
	require.NoError(t, f.life.SaveMessage(ctx, msg))

	for _, kind := range []string{"ack", "dr", "rr"} {
		job := ports.Job{Fn: ports.FnEvent, Args: []string{kind, msg.ID, "Retrieved"}, ID: kind}
		require.NoError(t, f.engine.Handle(ctx, job))
	}
	assert.Equal(t, []string{"Retrieved"}, f.gw.acks)
	assert.Equal(t, []string{"Retrieved"}, f.gw.drs)
	assert.Equal(t, []string{"Retrieved"}, f.gw.rrs)
}

func TestUnknownJobFunctionDropped(t *testing.T) {
	f := newFixture(t)
	job := ports.Job{Fn: "mms.launch", ID: "x"}
	require.NoError(t, f.engine.Handle(context.Background(), job))
	assert.Equal(t, 0, f.gw.transmits)
}
