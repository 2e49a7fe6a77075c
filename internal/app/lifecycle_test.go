package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivefast/mmsgw/internal/adapters/queue/memqueue"
	"github.com/drivefast/mmsgw/internal/adapters/store/memstore"
	"github.com/drivefast/mmsgw/internal/domain"
	"github.com/drivefast/mmsgw/internal/ports"
	"github.com/drivefast/mmsgw/internal/selector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLifecycle(t *testing.T) (*Lifecycle, *memstore.Store, *memqueue.Queue, *selector.Selector) {
	t.Helper()
	store := memstore.New()
	queue := memqueue.New()
	sel := selector.New(store, selector.PolicyRoundRobin, testLogger())
	life := New(store, queue, nil, sel, time.Hour, 30*time.Second, 3, testLogger())
	return life, store, queue, sel
}

func TestMessageSaveLoadRoundTrip(t *testing.T) {
	life, _, _, _ := newLifecycle(t)
	ctx := context.Background()

	msg := domain.NewMessage()
	msg.Origin = "5550001"
	msg.To.Add("5551230001", "5551230002")
	msg.Subject = "hello"
	msg.Priority = "high"
	msg.DRM = domain.TriTrue
	msg.ShowSender = domain.TriFalse
	msg.ExpireAfter = 1900000000
	msg.PeerRef = "peer-1"
	msg.PeerTranID = "tran-1"
	msg.DRRequested = true

	smil, err := domain.NewPart(domain.SMILType, "pres")
	require.NoError(t, err)
	require.NoError(t, smil.SetContent([]byte("<smil/>")))
	msg.AddPart(smil)
	photo, err := domain.NewPart("image/png", "shot")
	require.NoError(t, err)
	require.NoError(t, photo.SetContentURL("http://media.example.com/shot.png"))
	msg.AddPart(photo)

	require.NoError(t, life.SaveMessage(ctx, msg))

	got, err := life.LoadMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.Origin, got.Origin)
	assert.Equal(t, msg.To, got.To)
	assert.Equal(t, msg.Subject, got.Subject)
	assert.Equal(t, domain.TriTrue, got.DRM)
	assert.Equal(t, domain.TriFalse, got.ShowSender)
	assert.Equal(t, msg.ExpireAfter, got.ExpireAfter)
	assert.Equal(t, "peer-1", got.PeerRef)
	assert.Equal(t, "tran-1", got.PeerTranID)
	assert.True(t, got.DRRequested)
	require.Len(t, got.Parts, 2)
	assert.Equal(t, []byte("<smil/>"), got.Parts[0].Content)
	assert.Equal(t, "http://media.example.com/shot.png", got.Parts[1].ContentURL)
	assert.Empty(t, got.Parts[1].Content)
}

func TestLoadMessageUnknown(t *testing.T) {
	life, _, _, _ := newLifecycle(t)
	got, err := life.LoadMessage(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransactionSaveLoadRoundTrip(t *testing.T) {
	life, _, _, _ := newLifecycle(t)
	ctx := context.Background()

	tx := domain.NewTransaction("msg1", "carrier1")
	tx.Destination.Add("5551230001")
	tx.Cc.Add("5551230002")
	tx.LinkedID = "linked"
	tx.ReportURL = "http://app.example.com/status"
	tx.FreshTranID()

	require.NoError(t, life.SaveTransaction(ctx, tx))

	got, err := life.LoadTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.MessageID, got.MessageID)
	assert.Equal(t, tx.LastTranID, got.LastTranID)
	assert.Equal(t, tx.Destination, got.Destination)
	assert.Equal(t, tx.Cc, got.Cc)
	assert.Equal(t, "http://app.example.com/status", got.ReportURL)
}

func TestNqSchedulesOnConcreteGateway(t *testing.T) {
	life, _, queue, _ := newLifecycle(t)
	ctx := context.Background()

	tx := domain.NewTransaction("msg1", "carrier1:1")
	tx.Destination.Add("5551230001")
	require.NoError(t, life.Nq(ctx, tx))
	assert.Equal(t, "carrier1:1", tx.GatewayID)

	jobs := queue.Jobs(ports.QTX("carrier1"))
	require.Len(t, jobs, 1)
	assert.Equal(t, ports.FnTransmit, jobs[0].Fn)
	assert.Equal(t, []string{tx.ID}, jobs[0].Args)
	assert.Equal(t, tx.ID, jobs[0].ID)
	assert.Equal(t, 3, jobs[0].Retries)

	events, err := life.History(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StateScheduled, events[0].State)
	assert.Equal(t, domain.AllRecipients, events[0].Recipient)
}

func TestNqResolvesGroupThroughSelector(t *testing.T) {
	life, _, queue, sel := newLifecycle(t)
	ctx := context.Background()
	require.NoError(t, sel.Register(ctx, "carrier1", "carrier1:1"))
	require.NoError(t, sel.Register(ctx, "carrier1", "carrier1:2"))

	tx := domain.NewTransaction("msg1", "carrier1")
	tx.Destination.Add("5551230001")
	require.NoError(t, life.Nq(ctx, tx))

	assert.Contains(t, []string{"carrier1:1", "carrier1:2"}, tx.GatewayID)
	assert.Len(t, queue.Jobs(ports.QTX("carrier1")), 1)
}

func TestNqRejectsEmptyDestinations(t *testing.T) {
	life, _, _, _ := newLifecycle(t)
	tx := domain.NewTransaction("msg1", "carrier1:1")
	assert.ErrorIs(t, life.Nq(context.Background(), tx), domain.ErrNoDestinations)
}

func TestSetStateFansOutDedupedCallbacks(t *testing.T) {
	life, _, queue, _ := newLifecycle(t)
	ctx := context.Background()

	msg := domain.NewMessage()
	msg.ReportEventsURL = "http://app.example.com/status"
	require.NoError(t, life.SaveMessage(ctx, msg))

	tx := domain.NewTransaction(msg.ID, "carrier1:1")
	tx.Destination.Add("5551230001")
	tx.ReportURL = "http://app.example.com/status" // same as the message's

	err := life.SetState(ctx, tx, []string{"5551230001", "5551230002"},
		domain.StateDelivered, "200", "Retrieved", "carrier1:1", nil,
		"http://gw.example.com/events")
	require.NoError(t, err)

	events, err := life.History(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "5551230001", events[0].Recipient)
	assert.Equal(t, "5551230002", events[1].Recipient)

	// two distinct urls, two events each
	jobs := queue.Jobs(ports.QCB)
	require.Len(t, jobs, 4)
	urls := map[string]int{}
	for _, j := range jobs {
		assert.Equal(t, ports.FnCallback, j.Fn)
		urls[j.Args[0]]++
	}
	assert.Equal(t, map[string]int{
		"http://app.example.com/status": 2,
		"http://gw.example.com/events":  2,
	}, urls)
}

func TestSetStateByIDUnknownTransaction(t *testing.T) {
	life, _, queue, _ := newLifecycle(t)
	life.SetStateByID(context.Background(), "nope", nil, domain.StateFailed, "1", "", "gw", nil, "")
	assert.Empty(t, queue.Jobs(ports.QCB))
}

func TestRescheduleDecrementsAndAbandons(t *testing.T) {
	life, _, queue, _ := newLifecycle(t)
	ctx := context.Background()

	job := ports.Job{Fn: ports.FnTransmit, Args: []string{"tx1"}, ID: "tx1", Retries: 1}
	life.Reschedule(ctx, job, ports.QTX("carrier1"))

	jobs := queue.Jobs(ports.QTX("carrier1"))
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].Retries)

	// a drained budget is dropped
	life.Reschedule(ctx, jobs[0], ports.QTX("carrier1"))
	assert.Len(t, queue.Jobs(ports.QTX("carrier1")), 1)
}

func TestCrossRefRoundTrip(t *testing.T) {
	life, _, _, _ := newLifecycle(t)
	ctx := context.Background()

	require.NoError(t, life.CrossRef(ctx, "peer-5", "tx-5"))
	txid, found := life.ResolveCrossRef(ctx, "peer-5")
	assert.True(t, found)
	assert.Equal(t, "tx-5", txid)

	_, found = life.ResolveCrossRef(ctx, "peer-6")
	assert.False(t, found)
}

func TestArchiveReceivesEveryEvent(t *testing.T) {
	store := memstore.New()
	queue := memqueue.New()
	sel := selector.New(store, selector.PolicyRoundRobin, testLogger())
	arch := &recordingArchive{}
	life := New(store, queue, arch, sel, time.Hour, 30*time.Second, 3, testLogger())
	ctx := context.Background()

	tx := domain.NewTransaction("msg1", "carrier1:1")
	tx.Destination.Add("5551230001")
	err := life.SetState(ctx, tx, []string{"5551230001", "5551230002"},
		domain.StateSent, "", "", "carrier1:1", nil, "")
	require.NoError(t, err)
	assert.Len(t, arch.events, 2)
}

type recordingArchive struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (a *recordingArchive) Append(ctx context.Context, ev domain.StatusEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}
