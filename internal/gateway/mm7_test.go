package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/drivefast/mmsgw"
	"github.com/drivefast/mmsgw/internal/domain"
	"github.com/drivefast/mmsgw/internal/ports"
)

func mm7TestConfig() config.Gateway {
	return config.Gateway{
		ID:         "vasp1:1",
		Group:      "vasp1",
		Protocol:   "MM7",
		Version:    "6.10.0",
		RemoteHost: "http://mmsc.example.net/mm7",
		VASPID:     "acme",
		VASID:      "notify",
		RequestDR:  true,
		EventsURL:  "http://app.example.com/events",
	}
}

func TestMM7AddressForms(t *testing.T) {
	assert.Equal(t, "user@example.com", mm7Address("user@example.com").RFC2822)
	assert.Equal(t, "8000", mm7Address("8000").Short)
	assert.Equal(t, "15551230001", mm7Address("15551230001").Number)
}

func TestMM7RenderRoundTrips(t *testing.T) {
	life, _, _ := newTestLifecycle(t)
	gw := NewMM7(mm7TestConfig(), life, testLogger())

	msg := testMessage(t)
	tx := domain.NewTransaction(msg.ID, "vasp1")
	tx.Destination.Add("15551230001")
	tx.Cc.Add("8000")
	tx.LinkedID = "linked-1"

	p, err := gw.Render(context.Background(), tx, msg)
	require.NoError(t, err)
	assert.Contains(t, p.ContentType, "multipart/related")
	assert.Contains(t, p.ContentType, tx.ID+".envelope")

	env, err := ParseEnvelope(p.Body, p.ContentType)
	require.NoError(t, err)
	require.NotNil(t, env.Body.SubmitReq)
	assert.Equal(t, tx.LastTranID, env.Header.TransactionID)
	assert.Equal(t, "6.10.0", env.Body.SubmitReq.MM7Version)
	assert.Equal(t, "vacation pics", env.Body.SubmitReq.Subject)

	att, ok := env.Attachments[tx.ID+".content"]
	require.True(t, ok)
	assert.Contains(t, att.ContentType, "multipart/related")
}

func TestMM7RenderSingleTextPart(t *testing.T) {
	life, _, _ := newTestLifecycle(t)
	gw := NewMM7(mm7TestConfig(), life, testLogger())

	msg := domain.NewMessage()
	text, err := domain.NewPart("text/plain", "caption")
	require.NoError(t, err)
	require.NoError(t, text.SetContent([]byte("just text")))
	msg.AddPart(text)

	tx := domain.NewTransaction(msg.ID, "vasp1")
	tx.Destination.Add("15551230001")

	p, err := gw.Render(context.Background(), tx, msg)
	require.NoError(t, err)

	env, err := ParseEnvelope(p.Body, p.ContentType)
	require.NoError(t, err)
	att, ok := env.Attachments[tx.ID+".content"]
	require.True(t, ok)
	assert.Contains(t, att.ContentType, "text/plain")
	assert.Equal(t, []byte("just text"), att.Content)
}

func TestBuildResponseParsesBack(t *testing.T) {
	out, err := BuildResponse("tran-1", "SubmitRsp", "6.10.0", "peer-msg-5", "1000")
	require.NoError(t, err)

	env, err := ParseEnvelope(out, `text/xml; charset="utf-8"`)
	require.NoError(t, err)
	require.NotNil(t, env.Body.SubmitRsp)
	assert.Equal(t, "tran-1", env.Header.TransactionID)
	assert.Equal(t, "peer-msg-5", env.Body.SubmitRsp.MessageID)
	assert.Equal(t, "1000", env.Body.SubmitRsp.Status.StatusCode)
	assert.Equal(t, "Success", env.Body.SubmitRsp.Status.StatusText)
	assert.Equal(t, KindOutboundAck, ClassifyEnvelope(env))
}

const deliveryReportEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Header>
    <mm7:TransactionID xmlns:mm7="http://www.3gpp.org/ftp/Specs/archive/23_series/23.140/schema/REL-6-MM7-1-4" env:mustUnderstand="1">tran-2</mm7:TransactionID>
  </env:Header>
  <env:Body>
    <mm7:DeliveryReportReq xmlns:mm7="http://www.3gpp.org/ftp/Specs/archive/23_series/23.140/schema/REL-6-MM7-1-4">
      <MM7Version>6.10.0</MM7Version>
      <MessageID>peer-msg-5</MessageID>
      <Recipient><Number>15551230001</Number></Recipient>
      <Date>2026-08-31T10:00:00Z</Date>
      <MMStatus>Retrieved</MMStatus>
    </mm7:DeliveryReportReq>
  </env:Body>
</env:Envelope>`

func TestMM7ProcessInboundDeliveryReport(t *testing.T) {
	life, _, _ := newTestLifecycle(t)
	gw := NewMM7(mm7TestConfig(), life, testLogger())
	ctx := context.Background()

	tx := domain.NewTransaction("msg1", "vasp1")
	tx.Destination.Add("15551230001")
	require.NoError(t, life.SaveTransaction(ctx, tx))
	require.NoError(t, life.CrossRef(ctx, "peer-msg-5", tx.ID))

	require.NoError(t, gw.ProcessInbound(ctx, []byte(deliveryReportEnvelope),
		map[string]string{"content_type": `text/xml; charset="utf-8"`}))

	events, err := life.History(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StateDelivered, events[0].State)
	assert.Equal(t, "200", events[0].Code)
	assert.Equal(t, "15551230001", events[0].Recipient)
}

const deliverReqEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Header>
    <mm7:TransactionID xmlns:mm7="http://www.3gpp.org/ftp/Specs/archive/23_series/23.140/schema/REL-6-MM7-1-4" env:mustUnderstand="1">tran-3</mm7:TransactionID>
  </env:Header>
  <env:Body>
    <mm7:DeliverReq xmlns:mm7="http://www.3gpp.org/ftp/Specs/archive/23_series/23.140/schema/REL-6-MM7-1-4">
      <MM7Version>6.10.0</MM7Version>
      <Sender><Number>15557770001</Number></Sender>
      <Recipients><To><Number>15551230001</Number></To></Recipients>
      <Subject>from the road</Subject>
      <Priority>Normal</Priority>
      <Content href="cid:mo.content"/>
    </mm7:DeliverReq>
  </env:Body>
</env:Envelope>`

func TestMM7ProcessInboundDeliverReq(t *testing.T) {
	cfg := mm7TestConfig()
	cfg.MMSReceivedURL = "http://app.example.com/received"
	life, _, queue := newTestLifecycle(t)
	gw := NewMM7(cfg, life, testLogger())
	ctx := context.Background()

	body := "--mo\r\n" +
		"Content-Type: text/xml; charset=\"utf-8\"\r\n" +
		"Content-ID: <mo.envelope>\r\n\r\n" +
		deliverReqEnvelope + "\r\n" +
		"--mo\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-ID: <mo.content>\r\n\r\n" +
		"made it to the coast\r\n" +
		"--mo--\r\n"

	require.NoError(t, gw.ProcessInbound(ctx, []byte(body),
		map[string]string{"content_type": `multipart/related; boundary="mo"; type="text/xml"`}))

	jobs := queue.Jobs(ports.QCB)
	require.Len(t, jobs, 1)
	assert.Equal(t, "http://app.example.com/received", jobs[0].Args[0])
	assert.Contains(t, jobs[0].Args[1], `"origin":"15557770001"`)
	assert.Contains(t, jobs[0].Args[1], `"subject":"from the road"`)
}

func TestClassifyEnvelopeUnknown(t *testing.T) {
	env := &Envelope{}
	assert.Equal(t, KindUnknown, ClassifyEnvelope(env))
}
