package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	config "github.com/drivefast/mmsgw"
	"github.com/drivefast/mmsgw/internal/app"
	"github.com/drivefast/mmsgw/internal/domain"
)

const (
	soapEnvNS = "http://schemas.xmlsoap.org/soap/envelope/"
	mm7NS     = "http://www.3gpp.org/ftp/Specs/archive/23_series/23.140/schema/REL-6-MM7-1-4"
)

// MM7 relays multimedia messages to a carrier MMSC as SOAP requests over
// HTTP, with the message content attached as MIME parts next to the envelope.
type MM7 struct {
	base
}

// NewMM7 builds an MM7 gateway from its configuration.
func NewMM7(cfg config.Gateway, life *app.Lifecycle, log *slog.Logger) *MM7 {
	return &MM7{base: newBase(cfg, life, log)}
}

// Start verifies the MMSC endpoint is reachable.
func (g *MM7) Start(ctx context.Context) error {
	if !g.Probe(ctx) {
		return fmt.Errorf("mmsc %s not reachable", g.cfg.RemoteHost)
	}
	g.log.Info("mmsc endpoint verified", "gwid", g.cfg.ID, "peer", g.cfg.RemoteHost)
	return nil
}

// Probe issues the configured heartbeat request against the MMSC URL. The
// probe spec is "<method> <expected-status>", defaulting to "HEAD 200".
func (g *MM7) Probe(ctx context.Context) bool {
	method, want := http.MethodHead, "200"
	if g.cfg.HeartbeatProbe != "" {
		if m, w, found := strings.Cut(g.cfg.HeartbeatProbe, " "); found {
			method, want = strings.ToUpper(m), w
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.RemoteHost, nil)
	if err != nil {
		g.log.Warn("mmsc probe misconfigured", "gwid", g.cfg.ID, "err", err)
		return false
	}
	if g.cfg.Username != "" {
		req.SetBasicAuth(g.cfg.Username, g.cfg.Password)
	}
	resp, err := g.httpc.Do(req)
	if err != nil {
		g.log.Warn("mmsc unreachable", "gwid", g.cfg.ID, "err", err)
		return false
	}
	resp.Body.Close()
	if fmt.Sprint(resp.StatusCode) != want {
		g.log.Warn("mmsc probe failed", "gwid", g.cfg.ID, "status", resp.StatusCode, "want", want)
		return false
	}
	return true
}

// ── outbound envelope rendering ──────────────────────────────────────────────

// The render structs carry explicit namespace prefixes because the encoder
// emits them literally; inbound parsing uses the lenient local-name structs
// further down.

type soapEnvelopeOut struct {
	XMLName xml.Name `xml:"env:Envelope"`
	EnvNS   string   `xml:"xmlns:env,attr"`
	Header  soapHeaderOut
	Body    soapBodyOut
}

type soapHeaderOut struct {
	XMLName     xml.Name         `xml:"env:Header"`
	Transaction transactionIDOut `xml:"mm7:TransactionID"`
}

type transactionIDOut struct {
	NS             string `xml:"xmlns:mm7,attr"`
	MustUnderstand string `xml:"env:mustUnderstand,attr"`
	Value          string `xml:",chardata"`
}

type soapBodyOut struct {
	XMLName xml.Name    `xml:"env:Body"`
	Payload interface{}
}

type submitReqOut struct {
	XMLName          xml.Name       `xml:"mm7:SubmitReq"`
	NS               string         `xml:"xmlns:mm7,attr"`
	MM7Version       string         `xml:"MM7Version"`
	Sender           *senderIDOut   `xml:"SenderIdentification,omitempty"`
	Recipients       recipientsOut  `xml:"Recipients"`
	ServiceCode      string         `xml:"ServiceCode,omitempty"`
	LinkedID         string         `xml:"LinkedID,omitempty"`
	MessageClass     string         `xml:"MessageClass,omitempty"`
	TimeStamp        string         `xml:"TimeStamp"`
	EarliestDelivery string         `xml:"EarliestDeliveryTime,omitempty"`
	ExpiryDate       string         `xml:"ExpiryDate,omitempty"`
	DeliveryReport   string         `xml:"DeliveryReport,omitempty"`
	ReadReply        string         `xml:"ReadReply,omitempty"`
	Priority         string         `xml:"Priority,omitempty"`
	Subject          string         `xml:"Subject,omitempty"`
	ContentAdapt     string         `xml:"AllowAdaptations,omitempty"`
	DRMContent       string         `xml:"DRMContent,omitempty"`
	ApplicID         string         `xml:"ApplicID,omitempty"`
	ReplyApplicID    string         `xml:"ReplyApplicID,omitempty"`
	AuxApplicInfo    string         `xml:"AuxApplicInfo,omitempty"`
	Content          *contentRefOut `xml:"Content,omitempty"`
}

type senderIDOut struct {
	VASPID        string `xml:"VASPID,omitempty"`
	VASID         string `xml:"VASID,omitempty"`
	SenderAddress string `xml:"SenderAddress>Number,omitempty"`
}

type recipientsOut struct {
	To  []addressOut `xml:"To,omitempty"`
	Cc  []addressOut `xml:"Cc,omitempty"`
	Bcc []addressOut `xml:"Bcc,omitempty"`
}

// addressOut picks the MM7 address form: an RFC2822 mailbox when the value
// has a domain, a short code for short digit strings, a number otherwise.
type addressOut struct {
	RFC2822 string `xml:"RFC2822Address,omitempty"`
	Short   string `xml:"ShortCode,omitempty"`
	Number  string `xml:"Number,omitempty"`
}

func mm7Address(addr string) addressOut {
	switch {
	case strings.Contains(addr, "@"):
		return addressOut{RFC2822: addr}
	case len(addr) < 7:
		return addressOut{Short: addr}
	default:
		return addressOut{Number: addr}
	}
}

type contentRefOut struct {
	Href string `xml:"href,attr"`
}

type deliveryReportReqOut struct {
	XMLName    xml.Name   `xml:"mm7:DeliveryReportReq"`
	NS         string     `xml:"xmlns:mm7,attr"`
	MM7Version string     `xml:"MM7Version"`
	MessageID  string     `xml:"MessageID"`
	Recipient  addressOut `xml:"Recipient"`
	Sender     addressOut `xml:"Sender"`
	Date       string     `xml:"Date"`
	MMStatus   string     `xml:"MMStatus"`
}

type readReplyReqOut struct {
	XMLName    xml.Name   `xml:"mm7:ReadReplyReq"`
	NS         string     `xml:"xmlns:mm7,attr"`
	MM7Version string     `xml:"MM7Version"`
	MessageID  string     `xml:"MessageID"`
	Recipient  addressOut `xml:"Recipient"`
	Sender     addressOut `xml:"Sender"`
	Timestamp  string     `xml:"Timestamp"`
	ReadStatus string     `xml:"ReadStatus"`
}

type responseRspOut struct {
	XMLName    xml.Name
	NS         string    `xml:"xmlns:mm7,attr"`
	MM7Version string    `xml:"MM7Version"`
	MessageID  string    `xml:"MessageID,omitempty"`
	Status     statusOut `xml:"Status"`
}

type statusOut struct {
	StatusCode string `xml:"StatusCode"`
	StatusText string `xml:"StatusText"`
}

func renderEnvelope(txid string, payload interface{}) ([]byte, error) {
	env := soapEnvelopeOut{
		EnvNS: soapEnvNS,
		Header: soapHeaderOut{
			Transaction: transactionIDOut{NS: mm7NS, MustUnderstand: "1", Value: txid},
		},
		Body: soapBodyOut{Payload: payload},
	}
	out, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal soap envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Render builds the SubmitReq envelope plus the multipart content payload.
func (g *MM7) Render(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (*Payload, error) {
	if msg == nil || len(msg.Parts) == 0 {
		return nil, fmt.Errorf("transaction %s has no renderable content", tx.ID)
	}

	req := submitReqOut{
		NS:            mm7NS,
		MM7Version:    g.cfg.Version,
		ServiceCode:   g.cfg.ServiceCode,
		LinkedID:      tx.LinkedID,
		MessageClass:  msg.MessageClass,
		TimeStamp:     time.Now().UTC().Format(time.RFC3339),
		Subject:       msg.Subject,
		Priority:      titleCase(msg.Priority),
		ApplicID:      msg.HandlingApp,
		ReplyApplicID: msg.ReplyToApp,
		AuxApplicInfo: msg.AppInfo,
		Content:       &contentRefOut{Href: "cid:" + tx.ID + ".content"},
	}
	if g.cfg.VASPID != "" || g.cfg.VASID != "" || msg.Origin != "" {
		req.Sender = &senderIDOut{
			VASPID:        g.cfg.VASPID,
			VASID:         g.cfg.VASID,
			SenderAddress: g.cfg.OriginPrefix + msg.Origin + g.cfg.OriginSuffix,
		}
	}
	for _, r := range tx.Destination {
		req.Recipients.To = append(req.Recipients.To, mm7Address(g.cfg.DestPrefix+r+g.cfg.DestSuffix))
	}
	for _, r := range tx.Cc {
		req.Recipients.Cc = append(req.Recipients.Cc, mm7Address(g.cfg.DestPrefix+r+g.cfg.DestSuffix))
	}
	for _, r := range tx.Bcc {
		req.Recipients.Bcc = append(req.Recipients.Bcc, mm7Address(g.cfg.DestPrefix+r+g.cfg.DestSuffix))
	}
	if msg.ExpireAfter > 0 {
		req.ExpiryDate = time.Unix(msg.ExpireAfter, 0).UTC().Format(time.RFC3339)
	}
	if msg.EarliestDelivery > 0 {
		req.EarliestDelivery = time.Unix(msg.EarliestDelivery, 0).UTC().Format(time.RFC3339)
	}
	if g.cfg.RequestDR || msg.DRRequested {
		req.DeliveryReport = "true"
	}
	if g.cfg.RequestRR || msg.RRRequested {
		req.ReadReply = "true"
	}
	if v, set := msg.ContentAdaptation.Bool(); set {
		req.ContentAdapt = fmt.Sprint(v)
	}
	if v, set := msg.DRM.Bool(); set {
		req.DRMContent = fmt.Sprint(v)
	}

	envelope, err := renderEnvelope(tx.FreshTranID(), req)
	if err != nil {
		return nil, err
	}
	body, contentType, err := g.packageRequest(ctx, tx.ID, envelope, msg)
	if err != nil {
		return nil, err
	}

	return &Payload{
		MessageID:   tx.ID,
		To:          tx.Recipients(),
		ContentType: contentType,
		Body:        body,
	}, nil
}

// packageRequest assembles the multipart/related POST body: the envelope part
// first, then the message content under the cid the envelope references.
func (g *MM7) packageRequest(ctx context.Context, txid string, envelope []byte, msg *domain.Message) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	eh := textproto.MIMEHeader{}
	eh.Set("Content-Type", `text/xml; charset="utf-8"`)
	eh.Set("Content-ID", "<"+txid+".envelope>")
	ew, err := w.CreatePart(eh)
	if err != nil {
		return nil, "", err
	}
	if _, err := ew.Write(envelope); err != nil {
		return nil, "", err
	}

	content, innerType, err := g.renderContent(ctx, msg)
	if err != nil {
		return nil, "", err
	}
	ch := textproto.MIMEHeader{}
	ch.Set("Content-Type", innerType)
	ch.Set("Content-ID", "<"+txid+".content>")
	cw, err := w.CreatePart(ch)
	if err != nil {
		return nil, "", err
	}
	if _, err := cw.Write(content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	contentType := fmt.Sprintf(
		`multipart/related; boundary=%q; type="text/xml"; start="<%s.envelope>"`,
		w.Boundary(), txid)
	return buf.Bytes(), contentType, nil
}

// renderContent builds the message content: a single part as-is, several parts
// as a nested multipart/related with the SMIL presentation first.
func (g *MM7) renderContent(ctx context.Context, msg *domain.Message) ([]byte, string, error) {
	if len(msg.Parts) == 1 {
		p := msg.Parts[0]
		content := g.partContent(ctx, p)
		if content == nil {
			return nil, "", fmt.Errorf("message %s has no renderable parts", msg.ID)
		}
		return content, p.ContentType, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	written := 0
	for _, p := range msg.Parts {
		content := g.partContent(ctx, p)
		if content == nil {
			g.log.Warn("skipping part with unavailable content", "msg_id", msg.ID, "part_id", p.ID)
			continue
		}
		ph := textproto.MIMEHeader{}
		ph.Set("Content-Type", p.ContentType)
		ph.Set("Content-ID", "<"+p.ContentName+">")
		switch p.ContentType {
		case "text/plain", domain.SMILType:
		default:
			ph.Set("Content-Transfer-Encoding", "base64")
			content = []byte(base64.StdEncoding.EncodeToString(content))
		}
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, "", err
		}
		if _, err := pw.Write(content); err != nil {
			return nil, "", err
		}
		written++
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	if written == 0 {
		return nil, "", fmt.Errorf("message %s has no renderable parts", msg.ID)
	}

	innerType := fmt.Sprintf("multipart/related; boundary=%q", w.Boundary())
	if msg.Parts[0].ContentType == domain.SMILType {
		innerType = fmt.Sprintf("multipart/related; Start=<%s>; Type=%q; boundary=%q",
			msg.Parts[0].ContentName, domain.SMILType, w.Boundary())
	}
	return buf.Bytes(), innerType, nil
}

// Send posts the rendered request to the MMSC and evaluates the SubmitRsp.
// Codes: "50" transport failure, "51" unparseable response, "52" response
// without a status, or the MMSC's own status code.
func (g *MM7) Send(ctx context.Context, tx *domain.Transaction, p *Payload) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.RemoteHost, bytes.NewReader(p.Body))
	if err != nil {
		return "50", "request construction failed", err
	}
	req.Header.Set("Content-Type", p.ContentType)
	req.Header.Set("SOAPAction", `""`)
	if g.cfg.Username != "" {
		req.SetBasicAuth(g.cfg.Username, g.cfg.Password)
	}

	resp, err := g.httpc.Do(req)
	if err != nil {
		return "50", "mmsc request failed", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "50", "mmsc response read failed", err
	}

	env, err := ParseEnvelope(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return "51", "mmsc response not parseable", err
	}
	rsp := env.Body.SubmitRsp
	if rsp == nil || rsp.Status.StatusCode == "" {
		return "52", "mmsc response carries no status", fmt.Errorf("no status in submit response")
	}

	code, text := rsp.Status.StatusCode, rsp.Status.StatusText
	if text == "" {
		text, _ = MM7Status.Phrase(code)
	}
	if code != "1000" && code != "1100" {
		return code, text, fmt.Errorf("mmsc refused submission: %s %s", code, text)
	}

	if rsp.MessageID != "" {
		if err := g.life.CrossRef(ctx, rsp.MessageID, tx.ID); err != nil {
			g.log.Error("record carrier crossref", "tx_id", tx.ID, "peer_ref", rsp.MessageID, "err", err)
		}
	}
	g.log.Info("message submitted", "tx_id", tx.ID, "gwid", g.cfg.ID,
		"peer_ref", rsp.MessageID, "status", code)
	return "", "", nil
}

// Transmit renders and sends in one step.
func (g *MM7) Transmit(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (string, string, error) {
	return g.transmit(ctx, g, tx, msg)
}

// ── inbound envelope parsing ─────────────────────────────────────────────────

// Envelope is the lenient decode form of an MM7 SOAP message; the namespace
// prefixes of the sender do not matter. Exactly one Body pointer is set.
type Envelope struct {
	XMLName xml.Name       `xml:"Envelope"`
	Header  envelopeHeader `xml:"Header"`
	Body    envelopeBody   `xml:"Body"`

	// Attachments holds the non-envelope MIME parts keyed by content id,
	// populated when the transport payload was multipart.
	Attachments map[string]inboundAttachment `xml:"-"`
}

type envelopeHeader struct {
	TransactionID string `xml:"TransactionID"`
}

type envelopeBody struct {
	SubmitReq         *SubmitReq         `xml:"SubmitReq"`
	SubmitRsp         *SubmitRsp         `xml:"SubmitRsp"`
	DeliverReq        *DeliverReq        `xml:"DeliverReq"`
	DeliveryReportReq *DeliveryReportReq `xml:"DeliveryReportReq"`
	ReadReplyReq      *ReadReplyReq      `xml:"ReadReplyReq"`
}

type inboundAttachment struct {
	ContentType string
	Content     []byte
}

// SubmitReq is decoded when a VASP-side peer submits through us.
type SubmitReq struct {
	MM7Version string          `xml:"MM7Version"`
	Subject    string          `xml:"Subject"`
	Recipients inboundAddrSets `xml:"Recipients"`
}

// SubmitRsp is the MMSC's answer to our SubmitReq.
type SubmitRsp struct {
	MM7Version string        `xml:"MM7Version"`
	MessageID  string        `xml:"MessageID"`
	Status     inboundStatus `xml:"Status"`
}

// DeliverReq is a mobile-originated message pushed to us by the MMSC.
type DeliverReq struct {
	MM7Version    string          `xml:"MM7Version"`
	LinkedID      string          `xml:"LinkedID"`
	Sender        inboundAddress  `xml:"Sender"`
	Recipients    inboundAddrSets `xml:"Recipients"`
	TimeStamp     string          `xml:"TimeStamp"`
	Priority      string          `xml:"Priority"`
	Subject       string          `xml:"Subject"`
	ApplicID      string          `xml:"ApplicID"`
	ReplyApplicID string          `xml:"ReplyApplicID"`
	AuxApplicInfo string          `xml:"AuxApplicInfo"`
	Content       inboundContent  `xml:"Content"`
}

// DeliveryReportReq reports the fate of a message we submitted.
type DeliveryReportReq struct {
	MM7Version string         `xml:"MM7Version"`
	MessageID  string         `xml:"MessageID"`
	Recipient  inboundAddress `xml:"Recipient"`
	Sender     inboundAddress `xml:"Sender"`
	Date       string         `xml:"Date"`
	MMStatus   string         `xml:"MMStatus"`
	StatusText string         `xml:"StatusText"`
}

// ReadReplyReq reports a recipient reading a message we submitted.
type ReadReplyReq struct {
	MM7Version string         `xml:"MM7Version"`
	MessageID  string         `xml:"MessageID"`
	Recipient  inboundAddress `xml:"Recipient"`
	Sender     inboundAddress `xml:"Sender"`
	Timestamp  string         `xml:"Timestamp"`
	ReadStatus string         `xml:"ReadStatus"`
}

type inboundStatus struct {
	StatusCode string `xml:"StatusCode"`
	StatusText string `xml:"StatusText"`
}

type inboundAddress struct {
	RFC2822 string `xml:"RFC2822Address"`
	Short   string `xml:"ShortCode"`
	Number  string `xml:"Number"`
}

// Value flattens the address to its populated form.
func (a inboundAddress) Value() string {
	switch {
	case a.Number != "":
		return a.Number
	case a.Short != "":
		return a.Short
	default:
		return a.RFC2822
	}
}

type inboundAddrSets struct {
	To  []inboundAddress `xml:"To"`
	Cc  []inboundAddress `xml:"Cc"`
	Bcc []inboundAddress `xml:"Bcc"`
}

type inboundContent struct {
	Href string `xml:"href,attr"`
}

// ParseEnvelope decodes an MM7 transport payload. A multipart payload is
// split first: the envelope part is decoded and the rest become attachments.
func ParseEnvelope(raw []byte, contentType string) (*Envelope, error) {
	envelopeXML := raw
	attachments := map[string]inboundAttachment{}

	if contentType != "" {
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err == nil && strings.HasPrefix(mediaType, "multipart/") {
			mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
			envelopeXML = nil
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, fmt.Errorf("split mm7 payload: %w", err)
				}
				content, err := io.ReadAll(part)
				if err != nil {
					return nil, fmt.Errorf("read mm7 part: %w", err)
				}
				partType := part.Header.Get("Content-Type")
				if envelopeXML == nil && strings.Contains(partType, "xml") {
					envelopeXML = content
					continue
				}
				if strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
					if decoded, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, string(content))); err == nil {
						content = decoded
					}
				}
				attachments[trimAngles(part.Header.Get("Content-ID"))] = inboundAttachment{
					ContentType: partType,
					Content:     content,
				}
			}
		}
	}
	if envelopeXML == nil {
		return nil, fmt.Errorf("mm7 payload carries no envelope")
	}

	var env Envelope
	if err := xml.Unmarshal(envelopeXML, &env); err != nil {
		return nil, fmt.Errorf("decode mm7 envelope: %w", err)
	}
	env.Attachments = attachments
	return &env, nil
}

// ClassifyEnvelope reports the inbound kind of a decoded envelope.
func ClassifyEnvelope(env *Envelope) InboundKind {
	switch {
	case env.Body.DeliverReq != nil:
		return KindInboundMMS
	case env.Body.DeliveryReportReq != nil:
		return KindOutboundDR
	case env.Body.ReadReplyReq != nil:
		return KindOutboundRR
	case env.Body.SubmitRsp != nil:
		return KindOutboundAck
	}
	return KindUnknown
}

// BuildResponse renders the synchronous SOAP answer for an inbound request.
// respType is the response element name, e.g. "DeliverRsp".
func BuildResponse(txid, respType, version, messageID, statusCode string) ([]byte, error) {
	text, ok := MM7Status.Phrase(statusCode)
	if !ok {
		statusCode, text = "4000", "General service error"
	}
	rsp := responseRspOut{
		NS:         mm7NS,
		MM7Version: version,
		MessageID:  messageID,
		Status:     statusOut{StatusCode: statusCode, StatusText: text},
	}
	rsp.XMLName = xml.Name{Local: "mm7:" + respType}
	return renderEnvelope(txid, rsp)
}

// ProcessInbound decodes an MMSC request relayed by the inbound receiver and
// routes it by its payload type. meta carries the transport content type.
func (g *MM7) ProcessInbound(ctx context.Context, raw []byte, meta map[string]string) error {
	env, err := ParseEnvelope(raw, meta["content_type"])
	if err != nil {
		return err
	}
	switch kind := ClassifyEnvelope(env); kind {
	case KindInboundMMS:
		return g.processDeliverReq(ctx, env)
	case KindOutboundDR:
		g.processDeliveryReport(ctx, env.Body.DeliveryReportReq)
	case KindOutboundRR:
		g.processReadReply(ctx, env.Body.ReadReplyReq)
	default:
		g.log.Warn("unhandled mm7 payload dropped", "gwid", g.cfg.ID, "kind", kind.String())
	}
	return nil
}

// processDeliverReq handles a mobile-originated DeliverReq: builds the
// canonical message from the envelope and its attachments and notifies the
// application. The synchronous DeliverRsp was already produced by the
// receiver.
func (g *MM7) processDeliverReq(ctx context.Context, env *Envelope) error {
	req := env.Body.DeliverReq

	msg := domain.NewMessage()
	msg.Direction = 1
	msg.Gateway = g.cfg.Group
	msg.GatewayID = g.cfg.ID
	msg.PeerTranID = env.Header.TransactionID
	msg.Origin = phoneFromAddress(req.Sender.Value())
	for _, a := range req.Recipients.To {
		msg.To.Add(phoneFromAddress(a.Value()))
	}
	for _, a := range req.Recipients.Cc {
		msg.Cc.Add(phoneFromAddress(a.Value()))
	}
	for _, a := range req.Recipients.Bcc {
		msg.Bcc.Add(phoneFromAddress(a.Value()))
	}
	msg.Subject = req.Subject
	msg.Priority = strings.ToLower(req.Priority)
	msg.HandlingApp = req.ApplicID
	msg.ReplyToApp = req.ReplyApplicID
	msg.AppInfo = req.AuxApplicInfo
	msg.ProcessedTS = time.Now().Unix()

	for cid, att := range env.Attachments {
		if err := g.addAttachment(msg, cid, att); err != nil {
			g.log.Warn("inbound content part refused", "gwid", g.cfg.ID, "cid", cid, "err", err)
		}
	}

	if err := g.life.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save inbound message: %w", err)
	}
	g.log.Info("inbound mms received", "gwid", g.cfg.ID, "msg_id", msg.ID,
		"origin", msg.Origin, "parts", len(msg.Parts))
	g.life.NotifyReceived(ctx, msg, g.cfg.MMSReceivedURL)
	return nil
}

// addAttachment unpacks one MIME attachment, flattening a nested multipart
// content wrapper into individual message parts.
func (g *MM7) addAttachment(msg *domain.Message, cid string, att inboundAttachment) error {
	mediaType, params, err := mime.ParseMediaType(att.ContentType)
	if err != nil {
		mediaType = att.ContentType
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		p, err := domain.NewPart(mediaType, cid)
		if err != nil {
			return err
		}
		if err := p.SetContent(att.Content); err != nil {
			return err
		}
		msg.AddPart(p)
		return nil
	}

	mr := multipart.NewReader(bytes.NewReader(att.Content), params["boundary"])
	var refused error
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read nested part: %w", err)
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("read nested part content: %w", err)
		}
		if strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
			if decoded, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, string(content))); err == nil {
				content = decoded
			}
		}
		partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			partType = part.Header.Get("Content-Type")
		}
		p, err := domain.NewPart(partType, trimAngles(part.Header.Get("Content-ID")))
		if err != nil {
			refused = err
			continue
		}
		if err := p.SetContent(content); err != nil {
			refused = err
			continue
		}
		msg.AddPart(p)
	}
	return refused
}

// processDeliveryReport records a delivery report against the transaction the
// carrier message id cross-references.
func (g *MM7) processDeliveryReport(ctx context.Context, req *DeliveryReportReq) {
	txid, ok := g.life.ResolveCrossRef(ctx, req.MessageID)
	if !ok {
		txid = req.MessageID
	}
	state, code := CanonicalMM7DR(req.MMStatus)
	g.life.SetStateByID(ctx, txid, []string{phoneFromAddress(req.Recipient.Value())},
		state, code, req.MMStatus, g.cfg.ID, nil, g.cfg.EventsURL)
}

// processReadReply records a read report the same way.
func (g *MM7) processReadReply(ctx context.Context, req *ReadReplyReq) {
	txid, ok := g.life.ResolveCrossRef(ctx, req.MessageID)
	if !ok {
		txid = req.MessageID
	}
	state, code := CanonicalRR(req.ReadStatus)
	g.life.SetStateByID(ctx, txid, []string{phoneFromAddress(req.Recipient.Value())},
		state, code, req.ReadStatus, g.cfg.ID, nil, g.cfg.EventsURL)
}

// SendAck is a no-op for MM7: acknowledgments are the synchronous SOAP
// responses the inbound receiver already produced.
func (g *MM7) SendAck(ctx context.Context, msg *domain.Message, status string) error {
	return nil
}

// SendDeliveryReport posts a DeliveryReportReq for a message we received.
func (g *MM7) SendDeliveryReport(ctx context.Context, msg *domain.Message, status string) error {
	for _, rcpt := range msg.Recipients() {
		req := deliveryReportReqOut{
			NS:         mm7NS,
			MM7Version: g.cfg.Version,
			MessageID:  msg.PeerRef,
			Recipient:  mm7Address(rcpt),
			Sender:     mm7Address(msg.Origin),
			Date:       time.Now().UTC().Format(time.RFC3339),
			MMStatus:   status,
		}
		if err := g.postReport(ctx, req); err != nil {
			return fmt.Errorf("delivery report for %s: %w", rcpt, err)
		}
	}
	g.log.Info("delivery report sent", "msg_id", msg.ID, "status", status)
	return nil
}

// SendReadReport posts a ReadReplyReq for a message we received.
func (g *MM7) SendReadReport(ctx context.Context, msg *domain.Message, status string) error {
	for _, rcpt := range msg.Recipients() {
		req := readReplyReqOut{
			NS:         mm7NS,
			MM7Version: g.cfg.Version,
			MessageID:  msg.PeerRef,
			Recipient:  mm7Address(rcpt),
			Sender:     mm7Address(msg.Origin),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			ReadStatus: status,
		}
		if err := g.postReport(ctx, req); err != nil {
			return fmt.Errorf("read report for %s: %w", rcpt, err)
		}
	}
	g.log.Info("read report sent", "msg_id", msg.ID, "status", status)
	return nil
}

// postReport sends a report envelope as a plain SOAP POST and checks for a
// success status in the answer.
func (g *MM7) postReport(ctx context.Context, payload interface{}) error {
	envelope, err := renderEnvelope(domain.NewID(), payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.RemoteHost, bytes.NewReader(envelope))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `""`)
	if g.cfg.Username != "" {
		req.SetBasicAuth(g.cfg.Username, g.cfg.Password)
	}
	resp, err := g.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mmsc answered %d", resp.StatusCode)
	}
	return nil
}
