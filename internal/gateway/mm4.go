package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	config "github.com/drivefast/mmsgw"
	"github.com/drivefast/mmsgw/internal/app"
	"github.com/drivefast/mmsgw/internal/domain"
)

// topPartBoundary separates the MIME parts of an outbound MM4 message.
const topPartBoundary = "========Top-Part-Boundary"

// MM4 message type header values, 3GPP TS 23.140.
const (
	mm4ForwardReq   = "MM4_forward.REQ"
	mm4ForwardRes   = "MM4_forward.RES"
	mm4DRReq        = "MM4_Delivery_report.REQ"
	mm4DRRes        = "MM4_Delivery_report.RES"
	mm4ReadReplyReq = "MM4_Read_reply_report.REQ"
)

// MM4 relays multimedia messages to a carrier MMSC over SMTP, with MIME
// multipart bodies and the X-Mms-* header set of the MM4 interface.
type MM4 struct {
	base

	mu     sync.Mutex // guards client; shared by the sender and the prober
	client *smtp.Client
}

// NewMM4 builds an MM4 gateway from its configuration. The SMTP session is
// established by Start.
func NewMM4(cfg config.Gateway, life *app.Lifecycle, log *slog.Logger) *MM4 {
	return &MM4{base: newBase(cfg, life, log)}
}

// Start opens the SMTP session to the carrier.
func (g *MM4) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked()
}

func (g *MM4) connectLocked() error {
	if g.client != nil {
		return nil
	}
	c, err := smtp.Dial(g.cfg.RemoteHost)
	if err != nil {
		return fmt.Errorf("dial mmsc %s: %w", g.cfg.RemoteHost, err)
	}
	if err := c.Hello(g.cfg.ThisHost); err != nil {
		c.Close()
		return fmt.Errorf("helo: %w", err)
	}
	if g.cfg.Secure {
		host, _, _ := net.SplitHostPort(g.cfg.RemoteHost)
		tc := clientTLS(g.cfg, g.log)
		if tc == nil {
			tc = &tls.Config{}
		}
		tc.ServerName = host
		if err := c.StartTLS(tc); err != nil {
			c.Close()
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if g.cfg.Username != "" {
		host, _, _ := net.SplitHostPort(g.cfg.RemoteHost)
		auth := smtp.PlainAuth("", g.cfg.Username, g.cfg.Password, host)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	g.client = c
	g.log.Info("mmsc connection established", "gwid", g.cfg.ID, "peer", g.cfg.RemoteHost)
	return nil
}

func (g *MM4) dropLocked() {
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
}

// Probe checks the SMTP session with a NOOP, reconnecting first if needed.
func (g *MM4) Probe(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connectLocked(); err != nil {
		g.log.Warn("mmsc unreachable", "gwid", g.cfg.ID, "err", err)
		return false
	}
	if err := g.client.Noop(); err != nil {
		g.log.Warn("mmsc probe failed", "gwid", g.cfg.ID, "err", err)
		g.dropLocked()
		return false
	}
	return true
}

// Render builds the MM4_forward.REQ wire message: the X-Mms-* header block
// followed by the multipart/related content, SMIL part first.
func (g *MM4) Render(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (*Payload, error) {
	if msg == nil || len(msg.Parts) == 0 {
		return nil, fmt.Errorf("transaction %s has no renderable content", tx.ID)
	}

	from := g.originAddress(msg.Origin)
	rcpts := make([]string, 0, len(tx.Recipients()))
	for _, r := range tx.Recipients() {
		rcpts = append(rcpts, g.destAddress(r))
	}

	h := map[string]string{
		"X-Mms-3GPP-MMS-Version": g.cfg.Version,
		"X-Mms-Message-Type":     mm4ForwardReq,
		"X-Mms-Transaction-ID":   tx.FreshTranID(),
		"X-Mms-Message-ID":       "<" + tx.ID + ">",
		"X-Mms-Ack-Request":      yesNo(g.cfg.RequestAck),
		"X-Mms-Forward-Counter":  "1",
		"From":                   from,
		"Date":                   time.Now().UTC().Format(time.RFC1123Z),
		"Message-ID":             "<" + tx.ID + "@" + g.cfg.ThisHost + ">",
		"User-Agent":             "mmsgw",
	}
	dests := make([]string, 0, len(tx.Destination))
	for _, r := range tx.Destination {
		dests = append(dests, g.destAddress(r))
	}
	h["To"] = strings.Join(dests, ", ")
	if len(tx.Cc) > 0 {
		ccs := make([]string, 0, len(tx.Cc))
		for _, r := range tx.Cc {
			ccs = append(ccs, g.destAddress(r))
		}
		h["Cc"] = strings.Join(ccs, ", ")
	}
	if msg.Subject != "" {
		h["Subject"] = msg.Subject
	}
	if g.cfg.RequestDR || msg.DRRequested {
		h["X-Mms-Delivery-Report"] = "Yes"
	}
	if g.cfg.RequestRR || msg.RRRequested {
		h["X-Mms-Read-Reply"] = "Yes"
	}
	if msg.ExpireAfter > 0 {
		if left := msg.ExpireAfter - time.Now().Unix(); left > 0 {
			h["X-Mms-Expiry"] = strconv.FormatInt(left, 10)
		}
	}
	if msg.MessageClass != "" {
		h["X-Mms-Message-Class"] = msg.MessageClass
	}
	if msg.Priority != "" {
		h["X-Mms-Priority"] = titleCase(msg.Priority)
	}
	if msg.ContentClass != "" {
		h["X-Mms-Content-Class"] = msg.ContentClass
	}
	if v, set := msg.ShowSender.Bool(); set {
		if v {
			h["X-Mms-Sender-Visibility"] = "Show"
		} else {
			h["X-Mms-Sender-Visibility"] = "Hide"
		}
	}
	if v, set := msg.ContentAdaptation.Bool(); set {
		h["X-Mms-Adaptation-Allowed"] = yesNo(v)
	}
	if v, set := msg.DRM.Bool(); set {
		h["X-Mms-Drm-Content"] = yesNo(v)
	}
	if msg.HandlingApp != "" {
		h["X-Mms-Applic-ID"] = msg.HandlingApp
	}
	if msg.ReplyToApp != "" {
		h["X-Mms-Reply-Applic-ID"] = msg.ReplyToApp
	}
	if msg.AppInfo != "" {
		h["X-Mms-Aux-Applic-Info"] = msg.AppInfo
	}
	if g.cfg.MMSIPAddress != "" {
		h["X-Mms-MMSIP-Address"] = g.cfg.MMSIPAddress
	}
	if g.cfg.ForwardRoute != "" {
		h["X-Mms-Forward-Route"] = g.cfg.ForwardRoute
	}
	if g.cfg.ReturnRoute != "" {
		h["X-Mms-Return-Route"] = g.cfg.ReturnRoute
	}

	body, contentType, err := g.renderParts(ctx, msg)
	if err != nil {
		return nil, err
	}
	h["Content-Type"] = contentType
	h["MIME-Version"] = "1.0"

	var buf bytes.Buffer
	for k, v := range h {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	return &Payload{
		MessageID:   tx.ID,
		From:        from,
		To:          rcpts,
		Headers:     h,
		ContentType: contentType,
		Body:        buf.Bytes(),
	}, nil
}

// renderParts writes the multipart/related body. Text parts go inline, binary
// parts are base64 encoded. Parts whose content cannot be resolved are skipped
// with a log entry rather than failing the whole message.
func (g *MM4) renderParts(ctx context.Context, msg *domain.Message) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(topPartBoundary); err != nil {
		return nil, "", err
	}

	contentType := fmt.Sprintf("multipart/related; boundary=%q", topPartBoundary)
	if msg.Parts[0].ContentType == domain.SMILType {
		contentType = fmt.Sprintf("multipart/related; Start=\"<%s>\"; Type=%q; boundary=%q",
			msg.Parts[0].ContentName, domain.SMILType, topPartBoundary)
	}

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
			ph.Set("Content-Transfer-Encoding", "8bit")
		default:
			ph.Set("Content-Transfer-Encoding", "base64")
			ph.Set("Content-Location", p.FileName())
			ph.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.FileName()))
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
	return buf.Bytes(), contentType, nil
}

// Send pushes the rendered message over the SMTP session. Error codes follow
// the retry convention: "41" sender refused, "42" every recipient refused,
// "40" transport failure, all retryable.
func (g *MM4) Send(ctx context.Context, tx *domain.Transaction, p *Payload) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.connectLocked(); err != nil {
		return "40", "mmsc connection failed", err
	}
	if err := g.client.Mail(p.From); err != nil {
		g.dropLocked()
		return "41", "originator address refused", err
	}
	refused := 0
	for _, rcpt := range p.To {
		if err := g.client.Rcpt(rcpt); err != nil {
			g.log.Warn("recipient refused", "tx_id", tx.ID, "rcpt", rcpt, "err", err)
			refused++
		}
	}
	if refused == len(p.To) {
		g.client.Reset()
		return "42", "all recipient addresses refused", fmt.Errorf("all %d recipients refused", refused)
	}
	wc, err := g.client.Data()
	if err != nil {
		g.dropLocked()
		return "40", "mmsc rejected message data", err
	}
	if _, err := wc.Write(p.Body); err != nil {
		wc.Close()
		g.dropLocked()
		return "40", "message transmission failed", err
	}
	if err := wc.Close(); err != nil {
		g.dropLocked()
		return "40", "message transmission failed", err
	}
	g.log.Info("message forwarded", "tx_id", tx.ID, "gwid", g.cfg.ID,
		"recipients", len(p.To)-refused, "refused", refused)
	return "", "", nil
}

// Transmit renders and sends in one step.
func (g *MM4) Transmit(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (string, string, error) {
	return g.transmit(ctx, g, tx, msg)
}

// ProcessInbound parses a raw SMTP message relayed by the inbound receiver and
// routes it by its MM4 message type.
func (g *MM4) ProcessInbound(ctx context.Context, raw []byte, meta map[string]string) error {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse inbound mm4 payload: %w", err)
	}
	if m.Header.Get("X-Mms-3GPP-MMS-Version") == "" {
		g.log.Warn("inbound payload is not an mm4 message, dropped", "gwid", g.cfg.ID)
		return nil
	}

	switch kind := classifyMM4(m.Header.Get("X-Mms-Message-Type")); kind {
	case KindInboundMMS:
		return g.processInboundMMS(ctx, m)
	case KindOutboundAck:
		g.processForwardRes(ctx, m)
	case KindOutboundDR:
		g.processDeliveryReport(ctx, m)
	case KindOutboundRR:
		g.processReadReport(ctx, m)
	default:
		g.log.Warn("unhandled mm4 message type dropped",
			"gwid", g.cfg.ID, "type", m.Header.Get("X-Mms-Message-Type"))
	}
	return nil
}

func classifyMM4(messageType string) InboundKind {
	switch strings.ToLower(messageType) {
	case "mm4_forward.req":
		return KindInboundMMS
	case "mm4_forward.res":
		return KindOutboundAck
	case "mm4_delivery_report.req":
		return KindOutboundDR
	case "mm4_read_reply_report.req":
		return KindOutboundRR
	}
	return KindUnknown
}

// processInboundMMS handles a mobile-originated MM4_forward.REQ: builds the
// canonical message, notifies the application and answers the requested
// acknowledgments.
func (g *MM4) processInboundMMS(ctx context.Context, m *mail.Message) error {
	peerRef := trimAngles(m.Header.Get("X-Mms-Message-Id"))
	if peerRef == "" {
		g.log.Warn("inbound mms without message id dropped", "gwid", g.cfg.ID)
		return nil
	}

	msg := domain.NewMessage()
	msg.Direction = 1
	msg.Gateway = g.cfg.Group
	msg.GatewayID = g.cfg.ID
	msg.PeerRef = peerRef
	msg.PeerTranID = m.Header.Get("X-Mms-Transaction-ID")
	msg.Origin = phoneFromAddress(m.Header.Get("From"))
	msg.To = parseAddressList(m.Header.Get("To"))
	msg.Cc = parseAddressList(m.Header.Get("Cc"))
	msg.Subject = m.Header.Get("Subject")
	msg.MessageClass = m.Header.Get("X-Mms-Message-Class")
	msg.ContentClass = m.Header.Get("X-Mms-Content-Class")
	msg.Priority = strings.ToLower(m.Header.Get("X-Mms-Priority"))
	msg.AckRequested = isYes(m.Header.Get("X-Mms-Ack-Request"))
	msg.DRRequested = isYes(m.Header.Get("X-Mms-Delivery-Report"))
	msg.RRRequested = isYes(m.Header.Get("X-Mms-Read-Reply"))
	msg.HandlingApp = m.Header.Get("X-Mms-Applic-ID")
	msg.ReplyToApp = m.Header.Get("X-Mms-Reply-Applic-ID")
	msg.AppInfo = m.Header.Get("X-Mms-Aux-Applic-Info")
	if sender := m.Header.Get("Sender"); sender != "" {
		msg.AckAtAddr = sender
	} else {
		msg.AckAtAddr = m.Header.Get("From")
	}
	msg.ProcessedTS = time.Now().Unix()

	status := "Ok"
	if err := g.parseInboundParts(m, msg); err != nil {
		g.log.Warn("inbound mms content refused", "gwid", g.cfg.ID, "peer_ref", peerRef, "err", err)
		status = "Error-content-not-accepted"
	}

	if err := g.life.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save inbound message: %w", err)
	}
	g.log.Info("inbound mms received", "gwid", g.cfg.ID, "msg_id", msg.ID,
		"peer_ref", peerRef, "origin", msg.Origin, "parts", len(msg.Parts))

	if msg.AckRequested && g.cfg.AutoAck {
		if err := g.SendAck(ctx, msg, status); err != nil {
			g.log.Error("auto ack failed", "msg_id", msg.ID, "err", err)
		}
	}
	if status == "Ok" {
		if msg.DRRequested && g.cfg.AutoDR {
			if err := g.SendDeliveryReport(ctx, msg, "Retrieved"); err != nil {
				g.log.Error("auto delivery report failed", "msg_id", msg.ID, "err", err)
			}
		}
		g.life.NotifyReceived(ctx, msg, g.cfg.MMSReceivedURL)
	}
	return nil
}

// parseInboundParts walks the MIME content, keeping only accepted media types.
func (g *MM4) parseInboundParts(m *mail.Message, msg *domain.Message) error {
	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content type: %w", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return g.addInboundPart(msg, mediaType, "", "8bit", m.Body)
	}

	mr := multipart.NewReader(m.Body, params["boundary"])
	var refused error
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			partType = part.Header.Get("Content-Type")
		}
		name := trimAngles(part.Header.Get("Content-ID"))
		if name == "" {
			name = part.FileName()
		}
		if err := g.addInboundPart(msg, partType, name,
			part.Header.Get("Content-Transfer-Encoding"), part); err != nil {
			refused = err
		}
	}
	if len(msg.Parts) == 0 && refused != nil {
		return refused
	}
	return refused
}

func (g *MM4) addInboundPart(msg *domain.Message, contentType, name, encoding string, r io.Reader) error {
	p, err := domain.NewPart(contentType, name)
	if err != nil {
		return fmt.Errorf("part %q: %w", contentType, err)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read part content: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		decoded, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, string(content)))
		if err != nil {
			return fmt.Errorf("decode part content: %w", err)
		}
		content = decoded
	}
	if err := p.SetContent(content); err != nil {
		return err
	}
	msg.AddPart(p)
	return nil
}

// processForwardRes records the carrier's acknowledgment of a message we sent.
func (g *MM4) processForwardRes(ctx context.Context, m *mail.Message) {
	txid := trimAngles(m.Header.Get("X-Mms-Message-ID"))
	phrase := m.Header.Get("X-Mms-Request-Status-Code")
	code, ok := MM4RequestStatus.Code(phrase)
	if !ok {
		code, phrase = "500", "Error-unspecified"
	}
	state := domain.StateAcknowledged
	if code != "200" {
		state = domain.StateFailed
	}
	g.life.SetStateByID(ctx, txid, nil, state, code, phrase, g.cfg.ID, nil, g.cfg.EventsURL)
}

// processDeliveryReport records a per-recipient delivery report for a message
// we sent, and confirms it back to the carrier when asked to.
func (g *MM4) processDeliveryReport(ctx context.Context, m *mail.Message) {
	txid := trimAngles(m.Header.Get("X-Mms-Message-ID"))
	phrase := m.Header.Get("X-Mms-MM-Status-Code")
	state := CanonicalMM4DR(phrase)
	code, ok := MM4DRStatus.Code(phrase)
	if !ok {
		code, phrase = "500", "Indeterminate"
	}
	recipient := phoneFromAddress(m.Header.Get("From"))
	g.life.SetStateByID(ctx, txid, []string{recipient}, state,
		code, phrase, g.cfg.ID, nil, g.cfg.EventsURL)

	if isYes(m.Header.Get("X-Mms-Ack-Request")) {
		g.confirmReport(ctx, m, mm4DRRes)
	}
}

// processReadReport records a per-recipient read report for a message we sent.
func (g *MM4) processReadReport(ctx context.Context, m *mail.Message) {
	txid := trimAngles(m.Header.Get("X-Mms-Message-ID"))
	phrase := m.Header.Get("X-Mms-Read-Status")
	state, code := CanonicalRR(phrase)
	recipient := phoneFromAddress(m.Header.Get("From"))
	g.life.SetStateByID(ctx, txid, []string{recipient}, state,
		code, phrase, g.cfg.ID, nil, g.cfg.EventsURL)
}

// confirmReport sends the .RES confirmation for a report the carrier wants
// acknowledged.
func (g *MM4) confirmReport(ctx context.Context, m *mail.Message, messageType string) {
	to := m.Header.Get("Sender")
	if to == "" {
		to = m.Header.Get("From")
	}
	h := map[string]string{
		"X-Mms-3GPP-MMS-Version":    g.cfg.Version,
		"X-Mms-Message-Type":        messageType,
		"X-Mms-Transaction-ID":      m.Header.Get("X-Mms-Transaction-ID"),
		"X-Mms-Message-ID":          m.Header.Get("X-Mms-Message-ID"),
		"X-Mms-Request-Status-Code": "Ok",
	}
	if err := g.sendControl(g.originAddress(""), []string{to}, h); err != nil {
		g.log.Error("report confirmation failed", "gwid", g.cfg.ID, "err", err)
	}
}

// SendAck answers an inbound message with MM4_forward.RES.
func (g *MM4) SendAck(ctx context.Context, msg *domain.Message, status string) error {
	code, ok := MM4RequestStatus.Code(status)
	if !ok {
		status, code = "Ok", "200"
	}
	h := map[string]string{
		"X-Mms-3GPP-MMS-Version":    g.cfg.Version,
		"X-Mms-Message-Type":        mm4ForwardRes,
		"X-Mms-Transaction-ID":      msg.PeerTranID,
		"X-Mms-Message-ID":          "<" + msg.PeerRef + ">",
		"X-Mms-Request-Status-Code": status,
		"X-Mms-Status-Text":         status,
	}
	if err := g.sendControl(g.originAddress(""), []string{msg.AckAtAddr}, h); err != nil {
		return err
	}
	g.log.Info("forward acknowledged", "msg_id", msg.ID, "peer_ref", msg.PeerRef, "status", code)
	return nil
}

// SendDeliveryReport sends one MM4_Delivery_report.REQ per original recipient,
// each under a fresh transaction id.
func (g *MM4) SendDeliveryReport(ctx context.Context, msg *domain.Message, status string) error {
	if _, ok := MM4DRStatus.Code(status); !ok {
		status = "Indeterminate"
	}
	for _, rcpt := range msg.Recipients() {
		h := map[string]string{
			"X-Mms-3GPP-MMS-Version": g.cfg.Version,
			"X-Mms-Message-Type":     mm4DRReq,
			"X-Mms-Transaction-ID":   domain.NewID(),
			"X-Mms-Message-ID":       "<" + msg.PeerRef + ">",
			"X-Mms-MM-Status-Code":   status,
			"Date":                   time.Now().UTC().Format(time.RFC1123Z),
		}
		from := g.destAddress(rcpt)
		if err := g.sendControl(from, []string{msg.AckAtAddr}, h); err != nil {
			return fmt.Errorf("delivery report for %s: %w", rcpt, err)
		}
	}
	g.log.Info("delivery report sent", "msg_id", msg.ID, "peer_ref", msg.PeerRef, "status", status)
	return nil
}

// SendReadReport sends MM4_Read_reply_report.REQ for an inbound message.
func (g *MM4) SendReadReport(ctx context.Context, msg *domain.Message, status string) error {
	if _, ok := MM4RRStatus.Code(status); !ok {
		status = "Read"
	}
	for _, rcpt := range msg.Recipients() {
		h := map[string]string{
			"X-Mms-3GPP-MMS-Version": g.cfg.Version,
			"X-Mms-Message-Type":     mm4ReadReplyReq,
			"X-Mms-Transaction-ID":   domain.NewID(),
			"X-Mms-Message-ID":       "<" + msg.PeerRef + ">",
			"X-Mms-Read-Status":      status,
			"Date":                   time.Now().UTC().Format(time.RFC1123Z),
		}
		from := g.destAddress(rcpt)
		if err := g.sendControl(from, []string{msg.AckAtAddr}, h); err != nil {
			return fmt.Errorf("read report for %s: %w", rcpt, err)
		}
	}
	g.log.Info("read report sent", "msg_id", msg.ID, "peer_ref", msg.PeerRef, "status", status)
	return nil
}

// sendControl transmits a headers-only control message over the SMTP session.
func (g *MM4) sendControl(from string, to []string, headers map[string]string) error {
	var buf bytes.Buffer
	headers["From"] = from
	headers["To"] = strings.Join(to, ", ")
	for k, v := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connectLocked(); err != nil {
		return err
	}
	if err := g.client.Mail(from); err != nil {
		g.dropLocked()
		return err
	}
	for _, rcpt := range to {
		if err := g.client.Rcpt(rcpt); err != nil {
			g.client.Reset()
			return err
		}
	}
	wc, err := g.client.Data()
	if err != nil {
		g.dropLocked()
		return err
	}
	if _, err := wc.Write(buf.Bytes()); err != nil {
		wc.Close()
		g.dropLocked()
		return err
	}
	if err := wc.Close(); err != nil {
		g.dropLocked()
		return err
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func isYes(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "yes")
}

func trimAngles(v string) string {
	return strings.Trim(strings.TrimSpace(v), "<>")
}

// titleCase renders the stored lowercase priority the way the wire wants it.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\r', '\n':
		return -1
	}
	return r
}
