package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	config "github.com/drivefast/mmsgw"
	"github.com/drivefast/mmsgw/internal/app"
	"github.com/drivefast/mmsgw/internal/domain"
)

// InboundKind classifies a raw payload handed to a gateway by a receiver.
type InboundKind int

const (
	KindUnknown InboundKind = iota
	KindInboundMMS
	KindOutboundAck
	KindOutboundDR
	KindOutboundRR
)

func (k InboundKind) String() string {
	switch k {
	case KindInboundMMS:
		return "inbound-mms"
	case KindOutboundAck:
		return "outbound-ack"
	case KindOutboundDR:
		return "outbound-dr"
	case KindOutboundRR:
		return "outbound-rr"
	}
	return "unknown"
}

// Payload is a rendered wire message, ready to hand to the transport.
type Payload struct {
	MessageID   string
	From        string
	To          []string
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Gateway is one carrier-facing protocol endpoint. Implementations exist for
// the MM4 (SMTP) and MM7 (SOAP over HTTP) interfaces.
type Gateway interface {
	ID() string
	Group() string
	Protocol() string

	// Start establishes the outbound carrier connection.
	Start(ctx context.Context) error
	// Probe checks peer reachability; used by the liveness monitor.
	Probe(ctx context.Context) bool

	// Render builds the wire payload for an outbound transaction.
	Render(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (*Payload, error)
	// Send transmits a rendered payload. On failure the returned code
	// follows the retry convention: single-character codes are terminal,
	// longer codes are retryable.
	Send(ctx context.Context, tx *domain.Transaction, p *Payload) (code, desc string, err error)
	// Transmit renders and sends in one step.
	Transmit(ctx context.Context, tx *domain.Transaction, msg *domain.Message) (code, desc string, err error)

	// ProcessInbound parses a raw payload received from the carrier and
	// drives the resulting state changes.
	ProcessInbound(ctx context.Context, raw []byte, meta map[string]string) error

	// Outbound responses for messages we received from the carrier.
	SendAck(ctx context.Context, msg *domain.Message, status string) error
	SendDeliveryReport(ctx context.Context, msg *domain.Message, status string) error
	SendReadReport(ctx context.Context, msg *domain.Message, status string) error
}

// New constructs the gateway matching the configured protocol.
func New(cfg config.Gateway, life *app.Lifecycle, log *slog.Logger) (Gateway, error) {
	switch cfg.Protocol {
	case "MM4":
		return NewMM4(cfg, life, log), nil
	case "MM7":
		return NewMM7(cfg, life, log), nil
	}
	return nil, fmt.Errorf("unsupported gateway protocol %q", cfg.Protocol)
}

// base carries the behavior common to both protocol implementations.
type base struct {
	cfg   config.Gateway
	life  *app.Lifecycle
	log   *slog.Logger
	httpc *http.Client
}

func newBase(cfg config.Gateway, life *app.Lifecycle, log *slog.Logger) base {
	httpc := &http.Client{Timeout: cfg.PeerTimeout}
	if tc := clientTLS(cfg, log); tc != nil {
		httpc.Transport = &http.Transport{TLSClientConfig: tc}
	}
	return base{
		cfg:   cfg,
		life:  life,
		log:   log,
		httpc: httpc,
	}
}

// clientTLS loads the client certificate to present to the peer, when one is
// configured. A certificate that fails to load is reported and skipped so the
// instance can still serve peers that do not require one.
func clientTLS(cfg config.Gateway, log *slog.Logger) *tls.Config {
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		log.Warn("client certificate not loaded", "gwid", cfg.ID, "err", err)
		return nil
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// partContent resolves a part's bytes, fetching referenced content when it is
// not inline. A nil return with no error means the content was unreachable and
// the part is skipped.
func (b *base) partContent(ctx context.Context, p *domain.Part) []byte {
	if len(p.Content) > 0 {
		return p.Content
	}
	if p.ContentURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ContentURL, nil)
	if err != nil {
		b.log.Warn("bad part content url", "part_id", p.ID, "url", p.ContentURL, "err", err)
		return nil
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		b.log.Warn("part content fetch failed", "part_id", p.ID, "url", p.ContentURL, "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.log.Warn("part content fetch failed", "part_id", p.ID, "url", p.ContentURL, "status", resp.StatusCode)
		return nil
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		b.log.Warn("part content read failed", "part_id", p.ID, "err", err)
		return nil
	}
	return content
}

func (b *base) ID() string       { return b.cfg.ID }
func (b *base) Group() string    { return b.cfg.Group }
func (b *base) Protocol() string { return b.cfg.Protocol }

// destAddress decorates a recipient phone number with the configured prefix,
// suffix and remote domain.
func (b *base) destAddress(number string) string {
	addr := b.cfg.DestPrefix + number + b.cfg.DestSuffix
	if b.cfg.RemoteDomain != "" && !strings.Contains(addr, "@") {
		addr += "@" + b.cfg.RemoteDomain
	}
	return addr
}

// originAddress decorates the originator the same way, on the local domain.
func (b *base) originAddress(number string) string {
	if number == "" {
		number = b.cfg.OriginatorAddr
	}
	addr := b.cfg.OriginPrefix + number + b.cfg.OriginSuffix
	if b.cfg.LocalDomain != "" && !strings.Contains(addr, "@") {
		addr += "@" + b.cfg.LocalDomain
	}
	return addr
}

// phoneFromAddress strips an address down to the bare phone number: the local
// part of an email-style address, without routing suffixes or a leading plus.
func phoneFromAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}
	if slash := strings.IndexByte(addr, '/'); slash >= 0 {
		addr = addr[:slash]
	}
	return strings.TrimPrefix(addr, "+")
}

// parseAddressList splits a comma-separated header value into bare numbers.
func parseAddressList(v string) domain.AddressSet {
	out := domain.AddressSet{}
	for _, a := range strings.Split(v, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out.Add(phoneFromAddress(a))
		}
	}
	return out
}

// transmit is the shared render-then-send pipeline. A render failure is
// terminal (code "1"); transport codes come from Send.
func (b *base) transmit(ctx context.Context, g Gateway, tx *domain.Transaction, msg *domain.Message) (string, string, error) {
	p, err := g.Render(ctx, tx, msg)
	if err != nil {
		return "1", "message could not be rendered", err
	}
	return g.Send(ctx, tx, p)
}
