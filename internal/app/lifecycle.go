package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/drivefast/mmsgw/internal/domain"
	"github.com/drivefast/mmsgw/internal/ports"
	"github.com/drivefast/mmsgw/internal/selector"
)

// storage key prefixes, one hash per entity
const (
	keyMessage     = "mms-"
	keyPart        = "mmspart-"
	keyTransaction = "mmstx-"
	keyStatus      = "mmsstat-"
	keyCrossRef    = "mmsxref-"
)

// EventArchive is the optional durable sink for status events; the redis
// ledger expires with the message TTL, the archive does not.
type EventArchive interface {
	Append(ctx context.Context, ev domain.StatusEvent) error
}

// Lifecycle drives the message/transaction status state machine: it persists
// the canonical entities, schedules transmission jobs, appends status events
// to the per-recipient ledger and fans out application callbacks.
type Lifecycle struct {
	store       ports.Store
	queue       ports.JobQueue
	archive     EventArchive // nil disables archiving
	selector    *selector.Selector
	messageTTL  time.Duration
	jobTTL      int // seconds
	retryBudget int
	log         *slog.Logger
}

// New wires the lifecycle manager with its collaborators.
func New(store ports.Store, queue ports.JobQueue, archive EventArchive, sel *selector.Selector,
	messageTTL time.Duration, jobTTL time.Duration, retryBudget int, log *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:       store,
		queue:       queue,
		archive:     archive,
		selector:    sel,
		messageTTL:  messageTTL,
		jobTTL:      int(jobTTL.Seconds()),
		retryBudget: retryBudget,
		log:         log,
	}
}

// Nq resolves the concrete gateway for the transaction, persists it, queues
// the transmission job and records the SCHEDULED status event. The job id is
// the transaction id, so retries reuse the same identity.
func (l *Lifecycle) Nq(ctx context.Context, tx *domain.Transaction) error {
	if len(tx.Recipients()) == 0 {
		return domain.ErrNoDestinations
	}

	gwid := tx.Gateway
	isGroup, err := l.selector.IsGroup(ctx, tx.Gateway)
	if err != nil {
		return fmt.Errorf("resolve gateway %s: %w", tx.Gateway, err)
	}
	if isGroup {
		gwid, err = l.selector.Dispatch(ctx, tx.Gateway, "tx")
		if err != nil {
			return fmt.Errorf("dispatch group %s: %w", tx.Gateway, err)
		}
	}
	tx.GatewayID = gwid

	if err := l.SaveTransaction(ctx, tx); err != nil {
		return err
	}

	group, _, found := strings.Cut(gwid, ":")
	if !found {
		group = gwid
	}
	job := ports.Job{
		Fn:      ports.FnTransmit,
		Args:    []string{tx.ID},
		ID:      tx.ID,
		Retries: l.retryBudget,
		TTL:     l.jobTTL,
	}
	if err := l.queue.Enqueue(ctx, ports.QTX(group), job); err != nil {
		return fmt.Errorf("enqueue transmission %s: %w", tx.ID, err)
	}

	l.log.Info("transaction scheduled", "tx_id", tx.ID, "gwid", gwid, "queue", ports.QTX(group))
	return l.SetState(ctx, tx, nil, domain.StateScheduled, "", "", gwid, nil, "")
}

// Reschedule decrements the job's retry budget and re-enqueues it onto the
// same queue under the same job id. A drained budget abandons the job.
func (l *Lifecycle) Reschedule(ctx context.Context, job ports.Job, queue string) {
	job.Retries--
	if job.Retries < 0 {
		l.log.Warn("transaction aborted, too many retries", "job_id", job.ID, "queue", queue)
		return
	}
	if err := l.queue.Enqueue(ctx, queue, job); err != nil {
		l.log.Error("reschedule failed", "job_id", job.ID, "queue", queue, "err", err)
	}
}

// SetState appends one status event per destination ("*" when none given) to
// the transaction's ledger, archives them, and queues a notification callback
// for every configured URL. Callback delivery is fire and forget.
func (l *Lifecycle) SetState(ctx context.Context, tx *domain.Transaction, destinations []string,
	state domain.State, code, desc, gwid string, extra map[string]string, gatewayEventsURL string) error {

	if len(destinations) == 0 {
		destinations = []string{domain.AllRecipients}
	}

	events := make([]domain.StatusEvent, 0, len(destinations))
	for _, dest := range destinations {
		ev := domain.NewStatusEvent(tx.ID, dest, state, code, desc, gwid)
		ev.Extra = extra
		events = append(events, ev)

		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal status event: %w", err)
		}
		if err := l.store.AppendEvent(ctx, keyStatus+tx.ID, raw, l.messageTTL); err != nil {
			return fmt.Errorf("append status event: %w", err)
		}
		if l.archive != nil {
			if err := l.archive.Append(ctx, ev); err != nil {
				l.log.Error("archive status event", "tx_id", tx.ID, "err", err)
			}
		}
	}

	for _, url := range l.callbackURLs(ctx, tx, gatewayEventsURL) {
		for _, ev := range events {
			raw, _ := json.Marshal(ev)
			job := ports.Job{
				Fn:      ports.FnCallback,
				Args:    []string{url, string(raw)},
				ID:      domain.NewID(),
				Retries: 2,
				TTL:     l.jobTTL,
			}
			if err := l.queue.Enqueue(ctx, ports.QCB, job); err != nil {
				l.log.Error("enqueue status callback", "tx_id", tx.ID, "url", url, "err", err)
			}
		}
	}

	l.log.Info("status recorded", "tx_id", tx.ID, "state", string(state),
		"code", code, "recipients", len(destinations))
	return nil
}

// SetStateByID loads the transaction first; an unknown id is logged and
// dropped, since asynchronous carrier responses can outlive our records.
func (l *Lifecycle) SetStateByID(ctx context.Context, txid string, destinations []string,
	state domain.State, code, desc, gwid string, extra map[string]string, gatewayEventsURL string) {

	tx, err := l.LoadTransaction(ctx, txid)
	if err != nil {
		l.log.Error("load transaction", "tx_id", txid, "err", err)
		return
	}
	if tx == nil {
		l.log.Warn("transaction not found for status update", "tx_id", txid, "state", string(state))
		return
	}
	if err := l.SetState(ctx, tx, destinations, state, code, desc, gwid, extra, gatewayEventsURL); err != nil {
		l.log.Error("set state", "tx_id", txid, "err", err)
	}
}

// History returns the transaction's ledger, oldest first.
func (l *Lifecycle) History(ctx context.Context, txid string) ([]domain.StatusEvent, error) {
	raws, err := l.store.ListEvents(ctx, keyStatus+txid)
	if err != nil {
		return nil, err
	}
	events := make([]domain.StatusEvent, 0, len(raws))
	for _, raw := range raws {
		var ev domain.StatusEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			l.log.Error("corrupt status event", "tx_id", txid, "err", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// NotifyReceived queues the mobile-originated message document for delivery
// to the application's reception URL.
func (l *Lifecycle) NotifyReceived(ctx context.Context, msg *domain.Message, url string) {
	if url == "" {
		return
	}
	doc, err := json.Marshal(messageDocument(msg))
	if err != nil {
		l.log.Error("marshal received message", "msg_id", msg.ID, "err", err)
		return
	}
	job := ports.Job{
		Fn:      ports.FnCallback,
		Args:    []string{url, string(doc)},
		ID:      domain.NewID(),
		Retries: 2,
		TTL:     l.jobTTL,
	}
	if err := l.queue.Enqueue(ctx, ports.QCB, job); err != nil {
		l.log.Error("enqueue reception callback", "msg_id", msg.ID, "url", url, "err", err)
		return
	}
	l.log.Info("reception callback queued", "msg_id", msg.ID, "url", url)
}

// CrossRef records the carrier-assigned message id so asynchronous carrier
// responses can be correlated back to our transaction.
func (l *Lifecycle) CrossRef(ctx context.Context, peerRef, txid string) error {
	return l.store.SetValue(ctx, keyCrossRef+peerRef, txid, l.messageTTL)
}

// ResolveCrossRef looks up the transaction id for a carrier message id.
func (l *Lifecycle) ResolveCrossRef(ctx context.Context, peerRef string) (string, bool) {
	txid, found, err := l.store.GetValue(ctx, keyCrossRef+peerRef)
	if err != nil {
		l.log.Error("resolve crossref", "peer_ref", peerRef, "err", err)
		return "", false
	}
	return txid, found
}

// callbackURLs merges the transaction-level, message-level and gateway-level
// notification URLs, dropping empties and duplicates.
func (l *Lifecycle) callbackURLs(ctx context.Context, tx *domain.Transaction, gatewayEventsURL string) []string {
	candidates := []string{tx.ReportURL, gatewayEventsURL}
	if tx.MessageID != "" {
		if msg, err := l.LoadMessage(ctx, tx.MessageID); err == nil && msg != nil {
			candidates = append(candidates, msg.ReportEventsURL)
		}
	}
	seen := map[string]bool{}
	var urls []string
	for _, u := range candidates {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// ── Entity persistence ───────────────────────────────────────────────────────

// SaveMessage writes the message and its parts as store hashes with the
// configured TTL.
func (l *Lifecycle) SaveMessage(ctx context.Context, m *domain.Message) error {
	partIDs := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if err := l.savePart(ctx, p); err != nil {
			return err
		}
		partIDs = append(partIDs, p.ID)
	}

	fields := map[string]string{
		"direction":          strconv.Itoa(m.Direction),
		"origin":             m.Origin,
		"destination":        m.To.Join(),
		"cc":                 m.Cc.Join(),
		"bcc":                m.Bcc.Join(),
		"subject":            m.Subject,
		"priority":           m.Priority,
		"message_class":      m.MessageClass,
		"content_class":      m.ContentClass,
		"expire_after":       strconv.FormatInt(m.ExpireAfter, 10),
		"earliest_delivery":  strconv.FormatInt(m.EarliestDelivery, 10),
		"latest_delivery":    strconv.FormatInt(m.LatestDelivery, 10),
		"drm":                strconv.Itoa(int(m.DRM)),
		"content_adaptation": strconv.Itoa(int(m.ContentAdaptation)),
		"show_sender":        strconv.Itoa(int(m.ShowSender)),
		"can_redistribute":   strconv.Itoa(int(m.CanRedistribute)),
		"parts":              strings.Join(partIDs, ","),
		"peer_ref":           m.PeerRef,
		"peer_tran_id":       m.PeerTranID,
		"ack_at_addr":        m.AckAtAddr,
		"gateway":            m.Gateway,
		"gateway_id":         m.GatewayID,
		"ack_requested":      boolField(m.AckRequested),
		"dr_requested":       boolField(m.DRRequested),
		"rr_requested":       boolField(m.RRRequested),
		"handling_app":       m.HandlingApp,
		"reply_to_app":       m.ReplyToApp,
		"app_info":           m.AppInfo,
		"report_events_url":  m.ReportEventsURL,
		"created_ts":         strconv.FormatInt(m.CreatedTS, 10),
		"processed_ts":       strconv.FormatInt(m.ProcessedTS, 10),
	}
	return l.store.SaveHash(ctx, keyMessage+m.ID, fields, l.messageTTL)
}

// LoadMessage reads a message and its parts back; (nil, nil) when expired or
// unknown.
func (l *Lifecycle) LoadMessage(ctx context.Context, id string) (*domain.Message, error) {
	h, err := l.store.LoadHash(ctx, keyMessage+id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}

	m := domain.NewMessage()
	m.ID = id
	m.Direction = intField(h["direction"])
	m.Origin = h["origin"]
	m.To = domain.SplitAddressSet(h["destination"])
	m.Cc = domain.SplitAddressSet(h["cc"])
	m.Bcc = domain.SplitAddressSet(h["bcc"])
	m.Subject = h["subject"]
	m.Priority = h["priority"]
	m.MessageClass = h["message_class"]
	m.ContentClass = h["content_class"]
	m.ExpireAfter = int64Field(h["expire_after"])
	m.EarliestDelivery = int64Field(h["earliest_delivery"])
	m.LatestDelivery = int64Field(h["latest_delivery"])
	m.DRM = domain.TriState(intField(h["drm"]))
	m.ContentAdaptation = domain.TriState(intField(h["content_adaptation"]))
	m.ShowSender = domain.TriState(intField(h["show_sender"]))
	m.CanRedistribute = domain.TriState(intField(h["can_redistribute"]))
	m.PeerRef = h["peer_ref"]
	m.PeerTranID = h["peer_tran_id"]
	m.AckAtAddr = h["ack_at_addr"]
	m.Gateway = h["gateway"]
	m.GatewayID = h["gateway_id"]
	m.AckRequested = h["ack_requested"] == "1"
	m.DRRequested = h["dr_requested"] == "1"
	m.RRRequested = h["rr_requested"] == "1"
	m.HandlingApp = h["handling_app"]
	m.ReplyToApp = h["reply_to_app"]
	m.AppInfo = h["app_info"]
	m.ReportEventsURL = h["report_events_url"]
	m.CreatedTS = int64Field(h["created_ts"])
	m.ProcessedTS = int64Field(h["processed_ts"])

	for _, pid := range strings.Split(h["parts"], ",") {
		if pid == "" {
			continue
		}
		p, err := l.loadPart(ctx, pid)
		if err != nil {
			return nil, err
		}
		if p != nil {
			m.Parts = append(m.Parts, p)
		}
	}
	return m, nil
}

func (l *Lifecycle) savePart(ctx context.Context, p *domain.Part) error {
	fields := map[string]string{
		"content_type": p.ContentType,
		"content_url":  p.ContentURL,
		"content_name": p.ContentName,
	}
	if len(p.Content) > 0 {
		fields["content"] = base64.StdEncoding.EncodeToString(p.Content)
	}
	return l.store.SaveHash(ctx, keyPart+p.ID, fields, l.messageTTL)
}

func (l *Lifecycle) loadPart(ctx context.Context, id string) (*domain.Part, error) {
	h, err := l.store.LoadHash(ctx, keyPart+id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	p := &domain.Part{
		ID:          id,
		ContentType: h["content_type"],
		ContentURL:  h["content_url"],
		ContentName: h["content_name"],
	}
	if enc := h["content"]; enc != "" {
		content, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode part %s content: %w", id, err)
		}
		p.Content = content
	}
	return p, nil
}

// SaveTransaction writes the transaction hash with the configured TTL.
func (l *Lifecycle) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	fields := map[string]string{
		"message_id":   tx.MessageID,
		"last_tran_id": tx.LastTranID,
		"gateway":      tx.Gateway,
		"gateway_id":   tx.GatewayID,
		"destination":  tx.Destination.Join(),
		"cc":           tx.Cc.Join(),
		"bcc":          tx.Bcc.Join(),
		"linked_id":    tx.LinkedID,
		"priority":     tx.Priority,
		"report_url":   tx.ReportURL,
		"created_ts":   strconv.FormatInt(tx.CreatedTS, 10),
		"processed_ts": strconv.FormatInt(tx.ProcessedTS, 10),
	}
	return l.store.SaveHash(ctx, keyTransaction+tx.ID, fields, l.messageTTL)
}

// LoadTransaction reads a transaction back; (nil, nil) when expired or
// unknown.
func (l *Lifecycle) LoadTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	h, err := l.store.LoadHash(ctx, keyTransaction+id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return &domain.Transaction{
		ID:          id,
		MessageID:   h["message_id"],
		LastTranID:  h["last_tran_id"],
		Gateway:     h["gateway"],
		GatewayID:   h["gateway_id"],
		Destination: domain.SplitAddressSet(h["destination"]),
		Cc:          domain.SplitAddressSet(h["cc"]),
		Bcc:         domain.SplitAddressSet(h["bcc"]),
		LinkedID:    h["linked_id"],
		Priority:    h["priority"],
		ReportURL:   h["report_url"],
		CreatedTS:   int64Field(h["created_ts"]),
		ProcessedTS: int64Field(h["processed_ts"]),
	}, nil
}

// messageDocument is the JSON document posted to the application when a
// mobile-originated message arrives.
func messageDocument(m *domain.Message) map[string]interface{} {
	parts := make([]map[string]interface{}, 0, len(m.Parts))
	for _, p := range m.Parts {
		pd := map[string]interface{}{
			"part_id":      p.ID,
			"content_type": p.ContentType,
			"content_name": p.ContentName,
		}
		if len(p.Content) > 0 {
			pd["content"] = base64.StdEncoding.EncodeToString(p.Content)
		}
		if p.ContentURL != "" {
			pd["content_url"] = p.ContentURL
		}
		parts = append(parts, pd)
	}
	return map[string]interface{}{
		"id":            m.ID,
		"gateway":       m.Gateway,
		"gateway_id":    m.GatewayID,
		"origin":        m.Origin,
		"destination":   []string(m.To),
		"cc":            []string(m.Cc),
		"bcc":           []string(m.Bcc),
		"subject":       m.Subject,
		"peer_ref":      m.PeerRef,
		"ack_at_addr":   m.AckAtAddr,
		"ack_requested": m.AckRequested,
		"dr_requested":  m.DRRequested,
		"rr_requested":  m.RRRequested,
		"parts":         parts,
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func intField(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func int64Field(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
