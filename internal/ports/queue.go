package ports

import "context"

// Job function identifiers routed by the dispatch engine.
const (
	FnTransmit = "mms.transmit" // args: [transaction id]
	FnInbound  = "mms.inbound"  // args: [base64 raw payload, base64 meta envelope]
	FnEvent    = "mms.event"    // args: [event kind, message id, peer ref, status, description, target, recipients...]
	FnCallback = "callback.post" // args: [url, json document]
)

// Job is one unit of queued work: a function reference with positional
// arguments, a stable id reused across retries, and a decrementing retry
// budget.
type Job struct {
	Fn      string   `json:"fn"`
	Args    []string `json:"args"`
	ID      string   `json:"job_id"`
	Retries int      `json:"retries"`
	TTL     int      `json:"ttl"` // seconds; jobs unclaimed past the TTL are dropped
}

// Queue names. Each gateway group consumes its own transmission, reception
// and event queues; callbacks go to a single shared queue.
func QTX(group string) string { return "QTX-" + group }
func QRX(group string) string { return "QRX-" + group }
func QEV(group string) string { return "QEV-" + group }

const QCB = "QCB"

// JobQueue is the named work-queue substrate, at-least-once delivery.
type JobQueue interface {
	// Enqueue publishes a job onto the named queue.
	Enqueue(ctx context.Context, queue string, job Job) error

	// Consume blocks, pulling jobs from the named queues one at a time and
	// passing each to handler. A handler error requeues the job at the
	// substrate level. Returns when ctx is cancelled or on a fatal error.
	Consume(ctx context.Context, handler func(ctx context.Context, job Job) error, queues ...string) error
}
