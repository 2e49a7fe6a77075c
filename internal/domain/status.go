package domain

import "time"

// State is the canonical, protocol-independent status vocabulary for message
// and transaction progress.
type State string

const (
	StateScheduled    State = "SCHEDULED"
	StateSent         State = "SENT"
	StateForwarded    State = "FORWARDED"
	StateReceived     State = "RECEIVED"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateDelivered    State = "DELIVERED"
	StateRead         State = "READ"
	StateRejected     State = "REJECTED"
	StateFailed       State = "FAILED"
	StateUndefined    State = "UNDEFINED"
)

// AllRecipients marks a status event that applies to every recipient of the
// transaction.
const AllRecipients = "*"

// StatusEvent is one immutable entry of the per-recipient status ledger.
type StatusEvent struct {
	TransactionID string            `json:"transaction_id"`
	Recipient     string            `json:"recipient"`
	State         State             `json:"state"`
	Code          string            `json:"code,omitempty"`
	Description   string            `json:"description,omitempty"`
	GatewayID     string            `json:"gateway_id,omitempty"`
	Timestamp     int64             `json:"timestamp"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// NewStatusEvent builds a ledger entry stamped with the current time. An
// empty recipient defaults to AllRecipients.
func NewStatusEvent(txid, recipient string, state State, code, desc, gwid string) StatusEvent {
	if recipient == "" {
		recipient = AllRecipients
	}
	return StatusEvent{
		TransactionID: txid,
		Recipient:     recipient,
		State:         state,
		Code:          code,
		Description:   desc,
		GatewayID:     gwid,
		Timestamp:     time.Now().Unix(),
	}
}
