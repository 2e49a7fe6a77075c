package domain

import "time"

// Transaction is one outbound transmission of a Message through one gateway.
// A message has at most one open transaction at a time; retries reuse the
// transaction id but mint a fresh protocol correlation id per attempt.
type Transaction struct {
	ID          string
	MessageID   string
	LastTranID  string // protocol-level correlation id of the latest attempt
	Gateway     string // group name or concrete gateway id, as requested
	GatewayID   string // concrete instance(s) that handled the transmission
	Destination AddressSet
	Cc          AddressSet
	Bcc         AddressSet
	LinkedID    string
	Priority    string
	ReportURL   string // callback for status events, merged with the gateway's
	CreatedTS   int64
	ProcessedTS int64
}

// NewTransaction opens a transaction for a message on the given gateway or
// gateway group.
func NewTransaction(messageID, gateway string) *Transaction {
	return &Transaction{
		ID:          NewID(),
		MessageID:   messageID,
		Gateway:     gateway,
		Destination: AddressSet{},
		Cc:          AddressSet{},
		Bcc:         AddressSet{},
		CreatedTS:   time.Now().Unix(),
	}
}

// Recipients is the union of the transaction's destination sets.
func (t *Transaction) Recipients() AddressSet {
	return t.Destination.Union(t.Cc, t.Bcc)
}

// FreshTranID mints a new protocol correlation id for the next transmission
// attempt and records it on the transaction.
func (t *Transaction) FreshTranID() string {
	t.LastTranID = NewID()
	return t.LastTranID
}
