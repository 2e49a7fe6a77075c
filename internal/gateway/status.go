package gateway

import "github.com/drivefast/mmsgw/internal/domain"

// StatusMap is a bidirectional code/phrase table for a protocol status
// vocabulary. Codes and phrases map 1:1.
type StatusMap struct {
	byCode   map[string]string
	byPhrase map[string]string
}

// NewStatusMap builds a StatusMap from a code-to-phrase table.
func NewStatusMap(codes map[string]string) StatusMap {
	m := StatusMap{
		byCode:   make(map[string]string, len(codes)),
		byPhrase: make(map[string]string, len(codes)),
	}
	for code, phrase := range codes {
		m.byCode[code] = phrase
		m.byPhrase[phrase] = code
	}
	return m
}

// Phrase resolves a status code to its phrase; ok is false when unknown.
func (m StatusMap) Phrase(code string) (string, bool) {
	p, ok := m.byCode[code]
	return p, ok
}

// Code resolves a status phrase to its code; ok is false when unknown.
func (m StatusMap) Code(phrase string) (string, bool) {
	c, ok := m.byPhrase[phrase]
	return c, ok
}

// MM4RequestStatus translates MM4_forward.RES request status phrases.
var MM4RequestStatus = NewStatusMap(map[string]string{
	"200": "Ok",
	"400": "Error-message-format-corrupt",
	"404": "Error-message-not-found",
	"406": "Error-content-not-accepted",
	"415": "Error-unsupported-message",
	"500": "Error-unspecified",
})

// MM4DRStatus translates MM4_Delivery_report.REQ MM-Status phrases.
var MM4DRStatus = NewStatusMap(map[string]string{
	"200": "Retrieved",
	"202": "Forwarded",
	"400": "Unknown",
	"404": "Unrecognised",
	"406": "Rejected",
	"408": "Expired",
	"410": "Deferred",
	"500": "Indeterminate",
})

// MM4RRStatus translates MM4_Read_reply_report.REQ MM-Status phrases.
var MM4RRStatus = NewStatusMap(map[string]string{
	"200": "Read",
	"406": "Deleted without being read",
})

// MM7Status translates MM7 StatusCode/StatusText pairs.
var MM7Status = NewStatusMap(map[string]string{
	"1000": "Success",
	"1100": "Partial success",
	"2000": "Client error",
	"2001": "Operation restricted",
	"2002": "Address error",
	"2003": "Address not found",
	"2004": "Multimedia content refused",
	"2005": "Message ID not found",
	"2006": "LinkedID not found",
	"2007": "Message format corrupt",
	"2008": "Application ID not found",
	"2009": "Reply Application ID not found",
	"3000": "Server error",
	"3001": "Not possible",
	"3002": "Message rejected",
	"3003": "Multiple addresses not supported",
	"3004": "Application addressing not supported",
	"4000": "General service error",
	"4001": "Improper identification",
	"4002": "Unsupported version",
	"4003": "Unsupported operation",
	"4004": "Validation error",
	"4005": "Service error",
	"4006": "Service unavailable",
	"4007": "Service denied",
	"4008": "Application denied",
})

// CanonicalMM4DR maps an MM4 delivery report status phrase to the canonical
// recipient state. Unknown phrases are never an error.
func CanonicalMM4DR(phrase string) domain.State {
	switch phrase {
	case "Retrieved":
		return domain.StateDelivered
	case "Deferred", "Indeterminate", "Forwarded":
		return domain.StateForwarded
	case "Expired", "Rejected", "Unrecognised":
		return domain.StateFailed
	default:
		return domain.StateUndefined
	}
}

// CanonicalMM7DR maps an MM7 MMStatus value to the canonical recipient state
// and the status code recorded with the event.
func CanonicalMM7DR(mmStatus string) (domain.State, string) {
	switch mmStatus {
	case "Retrieved":
		return domain.StateDelivered, "200"
	case "Indeterminate", "Forwarded":
		return domain.StateForwarded, "202"
	case "Expired":
		return domain.StateFailed, "408"
	case "Rejected", "DeliveryConditionNotMet":
		return domain.StateFailed, "406"
	default:
		return domain.StateUndefined, "400"
	}
}

// CanonicalRR maps a read report status phrase, common to both protocols, to
// the canonical recipient state and status code.
func CanonicalRR(phrase string) (domain.State, string) {
	switch phrase {
	case "Read":
		return domain.StateRead, "200"
	case "Deleted without being read", "Deleted":
		return domain.StateRejected, "406"
	default:
		return domain.StateUndefined, "400"
	}
}
