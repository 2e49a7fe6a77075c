package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AcceptedContentTypes is the allowlist of part media types the gateway
// relays, mapped to the canonical file extension used when content has to be
// materialized as an attachment.
var AcceptedContentTypes = map[string]string{
	"text/plain":       ".txt",
	"application/smil": ".smil",
	"image/bmp":        ".bmp",
	"image/gif":        ".gif",
	"image/jpeg":       ".jpg",
	"image/tiff":       ".tif",
	"image/png":        ".png",
	"audio/basic":      ".au",
	"audio/mid":        ".mid",
	"audio/mpeg":       ".mp3",
	"audio/mp4":        ".m4a",
	"audio/wav":        ".wav",
}

// SMILType is the presentation part media type; at most one such part exists
// per message and it always sits at index 0.
const SMILType = "application/smil"

// Domain errors
var (
	ErrPartContentConflict = errors.New("part content and content_url are mutually exclusive")
	ErrContentNotAccepted  = errors.New("content type not accepted")
	ErrNoDestinations      = errors.New("transaction has no destinations")
)

// TriState is a flag that distinguishes "not specified" from explicit yes/no.
type TriState int

const (
	TriUnset TriState = iota - 1
	TriFalse
	TriTrue
)

// TriFromBool lifts a bool into a TriState.
func TriFromBool(b bool) TriState {
	if b {
		return TriTrue
	}
	return TriFalse
}

// Bool reports the flag value and whether it was explicitly set.
func (t TriState) Bool() (value, set bool) {
	return t == TriTrue, t != TriUnset
}

// AddressSet is an unordered collection of unique recipient addresses.
type AddressSet []string

// Add appends addresses not already present. Empty strings are ignored.
func (s *AddressSet) Add(addrs ...string) {
	for _, a := range addrs {
		if a == "" || s.Contains(a) {
			continue
		}
		*s = append(*s, a)
	}
}

// Contains reports membership.
func (s AddressSet) Contains(addr string) bool {
	for _, a := range s {
		if a == addr {
			return true
		}
	}
	return false
}

// Union returns a new set with the members of s and all others.
func (s AddressSet) Union(others ...AddressSet) AddressSet {
	out := AddressSet{}
	out.Add(s...)
	for _, o := range others {
		out.Add(o...)
	}
	return out
}

// Join renders the set as a comma-separated string for storage.
func (s AddressSet) Join() string { return strings.Join(s, ",") }

// SplitAddressSet parses a comma-separated storage value back into a set.
func SplitAddressSet(v string) AddressSet {
	out := AddressSet{}
	if v == "" {
		return out
	}
	out.Add(strings.Split(v, ",")...)
	return out
}

// Part is one media attachment of a Message. Content and ContentURL are
// mutually exclusive; ContentName doubles as the wire Content-Id.
type Part struct {
	ID          string `json:"part_id"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content,omitempty"`
	ContentURL  string `json:"content_url,omitempty"`
	ContentName string `json:"content_name"`
}

// NewPart creates a Part with a generated id, validating the content type
// against the accepted allowlist.
func NewPart(contentType, contentName string) (*Part, error) {
	if _, ok := AcceptedContentTypes[contentType]; !ok {
		return nil, ErrContentNotAccepted
	}
	p := &Part{
		ID:          NewID(),
		ContentType: contentType,
		ContentName: contentName,
	}
	if p.ContentName == "" {
		p.ContentName = p.ID
	}
	return p, nil
}

// SetContent stores inline content bytes; rejected if a content URL is set.
func (p *Part) SetContent(b []byte) error {
	if p.ContentURL != "" {
		return ErrPartContentConflict
	}
	p.Content = b
	return nil
}

// SetContentURL stores a content reference; rejected if inline content is set.
func (p *Part) SetContentURL(u string) error {
	if len(p.Content) > 0 {
		return ErrPartContentConflict
	}
	p.ContentURL = u
	return nil
}

// FileName derives the attachment file name from the content name and the
// canonical extension of the part's media type.
func (p *Part) FileName() string {
	ext := AcceptedContentTypes[p.ContentType]
	if strings.HasSuffix(p.ContentName, ext) {
		return p.ContentName
	}
	return p.ContentName + ext
}

// Message is the canonical content container relayed between a carrier and
// the applications. Direction 0 is mobile-terminated, 1 is mobile-originated.
type Message struct {
	ID                string
	Direction         int
	Origin            string
	To                AddressSet
	Cc                AddressSet
	Bcc               AddressSet
	Subject           string
	Priority          string // "low", "normal" or "high"
	MessageClass      string
	ContentClass      string
	ExpireAfter       int64 // unix seconds; 0 means never
	EarliestDelivery  int64
	LatestDelivery    int64
	DRM               TriState
	ContentAdaptation TriState
	ShowSender        TriState
	CanRedistribute   TriState
	Parts             []*Part

	// carrier correlation
	PeerRef    string // carrier-assigned message id for async responses
	PeerTranID string // carrier transaction id, echoed back on acks
	AckAtAddr  string // where MM4 acks for this message are expected

	// inbound bookkeeping
	Gateway      string // group name that received the message
	GatewayID    string
	AckRequested bool
	DRRequested  bool
	RRRequested  bool
	HandlingApp  string
	ReplyToApp   string
	AppInfo      string

	ReportEventsURL string // application callback for status events
	CreatedTS       int64
	ProcessedTS     int64
}

// NewMessage creates an empty outbound Message with a generated id.
func NewMessage() *Message {
	return &Message{
		ID:                NewID(),
		To:                AddressSet{},
		Cc:                AddressSet{},
		Bcc:               AddressSet{},
		DRM:               TriUnset,
		ContentAdaptation: TriUnset,
		ShowSender:        TriUnset,
		CanRedistribute:   TriUnset,
		CreatedTS:         time.Now().Unix(),
	}
}

// AddPart appends a part to the message, keeping the SMIL presentation part,
// if any, at index 0. A second SMIL part replaces the first.
func (m *Message) AddPart(p *Part) {
	if p.ContentType == SMILType {
		if len(m.Parts) > 0 && m.Parts[0].ContentType == SMILType {
			m.Parts[0] = p
			return
		}
		m.Parts = append([]*Part{p}, m.Parts...)
		return
	}
	m.Parts = append(m.Parts, p)
}

// Recipients is the union of all three recipient sets.
func (m *Message) Recipients() AddressSet {
	return m.To.Union(m.Cc, m.Bcc)
}

// NewID generates the wire-facing id format used throughout: a UUID with the
// hyphens stripped.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
