package store

import (
	"time"
)

// FetchCategory is one batch of message attributes the message store
// collaborator can load. The FETCH handler requests only the categories a
// command actually needs, and only for messages that do not have them yet.
type FetchCategory int

const (
	FetchAddresses   FetchCategory = iota // Envelope address lists.
	FetchOtherHeader                      // Remaining top-level header fields.
	FetchBody                             // Raw body bytes.
	FetchPartNumbers                      // MIME part tree.
	FetchFlags                            // Keywords from the flags join table.
	FetchTrivia                           // Size, internaldate, modseq, seen/deleted.
	FetchAnnotations                      // Per-message annotations.
)

var fetchCategoryStrings = map[FetchCategory]string{
	FetchAddresses:   "addresses",
	FetchOtherHeader: "otherheader",
	FetchBody:        "body",
	FetchPartNumbers: "partnumbers",
	FetchFlags:       "flags",
	FetchTrivia:      "trivia",
	FetchAnnotations: "annotations",
}

func (c FetchCategory) String() string { return fetchCategoryStrings[c] }

// Address is one mailbox address from a structured header field.
type Address struct {
	Name    string // Display name, possibly empty.
	Mailbox string // Local part.
	Host    string // Domain.
}

// Envelope holds the RFC 3501 ENVELOPE fields of a message.
type Envelope struct {
	Date      time.Time
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	CC        []Address
	BCC       []Address
	InReplyTo string
	MessageID string
}

// Part is one node of a message's MIME part tree, carrying what
// BODY/BODYSTRUCTURE rendering needs. Parsing raw bytes into a Part is the
// job of the message-parsing collaborator; this is only the parsed view.
type Part struct {
	MediaType        string // E.g. "TEXT", "MULTIPART". Uppercased.
	MediaSubType     string // E.g. "PLAIN", "MIXED". Uppercased.
	ContentTypeParams map[string]string
	ContentID        string
	ContentDesc      string
	ContentTransferEncoding string // Uppercased, e.g. "BASE64"; empty means 7BIT.
	ContentMD5       string
	Disposition      string
	DispositionParams map[string]string
	Language         []string
	Location         string

	HeaderOffset int64 // Offsets into the raw message bytes.
	BodyOffset   int64
	EndOffset    int64
	Lines        int64 // Number of lines in the body, for text/* and message/rfc822.
	DecodedSize  int64 // Byte length after decoding the transfer encoding.

	// For message/rfc822 parts and the top level.
	Envelope *Envelope
	Parts    []Part // Child parts for multipart/*; the nested message for message/rfc822.
}

// RawSize is the encoded size of the part's body bytes.
func (p *Part) RawSize() int64 { return p.EndOffset - p.BodyOffset }

// Message is the per-message view the FETCH and STORE handlers work with.
// Fields are filled in per FetchCategory; the Has predicates report which
// categories have been loaded so a Fetcher can batch only missing data.
type Message struct {
	UID    UID
	ModSeq ModSeq
	Flags  Flags    // Seen/Deleted, from the mailbox_messages row.
	Keywords []string // Other flags, from the flags join table.
	Annotations Annotations

	Size         int64
	InternalDate time.Time

	Envelope *Envelope
	Part     *Part  // Top-level part; nil until PartNumbers is fetched.
	Raw      []byte // Raw message bytes; nil until Body is fetched.

	Expunged bool // Set by the fetcher when the row is gone.

	have map[FetchCategory]bool
}

func (m *Message) markHave(c FetchCategory) {
	if m.have == nil {
		m.have = map[FetchCategory]bool{}
	}
	m.have[c] = true
}

// Has reports whether category c has been loaded into this view.
func (m *Message) Has(c FetchCategory) bool { return m.have[c] }

func (m *Message) HasAddresses() bool   { return m.Has(FetchAddresses) }
func (m *Message) HasOtherHeader() bool { return m.Has(FetchOtherHeader) }
func (m *Message) HasBody() bool        { return m.Has(FetchBody) }
func (m *Message) HasPartNumbers() bool { return m.Has(FetchPartNumbers) }
func (m *Message) HasFlags() bool       { return m.Has(FetchFlags) }
func (m *Message) HasTrivia() bool      { return m.Has(FetchTrivia) }
func (m *Message) HasAnnotations() bool { return m.Has(FetchAnnotations) }

// FlagList returns the full IMAP flag list for the message, system flags
// first, in rendering order. recent is whether the owning session has
// announced the message as \Recent.
func (m *Message) FlagList(recent bool) []string {
	var l []string
	if m.Flags.Seen {
		l = append(l, `\Seen`)
	}
	if m.Flags.Deleted {
		l = append(l, `\Deleted`)
	}
	if recent {
		l = append(l, `\Recent`)
	}
	l = append(l, m.Keywords...)
	return l
}
