// Package wire implements the binary framed protocol spoken by persistent
// socket clients.
//
// Every frame is laid out as
//
//	[type:1 byte][payloadLength:4 bytes big-endian][payload: payloadLength bytes, UTF-8]
//
// and every payload is the pipe-delimited string
// documentId|content|userId|timestamp, where timestamp is milliseconds since
// the Unix epoch. Content is empty for JOIN and LEAVE frames.
package wire

import "fmt"

// Kind identifies the frame type carried in the first header byte.
type Kind byte

// Frame types understood by the broker.
const (
	KindEdit  Kind = 1
	KindJoin  Kind = 2
	KindLeave Kind = 3
)

// String returns the protocol name of the kind.
func (k Kind) String() string {
	switch k {
	case KindEdit:
		return "EDIT"
	case KindJoin:
		return "JOIN"
	case KindLeave:
		return "LEAVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(k))
	}
}

// Envelope holds the fields shared by every frame kind.
type Envelope struct {
	DocumentID string
	UserID     string
	Timestamp  int64
}

func (e Envelope) envelope() Envelope { return e }

// Message is one decoded frame. The concrete type is always one of Edit,
// Join or Leave.
type Message interface {
	Kind() Kind
	envelope() Envelope
}

// EnvelopeOf returns the shared fields of m.
func EnvelopeOf(m Message) Envelope {
	return m.envelope()
}

// Edit replaces the whole content of a document.
type Edit struct {
	Envelope
	Content string
}

// Kind implements Message.
func (Edit) Kind() Kind { return KindEdit }

// Join binds the sending session to a document.
type Join struct {
	Envelope
}

// Kind implements Message.
func (Join) Kind() Kind { return KindJoin }

// Leave unbinds the sending session and ends it.
type Leave struct {
	Envelope
}

// Kind implements Message.
func (Leave) Kind() Kind { return KindLeave }
