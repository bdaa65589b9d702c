package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 5

const (
	delimiter  = "|"
	fieldCount = 4
)

var (
	// ErrFieldDelimiter is returned by Encode when a field contains the
	// payload delimiter and therefore could not be decoded back.
	ErrFieldDelimiter = errors.New("wire: field contains the '|' delimiter")
	// ErrInvalidUTF8 is returned when a field or payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("wire: invalid UTF-8")
	// ErrFrameTooLarge reports a payload above the encoder or decoder limit.
	ErrFrameTooLarge = errors.New("wire: frame payload too large")
	// ErrTruncated reports that the peer went away in the middle of a payload.
	ErrTruncated = fmt.Errorf("wire: truncated frame payload: %w", io.ErrUnexpectedEOF)
)

// ProtocolError describes a single malformed frame. The frame has been fully
// consumed from the stream when it is returned, so the caller may keep reading.
type ProtocolError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: malformed %s frame: %s", e.Kind, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsDisconnect reports whether err means the peer is gone: a clean end of
// stream, a short read inside a frame, or a closed connection.
func IsDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// Encode builds the complete frame for m.
func Encode(m Message) ([]byte, error) {
	var content string
	switch v := m.(type) {
	case Edit:
		content = v.Content
	case Join, Leave:
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", m)
	}

	env := m.envelope()
	for _, field := range []string{env.DocumentID, content, env.UserID} {
		if !utf8.ValidString(field) {
			return nil, ErrInvalidUTF8
		}
		if strings.Contains(field, delimiter) {
			return nil, ErrFieldDelimiter
		}
	}

	payload := strings.Join([]string{
		env.DocumentID,
		content,
		env.UserID,
		strconv.FormatInt(env.Timestamp, 10),
	}, delimiter)
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = byte(m.Kind())
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Write encodes m and writes the frame to w in a single call.
func Write(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder reads frames from a byte stream.
type Decoder struct {
	r          *bufio.Reader
	maxPayload uint32
	header     [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r. Frames whose payload exceeds
// maxPayload bytes are skipped and reported as a ProtocolError; zero disables
// the limit.
func NewDecoder(r io.Reader, maxPayload int) *Decoder {
	limit := uint32(math.MaxUint32)
	if maxPayload > 0 && uint64(maxPayload) < math.MaxUint32 {
		limit = uint32(maxPayload)
	}
	return &Decoder{r: bufio.NewReader(r), maxPayload: limit}
}

// ReadMessage blocks until the next frame has been read.
//
// It returns io.EOF when fewer than HeaderSize bytes are available before the
// peer closes, ErrTruncated when the payload is cut short, and a
// *ProtocolError for a frame that was read completely but could not be
// parsed.
func (d *Decoder) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	kind := Kind(d.header[0])
	length := binary.BigEndian.Uint32(d.header[1:])

	if length > d.maxPayload {
		if _, err := io.CopyN(io.Discard, d.r, int64(length)); err != nil {
			return nil, truncated(err)
		}
		return nil, &ProtocolError{
			Kind:   kind,
			Reason: fmt.Sprintf("payload of %d bytes exceeds limit of %d", length, d.maxPayload),
			Err:    ErrFrameTooLarge,
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, truncated(err)
	}

	return parsePayload(kind, payload)
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

func parsePayload(kind Kind, payload []byte) (Message, error) {
	if !utf8.Valid(payload) {
		return nil, &ProtocolError{Kind: kind, Reason: "payload is not UTF-8", Err: ErrInvalidUTF8}
	}

	fields := strings.Split(string(payload), delimiter)
	if len(fields) != fieldCount {
		return nil, &ProtocolError{
			Kind:   kind,
			Reason: fmt.Sprintf("expected %d fields, got %d", fieldCount, len(fields)),
		}
	}

	timestamp, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, &ProtocolError{Kind: kind, Reason: "invalid timestamp", Err: err}
	}

	env := Envelope{DocumentID: fields[0], UserID: fields[2], Timestamp: timestamp}
	switch kind {
	case KindEdit:
		return Edit{Envelope: env, Content: fields[1]}, nil
	case KindJoin:
		return Join{Envelope: env}, nil
	case KindLeave:
		return Leave{Envelope: env}, nil
	default:
		return nil, &ProtocolError{Kind: kind, Reason: "unknown frame type"}
	}
}
