// Package wire encodes and decodes the plaintext payload that is handed
// to the ratchet's Encrypt call and recovered from FeedIncoming. The
// format is the tagged, length-prefixed structure of spec.md §6: fixed
// tag numbers, varint-length-prefixed variable fields, unknown tags
// ignored on decode.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zentalk/core/internal/model"
)

// Field tags, matching spec.md §6 exactly.
const (
	tagMessageType      = 1
	tagMessageID        = 2
	tagContent          = 3
	tagCitedMsgID       = 4
	tagCitedContactID   = 5
	tagForwardedContent = 6
)

var (
	ErrMalformed       = errors.New("wire: malformed payload")
	ErrMissingMsgID    = errors.New("wire: missing messageId for non-keepalive message")
	ErrMissingCitedMsg = errors.New("wire: reply missing 12-byte citedMsgId")
	ErrMissingForward  = errors.New("wire: forward missing forwardedContent or 32-byte citedContactId")
)

// Payload is the decoded form of a plaintext message body.
type Payload struct {
	Type             model.MessageType
	MessageID        model.MessageId // absent (zero) for KEEP_ALIVE
	Content          string
	CitedMsgID       model.MessageId // REPLY only
	CitedContactID   model.UserId    // FORWARD only
	ForwardedContent string          // FORWARD only
}

// Encode serializes p into the tagged wire format. Encode never fails:
// callers are expected to have built a Payload whose Type matches its
// populated fields; Decode is where strictness is enforced.
func (p *Payload) Encode() []byte {
	var buf bytes.Buffer

	writeVarintField(&buf, tagMessageType, []byte{byte(p.Type)})

	if p.Type != model.MessageKeepAlive {
		writeVarintField(&buf, tagMessageID, p.MessageID[:])
	}

	writeVarintField(&buf, tagContent, []byte(p.Content))

	if p.Type == model.MessageReply {
		writeVarintField(&buf, tagCitedMsgID, p.CitedMsgID[:])
	}

	if p.Type == model.MessageForward {
		writeVarintField(&buf, tagCitedContactID, p.CitedContactID[:])
		writeVarintField(&buf, tagForwardedContent, []byte(p.ForwardedContent))
	}

	return buf.Bytes()
}

// Decode parses the tagged wire format into a Payload. Deserialization is
// strict per spec.md §6: a REPLY without a 12-byte citedMsgId, or a
// FORWARD missing forwardedContent or a 32-byte citedContactId, is
// rejected. Unknown tags are skipped.
func Decode(data []byte) (*Payload, error) {
	fields := map[uint64][]byte{}

	r := bytes.NewReader(data)
	for r.Len() > 0 {
		tag, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading tag: %v", ErrMalformed, err)
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading length: %v", ErrMalformed, err)
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("%w: reading value: %v", ErrMalformed, err)
		}
		fields[tag] = value
	}

	typeBytes, ok := fields[tagMessageType]
	if !ok || len(typeBytes) != 1 {
		return nil, fmt.Errorf("%w: missing messageType", ErrMalformed)
	}
	p := &Payload{Type: model.MessageType(typeBytes[0])}

	if p.Type != model.MessageKeepAlive {
		idBytes, ok := fields[tagMessageID]
		if !ok || len(idBytes) != len(p.MessageID) {
			return nil, ErrMissingMsgID
		}
		copy(p.MessageID[:], idBytes)
	}

	p.Content = string(fields[tagContent])

	if p.Type == model.MessageReply {
		cited, ok := fields[tagCitedMsgID]
		if !ok || len(cited) != len(p.CitedMsgID) {
			return nil, ErrMissingCitedMsg
		}
		copy(p.CitedMsgID[:], cited)
	}

	if p.Type == model.MessageForward {
		contact, okC := fields[tagCitedContactID]
		forwarded, okF := fields[tagForwardedContent]
		if !okC || len(contact) != len(p.CitedContactID) || !okF || len(forwarded) == 0 {
			return nil, ErrMissingForward
		}
		copy(p.CitedContactID[:], contact)
		p.ForwardedContent = string(forwarded)
	}

	return p, nil
}

func writeVarintField(buf *bytes.Buffer, tag uint64, value []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], tag)
	buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	buf.Write(tmp[:n])
	buf.Write(value)
}
