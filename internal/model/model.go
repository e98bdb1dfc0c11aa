// Package model defines the identifiers and closed enumerations shared by
// every component of the core. They are kept free of behavior so that
// store, ratchet, and pipeline packages can all depend on them without
// import cycles.
package model

import (
	"encoding/hex"
	"fmt"
)

// UserId is an opaque 32-byte account identifier.
type UserId [32]byte

func (u UserId) String() string { return hex.EncodeToString(u[:]) }

// IsZero reports whether u has never been assigned.
func (u UserId) IsZero() bool { return u == UserId{} }

// ParseUserId decodes a hex-encoded UserId, enforcing the 32-byte length
// invariant spec'd for peer identifiers.
func ParseUserId(s string) (UserId, error) {
	var u UserId
	b, err := hex.DecodeString(s)
	if err != nil {
		return u, fmt.Errorf("parse user id: %w", err)
	}
	if len(b) != len(u) {
		return u, fmt.Errorf("parse user id: want %d bytes, got %d", len(u), len(b))
	}
	copy(u[:], b)
	return u, nil
}

// MessageId is the 12-byte random token embedded in every plaintext
// payload (except KEEP_ALIVE, which carries none).
type MessageId [12]byte

func (m MessageId) String() string { return hex.EncodeToString(m[:]) }

func (m MessageId) IsZero() bool { return m == MessageId{} }

// Seeker is the opaque board-addressing token the ratchet derives. Its
// length is protocol-defined (~34 bytes) but callers must treat it as an
// opaque byte string, never parse it.
type Seeker []byte

func (s Seeker) String() string { return hex.EncodeToString(s) }

// Equal compares two seekers for byte equality.
func (s Seeker) Equal(o Seeker) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// SessionStatus mirrors the ratchet's view of a peer relationship
// (spec.md §4.1). It is a closed enumeration: every switch over it must
// have a default arm.
type SessionStatus int

const (
	SessionUnknown SessionStatus = iota
	SessionNoSession
	SessionSelfRequested
	SessionPeerRequested
	SessionActive
	SessionKilled
	SessionSaturated
)

func (s SessionStatus) String() string {
	switch s {
	case SessionUnknown:
		return "Unknown"
	case SessionNoSession:
		return "NoSession"
	case SessionSelfRequested:
		return "SelfRequested"
	case SessionPeerRequested:
		return "PeerRequested"
	case SessionActive:
		return "Active"
	case SessionKilled:
		return "Killed"
	case SessionSaturated:
		return "Saturated"
	default:
		return fmt.Sprintf("SessionStatus(%d)", int(s))
	}
}

// DiscussionDirection records which side initiated the conversation.
type DiscussionDirection int

const (
	DirectionInitiated DiscussionDirection = iota
	DirectionReceived
)

func (d DiscussionDirection) String() string {
	switch d {
	case DirectionInitiated:
		return "INITIATED"
	case DirectionReceived:
		return "RECEIVED"
	default:
		return fmt.Sprintf("DiscussionDirection(%d)", int(d))
	}
}

// DiscussionStatus is the persisted status driving the state machine of
// spec.md §4.3.
type DiscussionStatus int

const (
	DiscussionPending DiscussionStatus = iota
	DiscussionActive
	DiscussionSendFailed
	DiscussionBroken
)

func (s DiscussionStatus) String() string {
	switch s {
	case DiscussionPending:
		return "PENDING"
	case DiscussionActive:
		return "ACTIVE"
	case DiscussionSendFailed:
		return "SEND_FAILED"
	case DiscussionBroken:
		return "BROKEN"
	default:
		return fmt.Sprintf("DiscussionStatus(%d)", int(s))
	}
}

// MessageDirection distinguishes locally originated from peer-originated
// messages.
type MessageDirection int

const (
	DirectionOut MessageDirection = iota
	DirectionIn
)

func (d MessageDirection) String() string {
	switch d {
	case DirectionOut:
		return "OUT"
	case DirectionIn:
		return "IN"
	default:
		return fmt.Sprintf("MessageDirection(%d)", int(d))
	}
}

// MessageStatus is the outgoing/incoming lifecycle status of spec.md §4.5
// and §4.4.2. Not every status applies to both directions: incoming
// messages are only ever written as DELIVERED.
type MessageStatus int

const (
	MessageWaitingSession MessageStatus = iota
	MessageReady
	MessageSending
	MessageSent
	MessageDelivered
	MessageFailed
)

func (s MessageStatus) String() string {
	switch s {
	case MessageWaitingSession:
		return "WAITING_SESSION"
	case MessageReady:
		return "READY"
	case MessageSending:
		return "SENDING"
	case MessageSent:
		return "SENT"
	case MessageDelivered:
		return "DELIVERED"
	case MessageFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("MessageStatus(%d)", int(s))
	}
}

// MessageType is the wire-level payload tag of spec.md §6.
type MessageType uint8

const (
	MessageKeepAlive MessageType = 0
	MessageRegular   MessageType = 1
	MessageReply     MessageType = 2
	MessageForward   MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageKeepAlive:
		return "KEEP_ALIVE"
	case MessageRegular:
		return "TEXT"
	case MessageReply:
		return "REPLY"
	case MessageForward:
		return "FORWARD"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}
