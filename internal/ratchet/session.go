package ratchet

import "github.com/zentalk/core/internal/model"

// Session is the per-peer ratchet state. It is exported so
// internal/store can persist a serializable snapshot of it, but its
// fields are only ever mutated from within this package.
//
// Unlike the teacher's protocol.RatchetState, a session here never
// performs a mid-conversation DH ratchet step: the board-addressed
// seeker scheme requires both sides to agree, without communication, on
// exactly one next token per direction, so each chain advances purely
// by symmetric-key ratcheting (kdfChain) after the initial X25519
// handshake. The only DH operation after handshake is
// bootstrapSendChain, a one-time step taken before the first Encrypt
// call of a session that has no send chain.
type Session struct {
	Status model.SessionStatus

	rootKey []byte

	sendChainKey []byte
	sendMsgNum   uint32

	recvChainKey []byte
	recvMsgNum   uint32

	dh         dhKeyPair
	theirDHPub [keySize]byte
	hasTheirDH bool
}

func newSession() *Session {
	return &Session{}
}

// Snapshot is the persistable form of a Session, used by
// internal/store to serialize/restore ratchet state across restarts.
type Snapshot struct {
	Status       model.SessionStatus
	RootKey      []byte
	SendChainKey []byte
	SendMsgNum   uint32
	RecvChainKey []byte
	RecvMsgNum   uint32
	DHPrivate  []byte
	DHPublic   []byte
	TheirDHPub []byte
	HasTheirDH bool
}

// Snapshot returns a deep-enough copy of the session suitable for
// persistence.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Status:       s.Status,
		RootKey:      append([]byte(nil), s.rootKey...),
		SendChainKey: append([]byte(nil), s.sendChainKey...),
		SendMsgNum:   s.sendMsgNum,
		RecvChainKey: append([]byte(nil), s.recvChainKey...),
		RecvMsgNum:   s.recvMsgNum,
		DHPrivate:    append([]byte(nil), s.dh.private[:]...),
		DHPublic:     append([]byte(nil), s.dh.public[:]...),
		TheirDHPub:   append([]byte(nil), s.theirDHPub[:]...),
		HasTheirDH:   s.hasTheirDH,
	}
}

// restoreSession rebuilds a Session from a Snapshot. A Session keeps no
// skipped-key cache, so the Snapshot fields are its whole state.
func restoreSession(snap Snapshot) *Session {
	s := newSession()
	s.Status = snap.Status
	s.rootKey = snap.RootKey
	s.sendChainKey = snap.SendChainKey
	s.sendMsgNum = snap.SendMsgNum
	s.recvChainKey = snap.RecvChainKey
	s.recvMsgNum = snap.RecvMsgNum
	copy(s.dh.private[:], snap.DHPrivate)
	copy(s.dh.public[:], snap.DHPublic)
	copy(s.theirDHPub[:], snap.TheirDHPub)
	s.hasTheirDH = snap.HasTheirDH
	return s
}
