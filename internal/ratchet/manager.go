package ratchet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zentalk/core/internal/model"
)

// Announcement is the first-contact blob posted to the message board to
// establish a new session with a peer (spec.md §6, "Announcement").
type Announcement struct {
	From      model.UserId
	Ephemeral [keySize]byte
}

func (a Announcement) Encode() []byte {
	buf := make([]byte, len(a.From)+keySize)
	copy(buf, a.From[:])
	copy(buf[len(a.From):], a.Ephemeral[:])
	return buf
}

func decodeAnnouncement(buf []byte) (Announcement, error) {
	var a Announcement
	if len(buf) != len(a.From)+keySize {
		return a, fmt.Errorf("%w: bad announcement length %d", ErrCryptoFailed, len(buf))
	}
	copy(a.From[:], buf[:len(a.From)])
	copy(a.Ephemeral[:], buf[len(a.From):])
	return a, nil
}

// PeerOffer is returned from FeedIncomingAnnouncement, surfaced to the UI
// for user consent before the discussion becomes ACTIVE.
type PeerOffer struct {
	From model.UserId
}

// Incoming is the result of successfully decrypting a ciphertext.
type Incoming struct {
	Plaintext           []byte
	Sender              model.UserId
	Timestamp           time.Time
	AcknowledgedSeekers []model.Seeker
}

// Event reports a Session status transition surfaced by Refresh.
type Event struct {
	Peer model.UserId
	From model.SessionStatus
	To   model.SessionStatus
}

type peerSession struct {
	*Session
	peer        model.UserId
	statusSince time.Time
	pendingAcks []model.Seeker
}

// Manager is the concrete ratchet library the Session Adapter wraps. It
// is safe for concurrent use, though the core's single-writer discipline
// (spec.md §5) means callers never actually contend on it.
//
// Manager owns one long-lived identity keypair, published to peers via
// the Contact key-bundle cache (spec.md §3) so that they can reach
// EstablishOutgoing before ever exchanging an announcement with us: the
// Diffie-Hellman shared secret a peer computes against our published
// public half only matches what FeedIncomingAnnouncement derives here if
// the matching private half is the one actually used, so it cannot be
// regenerated per-announcement.
type Manager struct {
	mu       sync.Mutex
	sessions map[model.UserId]*peerSession

	identity dhKeyPair

	pendingEstablishTimeout time.Duration
	saturationMessageCount  uint32
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithPendingEstablishTimeout overrides how long a SelfRequested or
// PeerRequested session may sit idle before Refresh marks it Killed.
func WithPendingEstablishTimeout(d time.Duration) Option {
	return func(m *Manager) { m.pendingEstablishTimeout = d }
}

// WithSaturationMessageCount overrides the total (send+recv) message
// count after which Refresh marks a session Saturated.
func WithSaturationMessageCount(n uint32) Option {
	return func(m *Manager) { m.saturationMessageCount = n }
}

// WithIdentityKeyPair restores a previously persisted identity keypair
// instead of minting a fresh one, so a restarted process keeps
// answering to the public key it already published.
func WithIdentityKeyPair(private, public [keySize]byte) Option {
	return func(m *Manager) { m.identity = dhKeyPair{private: private, public: public} }
}

func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		sessions:                make(map[model.UserId]*peerSession),
		pendingEstablishTimeout: 24 * time.Hour,
		saturationMessageCount:  1 << 20,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.identity == (dhKeyPair{}) {
		kp, err := generateDHKeyPair()
		if err != nil {
			return nil, err
		}
		m.identity = kp
	}
	return m, nil
}

// OwnPublicKey returns the identity public key peers must cache (spec.md
// §3, Contact's peer public keys blob) before they can call
// EstablishOutgoing against us.
func (m *Manager) OwnPublicKey() [keySize]byte {
	return m.identity.public
}

func (m *Manager) get(peer model.UserId) (*peerSession, bool) {
	ps, ok := m.sessions[peer]
	return ps, ok
}

func (m *Manager) setStatus(ps *peerSession, status model.SessionStatus) {
	ps.Status = status
	ps.statusSince = time.Now()
}

// LoadSnapshot restores a previously persisted session, used at startup
// by internal/sessionadapter before any other Manager call for that peer.
func (m *Manager) LoadSnapshot(peer model.UserId, snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := restoreSession(snap)
	m.sessions[peer] = &peerSession{Session: s, peer: peer, statusSince: time.Now()}
}

// Snapshot returns the persistable state for peer, or false if no session
// exists.
func (m *Manager) Snapshot(peer model.UserId) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.get(peer)
	if !ok {
		return Snapshot{}, false
	}
	return ps.Snapshot(), true
}

// PeerSessionStatus implements spec.md §4.1's status query.
func (m *Manager) PeerSessionStatus(peer model.UserId) model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.get(peer)
	if !ok {
		return model.SessionNoSession
	}
	return ps.Status
}

// PeerSeeker pairs a peer with the single seeker the core must currently
// poll to receive their next message.
type PeerSeeker struct {
	Peer   model.UserId
	Seeker model.Seeker
}

// ReadSeekers implements spec.md §4.1: one expected-next seeker per
// session with receive-chain material ready, regardless of session
// status — a SelfRequested session must still be polled, since the
// peer's first reply is what promotes it to Active.
func (m *Manager) ReadSeekers() []PeerSeeker {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerSeeker, 0, len(m.sessions))
	for peer, ps := range m.sessions {
		if ps.recvChainKey == nil {
			continue
		}
		out = append(out, PeerSeeker{Peer: peer, Seeker: deriveSeeker(ps.recvChainKey, ps.recvMsgNum)})
	}
	return out
}

// Encrypt implements spec.md §4.1. It mutates the session's send chain
// before returning; callers (internal/sessionadapter) are responsible for
// persisting the resulting Snapshot durably inside the same call that
// invokes Encrypt, per spec.md's durability requirement.
func (m *Manager) Encrypt(peer model.UserId, plaintext []byte) (model.Seeker, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.get(peer)
	if !ok {
		return nil, nil, ErrUnknownPeer
	}
	if ps.Status != model.SessionActive {
		return nil, nil, fmt.Errorf("%w: want Active, have %s", ErrWrongState, ps.Status)
	}
	if ps.sendChainKey == nil {
		if err := ps.Session.bootstrapSendChain(); err != nil {
			return nil, nil, err
		}
	}

	seeker := deriveSeeker(ps.sendChainKey, ps.sendMsgNum)
	newChainKey, msgKey := kdfChain(ps.sendChainKey)

	ciphertext, err := aesGCMEncrypt(plaintext, msgKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}

	envelope := encodeEnvelope(ps.sendMsgNum, ps.pendingAcks, ciphertext)

	ps.sendChainKey = newChainKey
	ps.sendMsgNum++
	ps.pendingAcks = nil

	return seeker, envelope, nil
}

// FeedIncoming implements spec.md §4.1. It returns (nil, nil) — the
// spec's `None` — on MAC failure, replay, or when the seeker matches no
// known session.
func (m *Manager) FeedIncoming(seeker model.Seeker, ciphertext []byte) (*Incoming, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for peer, ps := range m.sessions {
		if ps.recvChainKey == nil {
			continue
		}
		expect := deriveSeeker(ps.recvChainKey, ps.recvMsgNum)
		if !expect.Equal(seeker) {
			continue
		}

		msgNum, acks, body, err := decodeEnvelope(ciphertext)
		if err != nil || msgNum != ps.recvMsgNum {
			return nil, nil // malformed or replayed: treated as unrelated per spec
		}

		newChainKey, msgKey := kdfChain(ps.recvChainKey)
		plaintext, err := aesGCMDecrypt(body, msgKey)
		if err != nil {
			return nil, nil // MAC failure
		}

		ps.recvChainKey = newChainKey
		ps.recvMsgNum++
		ps.pendingAcks = append(ps.pendingAcks, seeker)

		if ps.Status == model.SessionSelfRequested {
			m.setStatus(ps, model.SessionActive)
		}

		return &Incoming{
			Plaintext:           plaintext,
			Sender:              peer,
			Timestamp:           time.Now(),
			AcknowledgedSeekers: acks,
		}, nil
	}
	return nil, nil
}

// EstablishOutgoing implements spec.md §4.1. peerPublicKey is the peer's
// long-term public key, assumed already known to the caller via the
// Contact's cached key-bundle (spec.md §3, Contact.peer public keys blob).
func (m *Manager) EstablishOutgoing(peer model.UserId, us model.UserId, peerPublicKey [keySize]byte) (Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ps, ok := m.get(peer); ok && ps.Status == model.SessionActive {
		return Announcement{}, fmt.Errorf("%w: session already active", ErrWrongState)
	}

	kp, err := generateDHKeyPair()
	if err != nil {
		return Announcement{}, err
	}

	shared := dh(kp.private, peerPublicKey)
	root, chainAB, err := kdfRoot(make([]byte, keySize), shared)
	if err != nil {
		return Announcement{}, err
	}
	_, chainBA, err := kdfRoot(root, shared)
	if err != nil {
		return Announcement{}, err
	}

	sendChain, recvChain := assignChains(kp.public, peerPublicKey, chainAB, chainBA)

	s := newSession()
	s.rootKey = root
	s.sendChainKey = sendChain
	s.recvChainKey = recvChain
	s.dh = kp
	s.theirDHPub = peerPublicKey
	s.hasTheirDH = true

	ps := &peerSession{Session: s, peer: peer}
	m.sessions[peer] = ps
	m.setStatus(ps, model.SessionSelfRequested)

	return Announcement{From: us, Ephemeral: kp.public}, nil
}

// FeedIncomingAnnouncement implements spec.md §4.1. Returns (nil, nil)
// when the announcement cannot be parsed.
func (m *Manager) FeedIncomingAnnouncement(us model.UserId, data []byte) (*PeerOffer, error) {
	ann, err := decodeAnnouncement(data)
	if err != nil {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ps, ok := m.get(ann.From); ok && ps.Status == model.SessionActive {
		return nil, fmt.Errorf("%w: session already active", ErrWrongState)
	}

	shared := dh(m.identity.private, ann.Ephemeral)
	root, chainAB, err := kdfRoot(make([]byte, keySize), shared)
	if err != nil {
		return nil, err
	}
	_, chainBA, err := kdfRoot(root, shared)
	if err != nil {
		return nil, err
	}

	sendChain, recvChain := assignChains(m.identity.public, ann.Ephemeral, chainAB, chainBA)

	s := newSession()
	s.rootKey = root
	s.sendChainKey = sendChain
	s.recvChainKey = recvChain
	s.dh = m.identity
	s.theirDHPub = ann.Ephemeral
	s.hasTheirDH = true

	ps := &peerSession{Session: s, peer: ann.From}
	m.sessions[ann.From] = ps
	m.setStatus(ps, model.SessionPeerRequested)

	return &PeerOffer{From: ann.From}, nil
}

// AcceptPeerOffer transitions a PeerRequested session to Active once the
// local user has consented, per spec.md §4.3. Not part of the minimal
// spec.md §4.1 list verbatim, but required to implement the transition
// table: the discussion state machine "feeds acceptance to the ratchet".
func (m *Manager) AcceptPeerOffer(peer model.UserId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.get(peer)
	if !ok {
		return ErrUnknownPeer
	}
	if ps.Status != model.SessionPeerRequested {
		return fmt.Errorf("%w: want PeerRequested, have %s", ErrWrongState, ps.Status)
	}
	m.setStatus(ps, model.SessionActive)
	return nil
}

// Refresh implements spec.md §4.1's periodic tick: pending sessions idle
// past pendingEstablishTimeout are Killed; heavily used sessions are
// Saturated. Both are transient statuses internal/sessionrefresh
// schedules renewal for rather than treating as terminal.
func (m *Manager) Refresh(now time.Time) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	for peer, ps := range m.sessions {
		switch ps.Status {
		case model.SessionSelfRequested, model.SessionPeerRequested:
			if now.Sub(ps.statusSince) > m.pendingEstablishTimeout {
				from := ps.Status
				m.setStatus(ps, model.SessionKilled)
				events = append(events, Event{Peer: peer, From: from, To: model.SessionKilled})
			}
		case model.SessionActive:
			if ps.sendMsgNum+ps.recvMsgNum > m.saturationMessageCount {
				m.setStatus(ps, model.SessionSaturated)
				events = append(events, Event{Peer: peer, From: model.SessionActive, To: model.SessionSaturated})
			}
		default:
			// Unknown, NoSession, Killed, Saturated: nothing to advance.
		}
	}
	return events
}

// bootstrapSendChain gives a session that has no send chain one the
// first time it needs to encrypt (sessions set up by EstablishOutgoing or
// FeedIncomingAnnouncement already carry both chains, so Encrypt only
// reaches this for a session restored without a send chain), mirroring
// the teacher's InitiateRatchet step
// of rotating in a fresh DH keypair against the peer's known public key.
func (s *Session) bootstrapSendChain() error {
	if !s.hasTheirDH {
		return fmt.Errorf("%w: no peer public key on file", ErrWrongState)
	}
	shared := dh(s.dh.private, s.theirDHPub)
	_, chain, err := kdfRoot(s.rootKey, shared)
	if err != nil {
		return err
	}
	s.sendChainKey = chain
	return nil
}

// assignChains gives both sides of a handshake the same pair of chain
// keys assigned to opposite roles, deciding the role deterministically
// from lexicographic public-key order so no extra round trip is needed.
func assignChains(ourPub, theirPub [keySize]byte, chainAB, chainBA []byte) (send, recv []byte) {
	if bytes.Compare(ourPub[:], theirPub[:]) < 0 {
		return chainAB, chainBA
	}
	return chainBA, chainAB
}

func encodeEnvelope(msgNum uint32, acks []model.Seeker, ciphertext []byte) []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], msgNum)
	buf.Write(tmp[:])

	binary.BigEndian.PutUint16(tmp[:2], uint16(len(acks)))
	buf.Write(tmp[:2])
	for _, a := range acks {
		binary.BigEndian.PutUint16(tmp[:2], uint16(len(a)))
		buf.Write(tmp[:2])
		buf.Write(a)
	}
	buf.Write(ciphertext)
	return buf.Bytes()
}

func decodeEnvelope(data []byte) (msgNum uint32, acks []model.Seeker, ciphertext []byte, err error) {
	if len(data) < 6 {
		return 0, nil, nil, errors.New("envelope too short")
	}
	msgNum = binary.BigEndian.Uint32(data[:4])
	rest := data[4:]

	ackCount := binary.BigEndian.Uint16(rest[:2])
	rest = rest[2:]
	acks = make([]model.Seeker, 0, ackCount)
	for i := uint16(0); i < ackCount; i++ {
		if len(rest) < 2 {
			return 0, nil, nil, errors.New("envelope truncated in ack list")
		}
		l := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if len(rest) < int(l) {
			return 0, nil, nil, errors.New("envelope truncated in ack value")
		}
		acks = append(acks, model.Seeker(rest[:l]))
		rest = rest[l:]
	}
	return msgNum, acks, rest, nil
}
