// Package sender implements the three-stage outgoing pipeline of
// spec.md §4.5: admit, encrypt+transmit, resend. Grounded on the
// teacher's pkg/network/message_sender.go ordering (encrypt, persist,
// then network write) generalized to a durable per-peer FIFO queue.
package sender

import (
	"errors"
	"fmt"
	"time"

	"github.com/zentalk/core/internal/discussion"
	"github.com/zentalk/core/internal/events"
	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/ratchet"
	"github.com/zentalk/core/internal/store"
	"github.com/zentalk/core/internal/wire"
)

var (
	// ErrInvalidPeer is returned by Admit when peer fails validation.
	ErrInvalidPeer = fmt.Errorf("sender: invalid peer")
	// ErrNoDiscussion is returned by Admit when no Discussion exists yet.
	ErrNoDiscussion = fmt.Errorf("sender: no discussion for peer")
)

// Logger is the minimal logging surface the sender depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Adapter is the session surface the sender needs.
type Adapter interface {
	PeerSessionStatus(peer model.UserId) model.SessionStatus
	Encrypt(peer model.UserId, plaintext []byte) (model.Seeker, []byte, error)
}

// Transport sends one ciphertext slot to the message board.
type Transport interface {
	Send(seeker model.Seeker, ciphertext []byte) error
}

// Store is the subset of *store.Store the sender needs.
type Store interface {
	GetDiscussion(owner, peer model.UserId) (store.Discussion, error)
	SaveMessage(m store.Message) (int64, error)
	SetSerializedContent(rowID int64, serialized []byte) error
	SetMessageSeekerAndCiphertext(rowID int64, seeker model.Seeker, ciphertext []byte) error
	UpdateMessageStatus(rowID int64, status model.MessageStatus) error
	FailMessage(rowID int64, whenToSend time.Time) error
	MarkSent(rowID int64) error
	ListMessagesByPeerAndStatuses(owner, peer model.UserId, statuses ...model.MessageStatus) ([]store.Message, error)
	ListMessagesByOwnerAndStatus(owner model.UserId, status model.MessageStatus) ([]store.Message, error)
}

// Config mirrors the retry delay portion of spec.md §6.
type Config struct {
	RetryDelay time.Duration
}

// DefaultConfig matches spec.md §6's documented default.
func DefaultConfig() Config {
	return Config{RetryDelay: 5 * time.Second}
}

// Pipeline drives admit/encrypt+transmit/resend for one local identity.
type Pipeline struct {
	owner     model.UserId
	adapter   Adapter
	transport Transport
	store     Store
	machine   *discussion.Machine
	dispatch  *events.Dispatcher
	log       Logger
	cfg       Config
	now       func() time.Time
}

// New constructs a Pipeline. now defaults to time.Now; tests may
// override it via WithClock for deterministic whenToSend assertions.
func New(owner model.UserId, adapter Adapter, transport Transport, st Store, machine *discussion.Machine, dispatch *events.Dispatcher, log Logger, cfg Config) *Pipeline {
	return &Pipeline{owner: owner, adapter: adapter, transport: transport, store: st, machine: machine, dispatch: dispatch, log: log, cfg: cfg, now: time.Now}
}

// WithClock overrides the pipeline's time source.
func (p *Pipeline) WithClock(fn func() time.Time) { p.now = fn }

// Admit implements spec.md §4.5.1 (`send_message`).
func (p *Pipeline) Admit(peer model.UserId, payload wire.Payload) (int64, error) {
	if peer.IsZero() {
		return 0, ErrInvalidPeer
	}
	d, err := p.store.GetDiscussion(p.owner, peer)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, ErrNoDiscussion
		}
		return 0, fmt.Errorf("sender: loading discussion: %w", err)
	}

	now := p.now()
	sessionStatus := p.adapter.PeerSessionStatus(peer)
	stable := discussion.IsStable(d.Status, sessionStatus)

	m := store.Message{
		Owner:     p.owner,
		Peer:      peer,
		MessageID: payload.MessageID,
		Direction: model.DirectionOut,
		Type:      payload.Type,
		Content:   payload.Content,
		Timestamp: now,
	}
	if payload.Type == model.MessageReply {
		m.HasCitedMsgID = true
		m.CitedMsgID = payload.CitedMsgID
	}
	if payload.Type == model.MessageForward {
		m.HasCitedContact = true
		m.CitedContactID = payload.CitedContactID
		m.ForwardedContent = payload.ForwardedContent
	}

	switch {
	case sessionStatus == model.SessionUnknown || sessionStatus == model.SessionNoSession || sessionStatus == model.SessionKilled:
		m.Status = model.MessageWaitingSession
		rowID, err := p.store.SaveMessage(m)
		if err != nil {
			return 0, err
		}
		p.emitRenewalNeeded(peer)
		return rowID, nil

	case sessionStatus == model.SessionPeerRequested:
		m.Status = model.MessageWaitingSession
		rowID, err := p.store.SaveMessage(m)
		if err != nil {
			return 0, err
		}
		p.emitAcceptNeeded(peer)
		return rowID, nil

	case sessionStatus == model.SessionSelfRequested || !stable:
		m.Status = model.MessageWaitingSession
		return p.store.SaveMessage(m)

	default: // Active and stable.
		serialized := payload.Encode()
		m.SerializedContent = serialized
		m.Status = model.MessageReady
		rowID, err := p.store.SaveMessage(m)
		if err != nil {
			return 0, err
		}
		if err := p.machine.RecordLastMessage(peer, payload.MessageID, payload.Content, now); err != nil {
			p.log.Warnf("sender: recording last message failed: %v", err)
		}
		p.ProcessSendQueueForPeer(peer)
		return rowID, nil
	}
}

// ProcessSendQueueForPeer implements spec.md §4.5.2
// (`process_send_queue_for_peer`). Returns the number of messages
// successfully transmitted before stopping (on first failure, or after
// draining the backlog).
func (p *Pipeline) ProcessSendQueueForPeer(peer model.UserId) int {
	if p.adapter.PeerSessionStatus(peer) != model.SessionActive {
		return 0
	}

	backlog, err := p.store.ListMessagesByPeerAndStatuses(p.owner, peer, model.MessageWaitingSession, model.MessageReady)
	if err != nil {
		p.log.Warnf("sender: listing backlog for %s: %v", peer, err)
		return 0
	}

	sent := 0
	for _, m := range backlog {
		serialized := m.SerializedContent
		if len(serialized) == 0 {
			payload := wire.Payload{
				Type: m.Type, MessageID: m.MessageID, Content: m.Content,
				CitedMsgID: m.CitedMsgID, CitedContactID: m.CitedContactID, ForwardedContent: m.ForwardedContent,
			}
			serialized = payload.Encode()
			if err := p.store.SetSerializedContent(m.RowID, serialized); err != nil {
				p.log.Warnf("sender: persisting serialized content for row %d: %v", m.RowID, err)
				if err := p.store.UpdateMessageStatus(m.RowID, model.MessageFailed); err != nil {
					p.log.Warnf("sender: marking row %d failed: %v", m.RowID, err)
				}
				continue
			}
		}

		seeker, ciphertext, err := p.adapter.Encrypt(peer, serialized)
		if err != nil {
			outcome := classifyEncryptError(err)
			if err := p.machine.OnEncryptFailure(peer, m.RowID, outcome, p.now()); err != nil {
				p.log.Warnf("sender: recording encrypt failure: %v", err)
			}
			break // stop the loop for this peer: later messages cannot be correctly ordered past the failure.
		}

		if err := p.store.SetMessageSeekerAndCiphertext(m.RowID, seeker, ciphertext); err != nil {
			p.log.Warnf("sender: persisting ciphertext for row %d: %v", m.RowID, err)
			break
		}
		if err := p.store.UpdateMessageStatus(m.RowID, model.MessageSending); err != nil {
			p.log.Warnf("sender: marking row %d sending: %v", m.RowID, err)
		}

		if err := p.transport.Send(seeker, ciphertext); err != nil {
			whenToSend := p.now().Add(p.cfg.RetryDelay)
			if ferr := p.store.FailMessage(m.RowID, whenToSend); ferr != nil {
				p.log.Warnf("sender: marking row %d failed: %v", m.RowID, ferr)
			}
			p.emit(events.KindMessageFailed, peer, m.MessageID, m.RowID, m.Content, err)
			break // FIFO: later messages cannot pass a failed send.
		}

		if err := p.store.MarkSent(m.RowID); err != nil {
			p.log.Warnf("sender: marking row %d sent: %v", m.RowID, err)
		}
		if err := p.machine.RecordLastMessage(peer, m.MessageID, m.Content, m.Timestamp); err != nil {
			p.log.Warnf("sender: recording last message failed: %v", err)
		}
		p.emit(events.KindMessageSent, peer, m.MessageID, m.RowID, m.Content, nil)
		sent++
	}
	return sent
}

// ResendFailed implements spec.md §4.5.3 (`resend_messages`), sweeping
// every peer with at least one FAILED message whose whenToSend has
// elapsed.
func (p *Pipeline) ResendFailed() {
	failed, err := p.store.ListMessagesByOwnerAndStatus(p.owner, model.MessageFailed)
	if err != nil {
		p.log.Warnf("sender: listing failed messages: %v", err)
		return
	}

	now := p.now()
	seenPeers := map[model.UserId]bool{}
	for _, m := range failed {
		if m.WhenToSend == nil || m.WhenToSend.After(now) {
			continue
		}
		if seenPeers[m.Peer] {
			continue
		}

		status := p.adapter.PeerSessionStatus(m.Peer)
		switch status {
		case model.SessionKilled, model.SessionSaturated, model.SessionNoSession, model.SessionUnknown:
			p.emitRenewalNeeded(m.Peer)
			seenPeers[m.Peer] = true
			continue
		case model.SessionPeerRequested:
			p.emitAcceptNeeded(m.Peer)
			seenPeers[m.Peer] = true
			continue
		case model.SessionSelfRequested:
			seenPeers[m.Peer] = true
			continue // no forward seeker yet, skip silently.
		}

		seenPeers[m.Peer] = true
		if len(m.Seeker) > 0 && len(m.Ciphertext) > 0 {
			if err := p.transport.Send(m.Seeker, m.Ciphertext); err != nil {
				if ferr := p.store.FailMessage(m.RowID, now.Add(p.cfg.RetryDelay)); ferr != nil {
					p.log.Warnf("sender: re-failing row %d: %v", m.RowID, ferr)
				}
				p.emit(events.KindMessageFailed, m.Peer, m.MessageID, m.RowID, m.Content, err)
				continue
			}
			if err := p.store.MarkSent(m.RowID); err != nil {
				p.log.Warnf("sender: marking row %d sent: %v", m.RowID, err)
			}
			if err := p.machine.RecordLastMessage(m.Peer, m.MessageID, m.Content, m.Timestamp); err != nil {
				p.log.Warnf("sender: recording last message failed: %v", err)
			}
			p.emit(events.KindMessageSent, m.Peer, m.MessageID, m.RowID, m.Content, nil)
			continue
		}

		p.ProcessSendQueueForPeer(m.Peer)
	}
}

// classifyEncryptError distinguishes a transient ratchet status (the
// session flipped out of Active between the precondition check and this
// call) from an unrecoverable crypto failure, per spec.md §9's second
// open question.
func classifyEncryptError(err error) discussion.EncryptOutcome {
	if errors.Is(err, ratchet.ErrWrongState) {
		return discussion.EncryptKilled
	}
	return discussion.EncryptUnrecoverable
}

func (p *Pipeline) emit(kind events.Kind, peer model.UserId, msgID model.MessageId, rowID int64, content string, err error) {
	if p.dispatch == nil {
		return
	}
	p.dispatch.Emit(events.Event{Kind: kind, Peer: peer, MessageID: msgID, RowID: rowID, Content: content, Err: err, At: p.now()})
}

func (p *Pipeline) emitRenewalNeeded(peer model.UserId) {
	p.emit(events.KindSessionRenewalNeeded, peer, model.MessageId{}, 0, "", nil)
}

func (p *Pipeline) emitAcceptNeeded(peer model.UserId) {
	p.emit(events.KindSessionAcceptNeeded, peer, model.MessageId{}, 0, "", nil)
}
