// Package receiver implements the bounded convergent fetch loop of
// spec.md §4.4: pull ciphertext addressable by every current read
// seeker, decrypt it, persist what's new, and acknowledge what the peer
// has confirmed — repeating until the seeker set stops changing or a
// loop bound is hit. Grounded on the teacher's
// pkg/network/session_manager.go decrypt-or-drop-and-log pattern.
package receiver

import (
	"fmt"
	"time"

	"github.com/zentalk/core/internal/discussion"
	"github.com/zentalk/core/internal/events"
	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/ratchet"
	"github.com/zentalk/core/internal/store"
	"github.com/zentalk/core/internal/wire"
)

// Logger is the minimal logging surface receiver depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Adapter is the session surface the receiver needs.
type Adapter interface {
	ReadSeekers() []ratchet.PeerSeeker
	FeedIncoming(seeker model.Seeker, ciphertext []byte) (*ratchet.Incoming, error)
}

// Transport fetches ciphertext addressed by the given seekers.
type Transport interface {
	Fetch(seekers []model.Seeker) ([]Ciphertext, error)
}

// Ciphertext is one slot returned by a fetch call.
type Ciphertext struct {
	Seeker     model.Seeker
	Ciphertext []byte
}

// Store is the subset of *store.Store the receiver needs.
type Store interface {
	GetDiscussion(owner, peer model.UserId) (store.Discussion, error)
	SaveMessage(m store.Message) (int64, error)
	GetMessageByID(owner, peer model.UserId, direction model.MessageDirection, id model.MessageId) (store.Message, error)
	HasDuplicateIncoming(owner, peer model.UserId, content string, ts time.Time, windowMs int64) (bool, error)
	IncrementUnread(owner, peer model.UserId) error
	MarkDeliveredBySeeker(owner model.UserId, seeker model.Seeker) error
	DeleteDeliveredKeepAlives(owner model.UserId) error
	ReplaceActiveSeekers(owner model.UserId, seekers map[model.UserId]model.Seeker) error
	SavePendingEncrypted(owner model.UserId, seeker model.Seeker, ciphertext []byte, fetchedAt time.Time) error
	DeletePendingEncrypted(owner model.UserId, seeker model.Seeker) error
	ListPendingEncrypted(owner model.UserId) ([]store.PendingEncryptedMessage, error)
}

// Config mirrors spec.md §6's `messages` section.
type Config struct {
	FetchDelay            time.Duration
	MaxFetchIterations    int
	DeduplicationWindowMs int64
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		FetchDelay:            100 * time.Millisecond,
		MaxFetchIterations:    30,
		DeduplicationWindowMs: 30000,
	}
}

// Receiver drives the fetch loop for one local identity.
type Receiver struct {
	owner     model.UserId
	adapter   Adapter
	transport Transport
	store     Store
	machine   *discussion.Machine
	dispatch  *events.Dispatcher
	log       Logger
	cfg       Config
	sleep     func(time.Duration)
	now       func() time.Time
}

// New constructs a Receiver. sleep defaults to time.Sleep; tests may
// override it via WithSleep to avoid real delays.
func New(owner model.UserId, adapter Adapter, transport Transport, st Store, machine *discussion.Machine, dispatch *events.Dispatcher, log Logger, cfg Config) *Receiver {
	return &Receiver{
		owner: owner, adapter: adapter, transport: transport, store: st,
		machine: machine, dispatch: dispatch, log: log, cfg: cfg, sleep: time.Sleep, now: time.Now,
	}
}

// WithSleep overrides the loop's inter-iteration delay function.
func (r *Receiver) WithSleep(fn func(time.Duration)) { r.sleep = fn }

// WithClock overrides the receiver's time source, for deterministic
// fetchedAt/lastSyncTimestamp assertions in tests.
func (r *Receiver) WithClock(fn func() time.Time) { r.now = fn }

// decrypted is one successfully decoded, storable incoming message.
type decrypted struct {
	payload   *wire.Payload
	sender    model.UserId
	timestamp time.Time
	seeker    model.Seeker
	ciphertext []byte
}

// Run executes one bounded convergent fetch loop, returning the number
// of iterations performed.
func (r *Receiver) Run() (int, error) {
	if err := r.recoverPending(); err != nil {
		return 0, fmt.Errorf("receiver: recovering pending ciphertext: %w", err)
	}

	var previous []model.Seeker
	var current []model.Seeker
	iterations := 0

	for {
		peerSeekers := r.adapter.ReadSeekers()
		current = make([]model.Seeker, 0, len(peerSeekers))
		byValue := map[string]model.UserId{}
		for _, ps := range peerSeekers {
			current = append(current, ps.Seeker)
			byValue[ps.Seeker.String()] = ps.Peer
		}

		if seekersEqual(current, previous) || iterations >= r.cfg.MaxFetchIterations {
			break
		}

		batch, err := r.transport.Fetch(current)
		previous = current
		if err != nil {
			return iterations, fmt.Errorf("receiver: fetch: %w", err)
		}

		if len(batch) == 0 {
			iterations++
			r.sleep(r.cfg.FetchDelay)
			continue
		}

		fetchedAt := r.now()
		for _, ct := range batch {
			if err := r.store.SavePendingEncrypted(r.owner, ct.Seeker, ct.Ciphertext, fetchedAt); err != nil {
				r.log.Warnf("receiver: buffering ciphertext for seeker %s failed: %v", ct.Seeker, err)
			}
		}

		decryptedMsgs, acked := r.decryptBatch(batch, byValue)
		if len(decryptedMsgs) > 0 {
			r.storeDecrypted(decryptedMsgs)
		}
		if len(acked) > 0 {
			r.acknowledge(acked)
		}

		iterations++
		r.sleep(r.cfg.FetchDelay)
	}

	snapshot := map[model.UserId]model.Seeker{}
	for _, ps := range r.adapter.ReadSeekers() {
		snapshot[ps.Peer] = ps.Seeker
	}
	if err := r.store.ReplaceActiveSeekers(r.owner, snapshot); err != nil {
		return iterations, fmt.Errorf("receiver: persisting active seekers: %w", err)
	}
	return iterations, nil
}

// recoverPending retries ciphertext left behind in the
// pendingEncryptedMessages buffer by a crash between fetch and decrypt,
// before the fetch loop starts pulling anything new.
func (r *Receiver) recoverPending() error {
	pending, err := r.store.ListPendingEncrypted(r.owner)
	if err != nil {
		return fmt.Errorf("receiver: listing pending encrypted messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	batch := make([]Ciphertext, len(pending))
	for i, p := range pending {
		batch[i] = Ciphertext{Seeker: p.Seeker, Ciphertext: p.Ciphertext}
	}

	decryptedMsgs, acked := r.decryptBatch(batch, nil)
	if len(decryptedMsgs) > 0 {
		r.storeDecrypted(decryptedMsgs)
	}
	if len(acked) > 0 {
		r.acknowledge(acked)
	}
	return nil
}

// decryptBatch implements spec.md §4.4.1.
func (r *Receiver) decryptBatch(batch []Ciphertext, byPeer map[string]model.UserId) ([]decrypted, []model.Seeker) {
	var out []decrypted
	var acked []model.Seeker

	for _, ct := range batch {
		incoming, err := r.adapter.FeedIncoming(ct.Seeker, ct.Ciphertext)
		if err != nil {
			r.log.Warnf("receiver: feed_incoming error for seeker %s: %v", ct.Seeker, err)
			continue
		}
		if incoming == nil {
			r.log.Debugf("receiver: no session matched seeker %s", ct.Seeker)
			continue
		}
		if err := r.store.DeletePendingEncrypted(r.owner, ct.Seeker); err != nil {
			r.log.Warnf("receiver: clearing buffered ciphertext for seeker %s failed: %v", ct.Seeker, err)
		}
		acked = append(acked, incoming.AcknowledgedSeekers...)

		payload, err := wire.Decode(incoming.Plaintext)
		if err != nil {
			r.log.Warnf("receiver: malformed plaintext from %s: %v", incoming.Sender, err)
			continue
		}
		if payload.Type == model.MessageKeepAlive {
			continue
		}
		out = append(out, decrypted{
			payload:    payload,
			sender:     incoming.Sender,
			timestamp:  incoming.Timestamp,
			seeker:     ct.Seeker,
			ciphertext: ct.Ciphertext,
		})
	}
	return out, acked
}

// storeDecrypted implements spec.md §4.4.2.
func (r *Receiver) storeDecrypted(items []decrypted) {
	for _, d := range items {
		if _, err := r.store.GetDiscussion(r.owner, d.sender); err != nil {
			r.log.Debugf("receiver: dropping message from unknown peer %s", d.sender)
			continue
		}

		dup, err := r.store.HasDuplicateIncoming(r.owner, d.sender, d.payload.Content, d.timestamp, r.cfg.DeduplicationWindowMs)
		if err != nil {
			r.log.Warnf("receiver: duplicate check failed: %v", err)
			continue
		}
		if dup {
			continue
		}

		m := store.Message{
			Owner:      r.owner,
			Peer:       d.sender,
			MessageID:  d.payload.MessageID,
			Direction:  model.DirectionIn,
			Status:     model.MessageDelivered,
			Type:       d.payload.Type,
			Content:    d.payload.Content,
			Seeker:     d.seeker,
			Ciphertext: d.ciphertext,
			Timestamp:  d.timestamp,
		}
		if d.payload.Type == model.MessageReply {
			m.HasCitedMsgID = true
			m.CitedMsgID = d.payload.CitedMsgID
			// The lookup only decides what is logged: the payload carries
			// no copy of the original's content, so only the cited id is
			// stored, and no fallback quote is kept when the original is
			// not found locally.
			if _, err := r.store.GetMessageByID(r.owner, d.sender, model.DirectionIn, d.payload.CitedMsgID); err != nil {
				if _, err := r.store.GetMessageByID(r.owner, d.sender, model.DirectionOut, d.payload.CitedMsgID); err != nil {
					r.log.Debugf("receiver: reply citation %s not found locally, keeping inline fallback", d.payload.CitedMsgID)
				}
			}
		}
		if d.payload.Type == model.MessageForward {
			m.HasCitedContact = true
			m.CitedContactID = d.payload.CitedContactID
			m.ForwardedContent = d.payload.ForwardedContent
		}

		rowID, err := r.store.SaveMessage(m)
		if err != nil {
			r.log.Warnf("receiver: saving message failed: %v", err)
			continue
		}
		if err := r.store.IncrementUnread(r.owner, d.sender); err != nil {
			r.log.Warnf("receiver: incrementing unread failed: %v", err)
		}
		if err := r.machine.RecordLastMessage(d.sender, d.payload.MessageID, d.payload.Content, d.timestamp); err != nil {
			r.log.Warnf("receiver: recording last message failed: %v", err)
		}
		if err := r.machine.RecordSync(d.sender, r.now()); err != nil {
			r.log.Warnf("receiver: recording last sync failed: %v", err)
		}

		if r.dispatch != nil {
			r.dispatch.Emit(events.Event{
				Kind:      events.KindMessageReceived,
				Peer:      d.sender,
				MessageID: d.payload.MessageID,
				RowID:     rowID,
				Content:   d.payload.Content,
				At:        d.timestamp,
			})
		}
	}
}

// acknowledge implements spec.md §4.4.3.
func (r *Receiver) acknowledge(acked []model.Seeker) {
	for _, seeker := range acked {
		if err := r.store.MarkDeliveredBySeeker(r.owner, seeker); err != nil {
			r.log.Warnf("receiver: marking delivered failed: %v", err)
		}
	}
	if err := r.store.DeleteDeliveredKeepAlives(r.owner); err != nil {
		r.log.Warnf("receiver: deleting delivered keep-alives failed: %v", err)
	}
}

func seekersEqual(a, b []model.Seeker) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]bool{}
	for _, s := range a {
		seen[s.String()] = true
	}
	for _, s := range b {
		if !seen[s.String()] {
			return false
		}
	}
	return true
}
