package receiver

import (
	"testing"
	"time"

	"github.com/zentalk/core/internal/discussion"
	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/ratchet"
	"github.com/zentalk/core/internal/store"
	"github.com/zentalk/core/internal/wire"
)

type fakeAdapter struct {
	seekers  []ratchet.PeerSeeker
	incoming map[string]*ratchet.Incoming // keyed by seeker string
	calls    int
}

func (f *fakeAdapter) ReadSeekers() []ratchet.PeerSeeker { return f.seekers }

func (f *fakeAdapter) FeedIncoming(seeker model.Seeker, ciphertext []byte) (*ratchet.Incoming, error) {
	f.calls++
	return f.incoming[seeker.String()], nil
}

type fakeTransport struct {
	batches [][]Ciphertext
	call    int
}

func (f *fakeTransport) Fetch(seekers []model.Seeker) ([]Ciphertext, error) {
	if f.call >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.call]
	f.call++
	return b, nil
}

type fakeStore struct {
	discussions map[model.UserId]store.Discussion
	messages    []store.Message
	unread      map[model.UserId]int
	delivered   []model.Seeker
	keepAliveDeleted bool
	replacedSeekers  map[model.UserId]model.Seeker
	pending          map[string]store.PendingEncryptedMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		discussions: map[model.UserId]store.Discussion{},
		unread:      map[model.UserId]int{},
		pending:     map[string]store.PendingEncryptedMessage{},
	}
}

func (f *fakeStore) GetDiscussion(owner, peer model.UserId) (store.Discussion, error) {
	d, ok := f.discussions[peer]
	if !ok {
		return store.Discussion{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) UpsertDiscussion(d store.Discussion) error {
	f.discussions[d.Peer] = d
	return nil
}

func (f *fakeStore) UpdateMessageStatus(rowID int64, status model.MessageStatus) error { return nil }

func (f *fakeStore) SaveMessage(m store.Message) (int64, error) {
	m.RowID = int64(len(f.messages) + 1)
	f.messages = append(f.messages, m)
	return m.RowID, nil
}

func (f *fakeStore) GetMessageByID(owner, peer model.UserId, direction model.MessageDirection, id model.MessageId) (store.Message, error) {
	for _, m := range f.messages {
		if m.Peer == peer && m.Direction == direction && m.MessageID == id {
			return m, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) HasDuplicateIncoming(owner, peer model.UserId, content string, ts time.Time, windowMs int64) (bool, error) {
	for _, m := range f.messages {
		if m.Peer == peer && m.Direction == model.DirectionIn && m.Content == content {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) IncrementUnread(owner, peer model.UserId) error {
	f.unread[peer]++
	return nil
}

func (f *fakeStore) MarkDeliveredBySeeker(owner model.UserId, seeker model.Seeker) error {
	f.delivered = append(f.delivered, seeker)
	return nil
}

func (f *fakeStore) DeleteDeliveredKeepAlives(owner model.UserId) error {
	f.keepAliveDeleted = true
	return nil
}

func (f *fakeStore) ReplaceActiveSeekers(owner model.UserId, seekers map[model.UserId]model.Seeker) error {
	f.replacedSeekers = seekers
	return nil
}

func (f *fakeStore) SavePendingEncrypted(owner model.UserId, seeker model.Seeker, ciphertext []byte, fetchedAt time.Time) error {
	f.pending[seeker.String()] = store.PendingEncryptedMessage{
		Owner: owner, Seeker: seeker, Ciphertext: ciphertext, FetchedAt: fetchedAt,
	}
	return nil
}

func (f *fakeStore) DeletePendingEncrypted(owner model.UserId, seeker model.Seeker) error {
	delete(f.pending, seeker.String())
	return nil
}

func (f *fakeStore) ListPendingEncrypted(owner model.UserId) ([]store.PendingEncryptedMessage, error) {
	out := make([]store.PendingEncryptedMessage, 0, len(f.pending))
	for _, p := range f.pending {
		out = append(out, p)
	}
	return out, nil
}

func testUser(b byte) model.UserId {
	var u model.UserId
	u[0] = b
	return u
}

func noSleep(time.Duration) {}

func TestRunStoresNewMessageAndAcknowledges(t *testing.T) {
	owner := testUser(1)
	peer := testUser(2)

	fs := newFakeStore()
	fs.discussions[peer] = store.Discussion{Owner: owner, Peer: peer, Status: model.DiscussionActive}

	payload := &wire.Payload{Type: model.MessageRegular, MessageID: model.MessageId{9}, Content: "hello"}
	seeker := model.Seeker{1, 2, 3}

	adapter := &fakeAdapter{
		seekers: []ratchet.PeerSeeker{{Peer: peer, Seeker: seeker}},
		incoming: map[string]*ratchet.Incoming{
			seeker.String(): {
				Plaintext:           payload.Encode(),
				Sender:              peer,
				Timestamp:           time.Unix(100, 0),
				AcknowledgedSeekers: []model.Seeker{{9, 9, 9}},
			},
		},
	}
	transport := &fakeTransport{batches: [][]Ciphertext{
		{{Seeker: seeker, Ciphertext: []byte("ct")}},
	}}

	machine := discussion.New(fs, owner, 3600000)
	r := New(owner, adapter, transport, fs, machine, nil, noopLogger{}, Config{
		FetchDelay: 0, MaxFetchIterations: 30, DeduplicationWindowMs: 30000,
	})
	r.WithSleep(noSleep)

	iterations, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if iterations == 0 {
		t.Fatalf("expected at least one iteration")
	}
	if len(fs.messages) != 1 || fs.messages[0].Content != "hello" {
		t.Fatalf("expected message stored, got %+v", fs.messages)
	}
	if fs.unread[peer] != 1 {
		t.Fatalf("expected unread incremented")
	}
	if len(fs.delivered) != 1 || !fs.delivered[0].Equal(model.Seeker{9, 9, 9}) {
		t.Fatalf("expected ack delivered, got %+v", fs.delivered)
	}
	if !fs.keepAliveDeleted {
		t.Fatalf("expected keep-alive sweep to run")
	}
	if fs.discussions[peer].LastMessageContent != "hello" {
		t.Fatalf("expected lastMessage recorded")
	}
}

func TestRunDropsMessageFromUnknownPeer(t *testing.T) {
	owner := testUser(1)
	peer := testUser(2)
	fs := newFakeStore() // no discussion registered

	payload := &wire.Payload{Type: model.MessageRegular, MessageID: model.MessageId{1}, Content: "hi"}
	seeker := model.Seeker{1}
	adapter := &fakeAdapter{
		seekers: []ratchet.PeerSeeker{{Peer: peer, Seeker: seeker}},
		incoming: map[string]*ratchet.Incoming{
			seeker.String(): {Plaintext: payload.Encode(), Sender: peer, Timestamp: time.Unix(1, 0)},
		},
	}
	transport := &fakeTransport{batches: [][]Ciphertext{{{Seeker: seeker, Ciphertext: []byte("ct")}}}}
	machine := discussion.New(fs, owner, 3600000)
	r := New(owner, adapter, transport, fs, machine, nil, noopLogger{}, DefaultConfig())
	r.WithSleep(noSleep)

	if _, err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.messages) != 0 {
		t.Fatalf("message from unknown peer must be dropped, got %+v", fs.messages)
	}
}

func TestRunDiscardsKeepAliveButStillAcks(t *testing.T) {
	owner := testUser(1)
	peer := testUser(2)
	fs := newFakeStore()
	fs.discussions[peer] = store.Discussion{Owner: owner, Peer: peer, Status: model.DiscussionActive}

	payload := &wire.Payload{Type: model.MessageKeepAlive}
	seeker := model.Seeker{5}
	adapter := &fakeAdapter{
		seekers: []ratchet.PeerSeeker{{Peer: peer, Seeker: seeker}},
		incoming: map[string]*ratchet.Incoming{
			seeker.String(): {Plaintext: payload.Encode(), Sender: peer, AcknowledgedSeekers: []model.Seeker{{7}}},
		},
	}
	transport := &fakeTransport{batches: [][]Ciphertext{{{Seeker: seeker, Ciphertext: []byte("ct")}}}}
	machine := discussion.New(fs, owner, 3600000)
	r := New(owner, adapter, transport, fs, machine, nil, noopLogger{}, DefaultConfig())
	r.WithSleep(noSleep)

	if _, err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.messages) != 0 {
		t.Fatalf("KEEP_ALIVE must never be stored")
	}
	if len(fs.delivered) != 1 {
		t.Fatalf("expected ack from keep-alive batch")
	}
}

func TestRunBuffersThenClearsPendingEncrypted(t *testing.T) {
	owner := testUser(1)
	peer := testUser(2)
	fs := newFakeStore()
	fs.discussions[peer] = store.Discussion{Owner: owner, Peer: peer, Status: model.DiscussionActive}

	payload := &wire.Payload{Type: model.MessageRegular, MessageID: model.MessageId{1}, Content: "hi"}
	seeker := model.Seeker{4}
	adapter := &fakeAdapter{
		seekers: []ratchet.PeerSeeker{{Peer: peer, Seeker: seeker}},
		incoming: map[string]*ratchet.Incoming{
			seeker.String(): {Plaintext: payload.Encode(), Sender: peer, Timestamp: time.Unix(1, 0)},
		},
	}
	transport := &fakeTransport{batches: [][]Ciphertext{{{Seeker: seeker, Ciphertext: []byte("ct")}}}}
	machine := discussion.New(fs, owner, 3600000)
	r := New(owner, adapter, transport, fs, machine, nil, noopLogger{}, DefaultConfig())
	r.WithSleep(noSleep)
	r.WithClock(func() time.Time { return time.Unix(1000, 0) })

	if _, err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.pending) != 0 {
		t.Fatalf("expected pending buffer cleared after successful decrypt, got %+v", fs.pending)
	}
	if !fs.discussions[peer].HasLastSync {
		t.Fatalf("expected lastSyncTimestamp recorded on the discussion")
	}
}

func TestRunRecoversPendingEncryptedFromPriorCrash(t *testing.T) {
	owner := testUser(1)
	peer := testUser(2)
	fs := newFakeStore()
	fs.discussions[peer] = store.Discussion{Owner: owner, Peer: peer, Status: model.DiscussionActive}

	payload := &wire.Payload{Type: model.MessageRegular, MessageID: model.MessageId{2}, Content: "recovered"}
	seeker := model.Seeker{6}
	fs.pending[seeker.String()] = store.PendingEncryptedMessage{
		Owner: owner, Seeker: seeker, Ciphertext: []byte("ct"), FetchedAt: time.Unix(1, 0),
	}

	adapter := &fakeAdapter{
		incoming: map[string]*ratchet.Incoming{
			seeker.String(): {Plaintext: payload.Encode(), Sender: peer, Timestamp: time.Unix(2, 0)},
		},
	}
	transport := &fakeTransport{}
	machine := discussion.New(fs, owner, 3600000)
	r := New(owner, adapter, transport, fs, machine, nil, noopLogger{}, DefaultConfig())
	r.WithSleep(noSleep)

	if _, err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.messages) != 1 || fs.messages[0].Content != "recovered" {
		t.Fatalf("expected recovered message stored, got %+v", fs.messages)
	}
	if len(fs.pending) != 0 {
		t.Fatalf("expected recovered ciphertext cleared from buffer")
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})  {}
