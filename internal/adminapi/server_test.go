package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/store"
)

type fakeStore struct {
	discussions []store.Discussion
	queue       map[model.MessageStatus][]store.Message
}

func (f *fakeStore) ListAllDiscussions(owner model.UserId) ([]store.Discussion, error) {
	return f.discussions, nil
}

func (f *fakeStore) ListMessagesByOwnerAndStatus(owner model.UserId, status model.MessageStatus) ([]store.Message, error) {
	return f.queue[status], nil
}

type fakeSessions struct {
	status map[model.UserId]model.SessionStatus
}

func (f *fakeSessions) PeerSessionStatus(peer model.UserId) model.SessionStatus {
	return f.status[peer]
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{}) {}

func testUser(b byte) model.UserId {
	var u model.UserId
	u[0] = b
	return u
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(testUser(1), &fakeStore{}, &fakeSessions{}, noopLogger{}, DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleListDiscussions(t *testing.T) {
	peer := testUser(2)
	st := &fakeStore{discussions: []store.Discussion{
		{Peer: peer, Direction: model.DirectionInitiated, Status: model.DiscussionActive, UnreadCount: 3, UpdatedAt: time.Unix(1000, 0)},
	}}
	s := NewServer(testUser(1), st, &fakeSessions{}, noopLogger{}, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/discussions", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Discussions []DiscussionSummary `json:"discussions"`
		Count       int                 `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Discussions[0].Peer != peer.String() {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandlePeerSession(t *testing.T) {
	peer := testUser(2)
	sessions := &fakeSessions{status: map[model.UserId]model.SessionStatus{peer: model.SessionActive}}
	s := NewServer(testUser(1), &fakeStore{}, sessions, noopLogger{}, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/discussions/"+peer.String()+"/session", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["sessionStatus"] != "Active" {
		t.Fatalf("unexpected session status: %+v", body)
	}
}

func TestHandlePeerSessionInvalidPeer(t *testing.T) {
	s := NewServer(testUser(1), &fakeStore{}, &fakeSessions{}, noopLogger{}, DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/discussions/not-hex/session", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleQueueDepth(t *testing.T) {
	st := &fakeStore{queue: map[model.MessageStatus][]store.Message{
		model.MessageFailed: {{RowID: 1}, {RowID: 2}},
	}}
	s := NewServer(testUser(1), st, &fakeSessions{}, noopLogger{}, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/depth", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body struct {
		QueueDepth map[string]int `json:"queueDepth"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.QueueDepth["FAILED"] != 2 {
		t.Fatalf("unexpected queue depth: %+v", body.QueueDepth)
	}
}
