package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zentalk/core/internal/model"
)

func TestFetchDecodesSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Slot{{Seeker: model.Seeker{1, 2, 3}, Ciphertext: []byte("ct")}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 2})
	slots, err := c.Fetch([]model.Seeker{{1}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(slots) != 1 || string(slots[0].Ciphertext) != "ct" {
		t.Fatalf("unexpected slots: %+v", slots)
	}
}

func TestSendRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 3})
	c.minBackoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond
	if err := c.Send(model.Seeker{9}, []byte("ct")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestSend4xxIsPermanentNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 3})
	err := c.Send(model.Seeker{9}, []byte("ct"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
	te, ok := err.(*Error)
	if !ok || te.Kind != KindServerError {
		t.Fatalf("expected classified ServerError, got %v", err)
	}
}

func TestPostAnnouncementReturnsCounter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"counter": "42"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 1})
	counter, err := c.PostAnnouncement([]byte("ann"))
	if err != nil {
		t.Fatalf("PostAnnouncement: %v", err)
	}
	if counter != "42" {
		t.Fatalf("counter = %q, want 42", counter)
	}
}
