package orchestrator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/zentalk/core/internal/model"
)

type countingReceiver struct{ n int32 }

func (c *countingReceiver) Run() (int, error) {
	atomic.AddInt32(&c.n, 1)
	return 0, nil
}

type countingResender struct{ n int32 }

func (c *countingResender) ResendFailed() { atomic.AddInt32(&c.n, 1) }

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})  {}

func testUser(b byte) model.UserId {
	var u model.UserId
	u[0] = b
	return u
}

func TestOrchestratorRunsEnabledTasksPeriodically(t *testing.T) {
	receiver := &countingReceiver{}
	resender := &countingResender{}
	cfg := Config{Enabled: true, MessagesInterval: 5 * time.Millisecond, ResendFailedInterval: 5 * time.Millisecond,
		AnnouncementsInterval: time.Hour, SessionRefreshInterval: time.Hour}

	o := New(testUser(1), receiver, nil, nil, resender, noopLogger{}, cfg)
	o.Start()
	time.Sleep(30 * time.Millisecond)
	o.Stop()

	if atomic.LoadInt32(&receiver.n) == 0 {
		t.Fatalf("expected messages task to have run at least once")
	}
	if atomic.LoadInt32(&resender.n) == 0 {
		t.Fatalf("expected resend task to have run at least once")
	}
}

func TestOrchestratorDisabledDoesNotRun(t *testing.T) {
	receiver := &countingReceiver{}
	cfg := Config{Enabled: false, MessagesInterval: time.Millisecond}
	o := New(testUser(1), receiver, nil, nil, nil, noopLogger{}, cfg)
	o.Start()
	time.Sleep(10 * time.Millisecond)
	o.Stop()

	if atomic.LoadInt32(&receiver.n) != 0 {
		t.Fatalf("disabled orchestrator must not run tasks")
	}
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	o := New(testUser(1), nil, nil, nil, nil, noopLogger{}, DefaultConfig())
	o.Stop() // must not panic when never started
}
