package heartbeat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/protohackers/speed-daemon/internal/proto"
)

type countingSender struct {
	n atomic.Int64
}

func (c *countingSender) Send(f proto.Frame) bool {
	if f.Type() == proto.TypeHeartbeat {
		c.n.Add(1)
	}
	return true
}

func TestScheduler_EmitsAtInterval(t *testing.T) {
	sender := &countingSender{}
	done := make(chan struct{})
	defer close(done)

	// 1 decisecond = 100ms
	s := Start(sender, 1, done)
	defer s.Stop()

	time.Sleep(550 * time.Millisecond)
	n := sender.n.Load()
	if n < 3 || n > 8 {
		t.Fatalf("expected roughly 5 heartbeats in 550ms at 100ms interval, got %d", n)
	}
}

func TestScheduler_StopsOnDone(t *testing.T) {
	sender := &countingSender{}
	done := make(chan struct{})

	s := Start(sender, 1, done)
	close(done)
	time.Sleep(50 * time.Millisecond)
	before := sender.n.Load()
	time.Sleep(300 * time.Millisecond)
	after := sender.n.Load()
	if after != before {
		t.Fatalf("scheduler kept sending after done closed: before=%d after=%d", before, after)
	}
	s.Stop()
}

func TestScheduler_ExplicitStop(t *testing.T) {
	sender := &countingSender{}
	done := make(chan struct{})
	defer close(done)

	s := Start(sender, 1, done)
	s.Stop()
	time.Sleep(50 * time.Millisecond)
	before := sender.n.Load()
	time.Sleep(300 * time.Millisecond)
	after := sender.n.Load()
	if after != before {
		t.Fatalf("scheduler kept sending after Stop: before=%d after=%d", before, after)
	}
}
