// Package heartbeat runs the per-connection periodic Heartbeat emitter.
// Grounded on the teacher's ticker-driven keepalive goroutines in
// internal/transport, bound to a connection's lifetime channel so it never
// outlives the session.
package heartbeat

import (
	"time"

	"github.com/protohackers/speed-daemon/internal/metrics"
	"github.com/protohackers/speed-daemon/internal/proto"
)

// Sender enqueues a frame for delivery to the peer. It is satisfied by
// *framing.Framer's Send method; kept as a narrow interface here so this
// package does not import framing.
type Sender interface {
	Send(proto.Frame) bool
}

// Scheduler emits a Heartbeat frame on sender every interval, stopping when
// done is closed. interval <= 0 means "never scheduled" — callers should
// simply not start a Scheduler in that case.
type Scheduler struct {
	sender   Sender
	interval time.Duration
	stop     chan struct{}
}

// Start builds and immediately runs a Scheduler in its own goroutine.
// deciseconds is the wire value from WantHeartbeat.interval; a value of 0
// must never reach here (the caller consumes the one-time activation
// permission but does not start a Scheduler for interval 0).
func Start(sender Sender, deciseconds uint32, done <-chan struct{}) *Scheduler {
	s := &Scheduler{
		sender:   sender,
		interval: time.Duration(deciseconds) * 100 * time.Millisecond,
		stop:     make(chan struct{}),
	}
	go s.run(done)
	return s
}

func (s *Scheduler) run(done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.sender.Send(&proto.HeartbeatFrame{}) {
				metrics.IncHeartbeat()
			}
		case <-done:
			return
		case <-s.stop:
			return
		}
	}
}

// Stop halts the scheduler early. Closing done achieves the same effect;
// Stop exists for callers that want to tear down a scheduler without also
// tearing down the whole connection.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}
