// Package session drives the per-connection role state machine: an
// Unidentified connection becomes exactly one of Camera or Dispatcher, or
// is closed on protocol misuse. Grounded on the teacher's connection
// handler loop in internal/server, generalized from CAN-frame routing to
// this protocol's role/identify semantics.
package session

import (
	"github.com/protohackers/speed-daemon/internal/framing"
	"github.com/protohackers/speed-daemon/internal/heartbeat"
	"github.com/protohackers/speed-daemon/internal/logging"
	"github.com/protohackers/speed-daemon/internal/metrics"
	"github.com/protohackers/speed-daemon/internal/proto"
	"github.com/protohackers/speed-daemon/internal/ratelimit"
	"github.com/protohackers/speed-daemon/internal/ticketing"
)

type state int

const (
	stateUnidentified state = iota
	stateCamera
	stateDispatcher
	stateClosed
)

// Session owns one connection's role state and forwards Plate observations
// and dispatcher registration to the shared Ticketing Engine.
type Session struct {
	id     ticketing.PeerID
	framer *framing.Framer
	engine *ticketing.Engine
	guard  *ratelimit.Guard

	state              state
	heartbeatRequested bool
	heartbeatScheduler *heartbeat.Scheduler
}

// New constructs a Session bound to framer and engine. id must be unique
// among live sessions (the server package derives it from its per-accept
// connection counter).
func New(id ticketing.PeerID, framer *framing.Framer, engine *ticketing.Engine, guard *ratelimit.Guard) *Session {
	return &Session{id: id, framer: framer, engine: engine, guard: guard, state: stateUnidentified}
}

// Run processes inbound frames until the connection closes. It returns
// once the Framer's inbound channel is closed (peer EOF, malformed frame,
// or local close).
func (s *Session) Run() {
	defer s.onClose()
	for {
		if s.framer.BadFrameSeen() {
			s.fail("malformed frame")
			return
		}
		fr, ok := <-s.framer.Inbound()
		if !ok {
			if s.framer.BadFrameSeen() {
				s.fail("malformed frame")
			}
			return
		}
		if s.guard != nil && !s.guard.Allow() {
			metrics.IncRateLimited()
			logging.L().Warn("rate_limited", "peer", s.id)
			s.framer.Close()
			return
		}
		if s.dispatch(fr) {
			return
		}
	}
}

// dispatch handles one frame and reports whether the session should stop
// (i.e. it transitioned to Closed).
func (s *Session) dispatch(fr proto.Frame) bool {
	switch f := fr.(type) {
	case *proto.WantHeartbeatFrame:
		return s.handleWantHeartbeat(f)
	case *proto.IAmCameraFrame:
		return s.handleIAmCamera(f)
	case *proto.IAmDispatcherFrame:
		return s.handleIAmDispatcher(f)
	case *proto.PlateFrame:
		return s.handlePlate(f)
	default:
		s.fail("unexpected frame")
		return true
	}
}

func (s *Session) handleWantHeartbeat(f *proto.WantHeartbeatFrame) bool {
	if s.heartbeatRequested {
		s.fail("heartbeat already requested")
		return true
	}
	s.heartbeatRequested = true
	if f.Interval > 0 {
		s.heartbeatScheduler = heartbeat.Start(s.framer, f.Interval, s.framer.Done())
	}
	return false
}

func (s *Session) handleIAmCamera(f *proto.IAmCameraFrame) bool {
	if s.state != stateUnidentified {
		s.fail("already identified")
		return true
	}
	s.state = stateCamera
	s.engine.RegisterCamera(s.id, f.Road, f.Mile, f.Limit)
	logging.L().Info("peer_identified", "peer", s.id, "role", "camera", "road", f.Road, "mile", f.Mile, "limit", f.Limit)
	return false
}

func (s *Session) handleIAmDispatcher(f *proto.IAmDispatcherFrame) bool {
	if s.state != stateUnidentified {
		s.fail("already identified")
		return true
	}
	s.state = stateDispatcher
	s.engine.RegisterDispatcher(s.id, f.Roads, s.framer)
	logging.L().Info("peer_identified", "peer", s.id, "role", "dispatcher", "roads", f.Roads)
	return false
}

func (s *Session) handlePlate(f *proto.PlateFrame) bool {
	if s.state != stateCamera {
		s.fail("plate before camera identification")
		return true
	}
	s.engine.Submit(s.id, f.Plate, f.Timestamp)
	return false
}

// fail sends an Error frame (best effort) and closes the connection.
func (s *Session) fail(reason string) {
	s.state = stateClosed
	s.framer.Send(&proto.ErrorFrame{Msg: reason})
	metrics.IncError(metrics.ErrProtocol)
	logging.L().Info("protocol_error", "peer", s.id, "reason", reason)
	s.framer.Close()
}

// onClose runs once Run's read loop stops for any reason. It closes the
// framer unconditionally (idempotent, cheap if already closed by readLoop)
// so a session that exits on its own never leaves the connection's reader,
// writer, or heartbeat task running past the session itself.
func (s *Session) onClose() {
	if s.heartbeatScheduler != nil {
		s.heartbeatScheduler.Stop()
	}
	s.framer.Close()
	s.engine.Deregister(s.id)
	logging.L().Info("peer_disconnected", "peer", s.id, "peer_closed", s.framer.PeerClosed())
}
