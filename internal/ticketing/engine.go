// Package ticketing implements the shared violation-detection and ticket
// routing engine. All mutating state (observations, dispatcher membership,
// per-plate day coverage, deferred tickets) is owned by one goroutine and
// reached only through a command channel, grounded on the teacher's
// hub.Hub single-owner map-of-clients pattern generalized with the
// request/response channel pairing used by smux.Session in the pack.
package ticketing

import (
	"sort"

	"github.com/protohackers/speed-daemon/internal/metrics"
	"github.com/protohackers/speed-daemon/internal/proto"
)

const secondsPerDay = 86400

// PeerID identifies a connection without the engine needing to know
// anything about sockets; the server package supplies a unique value per
// connection (its per-accept connection counter, in practice).
type PeerID uint64

// Recipient is the narrow surface the engine needs to deliver a ticket. It
// is satisfied by *framing.Framer.
type Recipient interface {
	Send(proto.Frame) bool
}

type cameraInfo struct {
	road, mile, limit uint16
}

type observation struct {
	plate string
	mile  uint16
	ts    uint32
}

type dispatcherEntry struct {
	id   PeerID
	peer Recipient
	seq  uint64 // registration order, for deterministic recipient choice
}

// Engine is the single-consumer ticketing actor. Zero value is not usable;
// construct with New.
type Engine struct {
	cmds chan command

	cameras        map[PeerID]cameraInfo
	byPlateRoad    map[plateRoad][]observation
	dispatchers    map[uint16][]dispatcherEntry
	dispatcherPeer map[PeerID]struct{}
	ticketed       map[string]map[uint32]struct{}
	pending        map[uint16][]proto.TicketFrame

	regSeq uint64
}

type plateRoad struct {
	plate string
	road  uint16
}

// New constructs an Engine and starts its single goroutine. bufSize bounds
// the command channel; a large burst of inbound Plate frames queues here
// without blocking individual connection readers indefinitely.
func New(bufSize int) *Engine {
	if bufSize <= 0 {
		bufSize = 256
	}
	e := &Engine{
		cmds:           make(chan command, bufSize),
		cameras:        make(map[PeerID]cameraInfo),
		byPlateRoad:    make(map[plateRoad][]observation),
		dispatchers:    make(map[uint16][]dispatcherEntry),
		dispatcherPeer: make(map[PeerID]struct{}),
		ticketed:       make(map[string]map[uint32]struct{}),
		pending:        make(map[uint16][]proto.TicketFrame),
	}
	go e.run()
	return e
}

// command is the closed set of mutating operations, each carrying its own
// arguments; run() is the only goroutine that ever touches Engine's maps.
type command struct {
	kind commandKind
	// registerCamera
	peer  PeerID
	road  uint16
	mile  uint16
	limit uint16
	// registerDispatcher
	roads     []uint16
	recipient Recipient
	// submit
	plate string
	ts    uint32
	// flush
	barrier chan struct{}
}

type commandKind int

const (
	cmdRegisterCamera commandKind = iota
	cmdRegisterDispatcher
	cmdDeregister
	cmdSubmit
	cmdFlush
)

// RegisterCamera records peer's fixed road/mile/limit.
func (e *Engine) RegisterCamera(peer PeerID, road, mile, limit uint16) {
	e.cmds <- command{kind: cmdRegisterCamera, peer: peer, road: road, mile: mile, limit: limit}
}

// RegisterDispatcher adds peer as a recipient for each of roads and drains
// any pending tickets for those roads to it.
func (e *Engine) RegisterDispatcher(peer PeerID, roads []uint16, recipient Recipient) {
	rs := make([]uint16, len(roads))
	copy(rs, roads)
	e.cmds <- command{kind: cmdRegisterDispatcher, peer: peer, roads: rs, recipient: recipient}
}

// Deregister removes peer from camera and dispatcher state. Safe to call
// for peers that never registered, or registered as the other role.
func (e *Engine) Deregister(peer PeerID) {
	e.cmds <- command{kind: cmdDeregister, peer: peer}
}

// Submit records a Plate observation from peer, previously registered as a
// camera via RegisterCamera. Submits from an unregistered peer are ignored
// (spec: engine internal races are tolerated, not reported).
func (e *Engine) Submit(peer PeerID, plate string, ts uint32) {
	e.cmds <- command{kind: cmdSubmit, peer: peer, plate: plate, ts: ts}
}

// Close stops the engine's goroutine. Not safe to call concurrently with
// itself; callers should own a single Close call at shutdown.
func (e *Engine) Close() {
	close(e.cmds)
}

// Flush blocks until every command sent before it has been processed. It
// exists for tests that need a synchronization point with the engine's
// goroutine; production code never needs it.
func (e *Engine) Flush() {
	barrier := make(chan struct{})
	e.cmds <- command{kind: cmdFlush, barrier: barrier}
	<-barrier
}

func (e *Engine) run() {
	for c := range e.cmds {
		switch c.kind {
		case cmdFlush:
			close(c.barrier)
		case cmdRegisterCamera:
			e.cameras[c.peer] = cameraInfo{road: c.road, mile: c.mile, limit: c.limit}
			metrics.SetCamerasActive(len(e.cameras))
		case cmdRegisterDispatcher:
			e.regSeq++
			entry := dispatcherEntry{id: c.peer, peer: c.recipient, seq: e.regSeq}
			for _, road := range c.roads {
				e.dispatchers[road] = append(e.dispatchers[road], entry)
				e.drainPending(road)
			}
			e.dispatcherPeer[c.peer] = struct{}{}
			metrics.SetDispatchersActive(len(e.dispatcherPeer))
		case cmdDeregister:
			if _, ok := e.cameras[c.peer]; ok {
				delete(e.cameras, c.peer)
				metrics.SetCamerasActive(len(e.cameras))
			}
			for road, entries := range e.dispatchers {
				filtered := entries[:0]
				for _, en := range entries {
					if en.id != c.peer {
						filtered = append(filtered, en)
					}
				}
				if len(filtered) == 0 {
					delete(e.dispatchers, road)
				} else {
					e.dispatchers[road] = filtered
				}
			}
			if _, ok := e.dispatcherPeer[c.peer]; ok {
				delete(e.dispatcherPeer, c.peer)
				metrics.SetDispatchersActive(len(e.dispatcherPeer))
			}
		case cmdSubmit:
			e.submit(c.peer, c.plate, c.ts)
		}
	}
}

func (e *Engine) submit(peer PeerID, plate string, ts uint32) {
	cam, ok := e.cameras[peer]
	if !ok {
		return
	}
	metrics.IncObservation()
	key := plateRoad{plate: plate, road: cam.road}
	obs := observation{plate: plate, mile: cam.mile, ts: ts}
	prior := e.byPlateRoad[key]
	e.byPlateRoad[key] = append(prior, obs)

	type candidate struct {
		otherTs uint32
		a, b    observation
	}
	var candidates []candidate
	for _, old := range prior {
		if old.ts == obs.ts {
			continue
		}
		var a, b observation
		if old.ts < obs.ts {
			a, b = old, obs
		} else {
			a, b = obs, old
		}
		dtSeconds := float64(b.ts - a.ts)
		distance := absDiffMile(a.mile, b.mile)
		avgMPH := distance * 3600.0 / dtSeconds
		if avgMPH+1e-9 < float64(cam.limit) {
			continue
		}
		candidates = append(candidates, candidate{otherTs: old.ts, a: a, b: b})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].otherTs < candidates[j].otherTs })

	covered := e.ticketed[plate]
	if covered == nil {
		covered = make(map[uint32]struct{})
		e.ticketed[plate] = covered
	}

	for _, c := range candidates {
		dayStart := c.a.ts / secondsPerDay
		dayEnd := c.b.ts / secondsPerDay
		overlap := false
		for d := dayStart; d <= dayEnd; d++ {
			if _, hit := covered[d]; hit {
				overlap = true
				break
			}
		}
		if overlap {
			metrics.IncTicketSuppressed()
			continue
		}
		for d := dayStart; d <= dayEnd; d++ {
			covered[d] = struct{}{}
		}
		speed := roundSpeedHundredths(absDiffMile(c.a.mile, c.b.mile), c.b.ts-c.a.ts)
		ticket := proto.TicketFrame{
			Plate:      plate,
			Road:       cam.road,
			Mile1:      c.a.mile,
			Timestamp1: c.a.ts,
			Mile2:      c.b.mile,
			Timestamp2: c.b.ts,
			Speed:      speed,
		}
		metrics.IncTicketIssued()
		e.deliver(ticket)
	}
}

// deliver picks the earliest-registered dispatcher for ticket.Road, if any,
// and enqueues the frame to it; otherwise defers the ticket. Never performs
// I/O itself — Send on a Recipient only enqueues to that peer's outbound
// queue.
func (e *Engine) deliver(ticket proto.TicketFrame) {
	entries := e.dispatchers[ticket.Road]
	if len(entries) == 0 {
		e.pending[ticket.Road] = append(e.pending[ticket.Road], ticket)
		metrics.IncTicketDeferred()
		return
	}
	target := entries[0]
	for _, en := range entries[1:] {
		if en.seq < target.seq {
			target = en
		}
	}
	t := ticket
	if target.peer.Send(&t) {
		metrics.IncTicketDelivered()
	}
}

func (e *Engine) drainPending(road uint16) {
	queued := e.pending[road]
	if len(queued) == 0 {
		return
	}
	delete(e.pending, road)
	for _, t := range queued {
		e.deliver(t)
	}
}

func absDiffMile(a, b uint16) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}

func roundSpeedHundredths(distanceMiles float64, dtSeconds uint32) uint16 {
	mph := distanceMiles * 3600.0 / float64(dtSeconds)
	hundredths := mph*100.0 + 0.5
	return uint16(hundredths)
}
