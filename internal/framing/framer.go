// Package framing turns a raw byte-stream connection into a pair of bounded
// frame queues: one fed by a reader goroutine decoding inbound bytes, one
// drained by a writer goroutine encoding outbound frames. It is the only
// layer that touches the socket directly; everything above it (session,
// ticketing engine) exchanges proto.Frame values over channels.
//
// Grounded on the teacher's internal/transport.AsyncTx single-consumer
// fan-in and its reader/writer goroutine split in internal/server.
package framing

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protohackers/speed-daemon/internal/proto"
)

const (
	defaultInboundBuf  = 64
	defaultOutboundBuf = 256
)

// Framer owns one connection's byte stream. Inbound() yields decoded frames
// in arrival order; Send() enqueues an outbound frame for the writer
// goroutine. Framer never blocks the caller of Send() longer than
// writeTimeout: a wedged peer is disconnected rather than stalling whoever
// is delivering frames to it (the ticketing engine, in practice).
type Framer struct {
	conn  net.Conn
	codec proto.Codec

	inbound    chan proto.Frame
	outbound   chan proto.Frame
	done       chan struct{}
	readerDone chan struct{}

	writeTimeout time.Duration
	readIdle     time.Duration

	closeOnce sync.Once

	peerClosed   atomic.Bool
	badFrameSeen atomic.Bool
	lastErr      atomic.Pointer[error]

	wg sync.WaitGroup
}

// Option configures a Framer at construction.
type Option func(*Framer)

func WithWriteTimeout(d time.Duration) Option {
	return func(f *Framer) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

func WithReadIdleTimeout(d time.Duration) Option {
	return func(f *Framer) {
		if d > 0 {
			f.readIdle = d
		}
	}
}

// New constructs a Framer and starts its reader and writer goroutines.
func New(conn net.Conn, opts ...Option) *Framer {
	f := &Framer{
		conn:         conn,
		inbound:      make(chan proto.Frame, defaultInboundBuf),
		outbound:     make(chan proto.Frame, defaultOutboundBuf),
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
		writeTimeout: 30 * time.Second,
		readIdle:     60 * time.Second,
	}
	for _, o := range opts {
		o(f)
	}
	f.wg.Add(2)
	go f.readLoop()
	go f.writeLoop()
	return f
}

// Inbound yields frames decoded from the peer, in the order they were sent.
// It is closed once the reader observes EOF, a malformed frame, or the
// Framer is closed.
func (f *Framer) Inbound() <-chan proto.Frame { return f.inbound }

// Done is closed once both the reader and writer goroutines have exited.
func (f *Framer) Done() <-chan struct{} { return f.done }

// PeerClosed reports whether the reader stopped without a malformed frame:
// a clean EOF, an idle read timeout, or the connection being closed
// locally while waiting for the next frame.
func (f *Framer) PeerClosed() bool { return f.peerClosed.Load() }

// BadFrameSeen reports whether the codec rejected a frame as malformed.
func (f *Framer) BadFrameSeen() bool { return f.badFrameSeen.Load() }

// LastError returns the error that ended the reader, if any.
func (f *Framer) LastError() error {
	if p := f.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Send enqueues an outbound frame. It returns false (and closes the
// connection) if the outbound queue stays full for writeTimeout, matching
// the backpressure rule: a permanently stuck writer must not stall whoever
// is delivering to it indefinitely.
func (f *Framer) Send(fr proto.Frame) bool {
	select {
	case f.outbound <- fr:
		return true
	default:
	}
	t := time.NewTimer(f.writeTimeout)
	defer t.Stop()
	select {
	case f.outbound <- fr:
		return true
	case <-f.done:
		return false
	case <-t.C:
		f.Close()
		return false
	}
}

// Close tears down the connection and stops both goroutines. Idempotent.
func (f *Framer) Close() {
	f.closeOnce.Do(func() {
		_ = f.conn.Close()
	})
}

func (f *Framer) setErr(err error) {
	f.lastErr.Store(&err)
}

// readLoop owns the conn's read side. Its single deferred Close mirrors the
// teacher's reader goroutine: whatever ends the loop (peer EOF, idle
// timeout, a malformed frame, or the writer closing the conn first) tears
// the connection down so writeLoop and anyone blocked on Inbound()/Send()
// unwind instead of leaking.
func (f *Framer) readLoop() {
	defer f.wg.Done()
	defer close(f.inbound)
	defer close(f.readerDone)
	defer f.Close()
	for {
		if f.readIdle > 0 {
			_ = f.conn.SetReadDeadline(time.Now().Add(f.readIdle))
		}
		fr, err := f.codec.Decode(f.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.peerClosed.Store(true)
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle read timeout: treat like peer silence, not malformed
				// input, but we cannot keep the connection open forever
				// without a frame; close it as the resource-exhaustion
				// disposition would for a wedged peer.
				f.peerClosed.Store(true)
				f.setErr(err)
				return
			}
			if errors.Is(err, net.ErrClosed) {
				f.peerClosed.Store(true)
				return
			}
			f.badFrameSeen.Store(true)
			f.setErr(err)
			return
		}
		select {
		case f.inbound <- fr:
		case <-f.doneClosing():
			return
		}
	}
}

// doneClosing exists so readLoop can bail out promptly if writeLoop already
// closed the connection (e.g. a write-timeout kick) while a decode was
// in flight; it is not exported and carries no other semantics.
func (f *Framer) doneClosing() <-chan struct{} { return f.done }

// writeLoop owns the conn's write side. It also watches readerDone so a
// reader that has already torn the connection down (the common case: a
// peer that disconnects with nothing left to write to it) doesn't leave
// this goroutine parked forever waiting for an outbound frame that will
// never come.
func (f *Framer) writeLoop() {
	defer f.wg.Done()
	defer func() {
		f.Close()
		close(f.done)
	}()
	for {
		select {
		case fr, ok := <-f.outbound:
			if !ok {
				return
			}
			if f.writeTimeout > 0 {
				_ = f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
			}
			if err := f.codec.Encode(f.conn, fr); err != nil {
				f.setErr(err)
				return
			}
		case <-f.readerDone:
			return
		}
	}
}
