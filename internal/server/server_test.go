package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/protohackers/speed-daemon/internal/proto"
	"github.com/protohackers/speed-daemon/internal/ticketing"
)

func startTestServer(t *testing.T) (addr string, shutdown func()) {
	t.Helper()
	engine := ticketing.New(64)
	srv := NewServer(engine, WithListenAddr("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server exited before ready: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server did not become ready")
	}

	return srv.Addr(), func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shCancel()
		_ = srv.Shutdown(shCtx)
		engine.Close()
	}
}

func TestServer_EndToEndBasicViolation(t *testing.T) {
	addr, shutdown := startTestServer(t)
	defer shutdown()
	codec := proto.Codec{}

	dispatcher, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := codec.Encode(dispatcher, &proto.IAmDispatcherFrame{Roads: []uint16{123}}); err != nil {
		t.Fatalf("encode dispatcher identify: %v", err)
	}

	cam1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial cam1: %v", err)
	}
	defer cam1.Close()
	if err := codec.Encode(cam1, &proto.IAmCameraFrame{Road: 123, Mile: 8, Limit: 60}); err != nil {
		t.Fatalf("encode cam1 identify: %v", err)
	}

	cam2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial cam2: %v", err)
	}
	defer cam2.Close()
	if err := codec.Encode(cam2, &proto.IAmCameraFrame{Road: 123, Mile: 9, Limit: 60}); err != nil {
		t.Fatalf("encode cam2 identify: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if err := codec.Encode(cam1, &proto.PlateFrame{Plate: "UN1X", Timestamp: 0}); err != nil {
		t.Fatalf("encode plate 1: %v", err)
	}
	if err := codec.Encode(cam2, &proto.PlateFrame{Plate: "UN1X", Timestamp: 45}); err != nil {
		t.Fatalf("encode plate 2: %v", err)
	}

	_ = dispatcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := codec.Decode(dispatcher)
	if err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	ticket, ok := fr.(*proto.TicketFrame)
	if !ok {
		t.Fatalf("expected ticket frame, got %T", fr)
	}
	if ticket.Plate != "UN1X" || ticket.Road != 123 || ticket.Speed != 8000 {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
}

func TestServer_MaxClientsRejectsExcessConnections(t *testing.T) {
	engine := ticketing.New(16)
	defer engine.Close()
	srv := NewServer(engine, WithListenAddr("127.0.0.1:0"), WithMaxClients(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server did not become ready")
	}

	c1, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial c1: %v", err)
	}
	defer c1.Close()
	time.Sleep(50 * time.Millisecond)

	c2, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial c2: %v", err)
	}
	defer c2.Close()

	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := c2.Read(buf); err == nil {
		t.Fatal("expected the second connection to be closed immediately")
	}
}
