package remoteproxy

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"splittun/internal/dnscache"
	"splittun/internal/protocol"
)

func newTestDispatcher(t *testing.T, conn net.Conn) *Dispatcher {
	t.Helper()
	return NewDispatcher(conn, NewResolver("127.0.0.1:1"), dnscache.New(16), 0)
}

// Property 6 (§8): if the remote receives CONNECT then a sequence of
// DATA_OUT frames before resolution/connect completes, the upstream TCP
// receives exactly the concatenation of those payloads, in order, as its
// first bytes. Exercised directly at the stream level, which is where
// the buffering actually happens.
func TestPreConnectBufferPreservesOrder(t *testing.T) {
	s := newTargetStream(1, "example.test", 80)
	s.bufferPending([]byte("hello, "))
	s.bufferPending([]byte("world"))
	s.bufferPending([]byte("!"))

	got := s.takePending()
	var buf bytes.Buffer
	for _, chunk := range got {
		buf.Write(chunk)
	}
	if buf.String() != "hello, world!" {
		t.Fatalf("got %q, want %q", buf.String(), "hello, world!")
	}
	if s.pendingLen != 0 || len(s.pending) != 0 {
		t.Fatalf("takePending did not clear buffer: len=%d pendingLen=%d", len(s.pending), s.pendingLen)
	}
}

func TestMaxPendingBytesCapFailsConnect(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	d := NewDispatcher(server, NewResolver("127.0.0.1:1"), dnscache.New(16), 8)
	// send only queues on writeCh; run the writer so queued frames reach
	// the tunnel conn the reader below is watching.
	go d.writeLoop(make(chan struct{}))
	stream := newTargetStream(7, "unresolved.test", 80)
	d.streams[7] = stream

	done := make(chan []byte, 1)
	go func() {
		framer := protocol.NewFramer()
		buf := make([]byte, 256)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				framer.Feed(buf[:n])
				if msg, ok := framer.Next(); ok {
					done <- append([]byte(nil), msg...)
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	d.handleDataOut(7, []byte("this payload is longer than the cap"))

	select {
	case msg := <-done:
		id, code, err := protocol.DecodeConnectReply(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if id != 7 || code != protocol.ConnectFailed {
			t.Fatalf("got id=%d code=%d, want id=7 code=%d", id, code, protocol.ConnectFailed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CONNECT_REPLY")
	}

	if _, ok := d.streams[7]; ok {
		t.Fatal("expected stream to be removed after cap failure")
	}
}

func TestHandleDataOutUnknownStreamIsDropped(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	d := newTestDispatcher(t, server)
	d.handleDataOut(999, []byte("data"))
	// No panic and nothing written; confirm by closing the write side and
	// checking the peer sees no bytes at all before EOF.
	go server.Close()
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := client.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected no data and an error (closed/timeout), got n=%d err=%v", n, err)
	}
}

func TestHandleCloseLocalTearsDownUpstream(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	upstreamServer, upstreamClient := net.Pipe()
	defer upstreamClient.Close()

	d := newTestDispatcher(t, server)
	stream := newTargetStream(3, "10.0.0.1", 80)
	stream.connected = true
	stream.upstream = upstreamServer
	d.streams[3] = stream

	d.handleCloseLocal(3)

	if _, ok := d.streams[3]; ok {
		t.Fatal("expected stream removed from table")
	}

	buf := make([]byte, 1)
	upstreamClient.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := upstreamClient.Read(buf); err == nil {
		t.Fatal("expected upstream pipe to be closed")
	}
}

// TestDispatcherDottedQuadConnectEcho drives the full Run() loop over a
// net.Pipe tunnel and a real loopback TCP echo target, using a
// dotted-quad host so no DNS resolution is involved (scenario 1, §8).
func TestDispatcherDottedQuadConnectEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port uint16
	for _, c := range portStr {
		port = port*10 + uint16(c-'0')
	}

	tunnelServer, tunnelClient := net.Pipe()
	defer tunnelClient.Close()

	d := newTestDispatcher(t, tunnelServer)
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	send := func(msg []byte) {
		if _, err := tunnelClient.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(protocol.EncodeConnect(1, host, port))
	send(protocol.EncodeData(protocol.TypeDataOut, 1, []byte("hello")))

	framer := protocol.NewFramer()
	buf := make([]byte, 256)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for echoed DATA_IN")
		}
		tunnelClient.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := tunnelClient.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			if msg, ok := framer.Next(); ok {
				if protocol.Type(msg) != protocol.TypeDataIn {
					t.Fatalf("got message type %s, want DATA_IN", protocol.TypeName(protocol.Type(msg)))
				}
				id, data, derr := protocol.DecodeData(msg)
				if derr != nil {
					t.Fatalf("decode: %v", derr)
				}
				if id != 1 || string(data) != "hello" {
					t.Fatalf("got id=%d data=%q, want id=1 data=hello", id, data)
				}
				return
			}
		}
		if err != nil && !isTimeout(err) {
			t.Fatalf("read: %v", err)
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
