package remoteproxy

import (
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"splittun/internal/dnscache"
	"splittun/internal/protocol"
)

// DefaultMaxPendingBytes bounds the remote's per-stream pre-connect
// buffer (SPEC open-question resolution: "Unbounded pre-connect buffer
// growth"). 4 MiB, configurable via --max-pending-bytes.
const DefaultMaxPendingBytes = 4 * 1024 * 1024

// upstreamEvent funnels everything happening on a target stream's
// upstream TCP connection back onto the dispatcher's single goroutine,
// so the stream table is only ever touched from one place (§4.7/§5:
// "single-threaded within the remote dispatcher's task").
type upstreamEvent struct {
	id     uint32
	conn   net.Conn // set only on the connect-succeeded marker
	data   []byte
	closed bool
	err    error
}

// Dispatcher owns one inbound tunnel connection, the table of target
// streams it is proxying, the shared DNS resolver and cache (§4.5:
// "Also owns a shared DNS client and the DNS cache").
type Dispatcher struct {
	conn            net.Conn
	resolver        *Resolver
	cache           *dnscache.Cache
	maxPendingBytes int

	streams map[uint32]*targetStream

	writeCh    chan []byte
	resolveCh  chan resolveResult
	upstreamCh chan upstreamEvent
}

// NewDispatcher builds a Dispatcher for one accepted tunnel connection.
// maxPendingBytes <= 0 uses DefaultMaxPendingBytes.
func NewDispatcher(conn net.Conn, resolver *Resolver, cache *dnscache.Cache, maxPendingBytes int) *Dispatcher {
	if maxPendingBytes <= 0 {
		maxPendingBytes = DefaultMaxPendingBytes
	}
	return &Dispatcher{
		conn:            conn,
		resolver:        resolver,
		cache:           cache,
		maxPendingBytes: maxPendingBytes,
		streams:         make(map[uint32]*targetStream),
		writeCh:         make(chan []byte, 256),
		resolveCh:       make(chan resolveResult, 16),
		upstreamCh:      make(chan upstreamEvent, 256),
	}
}

// Run drives the dispatcher until the tunnel connection closes or a
// fatal framing error occurs, at which point every target stream is
// aborted (§4.5 "Tunnel closed: abort all upstream TCPs and drop all
// streams"). Run blocks until then; callers should invoke it per
// accepted connection, typically in its own goroutine.
func (d *Dispatcher) Run() error {
	writerDone := make(chan struct{})
	go d.writeLoop(writerDone)
	defer func() {
		close(d.writeCh)
		<-writerDone
	}()

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go d.readLoop(frames, readErr)

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				d.abortAll()
				return <-readErr
			}
			d.handleFrame(frame)
		case res := <-d.resolveCh:
			d.handleResolved(res)
		case ev := <-d.upstreamCh:
			d.handleUpstreamEvent(ev)
		}
	}
}

func (d *Dispatcher) readLoop(out chan<- []byte, errCh chan<- error) {
	defer close(out)
	framer := protocol.NewFramer()
	buf := make([]byte, 32*1024)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			if ferr := framer.Feed(buf[:n]); ferr != nil {
				errCh <- fmt.Errorf("remoteproxy: %w", ferr)
				return
			}
			for {
				msg, ok := framer.Next()
				if !ok {
					break
				}
				out <- append([]byte(nil), msg...)
			}
		}
		if err != nil {
			if err == io.EOF {
				errCh <- nil
			} else {
				errCh <- fmt.Errorf("remoteproxy: tunnel read: %w", err)
			}
			return
		}
	}
}

func (d *Dispatcher) writeLoop(done chan<- struct{}) {
	defer close(done)
	for msg := range d.writeCh {
		if _, err := d.conn.Write(msg); err != nil {
			log.Error().Err(err).Msg("remoteproxy: tunnel write failed")
			return
		}
	}
}

func (d *Dispatcher) handleFrame(msg []byte) {
	switch protocol.Type(msg) {
	case protocol.TypeConnect:
		id, host, port, err := protocol.DecodeConnect(msg)
		if err != nil {
			log.Error().Err(err).Msg("remoteproxy: malformed CONNECT")
			return
		}
		d.handleConnect(id, host, port)
	case protocol.TypeDataOut:
		id, data, err := protocol.DecodeData(msg)
		if err != nil {
			log.Error().Err(err).Msg("remoteproxy: malformed DATA_OUT")
			return
		}
		d.handleDataOut(id, data)
	case protocol.TypeCloseLocal:
		id, err := protocol.DecodeClose(msg)
		if err != nil {
			log.Error().Err(err).Msg("remoteproxy: malformed CLOSE_LOCAL")
			return
		}
		d.handleCloseLocal(id)
	default:
		log.Error().Uint8("type", protocol.Type(msg)).Msg("remoteproxy: unknown message type, dropping")
	}
}

// handleConnect implements §4.5's CONNECT handling steps 1-2.
func (d *Dispatcher) handleConnect(id uint32, host string, port uint16) {
	stream := newTargetStream(id, host, port)
	d.streams[id] = stream

	log.Debug().Uint32("stream_id", id).Str("host", host).Uint16("port", port).Msg("remoteproxy: CONNECT")

	if dnscache.IsDottedQuad(host) {
		stream.addr = host
		return
	}
	if addr, ok := d.cache.Get(host); ok {
		stream.addr = addr
		return
	}
	stream.resolving = true
	d.resolver.resolveAsync(id, host, d.resolveCh)
}

// handleResolved implements §4.5 steps 3-4 for the resolution path.
func (d *Dispatcher) handleResolved(res resolveResult) {
	stream, ok := d.streams[res.streamID]
	if !ok || !stream.resolving {
		return // stream already torn down or closed before resolution landed
	}
	stream.resolving = false

	if res.err != nil {
		log.Warn().Uint32("stream_id", stream.id).Str("host", stream.host).Err(res.err).Msg("remoteproxy: dns resolution failed")
		d.failConnect(stream)
		return
	}

	stream.addr = res.addr
	d.cache.Set(stream.host, res.addr)

	if stream.pendingLen > 0 {
		d.beginUpstreamConnect(stream)
	}
}

// handleDataOut implements §4.5's DATA_OUT handling.
func (d *Dispatcher) handleDataOut(id uint32, data []byte) {
	stream, ok := d.streams[id]
	if !ok {
		log.Debug().Uint32("stream_id", id).Msg("remoteproxy: DATA_OUT for unknown stream, dropping")
		return
	}

	if stream.connected {
		if _, err := stream.upstream.Write(data); err != nil {
			log.Warn().Uint32("stream_id", id).Err(err).Msg("remoteproxy: upstream write failed")
			d.teardown(stream, true)
		}
		return
	}

	if stream.pendingLen+len(data) > d.maxPendingBytes {
		log.Warn().Uint32("stream_id", id).Int("cap", d.maxPendingBytes).Msg("remoteproxy: pre-connect buffer cap exceeded")
		d.failConnect(stream)
		return
	}
	stream.bufferPending(data)

	if stream.addr != "" && !stream.connecting {
		d.beginUpstreamConnect(stream)
	}
}

// handleCloseLocal implements §4.5's "CLOSE_LOCAL: hard-abort the
// upstream TCP if present and destroy the stream."
func (d *Dispatcher) handleCloseLocal(id uint32) {
	stream, ok := d.streams[id]
	if !ok {
		return
	}
	d.teardown(stream, false)
}

// beginUpstreamConnect dials the resolved address on its own goroutine.
// The buffer accumulated so far is snapshotted here, on the dispatcher's
// own goroutine, before the connect goroutine is spawned: stream.pending
// must never be touched from two goroutines at once. Any DATA_OUT that
// arrives while the dial is in flight keeps accumulating in
// stream.pending (still only touched from this goroutine) and is
// flushed once the connect-succeeded event comes back.
func (d *Dispatcher) beginUpstreamConnect(stream *targetStream) {
	stream.connecting = true
	addr := net.JoinHostPort(stream.addr, fmt.Sprintf("%d", stream.port))
	initial := stream.takePending()
	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			d.upstreamCh <- upstreamEvent{id: stream.id, err: fmt.Errorf("remoteproxy: upstream connect: %w", err)}
			return
		}
		for _, chunk := range initial {
			if _, err := conn.Write(chunk); err != nil {
				conn.Close()
				d.upstreamCh <- upstreamEvent{id: stream.id, err: fmt.Errorf("remoteproxy: flush pending: %w", err)}
				return
			}
		}
		d.upstreamCh <- upstreamEvent{id: stream.id, conn: conn}
		d.relayUpstream(stream.id, conn)
	}()
}

// relayUpstream reads from the now-connected upstream TCP and posts
// DATA_IN payloads (and eventual close) back to the dispatcher loop.
// It is started only after the connect-succeeded event has been queued,
// so by the time any data arrives the dispatcher has already recorded
// the net.Conn on the stream via handleUpstreamEvent.
func (d *Dispatcher) relayUpstream(id uint32, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			d.upstreamCh <- upstreamEvent{id: id, data: append([]byte(nil), buf[:n]...)}
		}
		if err != nil {
			d.upstreamCh <- upstreamEvent{id: id, closed: true}
			return
		}
	}
}

// handleUpstreamEvent processes connect completion, inbound bytes, and
// close/error notifications for upstream TCP connections, all funneled
// through upstreamCh so the stream table stays single-owner.
func (d *Dispatcher) handleUpstreamEvent(ev upstreamEvent) {
	stream, ok := d.streams[ev.id]
	if !ok {
		return // stream already torn down; late event from a dead goroutine
	}

	if ev.err != nil {
		log.Warn().Uint32("stream_id", ev.id).Err(ev.err).Msg("remoteproxy: upstream connect failed")
		d.failConnect(stream)
		return
	}

	if ev.conn != nil {
		stream.upstream = ev.conn
		stream.connected = true
		if stream.pendingLen > 0 {
			for _, chunk := range stream.takePending() {
				if _, werr := stream.upstream.Write(chunk); werr != nil {
					log.Warn().Uint32("stream_id", ev.id).Err(werr).Msg("remoteproxy: upstream write failed")
					d.teardown(stream, true)
					return
				}
			}
		}
		return
	}

	if ev.closed {
		log.Debug().Uint32("stream_id", ev.id).Msg("remoteproxy: upstream closed")
		d.teardown(stream, true)
		return
	}

	if len(ev.data) > 0 {
		d.send(protocol.EncodeData(protocol.TypeDataIn, ev.id, ev.data))
	}
}

// failConnect implements the "CONNECT_REPLY code 1, destroy stream"
// failure path shared by DNS failure, upstream connect failure, and the
// pre-connect buffer cap (§4.5 step 4, SPEC_FULL §10).
func (d *Dispatcher) failConnect(stream *targetStream) {
	d.send(protocol.EncodeConnectReply(stream.id, protocol.ConnectFailed))
	delete(d.streams, stream.id)
	if stream.upstream != nil {
		stream.upstream.Close()
	}
}

// teardown destroys a stream, optionally notifying the peer with
// CLOSE_REMOTE (when the upstream side initiated the close).
func (d *Dispatcher) teardown(stream *targetStream, notifyPeer bool) {
	delete(d.streams, stream.id)
	if stream.upstream != nil {
		stream.upstream.Close()
	}
	if notifyPeer {
		d.send(protocol.EncodeClose(protocol.TypeCloseRemote, stream.id))
	}
}

func (d *Dispatcher) abortAll() {
	for _, stream := range d.streams {
		if stream.upstream != nil {
			stream.upstream.Close()
		}
	}
	d.streams = make(map[uint32]*targetStream)
}

func (d *Dispatcher) send(msg []byte) {
	d.writeCh <- msg
}
