package localproxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"splittun/internal/protocol"
	"splittun/internal/socks5"
)

// Dispatcher owns the outbound TLS tunnel to the remote proxy and the
// table stream_id -> client stream (§4.4). One Dispatcher serves one
// SOCKS5 listener for the lifetime of the process; tunnel drops are
// handled internally by reconnecting, never by giving up.
type Dispatcher struct {
	remoteAddr string
	tlsConfig  *tls.Config
	alloc      *protocol.Allocator

	mu      sync.Mutex
	streams map[uint32]*clientStream

	writeCh chan []byte
}

// New builds a Dispatcher that will dial remoteAddr with tlsConfig.
func New(remoteAddr string, tlsConfig *tls.Config) *Dispatcher {
	return &Dispatcher{
		remoteAddr: remoteAddr,
		tlsConfig:  tlsConfig,
		alloc:      protocol.NewAllocator(),
		streams:    make(map[uint32]*clientStream),
		writeCh:    make(chan []byte, 256),
	}
}

// Start performs the initial tunnel connect and, on success, launches
// the tunnel's lifecycle goroutine (read/write loops plus reconnect).
// Per §4.4 "On tunnel initial connect failure: fatal", a non-nil error
// here means the caller should exit rather than retry.
func (d *Dispatcher) Start() error {
	conn, err := d.dialTunnel()
	if err != nil {
		return fmt.Errorf("localproxy: initial tunnel connect: %w", err)
	}
	log.Info().Str("remote", d.remoteAddr).Msg("localproxy: tunnel established")
	go d.tunnelLifecycle(conn)
	return nil
}

// Serve accepts SOCKS5 client connections on ln until it returns an
// error (typically because ln was closed). Each connection is handled
// on its own goroutine.
func (d *Dispatcher) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("localproxy: accept: %w", err)
		}
		go d.handleClient(conn)
	}
}

func (d *Dispatcher) dialTunnel() (net.Conn, error) {
	return tls.Dial("tcp", d.remoteAddr, d.tlsConfig)
}

// tunnelLifecycle drains one tunnel epoch to completion, aborts every
// live stream, then reconnects with infinite retry and no explicit
// backoff (§4.4: "initiate a new TLS connect (infinite retry with no
// explicit backoff)"), starting a fresh stream id epoch each time
// (§3/§9: ids are only unique within one tunnel connection).
func (d *Dispatcher) tunnelLifecycle(conn net.Conn) {
	for {
		d.runEpoch(conn)
		d.abortAll()
		d.alloc.Reset()
		conn = d.reconnectForever()
	}
}

func (d *Dispatcher) reconnectForever() net.Conn {
	for {
		conn, err := d.dialTunnel()
		if err == nil {
			log.Info().Str("remote", d.remoteAddr).Msg("localproxy: tunnel reconnected")
			return conn
		}
		log.Warn().Err(err).Msg("localproxy: tunnel reconnect failed, retrying")
	}
}

// runEpoch drives the reader and writer loops for one tunnel connection
// until it drops, then returns once both have stopped.
func (d *Dispatcher) runEpoch(conn net.Conn) {
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go d.writeLoop(conn, stop, writerDone)

	d.readLoop(conn)

	close(stop)
	conn.Close()
	<-writerDone
}

func (d *Dispatcher) writeLoop(conn net.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case msg := <-d.writeCh:
			if _, err := conn.Write(msg); err != nil {
				log.Error().Err(err).Msg("localproxy: tunnel write failed")
				return
			}
		case <-stop:
			return
		}
	}
}

func (d *Dispatcher) readLoop(conn net.Conn) {
	framer := protocol.NewFramer()
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := framer.Feed(buf[:n]); ferr != nil {
				log.Error().Err(ferr).Msg("localproxy: tunnel framing error")
				return
			}
			for {
				msg, ok := framer.Next()
				if !ok {
					break
				}
				d.handleFrame(msg)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Msg("localproxy: tunnel read failed")
			}
			return
		}
	}
}

// handleFrame implements §4.4's "Inbound demux."
func (d *Dispatcher) handleFrame(msg []byte) {
	switch protocol.Type(msg) {
	case protocol.TypeConnectReply:
		id, code, err := protocol.DecodeConnectReply(msg)
		if err != nil {
			log.Error().Err(err).Msg("localproxy: malformed CONNECT_REPLY")
			return
		}
		if code != 0 {
			log.Debug().Uint32("stream_id", id).Uint8("code", code).Msg("localproxy: remote connect failed, aborting client")
			d.abortStream(id)
		}
	case protocol.TypeDataIn:
		id, data, err := protocol.DecodeData(msg)
		if err != nil {
			log.Error().Err(err).Msg("localproxy: malformed DATA_IN")
			return
		}
		d.deliverData(id, data)
	case protocol.TypeCloseRemote:
		id, err := protocol.DecodeClose(msg)
		if err != nil {
			log.Error().Err(err).Msg("localproxy: malformed CLOSE_REMOTE")
			return
		}
		d.abortStream(id)
	default:
		log.Error().Uint8("type", protocol.Type(msg)).Msg("localproxy: unknown message type, dropping")
	}
}

func (d *Dispatcher) deliverData(id uint32, data []byte) {
	d.mu.Lock()
	stream, ok := d.streams[id]
	d.mu.Unlock()
	if !ok {
		log.Debug().Uint32("stream_id", id).Msg("localproxy: DATA_IN for unknown stream, dropping")
		return
	}
	if _, err := stream.conn.Write(data); err != nil {
		log.Debug().Uint32("stream_id", id).Err(err).Msg("localproxy: client write failed")
		d.abortStream(id)
	}
}

func (d *Dispatcher) abortStream(id uint32) {
	d.mu.Lock()
	stream, ok := d.streams[id]
	if ok {
		delete(d.streams, id)
	}
	d.mu.Unlock()
	if ok {
		stream.conn.Close()
	}
}

func (d *Dispatcher) abortAll() {
	d.mu.Lock()
	streams := d.streams
	d.streams = make(map[uint32]*clientStream)
	d.mu.Unlock()
	for _, stream := range streams {
		stream.conn.Close()
	}
}

func (d *Dispatcher) registerStream(id uint32, conn net.Conn) {
	d.mu.Lock()
	d.streams[id] = &clientStream{id: id, conn: conn}
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterStream(id uint32) {
	d.mu.Lock()
	delete(d.streams, id)
	d.mu.Unlock()
}

func (d *Dispatcher) send(msg []byte) {
	d.writeCh <- msg
}

// handleClient drives one accepted SOCKS5 client connection through the
// front-end FSM, registering a stream id on CONNECT and forwarding
// traffic to the tunnel until the client TCP closes (§4.3 Streaming,
// §4.4 "Outbound mux").
func (d *Dispatcher) handleClient(conn net.Conn) {
	defer conn.Close()

	fsm := socks5.New()
	var id uint32
	var assigned bool
	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			events := fsm.Feed(buf[:n])
			for _, ev := range events {
				switch ev.Kind {
				case socks5.EventWriteClient:
					if _, werr := conn.Write(ev.Data); werr != nil {
						d.finishClient(id, assigned)
						return
					}
				case socks5.EventEmitConnect:
					id = d.alloc.Next()
					assigned = true
					d.registerStream(id, conn)
					d.send(protocol.EncodeConnect(id, ev.Host, ev.Port))
				case socks5.EventForwardData:
					if assigned {
						d.send(protocol.EncodeData(protocol.TypeDataOut, id, ev.Data))
					}
				case socks5.EventCloseClient:
					d.finishClient(id, assigned)
					return
				}
			}
		}
		if err != nil {
			break
		}
	}
	d.finishClient(id, assigned)
}

// finishClient implements the Streaming state's "When the client TCP
// closes, emit CLOSE_LOCAL (if the stream is still live) and discard
// the stream" (§4.3).
func (d *Dispatcher) finishClient(id uint32, assigned bool) {
	if !assigned {
		return
	}
	d.mu.Lock()
	_, live := d.streams[id]
	d.mu.Unlock()
	if !live {
		return
	}
	d.unregisterStream(id)
	d.send(protocol.EncodeClose(protocol.TypeCloseLocal, id))
}
