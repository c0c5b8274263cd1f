// Package remoteproxy implements the remote side of the split tunnel:
// per-CONNECT target streams, asynchronous DNS resolution against an
// operator-supplied resolver, pre-connect write buffering, and the
// dispatcher that ties them to the tunnel (§4.5).
package remoteproxy

import "net"

// targetStream is the remote side's per-CONNECT state (§3 "Target
// stream"). Access is confined to the dispatcher's single goroutine, so
// it carries no lock of its own (§4.7/§5: "single-threaded within the
// remote dispatcher's task").
type targetStream struct {
	id uint32

	host string
	port uint16

	addr string // resolved IPv4 string, "" until known

	resolving  bool
	connecting bool
	connected  bool

	upstream net.Conn

	// pending holds DATA_OUT payloads received before upstream is
	// connected (§3 "pre-connect write buffer"). Invariant: upstream !=
	// nil <=> connected == true, and once connected, pending is empty.
	pending    [][]byte
	pendingLen int
}

func newTargetStream(id uint32, host string, port uint16) *targetStream {
	return &targetStream{id: id, host: host, port: port}
}

func (s *targetStream) bufferPending(data []byte) {
	cp := append([]byte(nil), data...)
	s.pending = append(s.pending, cp)
	s.pendingLen += len(cp)
}

func (s *targetStream) takePending() [][]byte {
	p := s.pending
	s.pending = nil
	s.pendingLen = 0
	return p
}
