// Package localproxy implements the local side of the split tunnel: the
// dispatcher that owns the outbound TLS tunnel, allocates stream ids,
// and bridges each accepted SOCKS5 client connection to the tunnel
// (§4.4).
package localproxy

import "net"

// clientStream is the local side's per-accepted-connection state (§3
// "Client stream"). Everything here is set once at registration time
// and only ever read afterward except by the owning client goroutine,
// so no lock is needed on the struct itself — only the dispatcher's
// stream table needs one.
type clientStream struct {
	id   uint32
	conn net.Conn
}
