package remoteproxy

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver issues A-record queries directly at an operator-supplied DNS
// server (§6 "--dns ADDR[:PORT]"), rather than going through the OS
// resolver, using the same miekg/dns client the teacher package already
// imports for building and parsing DNS messages
// (internal/server/dns_handler.go).
type Resolver struct {
	client *dns.Client
	server string // host:port, always includes a port
}

// NewResolver builds a Resolver targeting addr. If addr has no port,
// ":53" is appended (§6: "default port 53").
func NewResolver(addr string) *Resolver {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	return &Resolver{
		client: &dns.Client{Timeout: 5 * time.Second},
		server: addr,
	}
}

// resolveResult is delivered on the channel passed to resolveAsync (the
// dispatcher's shared resolveCh) once lookup completes, successfully or
// not; streamID tells the receiver which stream it belongs to.
type resolveResult struct {
	streamID uint32
	addr     string
	err      error
}

// resolveAsync issues the query on its own goroutine and posts the
// result to out, never blocking the caller (§4.5 step 1: "Do not block
// the dispatcher", §12 domain stack: "asynchronous ... reports back to
// the remote dispatcher through a channel").
func (r *Resolver) resolveAsync(streamID uint32, host string, out chan<- resolveResult) {
	go func() {
		addr, err := r.lookupA(host)
		out <- resolveResult{streamID: streamID, addr: addr, err: err}
	}()
}

func (r *Resolver) lookupA(host string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := r.client.Exchange(msg, r.server)
	if err != nil {
		return "", fmt.Errorf("remoteproxy: dns query for %q: %w", host, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("remoteproxy: dns query for %q: rcode %s", host, dns.RcodeToString[reply.Rcode])
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("remoteproxy: no A record for %q", host)
}
