package socks5

import "fmt"

// State is a tagged variant of the front-end FSM's possible states
// (§4.3, §9 "Dynamic dispatch FSM -> tagged variant"). Unexpected input
// is rejected by state, not by attribute-missing errors.
type State int

const (
	StateWaitHello State = iota
	StateWaitConnect
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaitHello:
		return "WaitHello"
	case StateWaitConnect:
		return "WaitConnect"
	case StateStreaming:
		return "Streaming"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind tags the actions an FSM transition asks the caller to take.
type EventKind int

const (
	// EventWriteClient asks the caller to write Data to the client TCP
	// connection (a SOCKS5 hello or connect reply).
	EventWriteClient EventKind = iota
	// EventEmitConnect asks the caller to send a CONNECT message for
	// Host:Port over the tunnel.
	EventEmitConnect
	// EventForwardData asks the caller to wrap Data in DATA_OUT and send
	// it over the tunnel for the stream this FSM belongs to.
	EventForwardData
	// EventCloseClient asks the caller to close the client TCP
	// connection. Any EventWriteClient events earlier in the same batch
	// must be written first.
	EventCloseClient
)

// Event is one action the FSM asks its caller to perform. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind
	Data []byte
	Host string
	Port uint16
}

// FSM drives the SOCKS5 front end for one client connection. It holds
// no network handle: callers feed it bytes read from the client and
// execute the Events it returns. This keeps the state machine testable
// without a real socket.
type FSM struct {
	state State
	buf   []byte
}

// New returns an FSM in StateWaitHello.
func New() *FSM {
	return &FSM{state: StateWaitHello}
}

// State returns the FSM's current state.
func (m *FSM) State() State {
	return m.state
}

// Feed appends bytes read from the client connection and advances the
// FSM as far as the buffered data allows, returning the events the
// caller must execute in order.
func (m *FSM) Feed(b []byte) []Event {
	if m.state == StateClosed {
		return nil
	}
	m.buf = append(m.buf, b...)
	var events []Event
	for {
		switch m.state {
		case StateWaitHello:
			ev, consumed, ok := m.stepWaitHello()
			if !ok {
				return events
			}
			m.buf = m.buf[consumed:]
			events = append(events, ev...)
		case StateWaitConnect:
			ev, consumed, ok := m.stepWaitConnect()
			if !ok {
				return events
			}
			m.buf = m.buf[consumed:]
			events = append(events, ev...)
		case StateStreaming:
			if len(m.buf) == 0 {
				return events
			}
			data := m.buf
			m.buf = nil
			events = append(events, Event{Kind: EventForwardData, Data: data})
			return events
		case StateClosed:
			return events
		}
	}
}

// Close transitions the FSM to StateClosed directly, for use when the
// client connection closes out from under the FSM (§4.3 Streaming:
// "When the client TCP closes, emit CLOSE_LOCAL ... and discard the
// stream" — the dispatcher drives that, not the FSM, but both must agree
// the FSM is done).
func (m *FSM) Close() {
	m.state = StateClosed
	m.buf = nil
}

func (m *FSM) stepWaitHello() (events []Event, consumed int, ok bool) {
	if len(m.buf) < 2 {
		return nil, 0, false
	}
	version := m.buf[0]
	nmethods := int(m.buf[1])
	if len(m.buf) < 2+nmethods {
		return nil, 0, false
	}
	if version != Version {
		m.state = StateClosed
		return []Event{
			{Kind: EventWriteClient, Data: []byte{Version, AuthNoAcceptable}},
			{Kind: EventCloseClient},
		}, 2 + nmethods, true
	}
	methods := m.buf[2 : 2+nmethods]
	for _, meth := range methods {
		if meth == AuthNone {
			m.state = StateWaitConnect
			return []Event{
				{Kind: EventWriteClient, Data: []byte{Version, AuthNone}},
			}, 2 + nmethods, true
		}
	}
	m.state = StateClosed
	return []Event{
		{Kind: EventWriteClient, Data: []byte{Version, AuthNoAcceptable}},
		{Kind: EventCloseClient},
	}, 2 + nmethods, true
}

func (m *FSM) stepWaitConnect() (events []Event, consumed int, ok bool) {
	if len(m.buf) < 4 {
		return nil, 0, false
	}
	version, cmd, rsv, atyp := m.buf[0], m.buf[1], m.buf[2], m.buf[3]
	if version != Version || rsv != 0 {
		m.state = StateClosed
		return []Event{{Kind: EventCloseClient}}, 4, true
	}
	if cmd != CmdConnect {
		m.state = StateClosed
		return []Event{
			{Kind: EventWriteClient, Data: ErrorReply(ReplyCommandNotSupported)},
			{Kind: EventCloseClient},
		}, 4, true
	}
	switch atyp {
	case AtypIPv4:
		if len(m.buf) < 4+4+2 {
			return nil, 0, false
		}
		host := FormatIPv4(m.buf[4:8])
		port := uint16(m.buf[8])<<8 | uint16(m.buf[9])
		m.state = StateStreaming
		return []Event{
			{Kind: EventEmitConnect, Host: host, Port: port},
			{Kind: EventWriteClient, Data: SuccessReply()},
		}, 10, true
	case AtypDomain:
		if len(m.buf) < 5 {
			return nil, 0, false
		}
		l := int(m.buf[4])
		total := 5 + l + 2
		if len(m.buf) < total {
			return nil, 0, false
		}
		host := string(m.buf[5 : 5+l])
		port := uint16(m.buf[5+l])<<8 | uint16(m.buf[6+l])
		m.state = StateStreaming
		return []Event{
			{Kind: EventEmitConnect, Host: host, Port: port},
			{Kind: EventWriteClient, Data: SuccessReply()},
		}, total, true
	default:
		m.state = StateClosed
		return []Event{
			{Kind: EventWriteClient, Data: ErrorReply(ReplyAddressNotSupported)},
			{Kind: EventCloseClient},
		}, 4, true
	}
}
