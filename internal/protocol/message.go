// Package protocol implements the tunnel wire protocol: length-prefixed
// framing, the six message types exchanged between the local and remote
// proxies, and the stream id allocator.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message type tags, carried as the single byte after the length prefix.
const (
	TypeConnect      byte = 1
	TypeConnectReply byte = 2
	TypeDataOut      byte = 3
	TypeDataIn       byte = 4
	TypeCloseLocal   byte = 5
	TypeCloseRemote  byte = 6
)

// headerLen is the number of bytes preceding the type-specific payload:
// 4 bytes length prefix + 1 byte type tag.
const headerLen = 5

// ErrTruncated is returned when a buffer is too short to contain a
// complete message of its declared type.
var ErrTruncated = errors.New("protocol: truncated message")

// ConnectFailed is the CONNECT_REPLY failure code. Success is never sent
// on the wire (§4.2): the local side learns of success implicitly.
const ConnectFailed byte = 1

func TypeName(t byte) string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnectReply:
		return "CONNECT_REPLY"
	case TypeDataOut:
		return "DATA_OUT"
	case TypeDataIn:
		return "DATA_IN"
	case TypeCloseLocal:
		return "CLOSE_LOCAL"
	case TypeCloseRemote:
		return "CLOSE_REMOTE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// EncodeConnect builds a CONNECT message: ID(4) HOST(var) PORT(2).
func EncodeConnect(id uint32, host string, port uint16) []byte {
	total := headerLen + 4 + len(host) + 2
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = TypeConnect
	binary.BigEndian.PutUint32(buf[5:9], id)
	copy(buf[9:9+len(host)], host)
	binary.BigEndian.PutUint16(buf[9+len(host):], port)
	return buf
}

// DecodeConnect parses a complete CONNECT message, length prefix and type
// tag included (the caller has already checked it is TypeConnect).
func DecodeConnect(msg []byte) (id uint32, host string, port uint16, err error) {
	if len(msg) < headerLen+4+2 {
		return 0, "", 0, ErrTruncated
	}
	id = binary.BigEndian.Uint32(msg[5:9])
	hostEnd := len(msg) - 2
	if hostEnd < 9 {
		return 0, "", 0, ErrTruncated
	}
	host = string(msg[9:hostEnd])
	port = binary.BigEndian.Uint16(msg[hostEnd:])
	return id, host, port, nil
}

// EncodeConnectReply builds a CONNECT_REPLY message: ID(4) CODE(1).
func EncodeConnectReply(id uint32, code byte) []byte {
	total := headerLen + 4 + 1
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = TypeConnectReply
	binary.BigEndian.PutUint32(buf[5:9], id)
	buf[9] = code
	return buf
}

func DecodeConnectReply(msg []byte) (id uint32, code byte, err error) {
	if len(msg) < headerLen+4+1 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(msg[5:9]), msg[9], nil
}

// EncodeData builds a DATA_OUT or DATA_IN message: ID(4) DATA(var).
// The caller supplies the type (TypeDataOut or TypeDataIn).
func EncodeData(typ byte, id uint32, data []byte) []byte {
	total := headerLen + 4 + len(data)
	buf := make([]byte, headerLen+4, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = typ
	binary.BigEndian.PutUint32(buf[5:9], id)
	buf = append(buf, data...)
	return buf
}

// EncodeDataHeader builds just the LEN+TYPE+ID prefix of a DATA_OUT or
// DATA_IN message, for callers that want to write the header and payload
// as two separate writes (§4.1: "bulk data messages ... may be split
// into a header write followed by a payload write").
func EncodeDataHeader(typ byte, id uint32, dataLen int) []byte {
	total := headerLen + 4 + dataLen
	buf := make([]byte, headerLen+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = typ
	binary.BigEndian.PutUint32(buf[5:9], id)
	return buf
}

func DecodeData(msg []byte) (id uint32, data []byte, err error) {
	if len(msg) < headerLen+4 {
		return 0, nil, ErrTruncated
	}
	id = binary.BigEndian.Uint32(msg[5:9])
	data = msg[9:]
	return id, data, nil
}

// EncodeClose builds a CLOSE_LOCAL or CLOSE_REMOTE message: ID(4).
func EncodeClose(typ byte, id uint32) []byte {
	total := headerLen + 4
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = typ
	binary.BigEndian.PutUint32(buf[5:9], id)
	return buf
}

func DecodeClose(msg []byte) (id uint32, err error) {
	if len(msg) < headerLen+4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(msg[5:9]), nil
}

// Type returns the type tag of a message that has already passed through
// the Framer (so is known to be at least headerLen bytes long).
func Type(msg []byte) byte {
	return msg[4]
}

// ID extracts the stream id from any message type that carries one
// (everything except none — all six types carry an id at bytes [5:9]).
func ID(msg []byte) (uint32, error) {
	if len(msg) < headerLen+4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(msg[5:9]), nil
}
