package protocol

import (
	"fmt"
)

// MaxFrameLen is the largest message the Framer will accept before
// treating the stream as a fatal protocol error. §4.1 recommends
// rejecting lengths above 16 MiB.
const MaxFrameLen = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by Feed when a declared length exceeds
// MaxFrameLen.
type ErrFrameTooLarge struct{ Len uint32 }

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("protocol: frame length %d exceeds max %d", e.Len, MaxFrameLen)
}

// Framer accumulates bytes read off the tunnel and yields complete,
// length-prefixed messages in order. It does not own a socket; callers
// feed it bytes from whatever transport they're using and drain
// complete messages after each feed.
//
// Framer is not safe for concurrent use; each tunnel direction owns its
// own Framer on its own reader goroutine, matching the single-reader
// discipline in §5.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty Framer ready to accept bytes.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends newly read bytes to the internal buffer. Callers must
// call Next (possibly repeatedly) afterward to drain any messages that
// became complete.
func (f *Framer) Feed(b []byte) error {
	f.buf = append(f.buf, b...)
	if len(f.buf) >= 4 {
		l := beUint32(f.buf)
		if l > MaxFrameLen {
			return &ErrFrameTooLarge{Len: l}
		}
	}
	return nil
}

// Next returns the next complete message buffered, if any, and removes
// it from the internal buffer. The returned slice is a copy owned by the
// caller, safe to retain past the next call to Feed or Next.
func (f *Framer) Next() ([]byte, bool) {
	if len(f.buf) < 4 {
		return nil, false
	}
	l := beUint32(f.buf)
	if l < headerLen || uint32(len(f.buf)) < l {
		return nil, false
	}
	msg := append([]byte(nil), f.buf[:l]...)
	// Slide the window forward without reallocating the tail: drop the
	// consumed prefix in place, keep spare capacity for the next Feed.
	f.buf = f.buf[:copy(f.buf, f.buf[l:])]
	return msg, true
}

// Pending returns the number of bytes currently buffered and not yet
// forming a complete message (for diagnostics/tests only).
func (f *Framer) Pending() int {
	return len(f.buf)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
