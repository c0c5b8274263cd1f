package protocol

import (
	"bytes"
	"testing"
)

func TestFramerRoundTripArbitrarySplits(t *testing.T) {
	messages := [][]byte{
		EncodeConnect(1, "example.com", 80),
		EncodeData(TypeDataOut, 1, []byte("some payload bytes")),
		EncodeData(TypeDataIn, 1, nil),
		EncodeClose(TypeCloseLocal, 1),
		EncodeConnect(2, "127.0.0.1", 22),
		EncodeConnectReply(2, 1),
	}
	var all []byte
	for _, m := range messages {
		all = append(all, m...)
	}

	chunkSizes := []int{1, 2, 3, 7, 16, 64, 4096, len(all)}
	for _, chunk := range chunkSizes {
		if chunk <= 0 {
			continue
		}
		f := NewFramer()
		var got [][]byte
		for off := 0; off < len(all); off += chunk {
			end := off + chunk
			if end > len(all) {
				end = len(all)
			}
			if err := f.Feed(all[off:end]); err != nil {
				t.Fatalf("chunk=%d Feed: %v", chunk, err)
			}
			for {
				msg, ok := f.Next()
				if !ok {
					break
				}
				cp := append([]byte{}, msg...)
				got = append(got, cp)
			}
		}
		if len(got) != len(messages) {
			t.Fatalf("chunk=%d: got %d messages, want %d", chunk, len(got), len(messages))
		}
		for i := range messages {
			if !bytes.Equal(got[i], messages[i]) {
				t.Fatalf("chunk=%d message %d mismatch:\ngot  %x\nwant %x", chunk, i, got[i], messages[i])
			}
		}
		if f.Pending() != 0 {
			t.Fatalf("chunk=%d: %d residual bytes after last message", chunk, f.Pending())
		}
	}
}

// TestNextDoesNotClobberReturnedMessage guards against Next returning a
// slice that aliases the Framer's internal buffer: if the buffer holds a
// second complete message (or trailing partial bytes) behind the first,
// sliding the tail down in place must not corrupt the already-returned
// message.
func TestNextDoesNotClobberReturnedMessage(t *testing.T) {
	f := NewFramer()
	first := EncodeConnect(1, "example.com", 80)
	second := EncodeConnect(2, "127.0.0.1", 22)
	if err := f.Feed(append(append([]byte{}, first...), second...)); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	got, ok := f.Next()
	if !ok {
		t.Fatal("expected a complete first message")
	}
	want := append([]byte{}, first...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}

	// Draining the second message slides the buffer down; the first
	// message's returned slice must still read back correctly.
	if _, ok := f.Next(); !ok {
		t.Fatal("expected a complete second message")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("first message corrupted after draining second: got %x, want %x", got, want)
	}
}

func TestFramerTooLarge(t *testing.T) {
	f := NewFramer()
	huge := make([]byte, 4)
	huge[0] = 0xFF // declares a length far above MaxFrameLen
	if err := f.Feed(huge); err == nil {
		t.Fatal("expected error for oversized declared length")
	}
}

func TestFramerWaitsForMoreBytes(t *testing.T) {
	f := NewFramer()
	msg := EncodeConnect(1, "host", 1)
	if err := f.Feed(msg[:len(msg)-1]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, ok := f.Next(); ok {
		t.Fatal("Next returned a message before it was complete")
	}
	if err := f.Feed(msg[len(msg)-1:]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	got, ok := f.Next()
	if !ok {
		t.Fatal("Next did not return completed message")
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %x, want %x", got, msg)
	}
}
