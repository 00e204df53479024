package wire

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// FuzzDecodeToken checks that arbitrary 12-byte inputs either decode to a valid
// command that re-encodes to the same bytes, or fail with a malformed-data error.
func FuzzDecodeToken(f *testing.F) {
	f.Add([]byte("STATUS      "))
	f.Add([]byte("FORCEREADY  "))
	f.Add([]byte("STRESSREADY "))
	f.Add([]byte("status      "))
	f.Add([]byte("\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	f.Add([]byte("POSDATA"))

	f.Fuzz(func(t *testing.T, data []byte) {
		cmd, err := DecodeToken(data)
		if err != nil {
			if !errors.Is(err, ErrUnknownCommand) && !errors.Is(err, ErrTruncatedPayload) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}

		token, err := EncodeToken(cmd)
		if err != nil {
			t.Fatalf("re-encode %s: %v", cmd, err)
		}
		if !bytes.Equal(token, data[:TokenSize]) {
			t.Fatalf("re-encoded token %q differs from input %q", token, data[:TokenSize])
		}
	})
}

// FuzzFramerString checks that ReceiveString never panics and never allocates
// past its limit.
func FuzzFramerString(f *testing.F) {
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{3, 0, 0, 0, 'a', 'b', 'c'})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{5, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		fr := NewFramer(bytes.NewBuffer(data))
		s, err := fr.ReceiveString(context.Background(), 64)
		if err == nil && len(s) > 64 {
			t.Fatalf("string of length %d exceeds limit", len(s))
		}
	})
}
