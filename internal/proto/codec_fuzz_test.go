package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// FuzzDecode exercises Decode with arbitrary inputs to ensure no panics and
// that every failure is classified as either io.EOF or ErrMalformedFrame.
func FuzzDecode(f *testing.F) {
	seeds := [][]byte{
		{},
		{byte(TypeHeartbeat)},
		{byte(TypePlate), 3, 'A', 'B', 'C', 0, 0, 0, 1},
		{byte(TypeIAmDispatcher), 2, 0, 1, 0, 2},
		{byte(TypeIAmCamera), 0, 1, 0, 2, 0, 3},
		{0xFF},
	}
	for _, s := range seeds {
		f.Add(s)
	}
	codec := Codec{}
	f.Fuzz(func(t *testing.T, data []byte) {
		r := bytes.NewReader(data)
		for i := 0; i < 8 && r.Len() > 0; i++ {
			if _, err := codec.Decode(r); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("unclassified decode error: %v", err)
				}
				break
			}
		}
	})
}
