package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/protohackers/speed-daemon/internal/metrics"
)

// ErrMalformedFrame marks any decode failure that is not a clean EOF at a
// frame boundary: unknown tag, truncated read mid-frame, or (defensively) a
// frame whose declared fields would overrun maxFrameBytes.
var ErrMalformedFrame = errors.New("proto: malformed frame")

// maxFrameBytes bounds how much a single frame may claim to need. Every wire
// field is already bounded by the protocol itself (short-strings cap at 255,
// IAmDispatcher.num_roads is a single byte), so this never legitimately
// binds; it exists as the "hard per-frame byte ceiling" defense called out
// in the wire format notes.
const maxFrameBytes = 8192

// Codec reads and writes the seven wire frames. Stateless, safe for
// concurrent use across connections (each connection supplies its own
// io.Reader/io.Writer).
type Codec struct{}

// Decode reads exactly one frame from r. A clean EOF at a frame boundary is
// returned as io.EOF; any other truncation or malformed content is wrapped
// in ErrMalformedFrame.
func (Codec) Decode(r io.Reader) (Frame, error) {
	lr := io.LimitReader(r, maxFrameBytes)

	var tagBuf [1]byte
	if _, err := io.ReadFull(lr, tagBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: reading tag: %w", ErrMalformedFrame, err)
	}

	switch Type(tagBuf[0]) {
	case TypeError:
		s, err := readString(lr)
		if err != nil {
			return nil, malformed(err)
		}
		return &ErrorFrame{Msg: s}, nil
	case TypePlate:
		plate, err := readString(lr)
		if err != nil {
			return nil, malformed(err)
		}
		ts, err := readU32(lr)
		if err != nil {
			return nil, malformed(err)
		}
		return &PlateFrame{Plate: plate, Timestamp: ts}, nil
	case TypeTicket:
		plate, err := readString(lr)
		if err != nil {
			return nil, malformed(err)
		}
		road, err := readU16(lr)
		if err != nil {
			return nil, malformed(err)
		}
		mile1, err := readU16(lr)
		if err != nil {
			return nil, malformed(err)
		}
		ts1, err := readU32(lr)
		if err != nil {
			return nil, malformed(err)
		}
		mile2, err := readU16(lr)
		if err != nil {
			return nil, malformed(err)
		}
		ts2, err := readU32(lr)
		if err != nil {
			return nil, malformed(err)
		}
		speed, err := readU16(lr)
		if err != nil {
			return nil, malformed(err)
		}
		return &TicketFrame{
			Plate: plate, Road: road, Mile1: mile1, Timestamp1: ts1,
			Mile2: mile2, Timestamp2: ts2, Speed: speed,
		}, nil
	case TypeWantHeartbeat:
		interval, err := readU32(lr)
		if err != nil {
			return nil, malformed(err)
		}
		return &WantHeartbeatFrame{Interval: interval}, nil
	case TypeHeartbeat:
		return &HeartbeatFrame{}, nil
	case TypeIAmCamera:
		road, err := readU16(lr)
		if err != nil {
			return nil, malformed(err)
		}
		mile, err := readU16(lr)
		if err != nil {
			return nil, malformed(err)
		}
		limit, err := readU16(lr)
		if err != nil {
			return nil, malformed(err)
		}
		return &IAmCameraFrame{Road: road, Mile: mile, Limit: limit}, nil
	case TypeIAmDispatcher:
		n, err := readU8(lr)
		if err != nil {
			return nil, malformed(err)
		}
		roads := make([]uint16, n)
		for i := range roads {
			v, err := readU16(lr)
			if err != nil {
				return nil, malformed(err)
			}
			roads[i] = v
		}
		return &IAmDispatcherFrame{Roads: roads}, nil
	default:
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: unknown tag 0x%02X", ErrMalformedFrame, tagBuf[0])
	}
}

func malformed(cause error) error {
	if errors.Is(cause, io.EOF) {
		cause = io.ErrUnexpectedEOF
	}
	metrics.IncMalformed()
	return fmt.Errorf("%w: %v", ErrMalformedFrame, cause)
}

// Encode writes the wire representation of f to w.
func (Codec) Encode(w io.Writer, f Frame) error {
	if err := writeU8(w, byte(f.Type())); err != nil {
		return err
	}
	switch fr := f.(type) {
	case *ErrorFrame:
		return writeString(w, fr.Msg)
	case *PlateFrame:
		if err := writeString(w, fr.Plate); err != nil {
			return err
		}
		return writeU32(w, fr.Timestamp)
	case *TicketFrame:
		if err := writeString(w, fr.Plate); err != nil {
			return err
		}
		if err := writeU16(w, fr.Road); err != nil {
			return err
		}
		if err := writeU16(w, fr.Mile1); err != nil {
			return err
		}
		if err := writeU32(w, fr.Timestamp1); err != nil {
			return err
		}
		if err := writeU16(w, fr.Mile2); err != nil {
			return err
		}
		if err := writeU32(w, fr.Timestamp2); err != nil {
			return err
		}
		return writeU16(w, fr.Speed)
	case *WantHeartbeatFrame:
		return writeU32(w, fr.Interval)
	case *HeartbeatFrame:
		return nil
	case *IAmCameraFrame:
		if err := writeU16(w, fr.Road); err != nil {
			return err
		}
		if err := writeU16(w, fr.Mile); err != nil {
			return err
		}
		return writeU16(w, fr.Limit)
	case *IAmDispatcherFrame:
		if len(fr.Roads) > 255 {
			return fmt.Errorf("proto: too many roads in IAmDispatcher: %d", len(fr.Roads))
		}
		if err := writeU8(w, uint8(len(fr.Roads))); err != nil {
			return err
		}
		for _, r := range fr.Roads {
			if err := writeU16(w, r); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("proto: unencodable frame type %T", f)
	}
}

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU8(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("proto: string too long: %d bytes", len(s))
	}
	if err := writeU8(w, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
