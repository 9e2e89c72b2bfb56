package message

import (
	"errors"
	"fmt"
)

// Parse/serialize errors named by spec.md §4.1.
var (
	ErrUnsupportedVersion = errors.New("message: unsupported CoAP version")
	ErrInvalidFormat      = errors.New("message: invalid format")
)

const (
	version1       = 1
	payloadMarker  = 0xFF
	extNibble1Byte = 13
	extNibble2Byte = 14
	nibbleReserved = 15
)

// Parse decodes a single CoAP datagram. Per spec.md §4.1, option values are
// not copied: the returned Message's Token and Options reference slices of
// buf, so buf must outlive the Message.
func Parse(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return Message{}, fmt.Errorf("%w: datagram shorter than the 4-byte header", ErrInvalidFormat)
	}
	first := buf[0]
	ver := first >> 6
	if ver != version1 {
		return Message{}, fmt.Errorf("%w: got version %d", ErrUnsupportedVersion, ver)
	}
	kind := Kind((first >> 4) & 0x3)
	tkl := first & 0xf
	if tkl > 8 {
		return Message{}, fmt.Errorf("%w: token length %d exceeds 8", ErrInvalidFormat, tkl)
	}
	m := Message{Kind: kind, Code: Code(buf[1]), MID: uint16(buf[2])<<8 | uint16(buf[3])}

	pos := 4
	if int(tkl) > len(buf)-pos {
		return Message{}, fmt.Errorf("%w: token truncated", ErrInvalidFormat)
	}
	m.Token = buf[pos : pos+int(tkl)]
	pos += int(tkl)

	opts, pos, err := parseOptions(buf, pos)
	if err != nil {
		return Message{}, err
	}
	m.Options = opts

	if pos < len(buf) {
		if buf[pos] != payloadMarker {
			return Message{}, fmt.Errorf("%w: expected payload marker", ErrInvalidFormat)
		}
		pos++
		if pos == len(buf) {
			return Message{}, fmt.Errorf("%w: payload marker with zero-length payload", ErrInvalidFormat)
		}
		m.Payload = buf[pos:]
	}
	return m, nil
}

func parseOptions(buf []byte, pos int) (Options, int, error) {
	var opts Options
	runningNumber := OptionNumber(0)
	for pos < len(buf) {
		if buf[pos] == payloadMarker {
			break
		}
		if len(opts) >= MaxOptions {
			return nil, 0, fmt.Errorf("%w: more than %d options", ErrInvalidFormat, MaxOptions)
		}
		first := buf[pos]
		deltaNibble := first >> 4
		lenNibble := first & 0xf
		pos++
		if deltaNibble == nibbleReserved || lenNibble == nibbleReserved {
			return nil, 0, fmt.Errorf("%w: reserved option nibble outside payload marker", ErrInvalidFormat)
		}

		delta, pos2, err := readExt(buf, pos, deltaNibble)
		if err != nil {
			return nil, 0, err
		}
		pos = pos2
		length, pos3, err := readExt(buf, pos, lenNibble)
		if err != nil {
			return nil, 0, err
		}
		pos = pos3

		runningNumber += OptionNumber(delta)
		if int(length) > len(buf)-pos {
			return nil, 0, fmt.Errorf("%w: option value length exceeds remaining buffer", ErrInvalidFormat)
		}
		value := buf[pos : pos+int(length)]
		pos += int(length)

		opt := Option{Number: runningNumber}
		switch KindOf(runningNumber) {
		case KindUint:
			if length > 4 {
				return nil, 0, fmt.Errorf("%w: uint option longer than 4 bytes", ErrInvalidFormat)
			}
			var v uint32
			for _, b := range value {
				v = v<<8 | uint32(b)
			}
			opt.UintValue = v
		default:
			opt.Value = value
		}
		opts = append(opts, opt)
	}
	return opts, pos, nil
}

// readExt reads the 0/1/2 extension bytes implied by a delta or length
// nibble and returns the decoded value plus the position after the
// extension bytes.
func readExt(buf []byte, pos int, nibble byte) (uint32, int, error) {
	switch {
	case nibble < extNibble1Byte:
		return uint32(nibble), pos, nil
	case nibble == extNibble1Byte:
		if pos >= len(buf) {
			return 0, 0, fmt.Errorf("%w: truncated 1-byte option extension", ErrInvalidFormat)
		}
		return uint32(buf[pos]) + 13, pos + 1, nil
	default: // extNibble2Byte
		if pos+1 >= len(buf) {
			return 0, 0, fmt.Errorf("%w: truncated 2-byte option extension", ErrInvalidFormat)
		}
		return (uint32(buf[pos])<<8 | uint32(buf[pos+1])) + 269, pos + 2, nil
	}
}

// Serialize renders m to wire format. Options are sorted by ascending
// number with a stable sort (the caller's slice is reused as the sort
// scratch space; SortStable mutates it) before encoding. A nil/empty
// Payload omits the 0xFF marker.
func Serialize(m Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, fmt.Errorf("%w: token length %d exceeds 8", ErrInvalidFormat, len(m.Token))
	}
	if len(m.Options) > MaxOptions {
		return nil, fmt.Errorf("%w: more than %d options", ErrInvalidFormat, MaxOptions)
	}
	opts := m.Options.SortStable()

	buf := make([]byte, 0, 16+len(m.Payload))
	buf = append(buf, (version1<<6)|(byte(m.Kind)<<4)|byte(len(m.Token)))
	buf = append(buf, byte(m.Code))
	buf = append(buf, byte(m.MID>>8), byte(m.MID))
	buf = append(buf, m.Token...)

	running := OptionNumber(0)
	for _, o := range opts {
		delta := o.Number - running
		running = o.Number
		value, err := encodeOptionValue(o)
		if err != nil {
			return nil, err
		}
		if len(value) > MaxOptionValueLen {
			return nil, fmt.Errorf("%w: option %d value too long", ErrInvalidFormat, o.Number)
		}
		buf = appendOptionHeader(buf, uint32(delta), uint32(len(value)))
		buf = append(buf, value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func encodeOptionValue(o Option) ([]byte, error) {
	switch o.Kind() {
	case KindEmpty:
		return nil, nil
	case KindUint:
		v := o.UintValue
		switch {
		case v == 0:
			return nil, nil
		case v <= 0xff:
			return []byte{byte(v)}, nil
		case v <= 0xffff:
			return []byte{byte(v >> 8), byte(v)}, nil
		case v <= 0xffffff:
			return []byte{byte(v >> 16), byte(v >> 8), byte(v)}, nil
		default:
			return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, nil
		}
	default:
		return o.Value, nil
	}
}

func appendOptionHeader(buf []byte, delta, length uint32) []byte {
	deltaNibble, deltaExt := nibbleFor(delta)
	lenNibble, lenExt := nibbleFor(length)
	buf = append(buf, deltaNibble<<4|lenNibble)
	buf = append(buf, deltaExt...)
	buf = append(buf, lenExt...)
	return buf
}

// nibbleFor returns the 4-bit nibble and the 0/1/2 extension bytes encoding
// v per RFC 7252 §3.1.
func nibbleFor(v uint32) (byte, []byte) {
	switch {
	case v < extNibble1Byte:
		return byte(v), nil
	case v < 269:
		return extNibble1Byte, []byte{byte(v - 13)}
	default:
		ext := v - 269
		return extNibble2Byte, []byte{byte(ext >> 8), byte(ext)}
	}
}
