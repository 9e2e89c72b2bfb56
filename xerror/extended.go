package xerror

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Extended is the payload of a client/server error response carrying the
// vendor Extended-Error option (2049), spec.md §4.6: a protobuf-encoded
// { 1: namespace string, 2: signed code, 3: message string }.
type Extended struct {
	Namespace string
	Code      int32
	Message   string
}

const (
	fieldNamespace protowire.Number = 1
	fieldCode      protowire.Number = 2
	fieldMessage   protowire.Number = 3
)

// EncodedSize returns the number of bytes Encode will write for e.
func EncodedSize(e Extended) int {
	n := 0
	n += protowire.SizeTag(fieldNamespace) + protowire.SizeBytes(len(e.Namespace))
	n += protowire.SizeTag(fieldCode) + protowire.SizeVarint(protowire.EncodeZigZag(int64(e.Code)))
	n += protowire.SizeTag(fieldMessage) + protowire.SizeBytes(len(e.Message))
	return n
}

// Encode writes e into buf, which must be at least EncodedSize(e) bytes, and
// returns the number of bytes written.
func Encode(e Extended, buf []byte) (int, error) {
	want := EncodedSize(e)
	if len(buf) < want {
		return 0, fmt.Errorf("%w: buffer has %d bytes, need %d", ErrNotEnoughSpace, len(buf), want)
	}
	b := buf[:0]
	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendString(b, e.Namespace)
	b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.Code)))
	b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
	b = protowire.AppendString(b, e.Message)
	return len(b), nil
}

// Decode parses an Extended-Error payload. The returned strings are views
// into data, per spec.md §4.6.
func Decode(data []byte) (Extended, error) {
	var e Extended
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Extended{}, fmt.Errorf("%w: bad tag: %v", ErrInvalidFormat, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldNamespace:
			if typ != protowire.BytesType {
				return Extended{}, fmt.Errorf("%w: namespace field has wrong wire type", ErrInvalidSyntax)
			}
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Extended{}, fmt.Errorf("%w: truncated namespace", ErrInvalidFormat)
			}
			e.Namespace = v
			data = data[n:]
		case fieldCode:
			if typ != protowire.VarintType {
				return Extended{}, fmt.Errorf("%w: code field has wrong wire type", ErrInvalidSyntax)
			}
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Extended{}, fmt.Errorf("%w: truncated code", ErrInvalidFormat)
			}
			e.Code = int32(protowire.DecodeZigZag(v))
			data = data[n:]
		case fieldMessage:
			if typ != protowire.BytesType {
				return Extended{}, fmt.Errorf("%w: message field has wrong wire type", ErrInvalidSyntax)
			}
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Extended{}, fmt.Errorf("%w: truncated message", ErrInvalidFormat)
			}
			e.Message = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Extended{}, fmt.Errorf("%w: bad field value", ErrInvalidFormat)
			}
			data = data[n:]
		}
	}
	return e, nil
}
