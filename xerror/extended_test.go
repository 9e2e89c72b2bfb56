package xerror

import "testing"

func TestExtendedRoundTrip(t *testing.T) {
	cases := []Extended{
		{Namespace: "gg.coap", Code: 0, Message: ""},
		{Namespace: "gg.coap", Code: -7, Message: "resource busy"},
		{Namespace: "", Code: 1 << 20, Message: "a very long message " + string(make([]byte, 200))},
	}
	for _, e := range cases {
		buf := make([]byte, EncodedSize(e))
		n, err := Encode(e, buf)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := Decode(buf[:n])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Namespace != e.Namespace || got.Code != e.Code || got.Message != e.Message {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, e)
		}
	}
}

func TestEncodeRejectsUndersizedBuffer(t *testing.T) {
	e := Extended{Namespace: "ns", Code: 1, Message: "msg"}
	_, err := Encode(e, make([]byte, 1))
	if err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}

func TestZigZagRoundTripExtremes(t *testing.T) {
	// Mirrors the zig-zag law in spec.md §8 for the signed code field.
	vals := []int32{0, 1, -1, 2147483647, -2147483648}
	for _, v := range vals {
		e := Extended{Code: v}
		buf := make([]byte, EncodedSize(e))
		n, _ := Encode(e, buf)
		got, err := Decode(buf[:n])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Code != v {
			t.Fatalf("got %d want %d", got.Code, v)
		}
	}
}
