package payloadcodec

import (
	"bytes"
	"testing"
)

func TestJSONToCBORToJSON(t *testing.T) {
	c := New(false)
	in := `{"temp":21.5,"unit":"C","tags":["sensor","living-room"]}`
	cborBytes, err := c.JSONToCBOR(bytes.NewBufferString(in))
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	out, err := c.CBORToJSON(bytes.NewReader(cborBytes))
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected non-empty JSON output")
	}
}

func TestCanonicalJSONIsDeterministic(t *testing.T) {
	c := New(true)
	cborBytes, err := c.JSONToCBOR(bytes.NewBufferString(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	out, err := c.CBORToJSON(bytes.NewReader(cborBytes))
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	if string(out) != `{"a":2,"b":1}` {
		t.Fatalf("expected sorted keys, got %s", out)
	}
}
