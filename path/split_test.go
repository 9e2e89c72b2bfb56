package path

import (
	"testing"

	"github.com/matrix-org/coapcore/message"
)

func TestSplitBasic(t *testing.T) {
	opts, err := Split("/a/b/c", '/', message.URIPath)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if Join(opts, '/', message.URIPath) != "a/b/c" {
		t.Fatalf("got %v", opts)
	}
}

func TestSplitIgnoresOneLeadingAndTrailingDelimiter(t *testing.T) {
	opts, err := Split("/a/b/", '/', message.URIPath)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("expected 2 segments, got %v", opts)
	}
}

func TestSplitRejectsEmptySegment(t *testing.T) {
	if _, err := Split("/a//b", '/', message.URIPath); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

func TestSplitEmptyInput(t *testing.T) {
	opts, err := Split("", '/', message.URIPath)
	if err != nil || opts != nil {
		t.Fatalf("expected nil, nil got %v, %v", opts, err)
	}
}

func TestSplitQueryAmpersand(t *testing.T) {
	opts, err := Split("since=5&limit=10", '&', message.URIQuery)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(opts) != 2 || string(opts[0].Value) != "since=5" || string(opts[1].Value) != "limit=10" {
		t.Fatalf("got %v", opts)
	}
}
