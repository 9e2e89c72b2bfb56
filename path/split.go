// Package path implements the path/query splitter from spec.md §4.7: turning
// a "/"-or-"&"-delimited string into an ordered chain of same-numbered CoAP
// options, the way the endpoint turns a URI path into Uri-Path options and a
// query string into Uri-Query options.
//
// Unlike the teacher's coap_paths.go (which maps whole HTTP paths to a fixed
// enum of short CoAP paths via gorilla/mux-derived regexps, an MSC3079
// concern), this splitter does no semantic mapping and no percent-decoding:
// it is a single-delimiter tokenizer whose output options reference the
// input string directly.
package path

import (
	"fmt"
	"strings"

	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

// Split tokenizes input on delimiter and returns one option per segment,
// each numbered number, in order. A single leading delimiter and a single
// trailing delimiter are ignored (so "/a/b" and "/a/b/" both split into
// ["a","b"]); any other empty segment is a syntax error. No
// percent-decoding is performed; the returned options' values are slices of
// input, so input must outlive them.
func Split(input string, delimiter byte, number message.OptionNumber) (message.Options, error) {
	if input == "" {
		return nil, nil
	}
	s := input
	if s[0] == delimiter {
		s = s[1:]
	}
	if len(s) > 0 && s[len(s)-1] == delimiter {
		s = s[:len(s)-1]
	}
	if s == "" {
		return nil, nil
	}

	segments := strings.Split(s, string(delimiter))
	opts := make(message.Options, 0, len(segments))
	for i, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment at position %d in %q", xerror.ErrInvalidSyntax, i, input)
		}
		opts = opts.AddString(number, seg)
	}
	return opts, nil
}

// Join is the inverse of Split: it reassembles the options numbered number
// (in the order they appear) into a single delimiter-joined string, with no
// percent-encoding.
func Join(opts message.Options, delimiter byte, number message.OptionNumber) string {
	segs := opts.All(number)
	parts := make([]string, len(segs))
	for i, o := range segs {
		parts[i] = string(o.Value)
	}
	return strings.Join(parts, string(delimiter))
}
