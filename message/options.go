package message

import (
	"sort"
	"strconv"
)

// OptionNumber is the well-known CoAP option number space (spec.md §6).
type OptionNumber uint32

func (n OptionNumber) String() string { return strconv.FormatUint(uint64(n), 10) }

const (
	IfMatch       OptionNumber = 1
	URIHost       OptionNumber = 3
	ETag          OptionNumber = 4
	IfNoneMatch   OptionNumber = 5
	URIPort       OptionNumber = 7
	LocationPath  OptionNumber = 8
	URIPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	MaxAge        OptionNumber = 14
	URIQuery      OptionNumber = 15
	Accept        OptionNumber = 17
	LocationQuery OptionNumber = 20
	Block2        OptionNumber = 23
	Block1        OptionNumber = 27
	Size2         OptionNumber = 28
	ProxyURI      OptionNumber = 35
	ProxyScheme   OptionNumber = 39
	Size1         OptionNumber = 60
	StartOffset   OptionNumber = 2048 // vendor; decoded but not interpreted by the core, see §9
	ExtendedError OptionNumber = 2049 // vendor; see xerror package
)

// ValueKind is the semantic type a known option number maps to. Unknown
// numbers default to Opaque.
type ValueKind uint8

const (
	KindOpaque ValueKind = iota
	KindEmpty
	KindUint
	KindString
)

var optionKinds = map[OptionNumber]ValueKind{
	IfMatch:       KindOpaque,
	URIHost:       KindString,
	ETag:          KindOpaque,
	IfNoneMatch:   KindEmpty,
	URIPort:       KindUint,
	LocationPath:  KindString,
	URIPath:       KindString,
	ContentFormat: KindUint,
	MaxAge:        KindUint,
	URIQuery:      KindString,
	Accept:        KindUint,
	LocationQuery: KindString,
	Block2:        KindUint,
	Block1:        KindUint,
	Size2:         KindUint,
	ProxyURI:      KindString,
	ProxyScheme:   KindString,
	Size1:         KindUint,
	StartOffset:   KindUint,
	ExtendedError: KindOpaque,
}

// KindOf returns the semantic type of a (possibly unknown) option number.
func KindOf(n OptionNumber) ValueKind {
	if k, ok := optionKinds[n]; ok {
		return k
	}
	return KindOpaque
}

// Option is a single, decoded CoAP option. Value holds the raw bytes for
// Opaque/String kinds and is empty for KindEmpty; UInt values are decoded
// into UintValue by the codec and Value is left nil.
type Option struct {
	Number    OptionNumber
	Value     []byte
	UintValue uint32
}

// Kind returns the semantic type of this option's number.
func (o Option) Kind() ValueKind { return KindOf(o.Number) }

// Options is an ordered collection of options. Duplicates by number are
// permitted; relative ordering among options that share a number is
// preserved by SortStable.
type Options []Option

// SortStable reorders opts by ascending option number using a stable sort,
// as required before serialization (spec.md §3, §4.1). The slice is sorted
// in place and also returned for chaining.
func (opts Options) SortStable() Options {
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })
	return opts
}

// Add appends an option, leaving existing ordering untouched. Callers that
// build up an option list from unordered struct fields should call
// SortStable before serializing; the codec does this unconditionally anyway.
func (opts Options) Add(o Option) Options {
	return append(opts, o)
}

// AddString appends a String-kind option.
func (opts Options) AddString(n OptionNumber, v string) Options {
	return append(opts, Option{Number: n, Value: []byte(v)})
}

// AddUint appends a UInt-kind option.
func (opts Options) AddUint(n OptionNumber, v uint32) Options {
	return append(opts, Option{Number: n, UintValue: v})
}

// AddEmpty appends an Empty-kind option.
func (opts Options) AddEmpty(n OptionNumber) Options {
	return append(opts, Option{Number: n})
}

// AddOpaque appends an Opaque-kind option.
func (opts Options) AddOpaque(n OptionNumber, v []byte) Options {
	return append(opts, Option{Number: n, Value: v})
}

// Get returns the first option with the given number, and whether one was
// found.
func (opts Options) Get(n OptionNumber) (Option, bool) {
	for _, o := range opts {
		if o.Number == n {
			return o, true
		}
	}
	return Option{}, false
}

// All returns every option with the given number, in wire order.
func (opts Options) All(n OptionNumber) []Option {
	var out []Option
	for _, o := range opts {
		if o.Number == n {
			out = append(out, o)
		}
	}
	return out
}

// Path reassembles the Uri-Path options into a "/"-joined path string.
func (opts Options) Path() string {
	var parts []string
	for _, o := range opts {
		if o.Number == URIPath {
			parts = append(parts, string(o.Value))
		}
	}
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "/"
		}
		s += p
	}
	return s
}

// Iterator walks options in wire order (already ascending after
// SortStable), optionally filtered to a single option number. Per spec.md
// §4.1, the buffer backing each Option's Value must outlive the iterator.
type Iterator struct {
	opts   Options
	filter OptionNumber
	filtered bool
	pos    int

	// Number is set to 0 (sentinel "None") once the iterator is exhausted.
	Number OptionNumber
}

// NewIterator returns an iterator over every option in opts.
func NewIterator(opts Options) *Iterator {
	return &Iterator{opts: opts, pos: 0}
}

// NewFilteredIterator returns an iterator over only the options whose
// number equals n.
func NewFilteredIterator(opts Options, n OptionNumber) *Iterator {
	return &Iterator{opts: opts, filter: n, filtered: true, pos: 0}
}

// Next advances the iterator and returns the next matching option, or
// (Option{}, false) once exhausted (at which point Number reads 0).
func (it *Iterator) Next() (Option, bool) {
	for it.pos < len(it.opts) {
		o := it.opts[it.pos]
		it.pos++
		if it.filtered && o.Number != it.filter {
			continue
		}
		it.Number = o.Number
		return o, true
	}
	it.Number = 0
	return Option{}, false
}
