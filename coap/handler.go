package coap

import (
	"strings"

	"github.com/matrix-org/coapcore/message"
)

// Flags is the handler bitfield of spec.md §6: bits 0-3 are allowed
// methods, bit 4 (FlagEnableAsync) marks a handler as replying through a
// Responder, bits 24-27 are caller-defined group memberships. Dispatch does
// not check FlagEnableAsync: any handler may call NewResponder and return
// Deferred.
type Flags uint32

const (
	FlagGET         Flags = 1 << 0
	FlagPOST        Flags = 1 << 1
	FlagPUT         Flags = 1 << 2
	FlagDELETE      Flags = 1 << 3
	FlagEnableAsync Flags = 1 << 4
)

const methodFlagsMask = FlagGET | FlagPOST | FlagPUT | FlagDELETE

// GroupFlags packs group numbers 1-4 into bits 24-27.
func GroupFlags(groups ...uint8) Flags {
	var f Flags
	for _, g := range groups {
		if g >= 1 && g <= 4 {
			f |= 1 << (23 + g)
		}
	}
	return f
}

func methodFlag(code message.Code) Flags {
	switch code {
	case message.GET:
		return FlagGET
	case message.POST:
		return FlagPOST
	case message.PUT:
		return FlagPUT
	case message.DELETE:
		return FlagDELETE
	default:
		return 0
	}
}

// Allows reports whether code is one of the methods this flag set permits.
func (f Flags) Allows(code message.Code) bool {
	return f&methodFlagsMask&methodFlag(code) != 0
}

// RequestContext is handed to handlers and filters for one inbound request.
type RequestContext struct {
	Request  message.Message
	Meta     *Metadata
	endpoint *Endpoint
}

// NewResponder creates a Responder for an asynchronous reply to this
// request, per spec.md §4.4. The handler must have returned OutcomeDeferred
// and must eventually call SendResponse or Release on it exactly once.
func (c *RequestContext) NewResponder() *Responder {
	return &Responder{
		endpoint: c.endpoint,
		request:  c.Request,
		meta:     c.Meta,
	}
}

// OutcomeKind discriminates the handler return protocol of spec.md §4.3.
type OutcomeKind uint8

const (
	OutcomeRespond OutcomeKind = iota
	OutcomeCode
	OutcomeDeferred
	OutcomeError
)

// Outcome is a handler's result (filters return a FilterResult), modeled as the sum type
// "HandlerOutcome" from spec.md §9.
type Outcome struct {
	Kind     OutcomeKind
	Response message.Message
	Code     message.Code
	Err      error
}

// RespondWith sends the given fully-formed response message.
func RespondWith(m message.Message) Outcome { return Outcome{Kind: OutcomeRespond, Response: m} }

// RespondCode synthesizes a response with the given code and empty payload.
func RespondCode(c message.Code) Outcome { return Outcome{Kind: OutcomeCode, Code: c} }

// Deferred indicates the handler has taken ownership of a Responder and
// will reply later.
func Deferred() Outcome { return Outcome{Kind: OutcomeDeferred} }

// ErrorOutcome reports a handler error; the endpoint synthesizes 5.00 Internal
// Server Error for it.
func ErrorOutcome(err error) Outcome { return Outcome{Kind: OutcomeError, Err: err} }

// Handler serves matched requests (spec.md §4.3).
type Handler interface {
	HandleRequest(ctx *RequestContext) Outcome
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx *RequestContext) Outcome

func (f HandlerFunc) HandleRequest(ctx *RequestContext) Outcome { return f(ctx) }

// FilterResultKind discriminates a filter's verdict.
type FilterResultKind uint8

const (
	FilterContinue FilterResultKind = iota
	FilterRespond
	FilterCode
)

// FilterResult is a filter's verdict on an in-flight request.
type FilterResult struct {
	Kind     FilterResultKind
	Response message.Message
	Code     message.Code
}

// Continue lets dispatch proceed to the next filter or the handler.
func Continue() FilterResult { return FilterResult{Kind: FilterContinue} }

// ShortCircuitWith sends the given response instead of invoking the handler.
func ShortCircuitWith(m message.Message) FilterResult {
	return FilterResult{Kind: FilterRespond, Response: m}
}

// ShortCircuitCode synthesizes a response with the given code.
func ShortCircuitCode(c message.Code) FilterResult {
	return FilterResult{Kind: FilterCode, Code: c}
}

// Filter runs before a matched handler (spec.md §4.3). A returned error is
// treated as a negative error: the endpoint synthesizes 5.00.
type Filter interface {
	Filter(ctx *RequestContext, handlerFlags Flags) (FilterResult, error)
}

type handlerEntry struct {
	pathComponents []string
	flags          Flags
	handler        Handler
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// matches reports whether entry matches requestPath by prefix, per spec.md
// §4.3: requestPath equals entry's path or has it as a strict prefix.
func (h handlerEntry) matches(requestPath []string) bool {
	if len(requestPath) < len(h.pathComponents) {
		return false
	}
	for i, c := range h.pathComponents {
		if requestPath[i] != c {
			return false
		}
	}
	return true
}
