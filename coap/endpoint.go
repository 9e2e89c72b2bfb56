package coap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/coapcore/blockwise"
	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

// Endpoint is the core CoAP runtime of spec.md §4: it owns message
// serialization, the outstanding-request table, the handler/filter chain,
// and Confirmable retransmission. It implements Sink itself so a Source
// can be attached directly with AttachSource.
type Endpoint struct {
	cfg       Config
	scheduler Scheduler
	random    RandomSource
	logger    Logger
	ids       *idAllocator
	dedup     *dedupCache

	mu             sync.Mutex
	outSink        Sink
	sinkReady      bool
	pendingOut     [][]byte
	outstanding    map[string]*ClientRequest
	handlers       []*handlerEntry
	defaultHandler Handler
	filters        []Filter
	tokenPrefix    []byte

	nowFn func() time.Time
}

// New creates an Endpoint with the given configuration and collaborators.
func New(cfg Config, scheduler Scheduler, random RandomSource, logger Logger) *Endpoint {
	return &Endpoint{
		cfg:         cfg,
		scheduler:   scheduler,
		random:      random,
		logger:      logger,
		ids:         newIDAllocator(random),
		dedup:       newDedupCache(cfg.ExchangeLifetime),
		outstanding: make(map[string]*ClientRequest),
		nowFn:       time.Now,
	}
}

// AttachSink sets the transport this endpoint writes outbound datagrams to.
func (e *Endpoint) AttachSink(sink Sink) {
	e.mu.Lock()
	e.outSink = sink
	e.sinkReady = true
	e.mu.Unlock()
	sink.SetListener(e.onCanPut)
}

// AttachSource registers this endpoint as the sink of source, so inbound
// datagrams are pushed to Put.
func (e *Endpoint) AttachSource(source Source) {
	source.SetSink(e)
}

// SetListener implements Sink. Put never returns ErrWouldBlock, so the
// listener is never invoked.
func (e *Endpoint) SetListener(onCanPut func()) {}

// SetTokenPrefix reserves a byte prefix on every token this endpoint
// allocates, letting multiple logical clients share one transport and
// route responses back without an additional lookup table.
func (e *Endpoint) SetTokenPrefix(prefix []byte) {
	e.mu.Lock()
	e.tokenPrefix = append([]byte(nil), prefix...)
	e.mu.Unlock()
}

// RegisterHandler maps requests whose Uri-Path has pathPrefix as a
// (possibly equal) prefix to h, for the methods set in flags.
func (e *Endpoint) RegisterHandler(pathPrefix string, flags Flags, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, &handlerEntry{
		pathComponents: splitPath(pathPrefix),
		flags:          flags,
		handler:        h,
	})
}

// UnregisterHandler removes the first handler registered at pathPrefix.
func (e *Endpoint) UnregisterHandler(pathPrefix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	components := splitPath(pathPrefix)
	for i, h := range e.handlers {
		if pathEquals(h.pathComponents, components) {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return
		}
	}
}

func pathEquals(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetDefaultHandler installs the handler invoked when no registration
// matches (spec.md §4.3); if unset, unmatched requests get 4.04 Not Found.
func (e *Endpoint) SetDefaultHandler(h Handler) {
	e.mu.Lock()
	e.defaultHandler = h
	e.mu.Unlock()
}

// RegisterFilter appends f to the filter chain run before every matched
// handler, in registration order.
func (e *Endpoint) RegisterFilter(f Filter) {
	e.mu.Lock()
	e.filters = append(e.filters, f)
	e.mu.Unlock()
}

// UnregisterFilter removes f from the filter chain.
func (e *Endpoint) UnregisterFilter(f Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, g := range e.filters {
		if g == f {
			e.filters = append(e.filters[:i], e.filters[i+1:]...)
			return
		}
	}
}

// SendRequest allocates a token and message ID for req, transmits it, and
// tracks it in the outstanding-request table until a terminal response,
// reset, error or CancelRequest. listener receives the outcome.
func (e *Endpoint) SendRequest(req message.Message, meta *Metadata, listener ResponseListener) (*ClientRequest, error) {
	e.mu.Lock()
	if req.Token == nil {
		token := e.ids.NextToken(4)
		req.Token = append(append([]byte(nil), e.tokenPrefix...), token...)
	}
	req.MID = e.ids.NextMessageID()
	cr := &ClientRequest{
		Token:    req.Token,
		Request:  req,
		Meta:     meta,
		Listener: listener,
		mid:      req.MID,
		sentAt:   e.nowFn(),
	}
	if meta != nil {
		cr.destination = meta.DestinationAddress
	}
	e.outstanding[string(req.Token)] = cr
	e.mu.Unlock()

	if err := e.transmit(req, meta); err != nil {
		e.mu.Lock()
		delete(e.outstanding, string(req.Token))
		e.mu.Unlock()
		return nil, err
	}

	if req.Kind == message.Confirmable {
		e.armRetransmit(cr, req, meta)
	}
	return cr, nil
}

// CancelRequest stops retransmission and removes cr from the outstanding
// table; no further listener callbacks fire for it.
func (e *Endpoint) CancelRequest(cr *ClientRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr.cancelled = true
	if cr.timer != nil {
		cr.timer.Cancel()
	}
	delete(e.outstanding, string(cr.Token))
}

func (e *Endpoint) armRetransmit(cr *ClientRequest, req message.Message, meta *Metadata) {
	base := e.cfg.ACKTimeout
	jittered := time.Duration(float64(base) * (1 + rand32(e.random)*(e.cfg.ACKRandomFactor-1)))
	e.scheduleRetransmit(cr, req, meta, jittered)
}

func rand32(r RandomSource) float64 {
	return float64(r.Uint32()) / float64(1<<32)
}

func (e *Endpoint) scheduleRetransmit(cr *ClientRequest, req message.Message, meta *Metadata, after time.Duration) {
	cr.timer = e.scheduler.Schedule(after, func() {
		e.mu.Lock()
		if cr.cancelled || cr.acked {
			e.mu.Unlock()
			return
		}
		if cr.retries >= e.cfg.MaxRetransmit {
			delete(e.outstanding, string(cr.Token))
			e.mu.Unlock()
			cr.Listener.OnError(xerror.ErrTimeout)
			return
		}
		cr.retries++
		e.mu.Unlock()

		if err := e.transmit(req, meta); err != nil {
			e.log("retransmit of token %x failed: %v", cr.Token, err)
		}
		e.scheduleRetransmit(cr, req, meta, after*2)
	})
}

// transmit serializes and writes m, queuing it if the sink reports
// ErrWouldBlock.
func (e *Endpoint) transmit(m message.Message, meta *Metadata) error {
	buf, err := message.Serialize(m)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	return e.write(buf, meta)
}

func (e *Endpoint) write(buf []byte, meta *Metadata) error {
	e.mu.Lock()
	sink := e.outSink
	ready := e.sinkReady
	e.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("%w: no sink attached", xerror.ErrInvalidState)
	}
	if !ready {
		e.mu.Lock()
		e.pendingOut = append(e.pendingOut, buf)
		e.mu.Unlock()
		return nil
	}
	err := sink.Put(buf, meta)
	if errors.Is(err, xerror.ErrWouldBlock) {
		e.mu.Lock()
		e.sinkReady = false
		e.pendingOut = append(e.pendingOut, buf)
		e.mu.Unlock()
		return nil
	}
	return err
}

// onCanPut is registered with the sink via SetListener and flushes any
// datagrams queued while the transport was backpressured.
func (e *Endpoint) onCanPut() {
	e.mu.Lock()
	e.sinkReady = true
	pending := e.pendingOut
	e.pendingOut = nil
	sink := e.outSink
	e.mu.Unlock()

	for i, buf := range pending {
		if err := sink.Put(buf, nil); errors.Is(err, xerror.ErrWouldBlock) {
			e.mu.Lock()
			e.sinkReady = false
			e.pendingOut = append(pending[i:], e.pendingOut...)
			e.mu.Unlock()
			return
		} else if err != nil {
			e.log("flush of queued datagram failed: %v", err)
		}
	}
}

// Put implements Sink: it is the entry point for every inbound datagram.
func (e *Endpoint) Put(buf []byte, meta *Metadata) error {
	m, err := message.Parse(buf)
	if err != nil {
		e.log("dropping unparseable datagram: %v", err)
		return nil
	}

	switch {
	case m.Kind == message.Acknowledgement || m.Kind == message.Reset:
		e.handleAckOrReset(m)
	case m.Code.IsResponse():
		e.handleResponse(m, meta)
	case m.Code.IsRequest():
		e.handleRequest(m, meta)
	default:
		e.log("dropping message with empty/unknown code from %v", remoteAddr(meta))
	}
	return nil
}

func remoteAddr(meta *Metadata) interface{} {
	if meta == nil || meta.SourceAddress == nil {
		return "unknown"
	}
	return meta.SourceAddress
}

func (e *Endpoint) handleAckOrReset(m message.Message) {
	e.mu.Lock()
	var found *ClientRequest
	wasAcked := false
	for _, cr := range e.outstanding {
		if cr.mid == m.MID {
			found = cr
			break
		}
	}
	if found != nil {
		wasAcked = found.acked
		found.acked = true
		if found.timer != nil {
			found.timer.Cancel()
		}
		if m.Kind == message.Reset {
			delete(e.outstanding, string(found.Token))
		}
	}
	e.mu.Unlock()

	if found == nil {
		return
	}
	if m.Kind == message.Reset {
		found.Listener.OnError(xerror.ErrReset)
		return
	}
	if !wasAcked {
		found.Listener.OnAck()
	}
	if len(m.Token) > 0 || m.Code != message.Empty {
		// Piggybacked response riding the ACK.
		e.deliverResponse(found, m)
	}
}

func (e *Endpoint) handleResponse(m message.Message, meta *Metadata) {
	e.mu.Lock()
	cr, ok := e.outstanding[string(m.Token)]
	e.mu.Unlock()
	if !ok {
		e.log("response with unknown token %x, sending RST", m.Token)
		e.transmit(message.Message{Kind: message.Reset, MID: m.MID}, meta)
		return
	}
	if m.Kind == message.Confirmable {
		e.transmit(message.Message{Kind: message.Acknowledgement, MID: m.MID}, meta)
	}
	e.deliverResponse(cr, m)
}

func (e *Endpoint) deliverResponse(cr *ClientRequest, m message.Message) {
	if cr.Block2 != nil {
		if block, ok := blockwise.GetBlockOption(m.Options, cr.Block2.OptionNumber); ok {
			outcome, err := cr.Block2.HandleResponse(m)
			if err != nil {
				e.failRequest(cr, err)
				return
			}
			if bl, ok2 := cr.Listener.(BlockwiseResponseListener); ok2 {
				bl.OnResponseBlock(block, m)
			}
			if outcome == blockwise.OutcomeContinue {
				e.requestNextBlock2(cr)
				return
			}
			reassembled, err := cr.Block2.Reassembled()
			if err != nil {
				e.failRequest(cr, err)
				return
			}
			m.Payload = reassembled
		}
	}

	e.mu.Lock()
	delete(e.outstanding, string(cr.Token))
	e.mu.Unlock()
	cr.Listener.OnResponse(m)
}

func (e *Endpoint) requestNextBlock2(cr *ClientRequest) {
	opt := cr.Block2.NextBlock2Request()
	req := cr.Request
	req.Options = append(message.Options{opt}, req.Options...)
	req.MID = e.ids.NextMessageID()
	e.mu.Lock()
	cr.mid = req.MID
	e.mu.Unlock()
	if err := e.transmit(req, cr.Meta); err != nil {
		e.failRequest(cr, err)
	}
}

func (e *Endpoint) failRequest(cr *ClientRequest, err error) {
	e.mu.Lock()
	delete(e.outstanding, string(cr.Token))
	e.mu.Unlock()
	cr.Listener.OnError(err)
}

func (e *Endpoint) handleRequest(m message.Message, meta *Metadata) {
	key := dedupKey{addr: addrString(meta), mid: m.MID}
	entry, seen := e.dedup.Seen(key, e.nowFn())
	if seen {
		switch {
		case entry.hasResp:
			e.transmit(entry.response, meta)
		case m.Kind == message.Confirmable:
			// spec.md §4.2: a retransmitted CON whose response isn't ready
			// yet gets a fresh empty ACK, not a re-dispatch to the handler.
			e.transmit(message.Message{Kind: message.Acknowledgement, MID: m.MID}, meta)
		}
		return
	}

	path := splitPath(m.Options.Path())
	h, flags := e.matchHandler(path)
	if h == nil {
		resp := message.Message{
			Kind:  ackKindFor(m),
			Code:  message.NotFound,
			MID:   m.MID,
			Token: m.Token,
		}
		e.sendResponseFor(m, meta, resp)
		return
	}
	if !flags.Allows(m.Code) {
		resp := message.Message{Kind: ackKindFor(m), Code: message.MethodNotAllowed, MID: m.MID, Token: m.Token}
		e.sendResponseFor(m, meta, resp)
		return
	}

	ctx := &RequestContext{Request: m, Meta: meta, endpoint: e}

	e.mu.Lock()
	filters := append([]Filter(nil), e.filters...)
	e.mu.Unlock()

	for _, f := range filters {
		result, err := f.Filter(ctx, flags)
		if err != nil {
			e.respondInternalError(m, meta, key)
			return
		}
		switch result.Kind {
		case FilterRespond:
			e.sendResponseForDedup(m, meta, result.Response, key)
			return
		case FilterCode:
			resp := message.Message{Kind: ackKindFor(m), Code: result.Code, MID: m.MID, Token: m.Token}
			e.sendResponseForDedup(m, meta, resp, key)
			return
		}
	}

	outcome := h.HandleRequest(ctx)
	switch outcome.Kind {
	case OutcomeRespond:
		resp := outcome.Response
		resp.Token = m.Token
		e.sendResponseForDedup(m, meta, resp, key)
	case OutcomeCode:
		resp := message.Message{Kind: ackKindFor(m), Code: outcome.Code, MID: m.MID, Token: m.Token}
		e.sendResponseForDedup(m, meta, resp, key)
	case OutcomeDeferred:
		if m.Kind == message.Confirmable {
			e.transmit(message.Message{Kind: message.Acknowledgement, MID: m.MID}, meta)
		}
	case OutcomeError:
		e.log("handler error for %s: %v", m.Options.Path(), outcome.Err)
		e.respondInternalError(m, meta, key)
	}
}

func (e *Endpoint) respondInternalError(m message.Message, meta *Metadata, key dedupKey) {
	resp := message.Message{Kind: ackKindFor(m), Code: message.InternalServerError, MID: m.MID, Token: m.Token}
	e.sendResponseForDedup(m, meta, resp, key)
}

func ackKindFor(req message.Message) message.Kind {
	if req.Kind == message.Confirmable {
		return message.Acknowledgement
	}
	return message.NonConfirmable
}

// matchHandler returns the handler for path. Per spec.md §4.3, handlers are
// checked in registration order and the first match wins; a handler whose
// path is a prefix of the request path matches, so registering a shorter
// path before a longer, more specific one shadows the longer one.
func (e *Endpoint) matchHandler(path []string) (Handler, Flags) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.handlers {
		if h.matches(path) {
			return h.handler, h.flags
		}
	}
	if e.defaultHandler != nil {
		return e.defaultHandler, methodFlagsMask
	}
	return nil, 0
}

func addrString(meta *Metadata) string {
	if meta == nil || meta.SourceAddress == nil {
		return ""
	}
	return meta.SourceAddress.String()
}

// sendResponseFor transmits resp as the reply to req, recording it in the
// dedup cache so a retransmitted req gets the same response resent.
func (e *Endpoint) sendResponseFor(req message.Message, meta *Metadata, resp message.Message) error {
	key := dedupKey{addr: addrString(meta), mid: req.MID}
	return e.sendResponseForDedup(req, meta, resp, key)
}

func (e *Endpoint) sendResponseForDedup(req message.Message, meta *Metadata, resp message.Message, key dedupKey) error {
	if resp.MID == 0 {
		resp.MID = req.MID
	}
	if resp.Token == nil {
		resp.Token = req.Token
	}
	e.dedup.RecordResponse(key, resp)
	return e.transmit(resp, meta)
}
