package coap

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/coapcore/message"
	"github.com/matrix-org/coapcore/xerror"
)

// fakeTimer/fakeScheduler let tests fire retransmissions deterministically
// instead of waiting on wall-clock timers.
type fakeTimer struct {
	cancelled bool
	fn        func()
}

func (t *fakeTimer) Cancel() { t.cancelled = true }

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fireAll invokes every non-cancelled timer once, simulating one tick.
func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	pending := s.timers
	s.timers = nil
	s.mu.Unlock()
	for _, t := range pending {
		if !t.cancelled {
			t.fn()
		}
	}
}

type fixedRandom struct{}

func (fixedRandom) Uint32() uint32 { return 0 }
func (fixedRandom) Uint64() uint64 { return 0 }

// memSink is an in-memory Sink capturing every datagram Put to it.
type memSink struct {
	mu  sync.Mutex
	out [][]byte
}

func (s *memSink) Put(buf []byte, meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), buf...)
	s.out = append(s.out, cp)
	return nil
}

func (s *memSink) SetListener(func()) {}

func (s *memSink) last() message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := message.Parse(s.out[len(s.out)-1])
	return m
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

func (s *memSink) at(i int) message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := message.Parse(s.out[i])
	return m
}

func newTestEndpoint() (*Endpoint, *fakeScheduler, *memSink) {
	sched := &fakeScheduler{}
	sink := &memSink{}
	ep := New(DefaultConfig(), sched, fixedRandom{}, nil)
	ep.AttachSink(sink)
	return ep, sched, sink
}

type captureListener struct {
	acked bool
	resp  *message.Message
	err   error
}

func (l *captureListener) OnAck() { l.acked = true }
func (l *captureListener) OnResponse(m message.Message) {
	mm := m
	l.resp = &mm
}
func (l *captureListener) OnError(err error) { l.err = err }

func TestRetransmissionDoublesTimeoutUntilMaxRetransmit(t *testing.T) {
	ep, sched, sink := newTestEndpoint()
	cfg := DefaultConfig()
	cfg.MaxRetransmit = 2
	ep.cfg = cfg

	l := &captureListener{}
	req := message.Message{Kind: message.Confirmable, Code: message.GET}
	_, err := ep.SendRequest(req, nil, l)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 datagram sent, got %d", sink.count())
	}

	sched.fireAll() // retry 1
	if sink.count() != 2 {
		t.Fatalf("expected 2 datagrams after first retry, got %d", sink.count())
	}
	sched.fireAll() // retry 2
	if sink.count() != 3 {
		t.Fatalf("expected 3 datagrams after second retry, got %d", sink.count())
	}
	sched.fireAll() // exceeds MaxRetransmit: times out
	if l.err == nil {
		t.Fatalf("expected timeout error after exhausting retries")
	}
}

func TestPiggybackedResponseDeliveredOnAck(t *testing.T) {
	ep, _, sink := newTestEndpoint()
	l := &captureListener{}
	req := message.Message{Kind: message.Confirmable, Code: message.GET}
	cr, err := ep.SendRequest(req, nil, l)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	sent := sink.last()

	ack := message.Message{
		Kind:  message.Acknowledgement,
		Code:  message.Content,
		MID:   sent.MID,
		Token: cr.Token,
	}
	if err := ep.Put(mustSerialize(t, ack), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !l.acked {
		t.Fatalf("expected OnAck to fire")
	}
	if l.resp == nil {
		t.Fatalf("expected a piggybacked response")
	}
	if l.resp.Code != message.Content {
		t.Fatalf("got code %v, want %v", l.resp.Code, message.Content)
	}
}

func TestDuplicateConfirmableBeforeResponseTriggersReACK(t *testing.T) {
	ep, _, sink := newTestEndpoint()
	hits := 0
	release := make(chan struct{})
	ep.RegisterHandler("/slow", FlagGET, HandlerFunc(func(ctx *RequestContext) Outcome {
		hits++
		responder := ctx.NewResponder()
		go func() {
			<-release
			responder.Respond(message.Content, nil, nil)
		}()
		return Deferred()
	}))

	req := message.Message{Kind: message.Confirmable, Code: message.GET, MID: 9}
	req.Options = req.Options.AddString(message.URIPath, "slow")
	buf := mustSerialize(t, req)

	if err := ep.Put(buf, nil); err != nil {
		t.Fatalf("Put (original): %v", err)
	}
	if err := ep.Put(buf, nil); err != nil {
		t.Fatalf("Put (duplicate): %v", err)
	}
	close(release)

	deadline := time.After(time.Second)
	for sink.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, got %d datagrams", sink.count())
		default:
		}
	}
	if hits != 1 {
		t.Fatalf("expected the handler to be dispatched exactly once, got %d", hits)
	}
	if sink.count() != 3 {
		t.Fatalf("expected the deferral ACK, a re-ACK and the final response, got %d datagrams", sink.count())
	}
	ack := sink.at(1)
	if ack.Kind != message.Acknowledgement || ack.Code != message.Empty {
		t.Fatalf("expected the duplicate to get a bare empty ACK, got %+v", ack)
	}
}

func TestDeferredResponderSendsAsyncReply(t *testing.T) {
	ep, _, sink := newTestEndpoint()
	ep.RegisterHandler("/slow", FlagGET, HandlerFunc(func(ctx *RequestContext) Outcome {
		responder := ctx.NewResponder()
		go func() {
			opts := message.Options{}.AddUint(message.ContentFormat, uint32(message.AppJSON))
			if err := responder.Respond(message.Content, opts, []byte(`{"ok":true}`)); err != nil {
				t.Errorf("Respond: %v", err)
			}
		}()
		return Deferred()
	}))

	req := message.Message{Kind: message.NonConfirmable, Code: message.GET, MID: 42}
	req.Options = req.Options.AddString(message.URIPath, "slow")
	if err := ep.Put(mustSerialize(t, req), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	deadline := time.After(time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the deferred response")
		default:
		}
	}
	resp := sink.last()
	if resp.Code != message.Content {
		t.Fatalf("got code %v, want %v", resp.Code, message.Content)
	}
	cf, ok := resp.Options.Get(message.ContentFormat)
	if !ok || message.MediaType(cf.UintValue) != message.AppJSON {
		t.Fatalf("expected Content-Format application/json, got %+v", resp.Options)
	}
	if string(resp.Payload) != `{"ok":true}` {
		t.Fatalf("unexpected payload %q", resp.Payload)
	}
}

func TestResetDeliveredAsOnError(t *testing.T) {
	ep, _, sink := newTestEndpoint()
	l := &captureListener{}
	req := message.Message{Kind: message.Confirmable, Code: message.GET}
	if _, err := ep.SendRequest(req, nil, l); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	sent := sink.last()

	rst := message.Message{Kind: message.Reset, MID: sent.MID}
	if err := ep.Put(mustSerialize(t, rst), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if l.resp != nil {
		t.Fatalf("expected no OnResponse for a Reset")
	}
	if !errors.Is(l.err, xerror.ErrReset) {
		t.Fatalf("expected OnError(xerror.ErrReset), got %v", l.err)
	}
}

func TestPathPrefixDispatchPrefersRegistrationOrder(t *testing.T) {
	ep, _, sink := newTestEndpoint()
	var hitRoot, hitSub bool
	ep.RegisterHandler("/a", FlagGET, HandlerFunc(func(ctx *RequestContext) Outcome {
		hitRoot = true
		return RespondCode(message.Content)
	}))
	ep.RegisterHandler("/a/b", FlagGET, HandlerFunc(func(ctx *RequestContext) Outcome {
		hitSub = true
		return RespondCode(message.Content)
	}))

	req := message.Message{Kind: message.NonConfirmable, Code: message.GET, MID: 7}
	req.Options = req.Options.AddString(message.URIPath, "a")
	req.Options = req.Options.AddString(message.URIPath, "b")
	if err := ep.Put(mustSerialize(t, req), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !hitRoot || hitSub {
		t.Fatalf("expected the first-registered /a handler to win, got hitRoot=%v hitSub=%v", hitRoot, hitSub)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one response, got %d", sink.count())
	}
	if sink.last().Code != message.Content {
		t.Fatalf("unexpected response code %v", sink.last().Code)
	}
}

func TestUnmatchedPathGetsNotFound(t *testing.T) {
	ep, _, sink := newTestEndpoint()
	req := message.Message{Kind: message.NonConfirmable, Code: message.GET, MID: 9}
	req.Options = req.Options.AddString(message.URIPath, "missing")
	if err := ep.Put(mustSerialize(t, req), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if sink.last().Code != message.NotFound {
		t.Fatalf("got %v, want NotFound", sink.last().Code)
	}
}

func TestRetransmittedRequestGetsSameResponseReplayed(t *testing.T) {
	ep, _, sink := newTestEndpoint()
	calls := 0
	ep.RegisterHandler("/r", FlagGET, HandlerFunc(func(ctx *RequestContext) Outcome {
		calls++
		return RespondCode(message.Content)
	}))

	req := message.Message{Kind: message.Confirmable, Code: message.GET, MID: 42, Token: []byte{1}}
	req.Options = req.Options.AddString(message.URIPath, "r")
	buf := mustSerialize(t, req)

	if err := ep.Put(buf, nil); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := ep.Put(buf, nil); err != nil {
		t.Fatalf("Put 2 (retransmission): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler invoked exactly once, got %d", calls)
	}
	if sink.count() != 2 {
		t.Fatalf("expected both the original and replayed response, got %d datagrams", sink.count())
	}
}

func mustSerialize(t *testing.T, m message.Message) []byte {
	t.Helper()
	buf, err := message.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return buf
}
